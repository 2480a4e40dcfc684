package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/fieldsync/internal/adapters/connectivity"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/reconcile"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// View is the reconciled assessment history.
type View struct {
	Records []model.AssessmentRecord `json:"records"`
	// Sources counts the copies each store returned.
	Sources map[model.Source]int `json:"sources"`
	// Degraded lists the remote stores that could not be read.
	Degraded []model.Source `json:"degraded,omitempty"`
	Sync     *SyncSummary   `json:"sync,omitempty"`
}

// BuildView merges what the API, the document store and the device hold.
// Remote failures degrade the view; only a local failure is an error.
func (s *Service) BuildView(ctx context.Context) (View, error) {
	if err := s.ready(); err != nil {
		return View{}, err
	}
	return s.buildWith(ctx, s.probe(ctx))
}

// History builds the view, first pushing pending records when sync is set.
func (s *Service) History(ctx context.Context, sync bool) (View, error) {
	if err := s.ready(); err != nil {
		return View{}, err
	}
	probe := s.probe(ctx)
	var summary *SyncSummary
	if sync {
		sm, err := s.syncWith(context.WithoutCancel(ctx), probe)
		if err != nil {
			return View{}, err
		}
		summary = &sm
	}
	v, err := s.buildWith(ctx, probe)
	if err != nil {
		return View{}, err
	}
	v.Sync = summary
	return v, nil
}

func (s *Service) buildWith(ctx context.Context, probe connectivity.Result) (View, error) {
	start := time.Now()

	var (
		api, docs, local []model.AssessmentRecord
		degraded         []model.Source
		mu               sync.Mutex
	)
	degrade := func(src model.Source, err error) {
		if err != nil {
			s.logger.Warn(ctx, "view source unavailable", logger.String("source", string(src)), logger.Error(err))
			metrics.RecordErrorByComponent("view", string(src))
		}
		mu.Lock()
		degraded = append(degraded, src)
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		if !probe.Reachable {
			degrade(model.SourceAPI, nil)
			return nil
		}
		recs, err := s.api.List(ctx, probe.BaseURL)
		if err != nil {
			degrade(model.SourceAPI, err)
			return nil
		}
		api = recs
		return nil
	})
	g.Go(func() error {
		recs, err := s.docs.List(ctx)
		if err != nil {
			degrade(model.SourceDocument, err)
			return nil
		}
		docs = recs
		return nil
	})
	g.Go(func() error {
		recs, err := s.local.List(ctx)
		if err != nil {
			return localErr(err)
		}
		local = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error(ctx, "local records unavailable", logger.Error(err))
		return View{}, err
	}

	res := reconcile.Merge(api, docs, local)
	slices.Sort(degraded)

	metrics.UpdateViewSourceRecords(string(model.SourceAPI), len(api))
	metrics.UpdateViewSourceRecords(string(model.SourceDocument), len(docs))
	metrics.UpdateViewSourceRecords(string(model.SourceLocal), len(local))
	metrics.RecordMergedCopies(res.Folded)
	metrics.RecordViewBuild(float64(time.Since(start).Milliseconds()), len(res.Records))

	return View{
		Records: res.Records,
		Sources: map[model.Source]int{
			model.SourceAPI:      len(api),
			model.SourceDocument: len(docs),
			model.SourceLocal:    len(local),
		},
		Degraded: degraded,
	}, nil
}

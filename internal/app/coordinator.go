package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/fieldsync/internal/adapters/connectivity"
	workerpool "github.com/okian/fieldsync/internal/adapters/mq/worker"
	"github.com/okian/fieldsync/internal/adapters/remote/restapi"
	"github.com/okian/fieldsync/internal/adapters/repository"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/retry"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

const (
	localIDPrefix   = "local_"
	pushKeyPrefix   = "push:"
	scoreKeyPrefix  = "score:"
	maxErrorMessage = 512
)

var validate = validator.New()

var errAnalysisPending = errors.New("analysis still processing")

// CaptureRequest is a freshly captured assessment. Either AssessmentType or
// Category must identify what was assessed.
type CaptureRequest struct {
	ClientKey      string         `json:"clientKey,omitempty" validate:"omitempty,max=64"`
	SubjectID      string         `json:"subjectId" validate:"required,max=128"`
	AssessmentType string         `json:"assessmentType,omitempty" validate:"max=64"`
	Category       model.Category `json:"category,omitempty" validate:"omitempty,oneof=repetition jump timed_run composite"`
	MediaPath      string         `json:"mediaPath,omitempty"`
	SubmittedAt    time.Time      `json:"submittedAt,omitempty"`
}

func (r CaptureRequest) category() (model.Category, error) {
	if r.AssessmentType != "" {
		c, ok := model.CategoryFor(r.AssessmentType)
		if !ok {
			return "", fmt.Errorf("%w: unknown assessment type %q", ErrInvalidCapture, r.AssessmentType)
		}
		if r.Category != "" && r.Category != c {
			return "", fmt.Errorf("%w: %s is a %s assessment, not %s", ErrInvalidCapture, r.AssessmentType, c, r.Category)
		}
		return c, nil
	}
	if r.Category == "" {
		return "", fmt.Errorf("%w: assessmentType or category is required", ErrInvalidCapture)
	}
	return r.Category, nil
}

// StepResult is the outcome of pushing to one remote store.
type StepResult string

// Step outcomes.
const (
	StepOK      StepResult = "ok"
	StepFailed  StepResult = "failed"
	StepSkipped StepResult = "skipped"
	StepDone    StepResult = "already_done"
)

// PushReport describes what one push attempt did.
type PushReport struct {
	Reachable        bool       `json:"reachable"`
	BaseURL          string     `json:"baseUrl,omitempty"`
	Document         StepResult `json:"document"`
	API              StepResult `json:"api"`
	AnalysisAttached bool       `json:"analysisAttached"`
	AnalysisQueued   bool       `json:"analysisQueued"`
	InFlight         bool       `json:"inFlight,omitempty"`
	Gone             bool       `json:"gone,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

// Outcome summarises the report for metrics and sync summaries.
func (r PushReport) Outcome() string {
	landed := func(s StepResult) bool { return s == StepOK || s == StepDone }
	switch {
	case r.InFlight:
		return "in_flight"
	case r.Gone:
		return "gone"
	case !r.Reachable:
		return "deferred"
	case landed(r.Document) && landed(r.API):
		return "pushed"
	case landed(r.Document) || landed(r.API):
		return "partial"
	}
	return "failed"
}

// SubmitResult is returned once the capture is safe on the device.
type SubmitResult struct {
	Record   model.AssessmentRecord `json:"record"`
	Deferred bool                   `json:"deferred"`
	Report   PushReport             `json:"report"`
}

// Submit persists a capture locally and then pushes it to the document
// store and the API, best-effort. Only local persistence failures are
// returned as errors; remote failures are reflected in the record's state.
func (s *Service) Submit(ctx context.Context, req CaptureRequest) (SubmitResult, error) {
	if err := s.ready(); err != nil {
		return SubmitResult{}, err
	}
	if err := validate.Struct(req); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidCapture, err)
	}
	cat, err := req.category()
	if err != nil {
		return SubmitResult{}, err
	}

	rec, err := s.capture(ctx, req, cat)
	if err != nil {
		metrics.RecordSubmission("local_error")
		s.logger.Error(ctx, "capture not persisted", logger.String("subject_id", req.SubjectID), logger.Error(err))
		return SubmitResult{}, err
	}

	// The capture is safe; the caller can no longer abort the push.
	ctx = context.WithoutCancel(ctx)
	probe := s.probe(ctx)
	rec, report, err := s.push(ctx, rec, probe)
	if err != nil {
		metrics.RecordSubmission("local_error")
		return SubmitResult{Record: rec, Report: report}, err
	}

	metrics.RecordSubmission(report.Outcome())
	s.logger.Info(ctx, "assessment submitted",
		logger.String("id", rec.ID),
		logger.String("state", string(rec.SyncState)),
		logger.String("outcome", report.Outcome()))
	return SubmitResult{Record: rec, Deferred: !probe.Reachable, Report: report}, nil
}

func (s *Service) capture(ctx context.Context, req CaptureRequest, cat model.Category) (model.AssessmentRecord, error) {
	key := strings.TrimSpace(req.ClientKey)
	if key != "" {
		existing, err := s.local.FindByClientKey(ctx, key)
		if err == nil {
			s.logger.Debug(ctx, "capture already recorded", logger.String("client_key", key), logger.String("id", existing.ID))
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.AssessmentRecord{}, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
		}
	} else {
		key = uuid.NewString()
	}

	at := req.SubmittedAt
	if at.IsZero() {
		at = s.now()
	}
	rec := model.AssessmentRecord{
		ID:             localIDPrefix + uuid.NewString(),
		ClientKey:      key,
		SubjectID:      strings.TrimSpace(req.SubjectID),
		AssessmentType: strings.ToLower(strings.TrimSpace(req.AssessmentType)),
		Category:       cat,
		SubmittedAt:    at.UTC(),
		SyncState:      model.StateCaptured,
	}
	if err := rec.Validate(); err != nil {
		return model.AssessmentRecord{}, fmt.Errorf("%w: %w", ErrInvalidCapture, err)
	}

	if req.MediaPath != "" {
		rec.Media.LocalPath = s.local.SaveMedia(ctx, req.MediaPath)
		if rec.Media.LocalPath == "" {
			s.logger.Warn(ctx, "capture continues without media", logger.String("src", req.MediaPath))
		}
	}

	if err := s.local.Put(ctx, rec); err != nil {
		return model.AssessmentRecord{}, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	queued, err := s.local.Update(ctx, rec.ID, func(r *model.AssessmentRecord) error {
		r.SyncState = model.StateQueued
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return queued, nil
}

// push sends rec to whichever remote does not hold it yet: the document
// store first, because it assigns the canonical id, then the API. Every
// step is persisted locally before the next one starts.
func (s *Service) push(ctx context.Context, rec model.AssessmentRecord, probe connectivity.Result) (model.AssessmentRecord, PushReport, error) {
	report := PushReport{
		Reachable: probe.Reachable,
		BaseURL:   probe.BaseURL,
		Document:  StepSkipped,
		API:       StepSkipped,
	}

	guard := pushKeyPrefix + jobKey(rec)
	if s.inflight.SeenAndRecord(ctx, guard) {
		report.InFlight = true
		return rec, report, nil
	}
	defer s.inflight.Unrecord(ctx, guard)

	// rec may be a snapshot taken before another pass pushed and renamed it.
	fresh, err := s.current(ctx, rec)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		report.Gone = true
		return rec, report, nil
	case err != nil:
		return rec, report, localErr(err)
	}
	rec = fresh
	if !rec.SyncState.Pending() {
		report.Document, report.API = StepDone, StepDone
		return rec, report, nil
	}

	if rec.SyncState == model.StateCaptured {
		if rec, err = s.update(ctx, rec, func(r *model.AssessmentRecord) {
			r.SyncState = model.StateQueued
		}); err != nil {
			return rec, report, err
		}
	}

	if !probe.Reachable {
		s.scoreLocally(ctx, rec, &report)
		return rec, report, nil
	}

	if rec.Remote.Document != "" {
		report.Document = StepDone
	} else if docID, derr := s.createDocument(ctx, rec); derr != nil {
		report.Document = StepFailed
		report.Errors = append(report.Errors, "document-store: "+derr.Error())
		s.logger.Warn(ctx, "document store push failed", logger.String("id", rec.ID), logger.Error(derr))
	} else {
		report.Document = StepOK
		if rec, err = s.update(ctx, rec, func(r *model.AssessmentRecord) {
			r.ID = docID
			r.Remote.Document = docID
			r.Provenance = r.Provenance.With(model.SourceDocument)
			r.SyncState = landedState(r.Remote)
		}); err != nil {
			return rec, report, err
		}
	}

	if rec.Remote.API != "" {
		report.API = StepDone
	} else if acc, aerr := s.api.Submit(ctx, probe.BaseURL, restapi.SubmissionFor(rec)); aerr != nil {
		report.API = StepFailed
		report.Errors = append(report.Errors, "api: "+aerr.Error())
		s.logger.Warn(ctx, "api push failed", logger.String("id", rec.ID), logger.Error(aerr))
	} else {
		report.API = StepOK
		if rec, err = s.update(ctx, rec, func(r *model.AssessmentRecord) {
			r.Remote.API = acc.ID
			if r.Remote.Document == "" {
				r.ID = acc.ID
			}
			if acc.MediaURL != "" {
				r.Media.RemoteURL = acc.MediaURL
			}
			if acc.Analysis != nil {
				a := acc.Analysis.Clone()
				r.Analysis = &a
			}
			r.Provenance = r.Provenance.With(model.SourceAPI)
			r.SyncState = landedState(r.Remote)
		}); err != nil {
			return rec, report, err
		}
		if acc.Analysis != nil {
			report.AnalysisAttached = true
			metrics.RecordAnalysisAttached("api")
		}
		if rec.Remote.Document != "" {
			if err := s.docs.AttachAnalysis(ctx, rec.Remote.Document, acc.ID, acc.Analysis); err != nil {
				s.logger.Warn(ctx, "document back-fill failed", logger.String("id", rec.ID), logger.Error(err))
			}
		}
	}

	if rec, err = s.settle(ctx, rec, report); err != nil {
		return rec, report, err
	}
	if report.API == StepFailed {
		s.scoreLocally(ctx, rec, &report)
	}
	return rec, report, nil
}

// settle records the failure message and moves a record no remote accepted
// to Failed. A record one remote already holds keeps its state.
func (s *Service) settle(ctx context.Context, rec model.AssessmentRecord, report PushReport) (model.AssessmentRecord, error) {
	msg := truncate(strings.Join(report.Errors, "; "), maxErrorMessage)
	failed := rec.Remote.Document == "" && rec.Remote.API == ""
	if msg == rec.LastError && !failed {
		return rec, nil
	}
	return s.update(ctx, rec, func(r *model.AssessmentRecord) {
		r.LastError = msg
		if failed {
			r.SyncState = model.StateFailed
		}
	})
}

// current re-reads rec from the local store.
func (s *Service) current(ctx context.Context, rec model.AssessmentRecord) (model.AssessmentRecord, error) {
	if rec.ClientKey != "" {
		return s.local.FindByClientKey(ctx, rec.ClientKey)
	}
	return s.local.Get(ctx, rec.ID)
}

func (s *Service) createDocument(ctx context.Context, rec model.AssessmentRecord) (string, error) {
	// A previous attempt may have created the document before the local
	// update was persisted.
	if existing, ok, err := s.docs.FindByClientKey(ctx, rec.ClientKey); err != nil {
		return "", err
	} else if ok {
		return existing.ID, nil
	}
	return s.docs.Create(ctx, rec)
}

func (s *Service) update(ctx context.Context, rec model.AssessmentRecord, fn func(*model.AssessmentRecord)) (model.AssessmentRecord, error) {
	out, err := s.local.Update(ctx, rec.ID, func(r *model.AssessmentRecord) error {
		fn(r)
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "local update failed", logger.String("id", rec.ID), logger.Error(err))
		return rec, localErr(err)
	}
	return out, nil
}

func landedState(remote model.RemoteIDs) model.SyncState {
	if remote.Document != "" && remote.API != "" {
		return model.StatePushed
	}
	return model.StatePartiallyPushed
}

// scoreLocally queues the on-device scorer for records the API will not
// analyse.
func (s *Service) scoreLocally(ctx context.Context, rec model.AssessmentRecord, report *PushReport) {
	if rec.Analysis != nil || rec.Media.LocalPath == "" {
		return
	}
	if err := s.enqueueScoring(ctx, rec); err != nil {
		s.logger.Warn(ctx, "analysis job not queued", logger.String("id", rec.ID), logger.Error(err))
		return
	}
	report.AnalysisQueued = true
}

func (s *Service) enqueueScoring(ctx context.Context, rec model.AssessmentRecord) error {
	if rec.Media.LocalPath == "" {
		return ErrNoMedia
	}
	j := workerpool.Job{
		ClientKey:  rec.ClientKey,
		RecordID:   rec.ID,
		MediaPath:  rec.Media.LocalPath,
		Category:   rec.Category,
		EnqueuedAt: s.now(),
	}
	guard := scoreKeyPrefix + j.Key()
	if s.inflight.SeenAndRecord(ctx, guard) {
		return nil
	}
	if err := s.queue.Enqueue(ctx, j); err != nil {
		s.inflight.Unrecord(ctx, guard)
		return err
	}
	return nil
}

func (s *Service) jobFinished(ctx context.Context, j workerpool.Job, _ error) {
	s.inflight.Unrecord(ctx, scoreKeyPrefix+j.Key())
}

// AttachAnalysis stores a worker's analysis on the local record and
// back-fills the document store copy. It implements worker.Updater.
func (s *Service) AttachAnalysis(ctx context.Context, j workerpool.Job, a model.Analysis) (bool, error) {
	var (
		rec model.AssessmentRecord
		err error
	)
	// A concurrent push may rename the record between lookup and update.
	for range 2 {
		if j.ClientKey != "" {
			rec, err = s.local.FindByClientKey(ctx, j.ClientKey)
		} else {
			rec, err = s.local.Get(ctx, j.RecordID)
		}
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn(ctx, "record gone before analysis finished", logger.String("client_key", j.ClientKey))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rec, err = s.update(ctx, rec, func(r *model.AssessmentRecord) {
			r.Analysis = &a
		})
		if !errors.Is(err, repository.ErrNotFound) {
			break
		}
	}
	if err != nil {
		return false, err
	}
	if rec.Remote.Document != "" {
		if err := s.docs.AttachAnalysis(ctx, rec.Remote.Document, rec.Remote.API, &a); err != nil {
			s.logger.Warn(ctx, "document back-fill failed", logger.String("id", rec.ID), logger.Error(err))
		}
	}
	return true, nil
}

// SyncSummary counts what one sync pass did.
type SyncSummary struct {
	Reachable bool `json:"reachable"`
	Pending   int  `json:"pending"`
	Pushed    int  `json:"pushed"`
	Partial   int  `json:"partial"`
	Failed    int  `json:"failed"`
	Deferred  int  `json:"deferred"`
	InFlight  int  `json:"inFlight"`
}

func (m *SyncSummary) count(r PushReport) {
	switch r.Outcome() {
	case "pushed":
		m.Pushed++
	case "partial":
		m.Partial++
	case "failed":
		m.Failed++
	case "deferred":
		m.Deferred++
	case "in_flight":
		m.InFlight++
	}
}

// SyncPending retries every record that has not reached both remotes.
func (s *Service) SyncPending(ctx context.Context) (SyncSummary, error) {
	if err := s.ready(); err != nil {
		return SyncSummary{}, err
	}
	ctx = context.WithoutCancel(ctx)
	return s.syncWith(ctx, s.probe(ctx))
}

func (s *Service) syncWith(ctx context.Context, probe connectivity.Result) (SyncSummary, error) {
	list, err := s.local.List(ctx)
	if err != nil {
		return SyncSummary{}, localErr(err)
	}
	var pending []model.AssessmentRecord
	for _, r := range list {
		if r.SyncState.Pending() {
			pending = append(pending, r)
		}
	}
	summary := SyncSummary{Reachable: probe.Reachable, Pending: len(pending)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.syncConcurrency)
	for _, rec := range pending {
		g.Go(func() error {
			_, report, err := s.push(gctx, rec, probe)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.count(report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	if summary.Pending > 0 {
		s.logger.Info(ctx, "sync pass finished",
			logger.Bool("reachable", summary.Reachable),
			logger.Int("pending", summary.Pending),
			logger.Int("pushed", summary.Pushed),
			logger.Int("partial", summary.Partial),
			logger.Int("failed", summary.Failed))
	}
	return summary, nil
}

// Reprocess origins.
const (
	OriginAPI     = "api"
	OriginLocal   = "local"
	OriginPending = "pending"
)

// ReprocessResult reports where fresh analysis came from, if anywhere yet.
type ReprocessResult struct {
	Record model.AssessmentRecord `json:"record"`
	Origin string                 `json:"origin"`
}

// Reprocess re-runs analysis for a local record. Records the API holds are
// reprocessed there and polled under the retry policy; the rest are
// re-scored on the device.
func (s *Service) Reprocess(ctx context.Context, id string) (ReprocessResult, error) {
	if err := s.ready(); err != nil {
		return ReprocessResult{}, err
	}
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return ReprocessResult{}, localErr(err)
	}
	ctx = context.WithoutCancel(ctx)

	if rec.Remote.API != "" {
		if probe := s.probe(ctx); probe.Reachable {
			res, handled, err := s.reprocessRemote(ctx, rec, probe.BaseURL)
			if err != nil || handled {
				return res, err
			}
		}
	}

	if err := s.enqueueScoring(ctx, rec); err != nil {
		if errors.Is(err, ErrNoMedia) {
			return ReprocessResult{Record: rec, Origin: OriginPending}, err
		}
		s.logger.Warn(ctx, "reprocess job not queued", logger.String("id", rec.ID), logger.Error(err))
		return ReprocessResult{Record: rec, Origin: OriginPending}, nil
	}
	return ReprocessResult{Record: rec, Origin: OriginLocal}, nil
}

func (s *Service) reprocessRemote(ctx context.Context, rec model.AssessmentRecord, baseURL string) (ReprocessResult, bool, error) {
	apiID := rec.Remote.API
	if err := s.api.Reprocess(ctx, baseURL, apiID); err != nil {
		s.logger.Warn(ctx, "api reprocess failed, scoring locally", logger.String("api_id", apiID), logger.Error(err))
		return ReprocessResult{}, false, nil
	}

	polled, err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) (model.AssessmentRecord, error) {
		got, err := s.api.Get(ctx, baseURL, apiID)
		switch {
		case errors.Is(err, restapi.ErrNotFound):
			return got, retry.Permanent(err)
		case err != nil:
			return got, err
		case got.Analysis == nil:
			return got, errAnalysisPending
		}
		return got, nil
	}, func(err error, wait time.Duration) {
		metrics.RecordRetryAttempt("reprocess_poll")
		s.logger.Debug(ctx, "polling for analysis", logger.String("api_id", apiID), logger.Duration("wait", wait), logger.Error(err))
	})
	if errors.Is(err, restapi.ErrNotFound) {
		return ReprocessResult{}, false, nil
	}
	if err != nil {
		s.logger.Info(ctx, "analysis not ready yet", logger.String("api_id", apiID), logger.Error(err))
		return ReprocessResult{Record: rec, Origin: OriginPending}, true, nil
	}

	updated, err := s.update(ctx, rec, func(r *model.AssessmentRecord) {
		a := polled.Analysis.Clone()
		r.Analysis = &a
	})
	if err != nil {
		return ReprocessResult{Record: rec}, true, err
	}
	metrics.RecordAnalysisAttached("api")
	if updated.Remote.Document != "" {
		if err := s.docs.AttachAnalysis(ctx, updated.Remote.Document, apiID, updated.Analysis); err != nil {
			s.logger.Warn(ctx, "document back-fill failed", logger.String("id", updated.ID), logger.Error(err))
		}
	}
	return ReprocessResult{Record: updated, Origin: OriginAPI}, true, nil
}

func (s *Service) probe(ctx context.Context) connectivity.Result {
	return s.prober.Probe(ctx, s.candidates, s.probeTimeout, s.probeBudget)
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func jobKey(rec model.AssessmentRecord) string {
	if rec.ClientKey != "" {
		return rec.ClientKey
	}
	return rec.ID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

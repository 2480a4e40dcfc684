package service_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/fieldsync/internal/adapters/connectivity"
	"github.com/okian/fieldsync/internal/adapters/remote/docstore"
	"github.com/okian/fieldsync/internal/adapters/remote/restapi"
	"github.com/okian/fieldsync/internal/adapters/repository"
	service "github.com/okian/fieldsync/internal/app"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/retry"
	"github.com/okian/fieldsync/pkg/logger"
)

var errDown = errors.New("remote unavailable")

type fakeProber struct {
	reachable atomic.Bool
}

func (p *fakeProber) Probe(context.Context, []string, time.Duration, time.Duration) connectivity.Result {
	if !p.reachable.Load() {
		return connectivity.Result{}
	}
	return connectivity.Result{Reachable: true, BaseURL: "http://api.test"}
}

// fakeAPI is an in-memory stand-in for the assessment API.
type fakeAPI struct {
	mu          sync.Mutex
	seq         int
	records     map[string]model.AssessmentRecord
	order       []string
	down        bool
	inline      *model.Analysis
	onReprocess *model.Analysis
	submissions []restapi.Submission
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: map[string]model.AssessmentRecord{}}
}

func (f *fakeAPI) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAPI) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeAPI) Submit(_ context.Context, _ string, sub restapi.Submission) (restapi.Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return restapi.Accepted{}, errDown
	}
	f.seq++
	id := fmt.Sprintf("api-%d", f.seq)
	f.submissions = append(f.submissions, sub)
	rec := model.AssessmentRecord{
		ID:             id,
		ClientKey:      sub.ClientKey,
		SubjectID:      sub.SubjectID,
		AssessmentType: sub.AssessmentType,
		Category:       sub.Category,
		SubmittedAt:    sub.SubmittedAt,
		Media:          model.MediaRef{RemoteURL: "https://media.test/" + id},
		Remote:         model.RemoteIDs{API: id, Document: sub.DocumentID},
		Provenance:     model.NewProvenance(model.SourceAPI),
	}
	if f.inline != nil {
		a := f.inline.Clone()
		rec.Analysis = &a
	}
	f.records[id] = rec
	f.order = append(f.order, id)
	return restapi.Accepted{ID: id, Status: restapi.StatusPending, MediaURL: rec.Media.RemoteURL, Analysis: rec.Analysis}, nil
}

func (f *fakeAPI) List(context.Context, string) ([]model.AssessmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDown
	}
	out := make([]model.AssessmentRecord, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id].Clone())
	}
	return out, nil
}

func (f *fakeAPI) Get(_ context.Context, _ string, id string) (model.AssessmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return model.AssessmentRecord{}, errDown
	}
	rec, ok := f.records[id]
	if !ok {
		return model.AssessmentRecord{}, restapi.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeAPI) Reprocess(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	rec, ok := f.records[id]
	if !ok {
		return restapi.ErrNotFound
	}
	if f.onReprocess != nil {
		a := f.onReprocess.Clone()
		rec.Analysis = &a
		f.records[id] = rec
	}
	return nil
}

// flakyDocs is a memory document store that can be taken offline.
type flakyDocs struct {
	*docstore.Memory
	down atomic.Bool
}

func (f *flakyDocs) Create(ctx context.Context, collection string, data docstore.Fields) (docstore.Document, error) {
	if f.down.Load() {
		return docstore.Document{}, errDown
	}
	return f.Memory.Create(ctx, collection, data)
}

func (f *flakyDocs) Update(ctx context.Context, collection, id string, patch docstore.Fields) (docstore.Document, error) {
	if f.down.Load() {
		return docstore.Document{}, errDown
	}
	return f.Memory.Update(ctx, collection, id, patch)
}

func (f *flakyDocs) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if f.down.Load() {
		return nil, errDown
	}
	return f.Memory.Query(ctx, collection, q)
}

// brokenLocal fails every write and read it is asked for.
type brokenLocal struct {
	repository.Store
}

func (brokenLocal) Put(context.Context, model.AssessmentRecord) error {
	return errors.New("disk full")
}

func (brokenLocal) List(context.Context) ([]model.AssessmentRecord, error) {
	return nil, errors.New("disk gone")
}

// replayingLocal answers List with a fixed snapshot once one is set, so a
// sync pass can work from records another pass has since changed.
type replayingLocal struct {
	repository.Store

	mu       sync.Mutex
	snapshot []model.AssessmentRecord
}

func newReplayingLocal(t *testing.T) *replayingLocal {
	t.Helper()
	store, err := repository.NewLocalStore(context.Background(), t.TempDir(), repository.WithInMemory(true))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &replayingLocal{Store: store}
}

func (r *replayingLocal) replay(list []model.AssessmentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = list
}

func (r *replayingLocal) List(ctx context.Context) ([]model.AssessmentRecord, error) {
	r.mu.Lock()
	snap := r.snapshot
	r.mu.Unlock()
	if snap == nil {
		return r.Store.List(ctx)
	}
	return append([]model.AssessmentRecord(nil), snap...), nil
}

type harness struct {
	svc    *service.Service
	prober *fakeProber
	api    *fakeAPI
	docs   *flakyDocs
}

func newHarness(t *testing.T, opts ...service.Option) *harness {
	t.Helper()
	h := &harness{prober: &fakeProber{}, api: newFakeAPI(), docs: &flakyDocs{Memory: docstore.NewMemory()}}
	base := []service.Option{
		service.WithDataDir(t.TempDir()),
		service.WithInMemoryStore(true),
		service.WithDocumentStore(h.docs),
		service.WithAPIClient(h.api),
		service.WithProber(h.prober),
		service.WithWorkerCount(2),
		service.WithScoringLatencyRange(0, 0),
		service.WithRetryPolicy(retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		}),
		service.WithLogger(logger.Nop()),
	}
	h.svc = service.New(append(base, opts...)...)
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() { h.svc.Stop(context.Background()) })
	return h
}

func mediaFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(p, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return p
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

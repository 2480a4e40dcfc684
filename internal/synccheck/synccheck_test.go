package synccheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/fieldsync/pkg/logger"
)

// fakeDaemon stores captures and serves them back newest first.
type fakeDaemon struct {
	mu        sync.Mutex
	records   []Record
	duplicate bool
	deferred  bool
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("POST /assessments", func(w http.ResponseWriter, r *http.Request) {
		var c Capture
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records = append(f.records, Record{ID: "local_" + c.ClientKey, ClientKey: c.ClientKey, SubjectID: c.SubjectID, SubmittedAt: c.SubmittedAt})
		f.mu.Unlock()
		if f.deferred {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /assessments", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		recs := slices.Clone(f.records)
		f.mu.Unlock()
		slices.SortFunc(recs, func(a, b Record) int { return b.SubmittedAt.Compare(a.SubmittedAt) })
		if f.duplicate && len(recs) > 0 {
			recs = append([]Record{recs[0]}, recs...)
		}
		_ = json.NewEncoder(w).Encode(View{Records: recs})
	})
	return mux
}

func TestGenerateCaptures(t *testing.T) {
	Convey("Given a generator config", t, func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		caps := generateCaptures(&Config{Captures: 50, Subjects: 5}, now)

		Convey("Then keys and timestamps are unique", func() {
			So(caps, ShouldHaveLength, 50)
			keys := map[string]bool{}
			times := map[time.Time]bool{}
			for _, c := range caps {
				keys[c.ClientKey] = true
				times[c.SubmittedAt] = true
				So(assessmentTypes, ShouldContain, c.AssessmentType)
			}
			So(keys, ShouldHaveLength, 50)
			So(times, ShouldHaveLength, 50)
		})
	})
}

func TestVerifyHistory(t *testing.T) {
	Convey("Given submitted captures", t, func() {
		t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		caps := []Capture{{ClientKey: "a", SubmittedAt: t0}, {ClientKey: "b", SubmittedAt: t0.Add(-time.Second)}}

		Convey("When each appears once newest first", func() {
			view := View{Records: []Record{
				{ID: "x", ClientKey: "other", SubmittedAt: t0.Add(time.Hour)},
				{ID: "1", ClientKey: "a", SubmittedAt: t0},
				{ID: "2", ClientKey: "b", SubmittedAt: t0.Add(-time.Second)},
			}}
			So(verifyHistory(caps, view), ShouldBeNil)
		})

		Convey("When one is missing", func() {
			err := verifyHistory(caps, View{Records: []Record{{ID: "1", ClientKey: "a", SubmittedAt: t0}}})
			So(errors.Is(err, ErrVerification), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "capture b missing")
		})

		Convey("When one is duplicated", func() {
			err := verifyHistory(caps, View{Records: []Record{
				{ID: "1", ClientKey: "a", SubmittedAt: t0},
				{ID: "1b", ClientKey: "a", SubmittedAt: t0},
				{ID: "2", ClientKey: "b", SubmittedAt: t0.Add(-time.Second)},
			}})
			So(err.Error(), ShouldContainSubstring, "appears 2 times")
		})

		Convey("When the order is wrong", func() {
			err := verifyHistory(caps, View{Records: []Record{
				{ID: "2", ClientKey: "b", SubmittedAt: t0.Add(-time.Second)},
				{ID: "1", ClientKey: "a", SubmittedAt: t0},
			}})
			So(err.Error(), ShouldContainSubstring, "is newer than")
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a daemon", t, func() {
		ctx := context.Background()
		fake := &fakeDaemon{}
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()
		cfg := &Config{BaseURL: srv.URL, Captures: 30, Subjects: 3, Workers: 4, Timeout: 5 * time.Second, Sync: true}

		Convey("When it stores every capture once", func() {
			stats, err := Run(ctx, cfg, logger.Nop())

			So(err, ShouldBeNil)
			So(stats.Generated, ShouldEqual, 30)
			So(stats.Pushed, ShouldEqual, 30)
			So(stats.InHistory, ShouldEqual, 30)
		})

		Convey("When it defers captures", func() {
			fake.deferred = true
			stats, err := Run(ctx, cfg, logger.Nop())

			So(err, ShouldBeNil)
			So(stats.Deferred, ShouldEqual, 30)
		})

		Convey("When it returns a capture twice", func() {
			fake.duplicate = true
			_, err := Run(ctx, cfg, logger.Nop())

			So(errors.Is(err, ErrVerification), ShouldBeTrue)
		})
	})

	Convey("Given no daemon", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		_, err := Run(context.Background(), &Config{BaseURL: srv.URL, Captures: 1, Timeout: time.Second}, logger.Nop())
		So(errors.Is(err, ErrUnhealthy), ShouldBeTrue)
	})
}

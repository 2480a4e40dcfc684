package reconcile_test

import (
	"testing"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/reconcile"
	. "github.com/smartystreets/goconvey/convey"
)

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func reps(n int) *model.Analysis {
	return &model.Analysis{Kind: model.CategoryRepetition, TechniqueScore: 0.8, Repetition: &model.RepetitionAnalysis{Count: n}}
}

func rec(id, subject string, ts int64) model.AssessmentRecord {
	return model.AssessmentRecord{
		ID:          id,
		SubjectID:   subject,
		Category:    model.CategoryRepetition,
		SubmittedAt: at(ts),
		UpdatedAt:   at(ts),
	}
}

func TestMergePrecedence(t *testing.T) {
	Convey("Given the same record in the API and the document store", t, func() {
		api := rec("doc-1", "athlete-1", 100)
		api.Media.RemoteURL = "https://cdn/api.mp4"
		doc := rec("doc-1", "athlete-1", 100)
		doc.Media.RemoteURL = "https://cdn/doc.mp4"
		doc.Analysis = reps(14)

		Convey("When merging with analysis only on the document copy", func() {
			res := reconcile.Merge([]model.AssessmentRecord{api}, []model.AssessmentRecord{doc}, nil)

			Convey("Then one record keeps the API fields and the document analysis", func() {
				So(len(res.Records), ShouldEqual, 1)
				got := res.Records[0]
				So(got.Media.RemoteURL, ShouldEqual, "https://cdn/api.mp4")
				So(got.Analysis, ShouldNotBeNil)
				So(got.Analysis.Repetition.Count, ShouldEqual, 14)
				So(got.Provenance, ShouldResemble, model.NewProvenance(model.SourceAPI, model.SourceDocument))
				So(res.Folded, ShouldEqual, 1)
			})
		})

		Convey("When both copies carry analysis", func() {
			api.Analysis = reps(20)
			res := reconcile.Merge([]model.AssessmentRecord{api}, []model.AssessmentRecord{doc}, nil)

			Convey("Then the API analysis wins", func() {
				So(res.Records[0].Analysis.Repetition.Count, ShouldEqual, 20)
			})
		})
	})
}

func TestMergeLocalCopies(t *testing.T) {
	Convey("Given a local record that was pushed to both remotes", t, func() {
		local := rec("doc-9", "athlete-2", 200)
		local.ClientKey = "ck-9"
		local.Media.LocalPath = "/media/a.mp4"
		local.SyncState = model.StatePushed
		local.Remote = model.RemoteIDs{Document: "doc-9", API: "api-9"}
		local.Provenance = model.NewProvenance(model.SourceLocal, model.SourceDocument, model.SourceAPI)

		api := rec("api-9", "athlete-2", 200)
		api.ClientKey = "ck-9"
		doc := rec("doc-9", "athlete-2", 200)

		Convey("When merging all three", func() {
			res := reconcile.Merge([]model.AssessmentRecord{api}, []model.AssessmentRecord{doc}, []model.AssessmentRecord{local})

			Convey("Then it appears once under the document id with the local media path", func() {
				So(len(res.Records), ShouldEqual, 1)
				got := res.Records[0]
				So(got.ID, ShouldEqual, "doc-9")
				So(got.Remote.API, ShouldEqual, "api-9")
				So(got.Media.LocalPath, ShouldEqual, "/media/a.mp4")
				So(got.SyncState, ShouldEqual, model.StatePushed)
				So(len(got.Provenance), ShouldEqual, 3)
			})
		})
	})

	Convey("Given a record that only the device holds", t, func() {
		local := rec("local_1", "athlete-3", 300)
		local.SyncState = model.StateQueued

		Convey("When every remote fetch came back empty", func() {
			res := reconcile.Merge(nil, nil, []model.AssessmentRecord{local})

			Convey("Then the record is still in the view", func() {
				So(len(res.Records), ShouldEqual, 1)
				So(res.Records[0].ID, ShouldEqual, "local_1")
				So(res.Records[0].SyncState, ShouldEqual, model.StateQueued)
				So(res.Records[0].Provenance, ShouldResemble, model.Provenance{model.SourceLocal})
			})
		})
	})

	Convey("Given two local records for the same subject on the same day", t, func() {
		a := rec("local_a", "athlete-4", 400)
		a.ClientKey = "ck-a"
		b := rec("local_b", "athlete-4", 460)
		b.ClientKey = "ck-b"

		Convey("When merging", func() {
			res := reconcile.Merge(nil, nil, []model.AssessmentRecord{a, b})

			Convey("Then neither is dropped", func() {
				So(len(res.Records), ShouldEqual, 2)
			})
		})
	})

	Convey("Given an offline record and a remote copy without ids in common", t, func() {
		local := rec("local_5", "athlete-5", 500)
		local.SyncState = model.StateQueued
		remote := rec("doc-5", "athlete-5", 520)

		Convey("When they share subject, category and day", func() {
			res := reconcile.Merge(nil, []model.AssessmentRecord{remote}, []model.AssessmentRecord{local})

			Convey("Then the fallback heuristic folds them", func() {
				So(len(res.Records), ShouldEqual, 1)
				So(res.Records[0].ID, ShouldEqual, "doc-5")
				So(res.Records[0].Provenance.Has(model.SourceLocal), ShouldBeTrue)
			})
		})

		Convey("When they carry different client keys", func() {
			local.ClientKey = "ck-local"
			remote.ClientKey = "ck-remote"
			res := reconcile.Merge(nil, []model.AssessmentRecord{remote}, []model.AssessmentRecord{local})

			Convey("Then they stay apart", func() {
				So(len(res.Records), ShouldEqual, 2)
			})
		})

		Convey("When they fall on different days", func() {
			remote.SubmittedAt = local.SubmittedAt.Add(48 * time.Hour)
			res := reconcile.Merge(nil, []model.AssessmentRecord{remote}, []model.AssessmentRecord{local})

			Convey("Then they stay apart", func() {
				So(len(res.Records), ShouldEqual, 2)
			})
		})
	})

	Convey("Given a remote-only record present in one store", t, func() {
		doc := rec("doc-7", "athlete-7", 700)

		Convey("Then it is reported as partially pushed", func() {
			res := reconcile.Merge(nil, []model.AssessmentRecord{doc}, nil)
			So(res.Records[0].SyncState, ShouldEqual, model.StatePartiallyPushed)
		})
	})
}

func TestMergeOrdering(t *testing.T) {
	Convey("Given records with distinct capture times spread over the sources", t, func() {
		api := []model.AssessmentRecord{rec("api-1", "s1", 50), rec("api-2", "s2", 400)}
		docs := []model.AssessmentRecord{rec("doc-1", "s3", 300)}
		local := []model.AssessmentRecord{rec("local_1", "s4", 100), rec("local_2", "s5", 200)}

		Convey("When merging", func() {
			res := reconcile.Merge(api, docs, local)

			Convey("Then output is strictly descending by submittedAt", func() {
				So(len(res.Records), ShouldEqual, 5)
				for i := 1; i < len(res.Records); i++ {
					So(res.Records[i-1].SubmittedAt.After(res.Records[i].SubmittedAt), ShouldBeTrue)
				}
			})

			Convey("And a second merge of the same inputs is identical", func() {
				again := reconcile.Merge(api, docs, local)
				So(again.Records, ShouldResemble, res.Records)
			})

			Convey("And input order does not matter", func() {
				shuffled := reconcile.Merge(
					[]model.AssessmentRecord{api[1], api[0]},
					docs,
					[]model.AssessmentRecord{local[1], local[0]},
				)
				So(shuffled.Records, ShouldResemble, res.Records)
			})
		})
	})

	Convey("Given records captured at the same instant", t, func() {
		a := rec("doc-b", "x", 10)
		a.Remote.Document = "doc-b"
		b := rec("doc-a", "y", 10)
		b.Remote.Document = "doc-a"

		Convey("Then ties break by merge key", func() {
			res := reconcile.Merge(nil, []model.AssessmentRecord{a, b}, nil)
			So(res.Records[0].ID, ShouldEqual, "doc-a")
			So(res.Records[1].ID, ShouldEqual, "doc-b")
		})
	})
}

func TestKeys(t *testing.T) {
	Convey("Given a record without remote ids", t, func() {
		r := rec("local_1", "athlete-1", 86400+3600)

		Convey("Then the merge key is the composite key", func() {
			So(reconcile.MergeKey(r), ShouldEqual, "athlete-1|repetition|1970-01-02")
		})

		Convey("When a remote id is assigned", func() {
			r.Remote.Document = "doc-1"

			Convey("Then the merge key is that id", func() {
				So(reconcile.MergeKey(r), ShouldEqual, "doc-1")
			})
		})
	})
}

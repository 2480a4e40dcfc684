package model_test

import (
	"errors"
	"math"
	"testing"
	"time"

	model "github.com/okian/fieldsync/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestCategories(t *testing.T) {
	convey.Convey("Given the assessment type table", t, func() {
		convey.Convey("When resolving known types", func() {
			convey.Convey("Then each maps to its category", func() {
				cases := map[string]model.Category{
					"push-ups":      model.CategoryRepetition,
					"Sit-Ups":       model.CategoryRepetition,
					"vertical-jump": model.CategoryJump,
					"shuttle-run":   model.CategoryTimedRun,
					"endurance-run": model.CategoryTimedRun,
					"height-weight": model.CategoryComposite,
				}
				for typ, want := range cases {
					got, ok := model.CategoryFor(typ)
					convey.So(ok, convey.ShouldBeTrue)
					convey.So(got, convey.ShouldEqual, want)
				}
			})
		})

		convey.Convey("When resolving an unknown type", func() {
			_, ok := model.CategoryFor("juggling")

			convey.Convey("Then it is rejected", func() {
				convey.So(ok, convey.ShouldBeFalse)
				convey.So(model.Category("juggling").Valid(), convey.ShouldBeFalse)
			})
		})

		convey.Convey("When listing types", func() {
			types := model.AssessmentTypes()

			convey.Convey("Then they come back sorted", func() {
				convey.So(len(types), convey.ShouldEqual, 6)
				convey.So(types[0], convey.ShouldEqual, "endurance-run")
			})
		})
	})
}

func TestSyncStateTransitions(t *testing.T) {
	convey.Convey("Given the sync state machine", t, func() {
		convey.Convey("Then only documented steps are allowed", func() {
			convey.So(model.CanTransition(model.StateCaptured, model.StateQueued), convey.ShouldBeTrue)
			convey.So(model.CanTransition(model.StateQueued, model.StatePartiallyPushed), convey.ShouldBeTrue)
			convey.So(model.CanTransition(model.StatePartiallyPushed, model.StatePushed), convey.ShouldBeTrue)
			convey.So(model.CanTransition(model.StateQueued, model.StateFailed), convey.ShouldBeTrue)
			convey.So(model.CanTransition(model.StatePartiallyPushed, model.StatePartiallyPushed), convey.ShouldBeTrue)

			convey.So(model.CanTransition(model.StateCaptured, model.StatePushed), convey.ShouldBeFalse)
			convey.So(model.CanTransition(model.StateQueued, model.StatePushed), convey.ShouldBeFalse)
			convey.So(model.CanTransition(model.StatePushed, model.StateQueued), convey.ShouldBeFalse)
		})

		convey.Convey("Then only pushed records are settled", func() {
			convey.So(model.StatePushed.Pending(), convey.ShouldBeFalse)
			convey.So(model.StatePartiallyPushed.Pending(), convey.ShouldBeTrue)
			convey.So(model.StateFailed.Pending(), convey.ShouldBeTrue)
		})
	})
}

func TestProvenance(t *testing.T) {
	convey.Convey("Given provenance sets", t, func() {
		p := model.NewProvenance(model.SourceLocal, model.SourceAPI, model.SourceLocal)

		convey.Convey("Then duplicates collapse and order is stable", func() {
			convey.So(p, convey.ShouldResemble, model.Provenance{model.SourceAPI, model.SourceLocal})
		})

		convey.Convey("When taking a union", func() {
			u := p.Union(model.NewProvenance(model.SourceDocument))

			convey.Convey("Then all sources are present and the input is untouched", func() {
				convey.So(u.Has(model.SourceDocument), convey.ShouldBeTrue)
				convey.So(len(u), convey.ShouldEqual, 3)
				convey.So(p.Has(model.SourceDocument), convey.ShouldBeFalse)
			})
		})

		convey.Convey("Then precedence ranks api over document store over local", func() {
			convey.So(model.SourceAPI.Rank(), convey.ShouldBeGreaterThan, model.SourceDocument.Rank())
			convey.So(model.SourceDocument.Rank(), convey.ShouldBeGreaterThan, model.SourceLocal.Rank())
		})
	})
}

func TestRecordValidate(t *testing.T) {
	convey.Convey("Given an assessment record", t, func() {
		rec := model.AssessmentRecord{
			ID:          "local_1",
			SubjectID:   "athlete-7",
			Category:    model.CategoryRepetition,
			SubmittedAt: time.Unix(100, 0),
		}

		convey.Convey("When it is complete", func() {
			convey.Convey("Then it validates", func() {
				convey.So(rec.Validate(), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the subject is missing", func() {
			rec.SubjectID = " "

			convey.Convey("Then validation fails with the record sentinel", func() {
				convey.So(errors.Is(rec.Validate(), model.ErrInvalidRecord), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the capture time is missing", func() {
			rec.SubmittedAt = time.Time{}

			convey.Convey("Then validation fails", func() {
				convey.So(rec.Validate(), convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When cloning a record with analysis", func() {
			rec.Analysis = &model.Analysis{
				Kind:       model.CategoryJump,
				Jump:       &model.JumpAnalysis{Attempts: 2, HeightsCM: []float64{40, 50}, AverageHeightCM: 45},
				Notes:      "ok",
				Repetition: nil,
			}
			rec.Provenance = model.NewProvenance(model.SourceLocal)
			cp := rec.Clone()
			cp.Analysis.Jump.HeightsCM[0] = 99
			cp.Provenance[0] = model.SourceAPI

			convey.Convey("Then the original is not aliased", func() {
				convey.So(rec.Analysis.Jump.HeightsCM[0], convey.ShouldEqual, 40)
				convey.So(rec.Provenance[0], convey.ShouldEqual, model.SourceLocal)
			})
		})
	})
}

func TestAnalysisValidate(t *testing.T) {
	convey.Convey("Given analysis values", t, func() {
		convey.Convey("When the variant matches the kind", func() {
			a := model.Analysis{Kind: model.CategoryRepetition, TechniqueScore: 0.8, Repetition: &model.RepetitionAnalysis{Count: 12}}

			convey.Convey("Then it validates and reports its magnitude", func() {
				convey.So(a.Validate(), convey.ShouldBeNil)
				convey.So(a.Magnitude(), convey.ShouldEqual, 12)
			})
		})

		convey.Convey("When the variant does not match the kind", func() {
			a := model.Analysis{Kind: model.CategoryJump, Repetition: &model.RepetitionAnalysis{Count: 3}}

			convey.Convey("Then it is rejected", func() {
				convey.So(errors.Is(a.Validate(), model.ErrInvalidAnalysis), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When two variants are set", func() {
			a := model.Analysis{
				Kind:       model.CategoryRepetition,
				Repetition: &model.RepetitionAnalysis{Count: 3},
				Composite:  &model.CompositeAnalysis{HeightCM: 170, WeightKG: 60},
			}

			convey.Convey("Then it is rejected", func() {
				convey.So(a.Validate(), convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When the technique score is out of range", func() {
			for _, score := range []float64{-0.1, 1.01, math.NaN()} {
				a := model.Analysis{Kind: model.CategoryRepetition, TechniqueScore: score, Repetition: &model.RepetitionAnalysis{}}
				convey.So(a.Validate(), convey.ShouldNotBeNil)
			}
		})

		convey.Convey("When composite values are infinite", func() {
			a := model.Analysis{Kind: model.CategoryComposite, Composite: &model.CompositeAnalysis{HeightCM: math.Inf(1)}}

			convey.Convey("Then it is rejected", func() {
				convey.So(a.Validate(), convey.ShouldNotBeNil)
			})
		})
	})
}

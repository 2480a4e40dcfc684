package restapi

import (
	"encoding/json"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/scoring"
)

// Status values written by the API. A Processing record's aiAnalysis, if
// any, is a placeholder.
const (
	StatusProcessing = "Processing"
	StatusPending    = "Pending"
	StatusFailed     = "Failed"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WireAnalysis is the loosely shaped analysis the API returns.
type WireAnalysis struct {
	RepCount       float64   `json:"aiRepCount"`
	TechniqueScore float64   `json:"aiTechniqueScore"`
	Notes          string    `json:"aiNotes,omitempty"`
	ProcessingTime float64   `json:"processingTime,omitempty"`
	JumpHeights    []float64 `json:"jumpHeights,omitempty"`
	Distance       float64   `json:"distance,omitempty"`
	Duration       float64   `json:"duration,omitempty"`
	Speed          float64   `json:"speed,omitempty"`
	Height         float64   `json:"height,omitempty"`
	Weight         float64   `json:"weight,omitempty"`
	BMI            float64   `json:"bmi,omitempty"`
}

type wireRecord struct {
	ID             string        `json:"id"`
	ClientKey      string        `json:"clientKey,omitempty"`
	AthleteID      string        `json:"athleteId"`
	AssessmentType string        `json:"assessmentType,omitempty"`
	Category       string        `json:"category,omitempty"`
	VideoURL       string        `json:"videoUrl,omitempty"`
	SubmissionDate time.Time     `json:"submissionDate"`
	Status         string        `json:"status,omitempty"`
	AIAnalysis     *WireAnalysis `json:"aiAnalysis,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt,omitempty"`
	DocumentID     string        `json:"documentId,omitempty"`
}

func (w wireRecord) category() model.Category {
	if c := model.Category(w.Category); c.Valid() {
		return c
	}
	c, _ := model.CategoryFor(w.AssessmentType)
	return c
}

func (w wireRecord) record() model.AssessmentRecord {
	return model.AssessmentRecord{
		ID:             w.ID,
		ClientKey:      w.ClientKey,
		SubjectID:      w.AthleteID,
		AssessmentType: w.AssessmentType,
		Category:       w.category(),
		Media:          model.MediaRef{RemoteURL: w.VideoURL},
		SubmittedAt:    w.SubmissionDate.UTC(),
		UpdatedAt:      w.UpdatedAt.UTC(),
		Remote:         model.RemoteIDs{API: w.ID, Document: w.DocumentID},
		Provenance:     model.NewProvenance(model.SourceAPI),
	}
}

// analysis converts the wire analysis into the typed union. A record that is
// still processing carries no analysis.
func (w wireRecord) analysis(cat model.Category) (*model.Analysis, error) {
	if w.AIAnalysis == nil || w.Status == StatusProcessing {
		return nil, nil
	}
	a, err := w.AIAnalysis.Typed(cat)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Typed validates the wire analysis and converts it for category.
func (wa WireAnalysis) Typed(cat model.Category) (model.Analysis, error) {
	res := scoring.Result{
		RepetitionOrMagnitude: wa.RepCount,
		TechniqueScore:        wa.TechniqueScore,
		Notes:                 wa.Notes,
		Samples:               wa.JumpHeights,
		DistanceM:             wa.Distance,
		DurationSec:           wa.Duration,
		HeightCM:              wa.Height,
		WeightKG:              wa.Weight,
	}
	a, err := scoring.Ingest(cat, res)
	if err != nil {
		return model.Analysis{}, err
	}
	a.ProcessingSeconds = wa.ProcessingTime
	return a, nil
}

// FromAnalysis flattens a typed analysis into the API's wire shape.
func FromAnalysis(a model.Analysis) WireAnalysis {
	wa := WireAnalysis{
		TechniqueScore: a.TechniqueScore,
		Notes:          a.Notes,
		ProcessingTime: a.ProcessingSeconds,
	}
	switch {
	case a.Repetition != nil:
		wa.RepCount = float64(a.Repetition.Count)
	case a.Jump != nil:
		wa.RepCount = a.Jump.AverageHeightCM
		wa.JumpHeights = append([]float64(nil), a.Jump.HeightsCM...)
	case a.TimedRun != nil:
		wa.RepCount = float64(a.TimedRun.Laps)
		wa.Distance = a.TimedRun.DistanceM
		wa.Duration = a.TimedRun.DurationSec
		wa.Speed = a.TimedRun.SpeedMPS
	case a.Composite != nil:
		wa.Height = a.Composite.HeightCM
		wa.Weight = a.Composite.WeightKG
		wa.BMI = a.Composite.BMI
	}
	return wa
}

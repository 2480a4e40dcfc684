package model

import (
	"fmt"
	"math"
	"slices"
)

// RepetitionAnalysis is the result for counted exercises such as push-ups.
type RepetitionAnalysis struct {
	Count int `json:"count"`
}

// JumpAnalysis is the result for jump tests.
type JumpAnalysis struct {
	Attempts        int       `json:"attempts"`
	HeightsCM       []float64 `json:"heightsCm,omitempty"`
	AverageHeightCM float64   `json:"averageHeightCm"`
}

// TimedRunAnalysis is the result for shuttle and endurance runs.
type TimedRunAnalysis struct {
	Laps        int     `json:"laps"`
	DistanceM   float64 `json:"distanceM,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
	SpeedMPS    float64 `json:"speedMps,omitempty"`
}

// CompositeAnalysis is the result for anthropometric tests.
type CompositeAnalysis struct {
	HeightCM float64 `json:"heightCm"`
	WeightKG float64 `json:"weightKg"`
	BMI      float64 `json:"bmi,omitempty"`
}

// Analysis is a tagged union keyed by Kind. Exactly the variant matching Kind
// is set; the common fields apply to every kind.
type Analysis struct {
	Kind              Category            `json:"kind"`
	TechniqueScore    float64             `json:"techniqueScore"`
	Notes             string              `json:"notes,omitempty"`
	ProcessingSeconds float64             `json:"processingSeconds,omitempty"`
	Repetition        *RepetitionAnalysis `json:"repetition,omitempty"`
	Jump              *JumpAnalysis       `json:"jump,omitempty"`
	TimedRun          *TimedRunAnalysis   `json:"timedRun,omitempty"`
	Composite         *CompositeAnalysis  `json:"composite,omitempty"`
}

// Magnitude returns the headline number of the analysis.
func (a Analysis) Magnitude() float64 {
	switch {
	case a.Repetition != nil:
		return float64(a.Repetition.Count)
	case a.Jump != nil:
		return a.Jump.AverageHeightCM
	case a.TimedRun != nil:
		return float64(a.TimedRun.Laps)
	case a.Composite != nil:
		return a.Composite.BMI
	}
	return 0
}

// Validate enforces the union shape and value ranges.
func (a Analysis) Validate() error {
	if !a.Kind.Valid() {
		return invalidAnalysis("unknown kind %q", a.Kind)
	}
	if math.IsNaN(a.TechniqueScore) || a.TechniqueScore < 0 || a.TechniqueScore > 1 {
		return invalidAnalysis("technique score %v outside 0..1", a.TechniqueScore)
	}
	set := 0
	for _, ok := range []bool{a.Repetition != nil, a.Jump != nil, a.TimedRun != nil, a.Composite != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return invalidAnalysis("expected exactly one variant, got %d", set)
	}

	switch a.Kind {
	case CategoryRepetition:
		if a.Repetition == nil {
			return invalidAnalysis("kind %s requires repetition variant", a.Kind)
		}
		if a.Repetition.Count < 0 {
			return invalidAnalysis("negative count %d", a.Repetition.Count)
		}
	case CategoryJump:
		if a.Jump == nil {
			return invalidAnalysis("kind %s requires jump variant", a.Kind)
		}
		if a.Jump.Attempts < 0 || !finiteNonNegative(a.Jump.AverageHeightCM) {
			return invalidAnalysis("invalid jump values")
		}
		for _, h := range a.Jump.HeightsCM {
			if !finiteNonNegative(h) {
				return invalidAnalysis("invalid jump height %v", h)
			}
		}
	case CategoryTimedRun:
		if a.TimedRun == nil {
			return invalidAnalysis("kind %s requires timed run variant", a.Kind)
		}
		r := a.TimedRun
		if r.Laps < 0 || !finiteNonNegative(r.DistanceM) || !finiteNonNegative(r.DurationSec) || !finiteNonNegative(r.SpeedMPS) {
			return invalidAnalysis("invalid timed run values")
		}
	case CategoryComposite:
		if a.Composite == nil {
			return invalidAnalysis("kind %s requires composite variant", a.Kind)
		}
		c := a.Composite
		if !finiteNonNegative(c.HeightCM) || !finiteNonNegative(c.WeightKG) || !finiteNonNegative(c.BMI) {
			return invalidAnalysis("invalid composite values")
		}
	}
	return nil
}

// Clone returns a deep copy of a.
func (a Analysis) Clone() Analysis {
	out := a
	if a.Repetition != nil {
		v := *a.Repetition
		out.Repetition = &v
	}
	if a.Jump != nil {
		v := *a.Jump
		v.HeightsCM = slices.Clone(a.Jump.HeightsCM)
		out.Jump = &v
	}
	if a.TimedRun != nil {
		v := *a.TimedRun
		out.TimedRun = &v
	}
	if a.Composite != nil {
		v := *a.Composite
		out.Composite = &v
	}
	return out
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func invalidAnalysis(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAnalysis, fmt.Sprintf(format, args...))
}

func invalidRecord(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, msg)
}

// Package scoring defines the contract of the analysis scorer and the
// boundary that turns its loose results into typed analysis.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
)

// Default scoring configuration constants.
const (
	defaultMinLatency = 1500 * time.Millisecond
	defaultMaxLatency = 2500 * time.Millisecond
	defaultRandomSeed = 42
	bytesPerBaseUnit  = 100000
	minBaseValue      = 5
	maxBaseValue      = 30
)

// ErrMediaNotFound is returned when the media reference does not resolve to a file.
var ErrMediaNotFound = errors.New("media not found")

// Result is the raw scorer output. Which optional fields are meaningful
// depends on the category.
type Result struct {
	RepetitionOrMagnitude float64
	TechniqueScore        float64
	Notes                 string
	Samples               []float64 // per-attempt values, e.g. jump heights in cm
	DistanceM             float64
	DurationSec           float64
	HeightCM              float64
	WeightKG              float64
}

// Scorer turns a media file into a result. It may be slow; implementations
// must honor ctx.
type Scorer interface {
	Analyze(ctx context.Context, mediaPath string, category model.Category) (Result, error)
}

// Option applies a configuration option to the MockScorer.
type Option func(*MockScorer)

// WithLatencyRange sets the simulated latency range. A zero range disables
// the delay.
func WithLatencyRange(minLatency, maxLatency time.Duration) Option {
	return func(s *MockScorer) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithSeed sets the random seed.
func WithSeed(seed int64) Option {
	return func(s *MockScorer) {
		s.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic mock scorer
	}
}

// MockScorer is an offline scorer whose output is driven by the media file
// size. It stands in for the on-device model.
type MockScorer struct {
	minLatency time.Duration
	maxLatency time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockScorer creates a mock scorer with configuration options.
func NewMockScorer(opts ...Option) *MockScorer {
	s := &MockScorer{
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
		rng:        rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic seed for reproducible testing
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze implements Scorer.
func (s *MockScorer) Analyze(ctx context.Context, mediaPath string, category model.Category) (Result, error) {
	info, err := os.Stat(mediaPath)
	if err != nil || info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrMediaNotFound, mediaPath)
	}

	if d := s.latency(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	base := baseValue(info.Size())

	s.mu.Lock()
	defer s.mu.Unlock()

	switch category {
	case model.CategoryRepetition:
		count := max(0, base+s.rng.Intn(11)-5)
		return Result{
			RepetitionOrMagnitude: float64(count),
			TechniqueScore:        0.7 + s.rng.Float64()*0.3,
			Notes:                 fmt.Sprintf("detected %d repetitions", count),
		}, nil
	case model.CategoryJump:
		attempts := 1 + s.rng.Intn(5)
		heights := make([]float64, attempts)
		for i := range heights {
			heights[i] = 40 + s.rng.Float64()*30
		}
		avg := mean(heights)
		return Result{
			RepetitionOrMagnitude: avg,
			TechniqueScore:        0.7 + s.rng.Float64()*0.3,
			Notes:                 fmt.Sprintf("detected %d jumps, average %.1fcm", attempts, avg),
			Samples:               heights,
		}, nil
	case model.CategoryTimedRun:
		laps := max(1, base+s.rng.Intn(7)-3)
		return Result{
			RepetitionOrMagnitude: float64(laps),
			TechniqueScore:        0.65 + s.rng.Float64()*0.35,
			Notes:                 fmt.Sprintf("detected %d laps", laps),
			DistanceM:             float64(laps) * 10,
			DurationSec:           float64(laps) * (2.5 + s.rng.Float64()),
		}, nil
	case model.CategoryComposite:
		return Result{
			TechniqueScore: 1,
			Notes:          "measurement estimated from frame",
			HeightCM:       150 + s.rng.Float64()*40,
			WeightKG:       45 + s.rng.Float64()*40,
		}, nil
	}
	return Result{}, fmt.Errorf("%w: unknown category %q", model.ErrInvalidAnalysis, category)
}

func (s *MockScorer) latency() time.Duration {
	if s.maxLatency <= 0 {
		return 0
	}
	span := int64(s.maxLatency - s.minLatency)
	if span <= 0 {
		return s.minLatency
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minLatency + time.Duration(s.rng.Int63n(span))
}

func baseValue(size int64) int {
	return int(min(maxBaseValue, max(minBaseValue, size/bytesPerBaseUnit)))
}

// Ingest validates a raw result and converts it into the typed analysis
// variant for category.
func Ingest(category model.Category, r Result) (model.Analysis, error) {
	if math.IsNaN(r.RepetitionOrMagnitude) || math.IsInf(r.RepetitionOrMagnitude, 0) {
		return model.Analysis{}, fmt.Errorf("%w: magnitude is not finite", model.ErrInvalidAnalysis)
	}
	a := model.Analysis{
		Kind:           category,
		TechniqueScore: r.TechniqueScore,
		Notes:          r.Notes,
	}

	switch category {
	case model.CategoryRepetition:
		a.Repetition = &model.RepetitionAnalysis{Count: int(math.Round(r.RepetitionOrMagnitude))}
	case model.CategoryJump:
		j := &model.JumpAnalysis{HeightsCM: append([]float64(nil), r.Samples...)}
		j.Attempts = len(j.HeightsCM)
		j.AverageHeightCM = r.RepetitionOrMagnitude
		if j.Attempts > 0 {
			j.AverageHeightCM = mean(j.HeightsCM)
		} else if r.RepetitionOrMagnitude > 0 {
			j.Attempts = 1
		}
		a.Jump = j
	case model.CategoryTimedRun:
		tr := &model.TimedRunAnalysis{
			Laps:        int(math.Round(r.RepetitionOrMagnitude)),
			DistanceM:   r.DistanceM,
			DurationSec: r.DurationSec,
		}
		if tr.DurationSec > 0 {
			tr.SpeedMPS = tr.DistanceM / tr.DurationSec
		}
		a.TimedRun = tr
	case model.CategoryComposite:
		c := &model.CompositeAnalysis{HeightCM: r.HeightCM, WeightKG: r.WeightKG}
		if c.HeightCM > 0 {
			m := c.HeightCM / 100
			c.BMI = c.WeightKG / (m * m)
		}
		a.Composite = c
	default:
		return model.Analysis{}, fmt.Errorf("%w: unknown category %q", model.ErrInvalidAnalysis, category)
	}

	if err := a.Validate(); err != nil {
		return model.Analysis{}, err
	}
	return a, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

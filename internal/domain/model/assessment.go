// Package model contains domain models passed between layers.
package model

import (
	"slices"
	"strings"
	"time"
)

// Category is the fixed assessment category enumeration.
type Category string

// Supported categories.
const (
	CategoryRepetition Category = "repetition"
	CategoryJump       Category = "jump"
	CategoryTimedRun   Category = "timed_run"
	CategoryComposite  Category = "composite"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryRepetition, CategoryJump, CategoryTimedRun, CategoryComposite:
		return true
	}
	return false
}

// assessmentTypes maps the concrete field tests to their category.
var assessmentTypes = map[string]Category{ //nolint:gochecknoglobals // read-only lookup table
	"push-ups":      CategoryRepetition,
	"sit-ups":       CategoryRepetition,
	"vertical-jump": CategoryJump,
	"shuttle-run":   CategoryTimedRun,
	"endurance-run": CategoryTimedRun,
	"height-weight": CategoryComposite,
}

// CategoryFor resolves an assessment type such as "push-ups" to its category.
func CategoryFor(assessmentType string) (Category, bool) {
	c, ok := assessmentTypes[strings.ToLower(strings.TrimSpace(assessmentType))]
	return c, ok
}

// AssessmentTypes returns the known assessment types in lexical order.
func AssessmentTypes() []string {
	out := make([]string, 0, len(assessmentTypes))
	for t := range assessmentTypes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// SyncState tracks how far a record got towards the remote stores.
type SyncState string

// Sync states.
const (
	StateCaptured        SyncState = "captured"
	StateQueued          SyncState = "queued"
	StatePartiallyPushed SyncState = "partially_pushed"
	StatePushed          SyncState = "pushed"
	StateFailed          SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StateCaptured, StateQueued, StatePartiallyPushed, StatePushed, StateFailed:
		return true
	}
	return false
}

// Pending reports whether the record still has a remote copy to create.
func (s SyncState) Pending() bool { return s != StatePushed }

var transitions = map[SyncState][]SyncState{ //nolint:gochecknoglobals // read-only state table
	StateCaptured:        {StateQueued},
	StateQueued:          {StatePartiallyPushed, StateFailed},
	StateFailed:          {StatePartiallyPushed, StateFailed},
	StatePartiallyPushed: {StatePushed},
}

// CanTransition reports whether from -> to is an allowed step. Staying in the
// same state is always allowed.
func CanTransition(from, to SyncState) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Source names a store that may hold a copy of a record.
type Source string

// Stores, in ascending precedence order.
const (
	SourceLocal    Source = "local"
	SourceDocument Source = "document-store"
	SourceAPI      Source = "api"
)

// Rank orders sources by field precedence: api > document-store > local.
func (s Source) Rank() int {
	switch s {
	case SourceAPI:
		return 3
	case SourceDocument:
		return 2
	case SourceLocal:
		return 1
	}
	return 0
}

// Provenance is the sorted set of stores that hold a copy of a record.
type Provenance []Source

// NewProvenance builds a provenance set from sources.
func NewProvenance(sources ...Source) Provenance {
	var p Provenance
	for _, s := range sources {
		p = p.With(s)
	}
	return p
}

// Has reports whether s is in the set.
func (p Provenance) Has(s Source) bool { return slices.Contains(p, s) }

// With returns a copy of p including s.
func (p Provenance) With(s Source) Provenance {
	if s == "" || p.Has(s) {
		return slices.Clone(p)
	}
	out := append(slices.Clone(p), s)
	slices.Sort(out)
	return out
}

// Union returns the union of p and o.
func (p Provenance) Union(o Provenance) Provenance {
	out := slices.Clone(p)
	for _, s := range o {
		out = out.With(s)
	}
	return out
}

// MediaRef points at the captured media. The local path is authoritative
// until the upload completes.
type MediaRef struct {
	LocalPath string `json:"localPath,omitempty"`
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// Empty reports whether neither location is set.
func (m MediaRef) Empty() bool { return m.LocalPath == "" && m.RemoteURL == "" }

// RemoteIDs records the ids each remote store assigned to the record.
type RemoteIDs struct {
	Document string `json:"document,omitempty"`
	API      string `json:"api,omitempty"`
}

// AssessmentRecord is one captured assessment, as held by any of the stores.
type AssessmentRecord struct {
	ID             string     `json:"id"`
	ClientKey      string     `json:"clientKey,omitempty"`
	SubjectID      string     `json:"subjectId"`
	AssessmentType string     `json:"assessmentType,omitempty"`
	Category       Category   `json:"category"`
	Media          MediaRef   `json:"mediaRef"`
	SyncState      SyncState  `json:"syncState,omitempty"`
	Analysis       *Analysis  `json:"analysis,omitempty"`
	SubmittedAt    time.Time  `json:"submittedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Remote         RemoteIDs  `json:"remoteIds"`
	Provenance     Provenance `json:"provenance,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// Validate checks the fields every store needs.
func (r AssessmentRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.SubjectID) == "":
		return invalidRecord("subjectId is required")
	case !r.Category.Valid():
		return invalidRecord("unknown category " + string(r.Category))
	case r.SubmittedAt.IsZero():
		return invalidRecord("submittedAt is required")
	case r.SyncState != "" && !r.SyncState.Valid():
		return invalidRecord("unknown sync state " + string(r.SyncState))
	}
	if r.Analysis != nil {
		return r.Analysis.Validate()
	}
	return nil
}

// Clone returns a deep copy of r.
func (r AssessmentRecord) Clone() AssessmentRecord {
	out := r
	out.Provenance = slices.Clone(r.Provenance)
	if r.Analysis != nil {
		a := r.Analysis.Clone()
		out.Analysis = &a
	}
	return out
}

// Package synccheck drives a running daemon through its HTTP API and checks
// that concurrent captures come back from the history view exactly once and
// newest first.
package synccheck

import "time"

// Config holds configuration for a check run.
type Config struct {
	BaseURL  string        // Base URL of the daemon
	Captures int           // Number of captures to submit
	Subjects int           // Number of distinct subjects to spread them over
	Workers  int           // Concurrent submitters
	Timeout  time.Duration // HTTP request timeout
	Sync     bool          // Ask the history request to push pending records first
	Verbose  bool          // Log every submission
}

// Capture is the JSON body posted to /assessments.
type Capture struct {
	ClientKey      string    `json:"clientKey"`
	SubjectID      string    `json:"subjectId"`
	AssessmentType string    `json:"assessmentType"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// Record is the part of a history record the check reads.
type Record struct {
	ID          string    `json:"id"`
	ClientKey   string    `json:"clientKey"`
	SubjectID   string    `json:"subjectId"`
	SyncState   string    `json:"syncState"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// View is the history response.
type View struct {
	Records  []Record       `json:"records"`
	Sources  map[string]int `json:"sources"`
	Degraded []string       `json:"degraded"`
}

// Stats holds run statistics.
type Stats struct {
	Generated int
	Pushed    int
	Deferred  int
	Failed    int
	InHistory int
	StartTime time.Time
	Duration  time.Duration
}

package model

import "time"

// AnalysisJob asks a worker to score the media of one record. Jobs are keyed
// by ClientKey because the record id changes once a remote id is assigned.
type AnalysisJob struct {
	ClientKey  string    `json:"clientKey"`
	RecordID   string    `json:"recordId"`
	MediaPath  string    `json:"mediaPath"`
	Category   Category  `json:"category"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Key identifies the job for in-flight tracking.
func (j AnalysisJob) Key() string {
	if j.ClientKey != "" {
		return j.ClientKey
	}
	return j.RecordID
}

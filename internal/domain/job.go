package domain

import "time"

// Job status values. These mirror the status vocabulary of the prediction
// backends, so webhook events map onto them without translation tables in
// the engine.
const (
	JobStatusStarting   = "starting"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusCanceled   = "canceled"
)

// Output kinds a backend may produce for a transcription.
const (
	KindTxt  = "txt"
	KindJSON = "json"
	KindSrt  = "srt"
	KindVtt  = "vtt"
)

// InputRef describes the uploaded source audio of a job. Set once at
// creation and never mutated.
type InputRef struct {
	Name   string
	Size   int64
	Handle string
}

// Job is one transcription request and its lifecycle state.
type Job struct {
	ID             int64
	OwnerID        string
	Input          InputRef
	Language       string
	Status         string
	BackendPayload map[string]any
	Outputs        map[string]string // kind -> artifact handle, only when succeeded
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTerminal reports whether the status accepts no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// ValidStatus reports whether status is one of the five canonical values.
func ValidStatus(status string) bool {
	switch status {
	case JobStatusStarting, JobStatusProcessing, JobStatusSucceeded,
		JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// ValidKind reports whether kind is a canonical output kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindTxt, KindJSON, KindSrt, KindVtt:
		return true
	}
	return false
}

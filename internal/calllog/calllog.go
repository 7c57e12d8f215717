// Package calllog persists the durable record of every call: lifecycle
// status, timing, and the conversation transcript written at teardown.
package calllog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no log entry exists for a call
var ErrNotFound = errors.New("call log entry not found")

// Call statuses
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TranscriptLine is one spoken turn in a call
type TranscriptLine struct {
	Role string    `json:"role" bson:"role"`
	Text string    `json:"text" bson:"text"`
	At   time.Time `json:"at" bson:"at"`
}

// Entry is the persisted record of one call
type Entry struct {
	CallID       string           `json:"call_sid" bson:"call_sid"`
	CallerNumber string           `json:"from_number" bson:"from_number"`
	Status       string           `json:"status" bson:"status"`
	StartedAt    time.Time        `json:"started_at" bson:"started_at"`
	EndedAt      time.Time        `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Summary      string           `json:"summary,omitempty" bson:"summary,omitempty"`
	Transcript   []TranscriptLine `json:"transcript,omitempty" bson:"transcript,omitempty"`
}

// Store is the call log persistence contract
type Store interface {
	Create(ctx context.Context, entry *Entry) error
	UpdateStatus(ctx context.Context, callID, status string) error
	// Finalize closes the record with its final status, end time and full
	// transcript. It must succeed (or fail) before call teardown is acked.
	Finalize(ctx context.Context, callID, status string, endedAt time.Time, transcript []TranscriptLine, summary string) error
	GetByCallID(ctx context.Context, callID string) (*Entry, error)
	QueryByNumber(ctx context.Context, number string, limit int64) ([]*Entry, error)
}

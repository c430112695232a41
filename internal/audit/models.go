package audit

import "time"

// Entry is an immutable, append-only interaction log record.
//
// Invariants:
//   - Entries are never updated or deleted.
//   - DedupeKey is unique at the storage layer. A second append with the same
//     key is silently ignored, which makes every logical event insert-once
//     regardless of how many delivery paths report it.
//   - Call results are keyed on the platform call id.
type Entry struct {
	ID        string `json:"id" db:"id"`
	RequestID string `json:"request_id" db:"request_id"`

	ProviderID string `json:"provider_id,omitempty" db:"provider_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`

	Type      EntryType `json:"type" db:"type"`
	DedupeKey string    `json:"-" db:"dedupe_key"`

	// Message is a short human-readable description.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	EntryCallStarted    EntryType = "call_started"
	EntryCallResult     EntryType = "call_result"
	EntryRecommendation EntryType = "recommendation_generated"
	EntryStatusChange   EntryType = "status_changed"
	EntryFailure        EntryType = "failure"
)

// Dedupe keys for events that are not call results.
func StartedKey(callID string) string { return callID + ":started" }

func RequestKey(requestID, event string) string { return requestID + ":" + event }

package calls

import "strings"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusNoAnswer   Status = "no_answer"
	StatusVoicemail  Status = "voicemail"
	StatusBusy       Status = "busy"
)

// AllStatuses lists the vocabulary in rank order.
var AllStatuses = []Status{
	StatusQueued,
	StatusRinging,
	StatusInProgress,
	StatusTimeout,
	StatusCompleted,
	StatusFailed,
	StatusError,
	StatusNoAnswer,
	StatusVoicemail,
	StatusBusy,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusTimeout, StatusNoAnswer, StatusVoicemail, StatusBusy:
		return true
	default:
		return false
	}
}

// IsFailureClass reports terminal outcomes that can never be recommended.
func (s Status) IsFailureClass() bool {
	switch s {
	case StatusError, StatusTimeout, StatusNoAnswer, StatusVoicemail, StatusBusy:
		return true
	default:
		return false
	}
}

// Rank orders statuses for monotonic writes: a write is applied only when its
// rank is not lower than the stored one. Timeout ranks below the other terminal
// values so a late real outcome replaces a synthetic wait timeout, never the reverse.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusTimeout:
		return 3
	case StatusCompleted, StatusFailed, StatusError, StatusNoAnswer, StatusVoicemail, StatusBusy:
		return 4
	default:
		return -1
	}
}

// ParseStatus maps platform spellings onto the shared vocabulary.
// "ended" is resolved through the ended reason.
func ParseStatus(raw, endedReason string) (Status, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "_", "-")
	switch v {
	case "queued", "scheduled":
		return StatusQueued, true
	case "ringing", "initiated":
		return StatusRinging, true
	case "in-progress", "forwarding", "answered":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	case "error":
		return StatusError, true
	case "timeout", "timed-out":
		return StatusTimeout, true
	case "no-answer", "noanswer":
		return StatusNoAnswer, true
	case "voicemail":
		return StatusVoicemail, true
	case "busy":
		return StatusBusy, true
	case "ended", "canceled", "cancelled":
		return statusFromEndedReason(endedReason), true
	default:
		return "", false
	}
}

func statusFromEndedReason(reason string) Status {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "voicemail"):
		return StatusVoicemail
	case strings.Contains(r, "busy"):
		return StatusBusy
	case strings.Contains(r, "did-not-answer"), strings.Contains(r, "no-answer"):
		return StatusNoAnswer
	case strings.Contains(r, "error"):
		return StatusError
	case strings.Contains(r, "failed"):
		return StatusFailed
	default:
		return StatusCompleted
	}
}

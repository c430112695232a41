package batch

import (
	"context"
	"errors"

	"provider-scout/internal/calls"
)

// Backend executes one wave of call attempts. A delegated backend fans out
// on its own side and receives the whole batch as a single wave.
type Backend interface {
	Name() string
	Delegated() bool
	RunWave(ctx context.Context, reqs []calls.CallRequest) ([]calls.CallResult, error)
}

// Sink persists each wave's results as soon as the wave ends.
type Sink interface {
	PersistWave(ctx context.Context, backend string, reqs []calls.CallRequest, results []calls.CallResult) error
}

// ErrSubmission marks a batch that could not be submitted at all, as opposed
// to one where some calls failed.
var ErrSubmission = errors.New("batch: submission failed")

// Stats aggregates a batch. Pending counts submitted calls with no terminal
// result yet.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	NoAnswer  int `json:"noAnswer"`
	Voicemail int `json:"voicemail"`
	Busy      int `json:"busy"`
	Pending   int `json:"pending"`

	AverageDurationSeconds float64 `json:"averageDurationSeconds"`
}

// Summarize builds Stats for total submitted calls from whatever results exist.
// The average duration covers calls that actually connected.
func Summarize(total int, results []calls.CallResult) Stats {
	s := Stats{Total: total}
	var durSum float64
	var durN int
	terminal := 0
	for _, r := range results {
		if !r.Status.IsTerminal() {
			continue
		}
		terminal++
		switch r.Status {
		case calls.StatusCompleted:
			s.Completed++
		case calls.StatusFailed, calls.StatusError:
			s.Failed++
		case calls.StatusTimeout:
			s.Timeout++
		case calls.StatusNoAnswer:
			s.NoAnswer++
		case calls.StatusVoicemail:
			s.Voicemail++
		case calls.StatusBusy:
			s.Busy++
		}
		if r.DurationSeconds > 0 {
			durSum += r.DurationSeconds
			durN++
		}
	}
	if durN > 0 {
		s.AverageDurationSeconds = durSum / float64(durN)
	}
	if p := total - terminal; p > 0 {
		s.Pending = p
	}
	return s
}

// Report is the outcome of one Batcher.Run.
type Report struct {
	Backend string             `json:"backend"`
	Waves   int                `json:"waves"`
	Results []calls.CallResult `json:"results"`
	Stats   Stats              `json:"stats"`
}

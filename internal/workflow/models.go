package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"provider-scout/internal/calls"
)

// Execution states reported by the workflow engine.
const (
	StateCreated   = "CREATED"
	StateRunning   = "RUNNING"
	StateSuccess   = "SUCCESS"
	StateWarning   = "WARNING"
	StateFailed    = "FAILED"
	StateKilled    = "KILLED"
	StateCancelled = "CANCELLED"
)

// BackendWorkflow names the workflow execution path on results and log entries.
const BackendWorkflow = "workflow"

var (
	// ErrNotAccepted means the engine never took the job: bad flow, cluster
	// or runner problems. No call was placed.
	ErrNotAccepted = errors.New("workflow: execution not accepted")
	// ErrTotalBatchFailure means the engine accepted the job, then failed
	// with no call completed. It must not be reported as zero completions.
	ErrTotalBatchFailure = errors.New("workflow: total batch failure")
)

func IsTerminalState(s string) bool {
	switch strings.ToUpper(s) {
	case StateSuccess, StateWarning, StateFailed, StateKilled, StateCancelled:
		return true
	default:
		return false
	}
}

func isFailedState(s string) bool {
	switch strings.ToUpper(s) {
	case StateFailed, StateKilled, StateCancelled:
		return true
	default:
		return false
	}
}

// Outcome is what Poll observed for one execution.
type Outcome struct {
	ExecutionID string
	State       string
	Results     []calls.CallResult
	// TimedOut is set when the poll bound elapsed before a terminal state.
	// Results may then be partial and must not be read as failure or success.
	TimedOut bool
}

// Completed counts calls that reached the completed status.
func (o Outcome) Completed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == calls.StatusCompleted {
			n++
		}
	}
	return n
}

// Classify turns an engine-level failure with nothing to show for it into an
// explicit error. submitted is the number of calls handed to the execution.
func (o Outcome) Classify(submitted int) error {
	if o.TimedOut || !isFailedState(o.State) {
		return nil
	}
	if o.Completed() == 0 {
		return fmt.Errorf("%w: execution %s ended %s with 0 of %d calls completed", ErrTotalBatchFailure, o.ExecutionID, o.State, submitted)
	}
	return nil
}

// resultPayload is one entry of the flow's "results" output.
type resultPayload struct {
	CallID          string           `json:"callId"`
	ProviderID      string           `json:"providerId"`
	Status          string           `json:"status"`
	EndedReason     string           `json:"endedReason"`
	Transcript      string           `json:"transcript"`
	DurationSeconds float64          `json:"durationSeconds"`
	Cost            *decimal.Decimal `json:"cost"`
	Analysis        struct {
		Summary           string         `json:"summary"`
		StructuredData    map[string]any `json:"structuredData"`
		SuccessEvaluation bool           `json:"successEvaluation"`
	} `json:"analysis"`
}

func (p resultPayload) toResult(at time.Time) (calls.CallResult, bool) {
	st, ok := calls.ParseStatus(p.Status, p.EndedReason)
	if !ok || p.ProviderID == "" {
		return calls.CallResult{}, false
	}
	r := calls.CallResult{
		CallID:          p.CallID,
		ProviderID:      p.ProviderID,
		Status:          st,
		EndedReason:     p.EndedReason,
		Transcript:      p.Transcript,
		DurationSeconds: p.DurationSeconds,
		Analysis: calls.Analysis{
			Summary:           p.Analysis.Summary,
			StructuredData:    calls.StructuredData(p.Analysis.StructuredData),
			SuccessEvaluation: p.Analysis.SuccessEvaluation,
		},
		DataStatus: calls.DataPartial,
		Backend:    BackendWorkflow,
		ReceivedAt: at.UTC(),
	}
	if p.Cost != nil {
		r.Cost = *p.Cost
	}
	if r.CallID == "" {
		// The flow could not place this call.
		r.CallID = calls.UnplacedCallID(p.ProviderID)
	}
	if st.IsTerminal() {
		r.DataStatus = calls.DataComplete
	}
	return r, true
}

package routing

// Decision is the backend choice for one batch. It is never cached across
// batches: every Dispatch probes again.
type Decision struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`

	// Reason is for logs only.
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonWorkflowDisabled  = "workflow_disabled"
	ReasonWorkflowHealthy   = "workflow_healthy"
	ReasonWorkflowUnhealthy = "workflow_unhealthy"
)

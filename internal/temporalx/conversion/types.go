package conversion

const (
	WorkflowName            = "document_conversion"
	ActivityProcess         = "process_document"
	ActivityTerminalFailure = "handle_terminal_failure"
)

// Input is the workflow payload. QueueJobID ties the workflow run to its
// conversion_job mirror row so the reconciler can sweep reservations.
type Input struct {
	DocumentID int64  `json:"document_id"`
	ExternalID string `json:"external_id"`
	QueueJobID string `json:"queue_job_id,omitempty"`
}

// TerminalInput carries the final error into the best-effort terminal
// failure activity.
type TerminalInput struct {
	DocumentID int64  `json:"document_id"`
	QueueJobID string `json:"queue_job_id,omitempty"`
	Error      string `json:"error"`
}

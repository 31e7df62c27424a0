package event

// WorkflowStartedPayload is the payload of the root event the kernel emits
// when a trigger opens a workflow.
type WorkflowStartedPayload struct {
	Mode          string `json:"mode"`
	TriggerSource string `json:"trigger_source"`
}

// WorkflowFailedPayload is the payload of the single failure report the
// router emits when a workflow moves to FAILED.
type WorkflowFailedPayload struct {
	Reason          string   `json:"reason"`
	FailedEventID   string   `json:"failed_event_id"`
	FailedEventType Type     `json:"failed_event_type"`
	Handlers        []string `json:"handlers"`
	Errors          []string `json:"errors"`
}

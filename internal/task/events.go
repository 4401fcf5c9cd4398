package task

// EventKind identifies what happened in the workflow.
type EventKind string

const (
	EventPlanning       EventKind = "planning"
	EventPlanReady      EventKind = "plan_ready"
	EventStepStarted    EventKind = "step_started"
	EventStepFinished   EventKind = "step_finished"
	EventStepFailed     EventKind = "step_failed"
	EventApprovalNeeded EventKind = "approval_needed"
	EventTaskCompleted  EventKind = "task_completed"
	EventTaskAborted    EventKind = "task_aborted"
	EventTaskHalted     EventKind = "task_halted"
	EventNote           EventKind = "note"
)

// Event is emitted by the engine as the workflow advances. The feed
// renderer is the sole consumer.
type Event struct {
	Kind EventKind
	Text string

	// Step index the event refers to, -1 when not step-scoped.
	Step int

	Err error
}

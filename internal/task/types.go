// Package task implements the task workflow: plan parsing, the state
// machine and the engine that drives planning, approval, execution and
// summarizing for one session.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the workflow state of a session's task slot.
type State string

const (
	StateIdle             State = "idle"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateSummarizing      State = "summarizing"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StatePlanning: {},
	},
	StatePlanning: {
		StateAwaitingApproval: {},
		StateIdle:             {}, // planning failed or aborted
	},
	StateAwaitingApproval: {
		StateExecuting: {},
		StatePlanning:  {}, // modify feedback re-plans
		StateIdle:      {}, // rejected or aborted
	},
	StateExecuting: {
		StateSummarizing: {},
		StateIdle:        {}, // aborted
	},
	StateSummarizing: {
		StateIdle: {},
	},
}

// ValidateState reports whether a state is known.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid task state: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is a legal edge.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// StepStatus tracks one step's progress.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is final for this task.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Step is one ordered unit of an approved plan.
type Step struct {
	Description string     `json:"description"`
	Command     string     `json:"command,omitempty"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
}

// Plan is the ordered step list produced by planning. It is not modified
// after approval; only step statuses advance.
type Plan struct {
	Steps []Step `json:"steps"`
	Raw   string `json:"raw,omitempty"`
}

// Task is one unit of work moving through the workflow.
type Task struct {
	ID              string     `json:"id"`
	Goal            string     `json:"goal"`
	Plan            Plan       `json:"plan"`
	State           State      `json:"state"`
	ContinueOnError bool       `json:"continue_on_error"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates an idle task for a goal.
func NewTask(goal string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Goal:      goal,
		State:     StateIdle,
		CreatedAt: time.Now(),
	}
}

// transition advances the task state, enforcing the machine.
func (t *Task) transition(to State) error {
	if err := ValidateTransition(t.State, to); err != nil {
		return err
	}
	t.State = to
	return nil
}

// firstOpenStep returns the index of the first non-terminal step, or -1.
func (t *Task) firstOpenStep() int {
	for i := range t.Plan.Steps {
		if !t.Plan.Steps[i].Status.Terminal() {
			return i
		}
	}
	return -1
}

// Progress reports terminal and total step counts.
func (t *Task) Progress() (done, total int) {
	total = len(t.Plan.Steps)
	for _, s := range t.Plan.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return done, total
}

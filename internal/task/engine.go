package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/llm"
	"github.com/bit-shift-io/construct/internal/project"
	"github.com/bit-shift-io/construct/internal/sandbox"
)

const plannerSystemPrompt = "You are a software task planner. Produce a short ordered plan. " +
	"Each step is one numbered line; put the exact shell command in backticks when a step runs one. " +
	"Do not add commentary after the plan."

const summarizerSystemPrompt = "Summarize the executed task in a few sentences: what was done, " +
	"what failed, and anything left over. Be factual and terse."

// CommandRunner executes classified commands. Satisfied by *sandbox.Executor.
type CommandRunner interface {
	Execute(ctx context.Context, command, cwd string) sandbox.Outcome
	ExecuteApproved(ctx context.Context, command, cwd string) sandbox.Outcome
}

// StartOptions tune one task.
type StartOptions struct {
	// ContinueOnError keeps executing past a failed step.
	ContinueOnError bool
}

// Status is a read-only snapshot for status queries.
type Status struct {
	State       State
	Goal        string
	Done        int
	Total       int
	PendingStep int // step index awaiting approval, -1 when none
}

// Engine drives one session's task workflow. Methods are invoked from the
// session's single worker goroutine; the mutex only guards Status reads
// from other goroutines.
type Engine struct {
	provider  func() string
	completer llm.Completer
	runner    CommandRunner
	store     *project.Store
	events    chan<- Event
	logger    *zap.Logger

	mu          sync.Mutex
	task        *Task
	pendingStep int
}

// NewEngine wires an engine to its collaborators. provider yields the
// session's current provider name at call time so provider switches take
// effect without rebuilding the engine.
func NewEngine(provider func() string, completer llm.Completer, runner CommandRunner, store *project.Store, events chan<- Event, logger *zap.Logger) *Engine {
	return &Engine{
		provider:    provider,
		completer:   completer,
		runner:      runner,
		store:       store,
		events:      events,
		logger:      logger,
		pendingStep: -1,
	}
}

func (e *Engine) emit(ev Event) {
	e.events <- ev
}

// Status returns a snapshot of the current task.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return Status{State: StateIdle, PendingStep: -1}
	}
	done, total := e.task.Progress()
	return Status{
		State:       e.task.State,
		Goal:        e.task.Goal,
		Done:        done,
		Total:       total,
		PendingStep: e.pendingStep,
	}
}

// StartTask plans a new task. Fails when another task is already active.
func (e *Engine) StartTask(ctx context.Context, goal string, opts StartOptions) error {
	e.mu.Lock()
	if e.task != nil && e.task.State != StateIdle {
		state := e.task.State
		e.mu.Unlock()
		return fmt.Errorf("a task is already %s; use stop to abort it first", state)
	}
	t := NewTask(goal)
	t.ContinueOnError = opts.ContinueOnError
	e.task = t
	e.pendingStep = -1
	e.mu.Unlock()

	return e.plan(ctx, goal, "", false)
}

// Modify re-plans with user feedback while awaiting approval.
func (e *Engine) Modify(ctx context.Context, feedback string) error {
	e.mu.Lock()
	if e.task == nil || e.task.State != StateAwaitingApproval {
		e.mu.Unlock()
		return fmt.Errorf("no plan awaiting approval")
	}
	if err := e.task.transition(StatePlanning); err != nil {
		e.mu.Unlock()
		return err
	}
	goal := e.task.Goal
	e.mu.Unlock()

	return e.plan(ctx, goal, feedback, true)
}

// plan asks the provider for a plan and moves to awaiting approval.
// The task must already be in or transition into Planning. On a re-plan
// any failure rolls back to the previous approved-pending plan.
func (e *Engine) plan(ctx context.Context, goal, feedback string, replan bool) error {
	e.mu.Lock()
	if e.task.State == StateIdle {
		if err := e.task.transition(StatePlanning); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventPlanning, Text: goal, Step: -1})

	prompt := "Goal: " + goal
	if projCtx := e.store.PlannerContext(); projCtx != "" {
		prompt += "\n\nProject context:\n" + projCtx
	}
	if feedback != "" {
		prompt += "\n\nRevise the previous plan with this feedback: " + feedback
	}

	req := llm.Prompt(prompt).WithSystem(plannerSystemPrompt).WithCache(300)
	resp, err := e.completer.Complete(ctx, e.provider(), req)
	if err != nil {
		e.failPlanning(fmt.Errorf("planning failed: %w", err), replan)
		return err
	}

	planned := ParsePlan(resp.Content)
	if len(planned.Steps) == 0 {
		err := fmt.Errorf("planner returned no steps")
		e.failPlanning(err, replan)
		return err
	}

	// Persist before committing the state change.
	if err := e.store.WritePlan(planned.Raw); err != nil {
		e.failPlanning(err, replan)
		return err
	}
	if err := e.persistTasks(planned.Steps); err != nil {
		e.failPlanning(err, replan)
		return err
	}

	e.mu.Lock()
	e.task.Plan = planned
	err = e.task.transition(StateAwaitingApproval)
	steps := len(planned.Steps)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.emit(Event{Kind: EventPlanReady, Text: fmt.Sprintf("plan ready: %d steps", steps), Step: -1})
	return nil
}

// failPlanning unwinds a failed planning call. A failed re-plan keeps the
// stored plan and returns to awaiting approval so the human can still
// approve, modify again or reject; only an initial plan aborts the task.
func (e *Engine) failPlanning(err error, replan bool) {
	e.logger.Error("planning failed", zap.Error(err))
	e.mu.Lock()
	if replan {
		_ = e.task.transition(StateAwaitingApproval)
		e.mu.Unlock()
		e.emit(Event{Kind: EventNote, Text: fmt.Sprintf("re-planning failed: %v (previous plan kept)", err), Step: -1})
		return
	}
	_ = e.task.transition(StateIdle)
	e.mu.Unlock()
	e.emit(Event{Kind: EventTaskAborted, Text: "planning failed", Step: -1, Err: err})
}

// Approve starts (or resumes) execution. Covers three cases: initial plan
// approval, approval of a held step, and resuming a halted task.
func (e *Engine) Approve(ctx context.Context) error {
	e.mu.Lock()
	if e.task == nil {
		e.mu.Unlock()
		return fmt.Errorf("nothing to approve")
	}

	switch e.task.State {
	case StateAwaitingApproval:
		if err := e.task.transition(StateExecuting); err != nil {
			e.mu.Unlock()
			return err
		}
	case StateExecuting:
		// resuming after an ask-hold or a halted failure
	case StateSummarizing:
		// retry a failed summary persist
		e.mu.Unlock()
		return e.summarize(ctx)
	default:
		state := e.task.State
		e.mu.Unlock()
		return fmt.Errorf("nothing to approve in state %s", state)
	}

	pending := e.pendingStep
	e.pendingStep = -1
	e.mu.Unlock()

	if pending >= 0 {
		halted, err := e.runStep(ctx, pending, true)
		if err != nil || halted {
			return err
		}
	}

	return e.execute(ctx)
}

// Reject declines the pending approval: a plan rejection returns the task
// to idle, a step denial fails that step and applies the failure policy.
func (e *Engine) Reject(ctx context.Context) error {
	e.mu.Lock()
	if e.task == nil {
		e.mu.Unlock()
		return fmt.Errorf("nothing to reject")
	}

	if e.task.State == StateAwaitingApproval {
		err := e.task.transition(StateIdle)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		e.emit(Event{Kind: EventTaskAborted, Text: "plan rejected", Step: -1})
		return nil
	}

	if e.task.State == StateExecuting && e.pendingStep >= 0 {
		idx := e.pendingStep
		e.pendingStep = -1
		e.task.Plan.Steps[idx].Status = StepFailed
		e.task.Plan.Steps[idx].Output = "denied"
		cont := e.task.ContinueOnError
		steps := e.task.Plan.Steps
		e.mu.Unlock()

		if err := e.persistTasks(steps); err != nil {
			return err
		}
		e.emit(Event{Kind: EventStepFailed, Text: "step denied", Step: idx})

		if !cont {
			e.emit(Event{Kind: EventTaskHalted, Text: "halted on denied step", Step: idx})
			return nil
		}
		return e.execute(ctx)
	}

	state := e.task.State
	e.mu.Unlock()
	return fmt.Errorf("nothing to reject in state %s", state)
}

// Abort terminates the task from any state. Unfinished steps are skipped.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task == nil || e.task.State == StateIdle {
		return fmt.Errorf("no active task")
	}

	for i := range e.task.Plan.Steps {
		if !e.task.Plan.Steps[i].Status.Terminal() {
			e.task.Plan.Steps[i].Status = StepSkipped
		}
	}
	e.pendingStep = -1
	e.task.State = StateIdle

	// Best effort: the abort wins even when the checklist write fails.
	if err := e.persistTasksLocked(); err != nil {
		e.logger.Warn("failed to persist aborted checklist", zap.Error(err))
	}

	e.emit(Event{Kind: EventTaskAborted, Text: "task aborted", Step: -1})
	return nil
}

// execute runs open steps until the plan finishes, a hold occurs, the
// policy halts on failure, or the context is cancelled.
func (e *Engine) execute(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return e.cancelled(sandbox.Outcome{Kind: sandbox.OutcomeCancelled})
		}

		e.mu.Lock()
		idx := e.task.firstOpenStep()
		e.mu.Unlock()

		if idx < 0 {
			return e.summarize(ctx)
		}

		halted, err := e.runStep(ctx, idx, false)
		if err != nil || halted {
			return err
		}
	}
}

// runStep executes one step. halted is true when execution must pause
// (ask-hold or failure under the halt policy).
func (e *Engine) runStep(ctx context.Context, idx int, approved bool) (halted bool, err error) {
	e.mu.Lock()
	step := e.task.Plan.Steps[idx]
	cont := e.task.ContinueOnError
	e.task.Plan.Steps[idx].Status = StepRunning
	e.mu.Unlock()

	e.emit(Event{Kind: EventStepStarted, Text: step.Description, Step: idx})

	// Narrative steps have no command and succeed by definition.
	if step.Command == "" {
		return false, e.finishStep(idx, StepSucceeded, "")
	}

	var outcome sandbox.Outcome
	if approved {
		outcome = e.runner.ExecuteApproved(ctx, step.Command, e.store.Root())
	} else {
		outcome = e.runner.Execute(ctx, step.Command, e.store.Root())
	}

	switch outcome.Kind {
	case sandbox.OutcomeNeedsApproval:
		e.mu.Lock()
		e.task.Plan.Steps[idx].Status = StepPending
		e.pendingStep = idx
		e.mu.Unlock()
		e.emit(Event{Kind: EventApprovalNeeded, Text: outcome.Reason, Step: idx})
		return true, nil

	case sandbox.OutcomeCancelled:
		return true, e.cancelled(outcome)

	case sandbox.OutcomeCompleted:
		if outcome.ExitCode == 0 {
			if err := e.logCommand(step.Command, outcome, true); err != nil {
				return true, err
			}
			return false, e.finishStep(idx, StepSucceeded, outcome.Render())
		}
	}

	// Denied, timed out or nonzero exit: the step failed.
	if err := e.logCommand(step.Command, outcome, false); err != nil {
		return true, err
	}
	if err := e.finishStep(idx, StepFailed, outcome.Render()); err != nil {
		return true, err
	}
	if !cont {
		e.emit(Event{Kind: EventTaskHalted, Text: "halted on failed step", Step: idx})
		return true, nil
	}
	return false, nil
}

// finishStep commits a terminal status and persists the checklist. On a
// persist failure the in-memory status is rolled back so the operation
// can be retried.
func (e *Engine) finishStep(idx int, status StepStatus, output string) error {
	e.mu.Lock()
	prev := e.task.Plan.Steps[idx].Status
	e.task.Plan.Steps[idx].Status = status
	e.task.Plan.Steps[idx].Output = output
	steps := e.task.Plan.Steps
	e.mu.Unlock()

	if err := e.persistTasks(steps); err != nil {
		e.mu.Lock()
		e.task.Plan.Steps[idx].Status = prev
		e.mu.Unlock()
		e.emit(Event{Kind: EventTaskHalted, Text: "state persistence failed", Step: idx, Err: err})
		return err
	}

	if status == StepFailed {
		e.emit(Event{Kind: EventStepFailed, Text: summarizeOutput(output), Step: idx})
	} else {
		e.emit(Event{Kind: EventStepFinished, Text: summarizeOutput(output), Step: idx})
	}
	return nil
}

// cancelled applies stop semantics: the running step fails with whatever
// output the command produced before it was killed, the rest are skipped
// and the task returns to idle.
func (e *Engine) cancelled(outcome sandbox.Outcome) error {
	output := outcome.Render()

	e.mu.Lock()
	running := -1
	for i := range e.task.Plan.Steps {
		switch e.task.Plan.Steps[i].Status {
		case StepRunning:
			running = i
			e.task.Plan.Steps[i].Status = StepFailed
			e.task.Plan.Steps[i].Output = output
		case StepPending:
			e.task.Plan.Steps[i].Status = StepSkipped
		}
	}
	e.pendingStep = -1
	e.task.State = StateIdle

	// Best effort: the stop wins even when the checklist write fails.
	if err := e.persistTasksLocked(); err != nil {
		e.logger.Warn("failed to persist cancelled checklist", zap.Error(err))
	}
	e.mu.Unlock()

	if running >= 0 {
		e.emit(Event{Kind: EventStepFailed, Text: summarizeOutput(output), Step: running})
	}
	e.emit(Event{Kind: EventTaskAborted, Text: "stopped", Step: -1})
	return nil
}

// summarize closes out the task.
func (e *Engine) summarize(ctx context.Context) error {
	e.mu.Lock()
	if e.task.State == StateExecuting {
		if err := e.task.transition(StateSummarizing); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	goal := e.task.Goal
	steps := append([]Step(nil), e.task.Plan.Steps...)
	e.mu.Unlock()

	summary := e.buildSummary(ctx, goal, steps)

	// Persist before leaving Summarizing; a failed write keeps the task
	// here so approve can retry.
	if err := e.store.WriteSummary(summary); err != nil {
		e.emit(Event{Kind: EventTaskHalted, Text: "failed to persist summary", Step: -1, Err: err})
		return err
	}

	e.mu.Lock()
	err := e.task.transition(StateIdle)
	if err == nil {
		completed := time.Now()
		e.task.CompletedAt = &completed
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.emit(Event{Kind: EventTaskCompleted, Text: summary, Step: -1})
	return nil
}

// buildSummary asks the provider for a summary and falls back to a
// generated one when the call fails.
func (e *Engine) buildSummary(ctx context.Context, goal string, steps []Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, s.Status, s.Description)
	}

	req := llm.Prompt(b.String()).WithSystem(summarizerSystemPrompt)
	resp, err := e.completer.Complete(ctx, e.provider(), req)
	if err != nil {
		e.logger.Warn("summary generation failed, using fallback", zap.Error(err))
		succeeded := 0
		for _, s := range steps {
			if s.Status == StepSucceeded {
				succeeded++
			}
		}
		return fmt.Sprintf("Completed %d/%d steps for: %s", succeeded, len(steps), goal)
	}
	return resp.Content
}

func (e *Engine) persistTasks(steps []Step) error {
	lines := make([]project.TaskLine, len(steps))
	for i, s := range steps {
		lines[i] = project.TaskLine{
			Description: s.Description,
			Done:        s.Status == StepSucceeded,
		}
	}
	return e.store.WriteTasks(lines)
}

func (e *Engine) persistTasksLocked() error {
	return e.persistTasks(e.task.Plan.Steps)
}

func (e *Engine) logCommand(command string, outcome sandbox.Outcome, success bool) error {
	if err := e.store.LogCommand(command, outcome.Render(), success); err != nil {
		e.emit(Event{Kind: EventTaskHalted, Text: "state persistence failed", Step: -1, Err: err})
		return err
	}
	return nil
}

func summarizeOutput(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "done"
	}
	lines := strings.Split(output, "\n")
	if len(lines) > 3 {
		lines = append(lines[:3], "…")
	}
	joined := strings.Join(lines, " ")
	if len(joined) > 200 {
		joined = joined[:200] + "…"
	}
	return joined
}

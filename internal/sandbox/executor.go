package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/config"
)

// OutcomeKind discriminates execution results.
type OutcomeKind int

const (
	// OutcomeCompleted - the command ran to completion (any exit code).
	OutcomeCompleted OutcomeKind = iota
	// OutcomeDenied - the policy refused to run the command.
	OutcomeDenied
	// OutcomeNeedsApproval - the command requires explicit approval first.
	OutcomeNeedsApproval
	// OutcomeTimedOut - the command exceeded its timeout tier.
	OutcomeTimedOut
	// OutcomeCancelled - the caller cancelled mid-run.
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDenied:
		return "denied"
	case OutcomeNeedsApproval:
		return "needs_approval"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one execution attempt. Partial output is
// retained on timeout and cancellation.
type Outcome struct {
	Kind     OutcomeKind
	Stdout   string
	Stderr   string
	ExitCode int
	Reason   string
	Elapsed  time.Duration
}

// Render formats the outcome for the feed: stdout first, a stderr section
// when present, and an exit marker for nonzero codes.
func (o Outcome) Render() string {
	switch o.Kind {
	case OutcomeDenied, OutcomeNeedsApproval:
		return o.Reason
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(o.Stdout, "\n"))
	if o.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("--- STDERR ---\n")
		b.WriteString(strings.TrimRight(o.Stderr, "\n"))
	}
	switch o.Kind {
	case OutcomeTimedOut:
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("[timed out after %s]", o.Elapsed.Round(time.Second)))
	case OutcomeCancelled:
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[cancelled]")
	default:
		if o.ExitCode != 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(fmt.Sprintf("[exit %d]", o.ExitCode))
		}
	}
	return b.String()
}

// Executor runs classified commands with tiered timeouts. Processes run in
// their own group so timeouts kill the whole tree, not just the shell.
type Executor struct {
	policy    *Policy
	timeouts  map[Tier]time.Duration
	stopGrace time.Duration
	isAdmin   func(principal string) bool
	logger    *zap.Logger
}

// NewExecutor builds an executor from configuration.
func NewExecutor(cfg *config.Config, logger *zap.Logger) *Executor {
	return &Executor{
		policy: NewPolicy(cfg.Commands),
		timeouts: map[Tier]time.Duration{
			TierShort:  cfg.GetShortTimeout(),
			TierMedium: cfg.GetMediumTimeout(),
			TierLong:   cfg.GetLongTimeout(),
		},
		stopGrace: cfg.GetStopGrace(),
		isAdmin:   cfg.IsAdmin,
		logger:    logger,
	}
}

// Policy exposes the classifier for callers that preview verdicts.
func (e *Executor) Policy() *Policy {
	return e.policy
}

// Execute classifies and runs a command under the project working directory.
func (e *Executor) Execute(ctx context.Context, command, cwd string) Outcome {
	class, tier := e.policy.Classify(command)
	switch class {
	case Blocked:
		e.logger.Warn("command blocked", zap.String("command", command))
		return Outcome{
			Kind:   OutcomeDenied,
			Reason: fmt.Sprintf("command %q is blocked by policy", Executable(command)),
		}
	case Ask:
		return Outcome{
			Kind:   OutcomeNeedsApproval,
			Reason: fmt.Sprintf("command %q requires approval", Executable(command)),
		}
	}
	return e.run(ctx, command, cwd, e.timeouts[tier])
}

// ExecuteApproved runs a command that already received explicit approval,
// skipping only the ask gate. Blocked commands stay blocked.
func (e *Executor) ExecuteApproved(ctx context.Context, command, cwd string) Outcome {
	class, tier := e.policy.Classify(command)
	if class == Blocked {
		return Outcome{
			Kind:   OutcomeDenied,
			Reason: fmt.Sprintf("command %q is blocked by policy", Executable(command)),
		}
	}
	return e.run(ctx, command, cwd, e.timeouts[tier])
}

// ExecuteRaw bypasses classification entirely. Only configured admin
// principals may use it.
func (e *Executor) ExecuteRaw(ctx context.Context, command, cwd, principal string) Outcome {
	if !e.isAdmin(principal) {
		e.logger.Warn("raw execution denied",
			zap.String("principal", principal),
			zap.String("command", command))
		return Outcome{
			Kind:   OutcomeDenied,
			Reason: fmt.Sprintf("raw execution denied for %s", principal),
		}
	}
	e.logger.Info("raw execution",
		zap.String("principal", principal),
		zap.String("command", command))
	return e.run(ctx, command, cwd, e.timeouts[TierLong])
}

func (e *Executor) run(ctx context.Context, command, cwd string, timeout time.Duration) Outcome {
	start := time.Now()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{
			Kind:   OutcomeCompleted,
			Stderr: err.Error(),
			// Match the shell's command-not-runnable code.
			ExitCode: 126,
			Elapsed:  time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	kind := OutcomeCompleted
	select {
	case <-done:
	case <-timer.C:
		kind = OutcomeTimedOut
		e.terminate(cmd, done)
	case <-ctx.Done():
		kind = OutcomeCancelled
		e.terminate(cmd, done)
	}

	outcome := Outcome{
		Kind:    kind,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}
	if kind == OutcomeCompleted {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	e.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", outcome.ExitCode),
		zap.String("kind", kind.String()),
		zap.Duration("elapsed", outcome.Elapsed))

	return outcome
}

// terminate interrupts the process group, waits out the grace period and
// then kills the group.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error) {
	interruptProcessGroup(cmd)
	select {
	case <-done:
		return
	case <-time.After(e.stopGrace):
	}
	killProcessGroup(cmd)
	<-done
}

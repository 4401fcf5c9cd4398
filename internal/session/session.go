package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/config"
	"github.com/bit-shift-io/construct/internal/feed"
	"github.com/bit-shift-io/construct/internal/llm"
	"github.com/bit-shift-io/construct/internal/project"
	"github.com/bit-shift-io/construct/internal/sandbox"
	"github.com/bit-shift-io/construct/internal/task"
)

// Runner is the command execution surface a session needs. Satisfied by
// *sandbox.Executor.
type Runner interface {
	task.CommandRunner
	ExecuteRaw(ctx context.Context, command, cwd, principal string) sandbox.Outcome
}

const helpText = "Commands:\n" +
	".task <goal> - plan a new task (.task -k <goal> keeps going past failures)\n" +
	".modify <feedback> - revise the pending plan\n" +
	".ok / .deny - approve or reject the plan or a held step\n" +
	".stop - abort the current task immediately\n" +
	".finish - mark the roadmap complete and close out the feed\n" +
	".status - show task progress\n" +
	".provider <name> - switch the model provider\n" +
	".project <name> - switch the working project\n" +
	".read <path> - show a project file\n" +
	",<command> - run a raw command (admins only)"

// Session binds one (room, project) pair to its engine, store and feed.
// All commands for a session are processed by a single worker goroutine;
// only Stop and Status cross that boundary.
type Session struct {
	ID      string
	Room    string
	Project string

	cfg      *config.Config
	runner   Runner
	store    *project.Store
	engine   *task.Engine
	renderer *feed.Renderer
	logger   *zap.Logger

	queue  chan Event
	events chan task.Event

	providerMu sync.Mutex
	provider   string

	opMu     sync.Mutex
	opCancel context.CancelFunc
}

func newSession(room, proj string, cfg *config.Config, completer llm.Completer, runner Runner, messenger feed.Messenger, logger *zap.Logger) (*Session, error) {
	store, err := project.NewStore(projectPath(cfg.System.ProjectsDir, room, proj), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open project %q: %w", proj, err)
	}

	s := &Session{
		ID:       uuid.NewString(),
		Room:     room,
		Project:  proj,
		cfg:      cfg,
		runner:   runner,
		store:    store,
		logger:   logger.With(zap.String("room", room), zap.String("project", proj)),
		queue:    make(chan Event, cfg.System.QueueDepth),
		events:   make(chan task.Event, 64),
		provider: cfg.DefaultProvider,
	}
	s.renderer = feed.NewRenderer(room, store, messenger, cfg.Feed.MaxEntries, logger)
	s.engine = task.NewEngine(s.currentProvider, completer, runner, store, s.events, s.logger)
	return s, nil
}

func (s *Session) currentProvider() string {
	s.providerMu.Lock()
	defer s.providerMu.Unlock()
	return s.provider
}

func (s *Session) setProvider(name string) {
	s.providerMu.Lock()
	s.provider = name
	s.providerMu.Unlock()
}

// enqueue hands an event to the worker without blocking. A full queue
// rejects the command rather than stalling the chat connection.
func (s *Session) enqueue(ev Event) error {
	select {
	case s.queue <- ev:
		return nil
	default:
		return fmt.Errorf("session %s/%s is busy, command dropped", s.Room, s.Project)
	}
}

// run is the session worker. It owns the engine and drains the event
// channel into the renderer until the context ends.
func (s *Session) run(ctx context.Context) {
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		s.renderer.Run(ctx, s.events)
	}()
	defer func() {
		close(s.events)
		<-rendered
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.handle(ctx, ev)
		}
	}
}

// preemptible reports whether a command runs long enough that Stop must
// be able to cancel it mid-flight.
func preemptible(k Kind) bool {
	switch k {
	case KindTask, KindModify, KindApprove, KindReject, KindRaw:
		return true
	}
	return false
}

// handle processes one command. Preemptible commands run under a
// cancellable per-operation context so Stop can interrupt them.
func (s *Session) handle(parent context.Context, ev Event) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if preemptible(ev.Kind) {
		s.opMu.Lock()
		s.opCancel = cancel
		s.opMu.Unlock()
		defer func() {
			s.opMu.Lock()
			s.opCancel = nil
			s.opMu.Unlock()
		}()
	}

	switch ev.Kind {
	case KindTask:
		goal := ev.Arg
		var opts task.StartOptions
		if rest, ok := strings.CutPrefix(goal, "-k "); ok {
			opts.ContinueOnError = true
			goal = strings.TrimSpace(rest)
		}
		if goal == "" {
			s.renderer.Note(ctx, "usage: .task <goal>")
			return
		}
		if err := s.engine.StartTask(ctx, goal, opts); err != nil {
			s.noteError(ctx, err)
		}

	case KindModify:
		if err := s.engine.Modify(ctx, ev.Arg); err != nil {
			s.noteError(ctx, err)
		}

	case KindApprove:
		if err := s.engine.Approve(ctx); err != nil {
			s.noteError(ctx, err)
		}

	case KindReject:
		if err := s.engine.Reject(ctx); err != nil {
			s.noteError(ctx, err)
		}

	case KindFinish:
		if st := s.engine.Status(); st.State != task.StateIdle {
			s.renderer.Note(ctx, "a task is still in progress, .stop it first")
			return
		}
		s.renderer.Finalize(ctx)

	case KindStatus:
		s.renderer.Note(ctx, s.statusText())

	case KindProvider:
		if _, ok := s.cfg.Providers[ev.Arg]; !ok {
			s.renderer.Note(ctx, fmt.Sprintf("unknown provider %q", ev.Arg))
			return
		}
		s.setProvider(ev.Arg)
		s.renderer.Note(ctx, "provider set to "+ev.Arg)

	case KindRead:
		paths := strings.Fields(ev.Arg)
		if len(paths) == 0 {
			s.renderer.Note(ctx, "usage: .read <path> [path...]")
			return
		}
		for _, p := range paths {
			content, err := s.store.ReadFile(p)
			if err != nil {
				s.noteError(ctx, err)
				continue
			}
			s.sendBlock(ctx, p, content)
		}

	case KindRaw:
		outcome := s.runner.ExecuteRaw(ctx, ev.Arg, s.store.Root(), ev.Sender)
		s.sendBlock(ctx, ev.Arg, outcome.Render())

	case KindHelp:
		s.sendBlock(ctx, "", helpText)

	default:
		s.logger.Warn("unhandled event kind", zap.String("kind", string(ev.Kind)))
	}
}

// Stop preempts the session: it cancels any in-flight operation, which
// unwinds via the engine's cancellation path. When nothing is running the
// halted or pending task is aborted directly.
func (s *Session) Stop(ctx context.Context) {
	s.opMu.Lock()
	cancel := s.opCancel
	s.opMu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	if err := s.engine.Abort(); err != nil {
		if _, serr := s.renderer.Messenger().Send(ctx, s.Room, "nothing to stop"); serr != nil {
			s.logger.Error("failed to send message", zap.Error(serr))
		}
	}
}

// Status reports the engine snapshot. Safe from any goroutine.
func (s *Session) Status() task.Status {
	return s.engine.Status()
}

func (s *Session) statusText() string {
	st := s.engine.Status()
	if st.State == task.StateIdle {
		return "idle (project " + s.Project + ", provider " + s.currentProvider() + ")"
	}
	text := fmt.Sprintf("%s: %s (%d/%d steps done)", st.State, st.Goal, st.Done, st.Total)
	if st.PendingStep >= 0 {
		text += fmt.Sprintf(", step %d waiting for approval", st.PendingStep+1)
	}
	return text
}

func (s *Session) noteError(ctx context.Context, err error) {
	s.renderer.Note(ctx, err.Error())
}

// sendBlock posts content as its own message, outside the feed.
func (s *Session) sendBlock(ctx context.Context, title, content string) {
	const maxBlock = 4000
	if len(content) > maxBlock {
		content = truncateRunes(content, maxBlock) + "\n… (truncated)"
	}
	text := "```\n" + content + "\n```"
	if title != "" {
		text = "**" + title + "**\n" + text
	}
	if _, err := s.renderer.Messenger().Send(ctx, s.Room, text); err != nil {
		s.logger.Error("failed to send message", zap.Error(err))
	}
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bit-shift-io/construct/internal/config"
	"github.com/bit-shift-io/construct/internal/feed"
	"github.com/bit-shift-io/construct/internal/llm"
	"github.com/bit-shift-io/construct/internal/task"
)

// DefaultProject is the project a room starts in before any .project
// command.
const DefaultProject = "default"

// Router owns the session registry. Commands for one session are handled
// strictly in order by that session's worker; different sessions run in
// parallel. Stop bypasses the queue.
type Router struct {
	cfg       *config.Config
	completer llm.Completer
	runner    Runner
	messenger feed.Messenger
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session // keyed room + "\x00" + project
	current  map[string]string   // room -> active project
}

// NewRouter builds an empty registry. Sessions are created lazily on the
// first command for a room.
func NewRouter(cfg *config.Config, completer llm.Completer, runner Runner, messenger feed.Messenger, logger *zap.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Router{
		cfg:       cfg,
		completer: completer,
		runner:    runner,
		messenger: messenger,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		group:     g,
		sessions:  make(map[string]*Session),
		current:   make(map[string]string),
	}
}

// Route dispatches one parsed event. Project switches and stops are
// handled here; everything else is queued to the session worker.
func (r *Router) Route(ctx context.Context, ev Event) error {
	if ev.Kind == KindProject {
		return r.switchProject(ctx, ev)
	}

	s, err := r.session(ev.Room)
	if err != nil {
		return err
	}
	if ev.Kind == KindStop {
		s.Stop(ctx)
		return nil
	}
	return s.enqueue(ev)
}

// Session returns the active session for a room, creating it on demand.
func (r *Router) Session(room string) (*Session, error) {
	return r.session(room)
}

func (r *Router) session(room string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proj, ok := r.current[room]
	if !ok {
		proj = DefaultProject
	}
	return r.sessionLocked(room, proj)
}

func (r *Router) sessionLocked(room, proj string) (*Session, error) {
	if r.closed {
		return nil, fmt.Errorf("router is shut down")
	}

	key := room + "\x00" + proj
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	s, err := newSession(room, proj, r.cfg, r.completer, r.runner, r.messenger, r.logger)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	r.current[room] = proj
	r.group.Go(func() error {
		s.run(r.ctx)
		return nil
	})
	r.logger.Info("session started",
		zap.String("room", room),
		zap.String("project", proj),
		zap.String("session_id", s.ID))
	return s, nil
}

// switchProject points the room at another project session. Refused while
// the current session has an active task, so a plan cannot be approved
// against the wrong project.
func (r *Router) switchProject(ctx context.Context, ev Event) error {
	name := ev.Arg
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid project name %q", name)
	}

	r.mu.Lock()
	cur, err := r.sessionLocked(ev.Room, r.currentProject(ev.Room))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if st := cur.Status(); st.State != task.StateIdle {
		return fmt.Errorf("cannot switch project while a task is %s", st.State)
	}

	r.mu.Lock()
	s, err := r.sessionLocked(ev.Room, name)
	if err == nil {
		r.current[ev.Room] = name
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	s.renderer.Note(ctx, "switched to project "+name)
	return nil
}

func (r *Router) currentProject(room string) string {
	if proj, ok := r.current[room]; ok {
		return proj
	}
	return DefaultProject
}

// Close stops all session workers and waits for them to drain.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	return r.group.Wait()
}

// projectPath lays project directories out as <root>/<room>/<project>
// with the room identifier made filesystem safe.
func projectPath(root, room, proj string) string {
	return filepath.Join(root, sanitize(room), proj)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

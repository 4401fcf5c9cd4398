package feed

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/project"
	"github.com/bit-shift-io/construct/internal/task"
)

// Messenger is the outbound chat surface. The renderer is the only
// component holding the feed message handle.
type Messenger interface {
	Send(ctx context.Context, room, text string) (handle string, err error)
	Edit(ctx context.Context, room, handle, text string) error
}

// Renderer consumes engine events and maintains the feed message for one
// session. State is persisted before the chat message is touched, so a
// restart reattaches to the same message.
type Renderer struct {
	room       string
	store      *project.Store
	messenger  Messenger
	maxEntries int
	logger     *zap.Logger

	mu    sync.Mutex
	state State
}

// NewRenderer builds a renderer, restoring persisted state when present.
func NewRenderer(room string, store *project.Store, messenger Messenger, maxEntries int, logger *zap.Logger) *Renderer {
	r := &Renderer{
		room:       room,
		store:      store,
		messenger:  messenger,
		maxEntries: maxEntries,
		logger:     logger,
		state:      newState(),
	}
	var persisted State
	if err := store.LoadFeed(&persisted); err == nil {
		r.state = persisted
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to restore feed state", zap.Error(err))
	}
	return r
}

// Messenger exposes the outbound surface for one-off messages that do
// not belong in the feed.
func (r *Renderer) Messenger() Messenger {
	return r.messenger
}

// State returns a copy of the current renderer state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Renderer) snapshot() State {
	s := r.state
	s.Entries = append([]Entry(nil), r.state.Entries...)
	s.Summaries = append([]Entry(nil), r.state.Summaries...)
	return s
}

// Run consumes events until the channel closes or the context ends.
func (r *Renderer) Run(ctx context.Context, events <-chan task.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies one event: mutate a copy, persist it, then commit and
// update the chat message. A failed persist drops the mutation.
func (r *Renderer) Handle(ctx context.Context, ev task.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot()
	r.apply(&next, ev)

	if err := r.store.SaveFeed(next); err != nil {
		r.logger.Error("failed to persist feed state", zap.Error(err))
		return
	}
	r.state = next
	r.publish(ctx)
}

// Note renders a one-off informational line outside the engine flow.
func (r *Renderer) Note(ctx context.Context, text string) {
	r.Handle(ctx, task.Event{Kind: task.EventNote, Text: text, Step: -1})
}

// Finalize enters Final mode on the human's roadmap-complete signal and
// renders the flat list of accumulated task summaries.
func (r *Renderer) Finalize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot()
	next.advanceMode(ModeFinal)

	if err := r.store.SaveFeed(next); err != nil {
		r.logger.Error("failed to persist feed state", zap.Error(err))
		return
	}
	r.state = next
	r.publish(ctx)
}

func (r *Renderer) apply(s *State, ev task.Event) {
	switch ev.Kind {
	case task.EventPlanning:
		s.reset(ev.Text)
		s.addEntry("🔄", "planning", r.maxEntries)

	case task.EventPlanReady:
		s.addEntry("📝", ev.Text, r.maxEntries)

	case task.EventStepStarted:
		s.addEntry("🔄", stepText(ev), r.maxEntries)

	case task.EventStepFinished:
		s.addEntry("✅", stepText(ev), r.maxEntries)

	case task.EventStepFailed:
		s.addEntry("❌", stepText(ev), r.maxEntries)

	case task.EventApprovalNeeded:
		s.addEntry("⏸️", ev.Text, r.maxEntries)

	case task.EventTaskHalted:
		text := ev.Text
		if ev.Err != nil {
			text = fmt.Sprintf("%s: %v", ev.Text, ev.Err)
		}
		s.addEntry("❌", text, r.maxEntries)

	case task.EventTaskCompleted:
		s.squash("✅", ev.Text)

	case task.EventTaskAborted:
		s.squash("⏹️", ev.Text)

	case task.EventNote:
		s.addEntry("📝", ev.Text, r.maxEntries)
	}
}

func stepText(ev task.Event) string {
	if ev.Step >= 0 {
		return fmt.Sprintf("step %d: %s", ev.Step+1, ev.Text)
	}
	return ev.Text
}

// publish edits the existing feed message or sends the first one. When an
// edit fails the renderer falls back to a fresh message and re-persists
// the new handle.
func (r *Renderer) publish(ctx context.Context) {
	content := r.state.Render()
	if content == "" {
		return
	}

	if r.state.MessageHandle != "" {
		if err := r.messenger.Edit(ctx, r.room, r.state.MessageHandle, content); err == nil {
			return
		} else {
			r.logger.Warn("feed edit failed, sending a new message", zap.Error(err))
		}
	}

	handle, err := r.messenger.Send(ctx, r.room, content)
	if err != nil {
		r.logger.Error("failed to send feed message", zap.Error(err))
		return
	}
	r.state.MessageHandle = handle
	if err := r.store.SaveFeed(r.state); err != nil {
		r.logger.Error("failed to persist feed handle", zap.Error(err))
	}
}

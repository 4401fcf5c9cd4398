package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/config"
	"github.com/bit-shift-io/construct/internal/llm"
	"github.com/bit-shift-io/construct/internal/sandbox"
	"github.com/bit-shift-io/construct/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fixturePlan = "1. First step `cmd-a`\n2. Second step `cmd-b`\n"

// fakeCompleter returns a canned plan. An optional gate blocks the call
// until released or the context ends.
type fakeCompleter struct {
	mu        sync.Mutex
	providers []string
	gate      chan struct{}
}

func (c *fakeCompleter) Complete(ctx context.Context, provider string, _ llm.Context) (llm.Response, error) {
	c.mu.Lock()
	c.providers = append(c.providers, provider)
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	return llm.Response{Content: fixturePlan}, nil
}

func (c *fakeCompleter) calledProviders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.providers...)
}

// fakeRunner records executions. An optional gate makes commands hang
// until released or cancelled.
type fakeRunner struct {
	mu       sync.Mutex
	executed []string
	rawCmds  []string
	rawFrom  []string
	gate     chan struct{}
}

func (r *fakeRunner) run(ctx context.Context, command string) sandbox.Outcome {
	r.mu.Lock()
	r.executed = append(r.executed, command)
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return sandbox.Outcome{Kind: sandbox.OutcomeCancelled}
		}
	}
	return sandbox.Outcome{Kind: sandbox.OutcomeCompleted, Stdout: "ok"}
}

func (r *fakeRunner) Execute(ctx context.Context, command, _ string) sandbox.Outcome {
	return r.run(ctx, command)
}

func (r *fakeRunner) ExecuteApproved(ctx context.Context, command, _ string) sandbox.Outcome {
	return r.run(ctx, command)
}

func (r *fakeRunner) ExecuteRaw(_ context.Context, command, _, principal string) sandbox.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rawCmds = append(r.rawCmds, command)
	r.rawFrom = append(r.rawFrom, principal)
	return sandbox.Outcome{Kind: sandbox.OutcomeCompleted, Stdout: "raw ok"}
}

// fakeMessenger collects every outbound text.
type fakeMessenger struct {
	mu    sync.Mutex
	texts []string
}

func (m *fakeMessenger) Send(_ context.Context, _ string, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return "msg-1", nil
}

func (m *fakeMessenger) Edit(_ context.Context, _ string, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) contains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.texts {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	router    *Router
	completer *fakeCompleter
	runner    *fakeRunner
	messenger *fakeMessenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.System.ProjectsDir = t.TempDir()
	cfg.System.QueueDepth = 4
	cfg.DefaultProvider = "anthropic"

	f := &fixture{
		completer: &fakeCompleter{},
		runner:    &fakeRunner{},
		messenger: &fakeMessenger{},
	}
	f.router = NewRouter(cfg, f.completer, f.runner, f.messenger, zap.NewNop())
	t.Cleanup(func() { require.NoError(t, f.router.Close()) })
	return f
}

func (f *fixture) route(t *testing.T, room, sender, body string) {
	t.Helper()
	ev, ok := ParseEvent(room, sender, body)
	require.True(t, ok, "body %q should parse", body)
	require.NoError(t, f.router.Route(context.Background(), ev))
}

func waitForState(t *testing.T, f *fixture, room string, want task.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.router.Session(room)
		if err != nil {
			return false
		}
		return s.Status().State == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		body string
		ok   bool
		kind Kind
		arg  string
	}{
		{".task deploy the service", true, KindTask, "deploy the service"},
		{".modify skip the tests", true, KindModify, "skip the tests"},
		{".ok", true, KindApprove, ""},
		{".yes", true, KindApprove, ""},
		{".deny", true, KindReject, ""},
		{".stop", true, KindStop, ""},
		{".finish", true, KindFinish, ""},
		{".done", true, KindFinish, ""},
		{".Status", true, KindStatus, ""},
		{".provider openai", true, KindProvider, "openai"},
		{".project website", true, KindProject, "website"},
		{".read notes.md", true, KindRead, "notes.md"},
		{",ls -la", true, KindRaw, "ls -la"},
		{".run ls -la", true, KindRaw, "ls -la"},
		{"just chatting", false, "", ""},
		{".unknownverb", false, "", ""},
		{".", false, "", ""},
		{",", false, "", ""},
		{"", false, "", ""},
	}
	for _, tt := range tests {
		ev, ok := ParseEvent("!r", "@u", tt.body)
		assert.Equal(t, tt.ok, ok, tt.body)
		if tt.ok {
			assert.Equal(t, tt.kind, ev.Kind, tt.body)
			assert.Equal(t, tt.arg, ev.Arg, tt.body)
		}
	}
}

func TestRouter_TaskLifecycle(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".task deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)

	f.route(t, "!room", "@user", ".ok")
	waitForState(t, f, "!room", task.StateIdle)

	f.runner.mu.Lock()
	executed := append([]string(nil), f.runner.executed...)
	f.runner.mu.Unlock()
	assert.Equal(t, []string{"cmd-a", "cmd-b"}, executed)
}

func TestRouter_PerSessionOrdering(t *testing.T) {
	f := newFixture(t)
	f.completer.gate = make(chan struct{})

	f.route(t, "!room", "@user", ".task deploy")
	f.route(t, "!room", "@user", ".status")

	// The status command waits behind the blocked planning call.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.messenger.contains("steps done"), "status must not run before the task command finishes")

	close(f.completer.gate)
	require.Eventually(t, func() bool {
		return f.messenger.contains("(0/2 steps done)")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_CrossSessionParallelism(t *testing.T) {
	f := newFixture(t)
	f.completer.gate = make(chan struct{})
	defer close(f.completer.gate)

	f.route(t, "!room-a", "@user", ".task deploy")
	f.route(t, "!room-b", "@user", ".status")

	// Room B answers while room A's planning call is still blocked.
	require.Eventually(t, func() bool {
		return f.messenger.contains("idle")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_StopPreemptsRunningStep(t *testing.T) {
	f := newFixture(t)
	f.runner.gate = make(chan struct{})
	defer close(f.runner.gate)

	f.route(t, "!room", "@user", ".task deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)

	f.route(t, "!room", "@user", ".ok")
	require.Eventually(t, func() bool {
		f.runner.mu.Lock()
		defer f.runner.mu.Unlock()
		return len(f.runner.executed) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Stop bypasses the queue and cancels the in-flight step.
	f.route(t, "!room", "@user", ".stop")
	waitForState(t, f, "!room", task.StateIdle)

	f.runner.mu.Lock()
	executed := len(f.runner.executed)
	f.runner.mu.Unlock()
	assert.Equal(t, 1, executed, "remaining steps are skipped, not run")
}

func TestRouter_StopWithNothingRunning(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".status")
	require.Eventually(t, func() bool { return f.messenger.contains("idle") }, 2*time.Second, 5*time.Millisecond)

	f.route(t, "!room", "@user", ".stop")
	require.Eventually(t, func() bool { return f.messenger.contains("nothing to stop") }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_FinishClosesOutFeed(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".task deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)

	// Refused while the session still has work in flight.
	f.route(t, "!room", "@user", ".finish")
	require.Eventually(t, func() bool { return f.messenger.contains("still in progress") }, 2*time.Second, 5*time.Millisecond)

	f.route(t, "!room", "@user", ".ok")
	waitForState(t, f, "!room", task.StateIdle)

	f.route(t, "!room", "@user", ".finish")
	require.Eventually(t, func() bool { return f.messenger.contains("Roadmap complete") }, 2*time.Second, 5*time.Millisecond)
}

func TestSendBlock_TruncatesOnRuneBoundary(t *testing.T) {
	f := newFixture(t)
	s, err := f.router.Session("!room")
	require.NoError(t, err)

	// Three-byte runes land the byte cap mid-rune.
	content := strings.Repeat("€", 1500)
	s.sendBlock(context.Background(), "big", content)

	require.Eventually(t, func() bool { return f.messenger.contains("truncated") }, 2*time.Second, 5*time.Millisecond)
	f.messenger.mu.Lock()
	defer f.messenger.mu.Unlock()
	for _, text := range f.messenger.texts {
		assert.True(t, utf8.ValidString(text), "truncation must not split a rune")
	}
}

func TestRouter_QueueFullRejects(t *testing.T) {
	f := newFixture(t)
	f.completer.gate = make(chan struct{})
	defer close(f.completer.gate)

	f.route(t, "!room", "@user", ".task deploy")
	require.Eventually(t, func() bool {
		return len(f.completer.calledProviders()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Queue depth is 4; the worker is stuck in planning.
	for i := 0; i < 4; i++ {
		f.route(t, "!room", "@user", ".status")
	}
	ev, _ := ParseEvent("!room", "@user", ".status")
	err := f.router.Route(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestRouter_ProviderSwitch(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".provider nope")
	require.Eventually(t, func() bool { return f.messenger.contains(`unknown provider "nope"`) }, 2*time.Second, 5*time.Millisecond)

	f.route(t, "!room", "@user", ".provider openai")
	require.Eventually(t, func() bool { return f.messenger.contains("provider set to openai") }, 2*time.Second, 5*time.Millisecond)

	f.route(t, "!room", "@user", ".task deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)
	assert.Equal(t, []string{"openai"}, f.completer.calledProviders())
}

func TestRouter_ProjectSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.route(t, "!room", "@user", ".project website")
	require.Eventually(t, func() bool { return f.messenger.contains("switched to project website") }, 2*time.Second, 5*time.Millisecond)

	s, err := f.router.Session("!room")
	require.NoError(t, err)
	assert.Equal(t, "website", s.Project)

	// Path escapes are rejected outright.
	ev := Event{Room: "!room", Kind: KindProject, Arg: "../escape"}
	assert.Error(t, f.router.Route(ctx, ev))

	// Switching back reuses the original session.
	f.route(t, "!room", "@user", ".project default")
	require.Eventually(t, func() bool {
		s, err := f.router.Session("!room")
		return err == nil && s.Project == DefaultProject
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_ProjectSwitchRefusedMidTask(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".task deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)

	ev, _ := ParseEvent("!room", "@user", ".project other")
	err := f.router.Route(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awaiting_approval")
}

func TestRouter_RawExecutionCarriesSender(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@admin:example.org", ",uname -a")
	require.Eventually(t, func() bool { return f.messenger.contains("raw ok") }, 2*time.Second, 5*time.Millisecond)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.Equal(t, []string{"uname -a"}, f.runner.rawCmds)
	assert.Equal(t, []string{"@admin:example.org"}, f.runner.rawFrom)
}

func TestRouter_ReadShowsProjectFiles(t *testing.T) {
	f := newFixture(t)

	// Session creation lays out the project dir; seed a file in it.
	s, err := f.router.Session("!room")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.store.Root(), "notes.md"), []byte("remember the milk"), 0o644))

	f.route(t, "!room", "@user", ".read notes.md missing.md")
	require.Eventually(t, func() bool { return f.messenger.contains("remember the milk") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.messenger.contains("missing.md") }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_ContinueOnErrorFlag(t *testing.T) {
	f := newFixture(t)

	f.route(t, "!room", "@user", ".task -k deploy")
	waitForState(t, f, "!room", task.StateAwaitingApproval)

	s, err := f.router.Session("!room")
	require.NoError(t, err)
	assert.Equal(t, "deploy", s.Status().Goal, "the -k flag is stripped from the goal")
}

func TestRouter_ClosedRejectsRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.System.ProjectsDir = t.TempDir()
	r := NewRouter(cfg, &fakeCompleter{}, &fakeRunner{}, &fakeMessenger{}, zap.NewNop())
	require.NoError(t, r.Close())

	ev, _ := ParseEvent("!room", "@user", ".status")
	assert.Error(t, r.Route(context.Background(), ev))
}

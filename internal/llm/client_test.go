package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/config"
)

// fakeBackend scripts per-model outcomes for walk tests.
type fakeBackend struct {
	results map[string]error // model -> error (nil = success)
	calls   []string
	caches  []*CachePolicy
}

func (f *fakeBackend) chat(_ context.Context, name string, _ config.ProviderConfig, req Context) (Response, error) {
	f.calls = append(f.calls, req.Model)
	f.caches = append(f.caches, req.Cache)
	if err, ok := f.results[req.Model]; ok && err != nil {
		return Response{}, err
	}
	return Response{Content: "ok", Model: req.Model}, nil
}

func testClient(t *testing.T, providers map[string]config.ProviderConfig, be backend) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Providers = providers
	c := NewClient(cfg, DefaultClientConfig(), zap.NewNop())
	c.newBackend = func(string) (backend, bool) { return be, true }
	return c
}

func TestComplete_UnknownProvider(t *testing.T) {
	c := testClient(t, map[string]config.ProviderConfig{}, &fakeBackend{})

	_, err := c.Complete(context.Background(), "ghost", Prompt("hi"))
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "ghost", perr.Provider)
	assert.Contains(t, perr.Message, "not found")
}

func TestComplete_ExplicitModelWins(t *testing.T) {
	be := &fakeBackend{}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", Model: "default-model", ModelOrder: []string{"preferred"}},
	}, be)

	resp, err := c.Complete(context.Background(), "p", Prompt("hi").WithModel("explicit"))
	require.NoError(t, err)
	assert.Equal(t, "explicit", resp.Model)
	assert.Equal(t, []string{"explicit"}, be.calls)
}

func TestComplete_FallbackWalk(t *testing.T) {
	be := &fakeBackend{results: map[string]error{
		"first":  errors.New("model_not_found: first is gone"),
		"second": errors.New("unknown model second"),
	}}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {
			Protocol:       "anthropic",
			ModelOrder:     []string{"first", "second"},
			Model:          "third",
			ModelFallbacks: []string{"fourth"},
		},
	}, be)

	resp, err := c.Complete(context.Background(), "p", Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "third", resp.Model)
	assert.Equal(t, []string{"first", "second", "third"}, be.calls)
}

func TestComplete_WalkExhausted(t *testing.T) {
	be := &fakeBackend{results: map[string]error{
		"a": errors.New("model_not_found"),
		"b": errors.New("model_not_found"),
	}}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", ModelOrder: []string{"a", "b"}},
	}, be)

	_, err := c.Complete(context.Background(), "p", Prompt("hi"))
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "p", perr.Provider)
	assert.Contains(t, perr.Message, "no model available")
	assert.Contains(t, perr.Message, "a")
	assert.Contains(t, perr.Message, "b")
}

func TestComplete_NonModelErrorAbortsWalk(t *testing.T) {
	be := &fakeBackend{results: map[string]error{
		"a": errors.New("invalid api key"),
	}}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", ModelOrder: []string{"a", "b"}},
	}, be)

	_, err := c.Complete(context.Background(), "p", Prompt("hi"))
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, be.calls, "walk must stop on a non-model error")

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "p", perr.Provider)
}

func TestComplete_RateLimitSpacing(t *testing.T) {
	be := &fakeBackend{}
	// 600 rpm = 100ms between calls, small enough to measure in a test.
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", Model: "m", RequestsPerMinute: 600, MaxWaiters: 4},
	}, be)

	ctx := context.Background()
	start := time.Now()
	_, err := c.Complete(ctx, "p", Prompt("one"))
	require.NoError(t, err)
	_, err = c.Complete(ctx, "p", Prompt("two"))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"second call must wait for its slot")
}

func TestComplete_RateLimitFailFast(t *testing.T) {
	be := &fakeBackend{}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", Model: "m", RequestsPerMinute: 1, MaxWaiters: 0},
	}, be)

	ctx := context.Background()
	_, err := c.Complete(ctx, "p", Prompt("one"))
	require.NoError(t, err)

	_, err = c.Complete(ctx, "p", Prompt("two"))
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Message, "queue full")
}

func TestComplete_CancelledWhileWaiting(t *testing.T) {
	be := &fakeBackend{}
	c := testClient(t, map[string]config.ProviderConfig{
		"p": {Protocol: "anthropic", Model: "m", RequestsPerMinute: 1, MaxWaiters: 4},
	}, be)

	_, err := c.Complete(context.Background(), "p", Prompt("one"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, "p", Prompt("two"))
	require.Error(t, err)
	assert.Len(t, be.calls, 1, "cancelled waiter must not reach the backend")
}

func TestComplete_CachePolicyFollowsProvider(t *testing.T) {
	be := &fakeBackend{}
	c := testClient(t, map[string]config.ProviderConfig{
		"caching": {Protocol: "anthropic", Model: "m", EnableCache: true},
		"plain":   {Protocol: "openai", Model: "m"},
	}, be)

	ctx := context.Background()
	_, err := c.Complete(ctx, "caching", Prompt("hi").WithCache(300))
	require.NoError(t, err)
	_, err = c.Complete(ctx, "plain", Prompt("hi").WithCache(300))
	require.NoError(t, err)

	require.Len(t, be.caches, 2)
	assert.NotNil(t, be.caches[0], "cache-enabled provider passes the policy through")
	assert.Nil(t, be.caches[1], "provider with caching off strips the policy")
}

func TestContextBuilders(t *testing.T) {
	c := Prompt("question").
		WithSystem("rules").
		AddAssistant("answer").
		AddUser("followup").
		WithCache(300).
		WithModel("m")

	require.Len(t, c.Messages, 4)
	assert.Equal(t, RoleSystem, c.Messages[0].Role)
	assert.Equal(t, RoleUser, c.Messages[1].Role)
	assert.Equal(t, RoleAssistant, c.Messages[2].Role)
	assert.Equal(t, RoleUser, c.Messages[3].Role)
	assert.Equal(t, "m", c.Model)
	require.NotNil(t, c.Cache)
	assert.Equal(t, 300, c.Cache.MaxAgeSeconds)
}

func TestErrorShape(t *testing.T) {
	err := NewError("zai", "boom")
	assert.Equal(t, "zai: boom", err.Error())
}

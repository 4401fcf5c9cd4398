package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bit-shift-io/construct/internal/config"
)

// UsageRecorder receives token counts for every successful completion.
type UsageRecorder interface {
	Record(provider, model string, usage Usage)
}

// ClientConfig configures the completion client.
type ClientConfig struct {
	// MaxConcurrent caps simultaneous in-flight requests across providers.
	MaxConcurrent int64

	// ActionDelay is an optional pause before each request.
	ActionDelay time.Duration

	// Usage, when set, is fed every successful response.
	Usage UsageRecorder
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrent: 5,
	}
}

// Client routes completion requests to the configured provider backends.
// It owns per-provider rate limiters and the global in-flight cap.
type Client struct {
	cfg      *config.Config
	opts     ClientConfig
	logger   *zap.Logger
	inFlight *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*rateLimiter

	// newBackend is swapped out in tests.
	newBackend func(protocol string) (backend, bool)
}

// NewClient creates a client over the configured providers.
func NewClient(cfg *config.Config, opts ClientConfig, logger *zap.Logger) *Client {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultClientConfig().MaxConcurrent
	}
	return &Client{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		inFlight:   semaphore.NewWeighted(opts.MaxConcurrent),
		limiters:   make(map[string]*rateLimiter),
		newBackend: backendFor,
	}
}

// Completer is the interface consumed by the task engine.
type Completer interface {
	Complete(ctx context.Context, provider string, req Context) (Response, error)
}

// Compile-time assertion that Client implements Completer.
var _ Completer = (*Client)(nil)

// Complete resolves the provider, waits for a rate-limit slot, walks the
// model preference order and executes the request. All failures surface as
// *Error carrying the provider name.
func (c *Client) Complete(ctx context.Context, provider string, req Context) (Response, error) {
	pcfg, ok := c.cfg.Providers[provider]
	if !ok {
		return Response{}, ErrUnknownProvider(provider)
	}

	be, ok := c.newBackend(pcfg.Protocol)
	if !ok {
		return Response{}, NewError(provider, "unknown protocol: "+pcfg.Protocol)
	}

	// The cache policy is a per-provider setting, re-checked on every
	// request so a provider switch picks it up immediately.
	if !pcfg.EnableCache {
		req.Cache = nil
	}

	if err := c.limiterFor(provider, pcfg).acquire(ctx, provider); err != nil {
		if lerr, isLimit := err.(*Error); isLimit {
			return Response{}, lerr
		}
		return Response{}, NewError(provider, err.Error())
	}

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return Response{}, NewError(provider, err.Error())
	}
	defer c.inFlight.Release(1)

	if c.opts.ActionDelay > 0 {
		select {
		case <-time.After(c.opts.ActionDelay):
		case <-ctx.Done():
			return Response{}, NewError(provider, ctx.Err().Error())
		}
	}

	candidates := modelCandidates(pcfg, req)
	tried := make([]string, 0, len(candidates))

	var lastErr error
	for _, model := range candidates {
		attempt := req
		attempt.Model = model
		tried = append(tried, displayModel(model))

		start := time.Now()
		resp, err := be.chat(ctx, provider, pcfg, attempt)
		if err == nil {
			if c.opts.Usage != nil {
				c.opts.Usage.Record(provider, resp.Model, resp.Usage)
			}
			c.logger.Debug("completion succeeded",
				zap.String("provider", provider),
				zap.String("model", resp.Model),
				zap.Bool("cached", resp.Cached),
				zap.Duration("elapsed", time.Since(start)))
			return resp, nil
		}

		if !isModelUnavailable(err) {
			return Response{}, normalizeError(provider, err)
		}

		c.logger.Warn("model unavailable, trying next",
			zap.String("provider", provider),
			zap.String("model", displayModel(model)),
			zap.Error(err))
		lastErr = err
	}

	if lastErr != nil {
		return Response{}, ErrNoModelAvailable(provider, tried)
	}
	return Response{}, NewError(provider, "no models configured")
}

// limiterFor lazily builds the per-provider limiter.
func (c *Client) limiterFor(provider string, pcfg config.ProviderConfig) *rateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[provider]; ok {
		return l
	}
	l := newRateLimiter(pcfg.RequestsPerMinute, pcfg.MaxWaiters)
	c.limiters[provider] = l
	return l
}

// modelCandidates orders the models to try: an explicit request model wins
// outright, otherwise the preference order, account default and fallbacks
// are walked in sequence.
func modelCandidates(pcfg config.ProviderConfig, req Context) []string {
	if req.Model != "" {
		return []string{req.Model}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(m string) {
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}

	for _, m := range pcfg.ModelOrder {
		add(m)
	}
	add(pcfg.Model)
	for _, m := range pcfg.ModelFallbacks {
		add(m)
	}

	if len(out) == 0 {
		// No explicit models: one attempt with the backend default.
		out = append(out, "")
	}
	return out
}

func displayModel(model string) string {
	if model == "" {
		return "(backend default)"
	}
	return model
}

// normalizeError guarantees every failure is an *Error with the provider set.
func normalizeError(provider string, err error) *Error {
	if perr, ok := err.(*Error); ok {
		return perr
	}
	return NewError(provider, err.Error())
}

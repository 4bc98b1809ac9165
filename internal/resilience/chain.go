package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// ErrChainExhausted is returned by [BackendChain.Complete] when every
// configured backend failed or is cooling down.
var ErrChainExhausted = errors.New("resilience: no completion backend available")

// BackendChain is an ordered list of completion backends, each behind its
// own [Breaker]. Complete walks the chain in configuration order: backends
// in cooldown are skipped and a failing backend falls through to the next
// one. The chain implements [llm.Provider], so the compactor never learns
// which backend produced its summary.
//
// A chain is assembled during engine start and not mutated afterwards;
// Complete may then be called concurrently.
type BackendChain struct {
	links []chainLink
	cfg   BreakerConfig
}

type chainLink struct {
	backend  string
	provider llm.Provider
	breaker  *Breaker
}

var _ llm.Provider = (*BackendChain)(nil)

// ChainOption configures a [BackendChain].
type ChainOption func(*BackendChain)

// WithBreaker replaces the breaker tuning applied to every backend added to
// the chain. The Backend field is overwritten per entry.
func WithBreaker(cfg BreakerConfig) ChainOption {
	return func(c *BackendChain) {
		c.cfg = cfg
	}
}

// NewBackendChain creates a chain with the primary backend as its first
// entry. Fallback endpoints are appended with [BackendChain.Add].
func NewBackendChain(backend string, provider llm.Provider, opts ...ChainOption) *BackendChain {
	c := &BackendChain{}
	for _, opt := range opts {
		opt(c)
	}
	c.Add(backend, provider)
	return c
}

// Add appends a backend. Backends are tried in the order they were added.
func (c *BackendChain) Add(backend string, provider llm.Provider) {
	cfg := c.cfg
	cfg.Backend = backend
	c.links = append(c.links, chainLink{
		backend:  backend,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// Complete forwards the request to the first backend in rotation that
// serves it. When the request context is cancelled the walk stops rather
// than charging the remaining breakers for a caller-side abort.
func (c *BackendChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range c.links {
		link := &c.links[i]
		var resp *llm.CompletionResponse
		err := link.breaker.Do(func() error {
			var callErr error
			resp, callErr = link.provider.Complete(ctx, req)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Info("summariser served by fallback backend", "backend", link.backend)
			}
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrBackendCooling) {
			slog.Debug("summariser backend in cooldown, skipping", "backend", link.backend)
			continue
		}
		slog.Warn("summariser backend failed, trying next",
			"backend", link.backend, "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}

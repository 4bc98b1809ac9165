// Package tools registers tool handlers and dispatches model-initiated tool
// calls without stalling the audio path.
//
// The realtime model requests tools by name with JSON-encoded arguments and a
// correlation id. The [Dispatcher] runs handlers on background goroutines
// with a concurrency cap, and delivers exactly one result per id through the
// caller's deliver function, whether the handler succeeded, failed, or never
// existed. Audio keeps flowing while handlers run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

// defaultMaxConcurrent caps how many handlers run at once when no explicit
// limit is configured.
const defaultMaxConcurrent = 4

// Handler executes one tool call. The returned map becomes the result payload
// sent back to the model. A non-nil error is converted into a structured
// error payload; it never aborts the session.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Dispatcher holds the tool registry and runs handlers asynchronously.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     []realtime.ToolDefinition

	group *errgroup.Group
	sched sync.WaitGroup

	// observe, if set, is called after every handler finishes with the tool
	// name, duration and whether it errored. Feeds metrics.
	observe func(name string, d time.Duration, failed bool)
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher, *int)

// WithMaxConcurrent caps the number of concurrently running handlers.
func WithMaxConcurrent(n int) Option {
	return func(_ *Dispatcher, limit *int) {
		if n > 0 {
			*limit = n
		}
	}
}

// WithObserver registers a hook called after every handler completes.
func WithObserver(fn func(name string, d time.Duration, failed bool)) Option {
	return func(d *Dispatcher, _ *int) { d.observe = fn }
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	limit := defaultMaxConcurrent
	for _, o := range opts {
		o(d, &limit)
	}
	d.group = &errgroup.Group{}
	d.group.SetLimit(limit)
	return d
}

// Register adds a tool to the registry. Registering a name twice replaces the
// previous handler and definition.
func (d *Dispatcher) Register(def realtime.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition must have a non-empty name")
	}
	if h == nil {
		return fmt.Errorf("tools: handler for %q must not be nil", def.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[def.Name]; exists {
		for i := range d.defs {
			if d.defs[i].Name == def.Name {
				d.defs[i] = def
				break
			}
		}
	} else {
		d.defs = append(d.defs, def)
	}
	d.handlers[def.Name] = h
	return nil
}

// Definitions returns the registered tool definitions in registration order,
// suitable for advertising in the session configuration.
func (d *Dispatcher) Definitions() []realtime.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]realtime.ToolDefinition, len(d.defs))
	copy(out, d.defs)
	return out
}

// Dispatch schedules every invocation in calls on a background goroutine and
// returns immediately. deliver is called exactly once per invocation with its
// result, from the handler's goroutine; it must be safe for concurrent use.
//
// Scheduling happens off the caller's goroutine so a saturated concurrency
// limit never blocks the session event loop.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []realtime.ToolInvocation, deliver func(realtime.ToolResult)) {
	d.sched.Add(1)
	go func() {
		defer d.sched.Done()
		for _, call := range calls {
			d.group.Go(func() error {
				deliver(d.run(ctx, call))
				return nil
			})
		}
	}()
}

// Wait blocks until all in-flight handlers have finished. Used during
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.sched.Wait()
	_ = d.group.Wait()
}

// run executes one invocation and always produces a result tagged with the
// invocation id.
func (d *Dispatcher) run(ctx context.Context, call realtime.ToolInvocation) realtime.ToolResult {
	d.mu.RLock()
	h, ok := d.handlers[call.Name]
	d.mu.RUnlock()

	res := realtime.ToolResult{ID: call.ID, Name: call.Name}

	if !ok {
		slog.Warn("tool call for unregistered tool", "tool", call.Name, "id", call.ID)
		res.Payload = realtime.ErrorPayload(fmt.Errorf("unknown tool %q", call.Name))
		d.record(call.Name, 0, true)
		return res
	}

	start := time.Now()
	payload, err := h(ctx, call.Args)
	elapsed := time.Since(start)

	if err != nil {
		slog.Warn("tool handler failed", "tool", call.Name, "id", call.ID, "err", err)
		res.Payload = realtime.ErrorPayload(err)
		d.record(call.Name, elapsed, true)
		return res
	}

	res.Payload = payload
	d.record(call.Name, elapsed, false)
	return res
}

func (d *Dispatcher) record(name string, elapsed time.Duration, failed bool) {
	if d.observe != nil {
		d.observe(name, elapsed, failed)
	}
}

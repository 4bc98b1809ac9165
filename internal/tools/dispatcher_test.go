package tools_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/tools"
	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

// resultCollector gathers delivered results safely across goroutines.
type resultCollector struct {
	mu      sync.Mutex
	results []realtime.ToolResult
}

func (c *resultCollector) deliver(res realtime.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *resultCollector) snapshot() []realtime.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.ToolResult, len(c.results))
	copy(out, c.results)
	return out
}

func TestRegister_RejectsInvalid(t *testing.T) {
	t.Parallel()

	d := tools.New()
	if err := d.Register(realtime.ToolDefinition{}, func(context.Context, json.RawMessage) (map[string]any, error) {
		return nil, nil
	}); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := d.Register(realtime.ToolDefinition{Name: "x"}, nil); err == nil {
		t.Error("nil handler should be rejected")
	}
}

func TestRegister_ReplacesExisting(t *testing.T) {
	t.Parallel()

	d := tools.New()
	mustRegister(t, d, "echo", func(context.Context, json.RawMessage) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	})
	mustRegister(t, d, "echo", func(context.Context, json.RawMessage) (map[string]any, error) {
		return map[string]any{"v": 2}, nil
	})

	if defs := d.Definitions(); len(defs) != 1 {
		t.Fatalf("Definitions() len = %d; want 1", len(defs))
	}

	c := &resultCollector{}
	d.Dispatch(context.Background(), []realtime.ToolInvocation{{ID: "1", Name: "echo"}}, c.deliver)
	d.Wait()

	results := c.snapshot()
	if len(results) != 1 || results[0].Payload["v"] != 2 {
		t.Errorf("results = %+v; want v=2 from the replacement handler", results)
	}
}

func TestDispatch_OneResultPerInvocation(t *testing.T) {
	t.Parallel()

	d := tools.New()
	mustRegister(t, d, "add", func(_ context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]any{"sum": in.A + in.B}, nil
	})

	calls := []realtime.ToolInvocation{
		{ID: "c1", Name: "add", Args: json.RawMessage(`{"A":1,"B":2}`)},
		{ID: "c2", Name: "add", Args: json.RawMessage(`{"A":10,"B":20}`)},
		{ID: "c3", Name: "add", Args: json.RawMessage(`{"A":100,"B":200}`)},
	}

	c := &resultCollector{}
	d.Dispatch(context.Background(), calls, c.deliver)
	d.Wait()

	results := c.snapshot()
	if len(results) != 3 {
		t.Fatalf("got %d results; want 3", len(results))
	}
	byID := map[string]realtime.ToolResult{}
	for _, r := range results {
		if _, dup := byID[r.ID]; dup {
			t.Fatalf("duplicate result for id %q", r.ID)
		}
		byID[r.ID] = r
	}
	if byID["c2"].Payload["sum"] != 30 {
		t.Errorf("c2 payload = %v", byID["c2"].Payload)
	}
}

func TestDispatch_UnknownToolProducesErrorResult(t *testing.T) {
	t.Parallel()

	d := tools.New()

	c := &resultCollector{}
	d.Dispatch(context.Background(), []realtime.ToolInvocation{
		{ID: "missing-1", Name: "no_such_tool"},
	}, c.deliver)
	d.Wait()

	results := c.snapshot()
	if len(results) != 1 {
		t.Fatalf("got %d results; want 1", len(results))
	}
	res := results[0]
	if res.ID != "missing-1" || res.Name != "no_such_tool" {
		t.Errorf("result identity = %+v", res)
	}
	if res.Payload["error"] == nil {
		t.Errorf("payload should carry an error: %v", res.Payload)
	}
}

func TestDispatch_HandlerErrorBecomesPayload(t *testing.T) {
	t.Parallel()

	d := tools.New()
	mustRegister(t, d, "fail", func(context.Context, json.RawMessage) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	})

	c := &resultCollector{}
	d.Dispatch(context.Background(), []realtime.ToolInvocation{{ID: "f1", Name: "fail"}}, c.deliver)
	d.Wait()

	results := c.snapshot()
	if len(results) != 1 {
		t.Fatalf("got %d results; want 1", len(results))
	}
	if results[0].Payload["error"] == nil {
		t.Errorf("payload = %v; want error entry", results[0].Payload)
	}
}

func TestDispatch_ConcurrencyCapped(t *testing.T) {
	t.Parallel()

	const limit = 2
	var mu sync.Mutex
	running, peak := 0, 0

	d := tools.New(tools.WithMaxConcurrent(limit))
	mustRegister(t, d, "slow", func(context.Context, json.RawMessage) (map[string]any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return map[string]any{}, nil
	})

	var calls []realtime.ToolInvocation
	for i := range 8 {
		calls = append(calls, realtime.ToolInvocation{ID: string(rune('a' + i)), Name: "slow"})
	}

	c := &resultCollector{}
	d.Dispatch(context.Background(), calls, c.deliver)
	d.Wait()

	if len(c.snapshot()) != 8 {
		t.Fatalf("got %d results; want 8", len(c.snapshot()))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Errorf("peak concurrency = %d; want <= %d", peak, limit)
	}
}

func TestDispatch_ReturnsBeforeHandlersFinish(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	d := tools.New(tools.WithMaxConcurrent(1))
	mustRegister(t, d, "block", func(context.Context, json.RawMessage) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	})

	c := &resultCollector{}
	done := make(chan struct{})
	go func() {
		// More calls than the concurrency limit: Dispatch must still return
		// immediately.
		d.Dispatch(context.Background(), []realtime.ToolInvocation{
			{ID: "1", Name: "block"},
			{ID: "2", Name: "block"},
			{ID: "3", Name: "block"},
		}, c.deliver)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on saturated concurrency limit")
	}

	close(release)
	d.Wait()
	if len(c.snapshot()) != 3 {
		t.Errorf("got %d results; want 3", len(c.snapshot()))
	}
}

func TestWithObserver_SeesEveryCompletion(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	type obs struct {
		name   string
		failed bool
	}
	var seen []obs

	d := tools.New(tools.WithObserver(func(name string, _ time.Duration, failed bool) {
		mu.Lock()
		seen = append(seen, obs{name, failed})
		mu.Unlock()
	}))
	mustRegister(t, d, "ok", func(context.Context, json.RawMessage) (map[string]any, error) {
		return map[string]any{}, nil
	})

	c := &resultCollector{}
	d.Dispatch(context.Background(), []realtime.ToolInvocation{
		{ID: "1", Name: "ok"},
		{ID: "2", Name: "gone"},
	}, c.deliver)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("observer saw %d completions; want 2", len(seen))
	}
	byName := map[string]bool{}
	for _, o := range seen {
		byName[o.name] = o.failed
	}
	if byName["ok"] {
		t.Error("ok should not be marked failed")
	}
	if !byName["gone"] {
		t.Error("unknown tool should be marked failed")
	}
}

func mustRegister(t *testing.T, d *tools.Dispatcher, name string, h tools.Handler) {
	t.Helper()
	if err := d.Register(realtime.ToolDefinition{Name: name}, h); err != nil {
		t.Fatalf("Register(%q): %v", name, err)
	}
}

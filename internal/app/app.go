// Package app wires all voxloop subsystems into a running voice engine.
//
// The Engine owns the full lifecycle: New creates and connects all
// subsystems from config, Start opens the voice session, Stop closes it
// voluntarily, and Close tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithRealtimeProvider, WithSnapshotStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/tools"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/capture"
	"github.com/voxloop/voxloop/pkg/audio/sched"
	"github.com/voxloop/voxloop/pkg/codec"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/anyllm"
	openaillm "github.com/voxloop/voxloop/pkg/provider/llm/openai"
	"github.com/voxloop/voxloop/pkg/provider/realtime"
	"github.com/voxloop/voxloop/pkg/provider/realtime/gemini"
	"github.com/voxloop/voxloop/pkg/provider/realtime/openairt"
)

// Engine is the top-level voice session engine. It owns the capture
// pipeline, playback scheduler, transcript assembler, tool dispatcher,
// session manager, compactor and snapshot store, and exposes the host-facing
// operations. All methods are safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	metrics   *observe.Metrics
	sessionID string

	// Injection-only collaborators, populated by options before init runs.
	playbackSink    sched.Sink
	summaryProvider llm.Provider

	provider  realtime.Provider
	codec     codec.Codec
	micGain   *audio.Gain
	outGain   *audio.Gain
	scheduler *sched.Scheduler
	pipeline  *capture.Pipeline
	asm       *transcript.Assembler
	disp      *tools.Dispatcher
	mcp       *tools.MCPSource
	mgr       *session.Manager
	compactor *session.Compactor // nil when no summariser backend is configured
	snapshots store.Store

	// closers are called in order during Close.
	closers []func() error

	// closeOnce guards the Close path.
	closeOnce sync.Once

	mu      sync.Mutex
	running bool
	tap     *capture.Tap
	onTurn  func(transcript.Turn)
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Engine)

// WithRealtimeProvider injects a realtime provider instead of creating one
// from the config backend.
func WithRealtimeProvider(p realtime.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithSummaryProvider injects the completion provider used for context
// compaction instead of creating one from config. The provider is ignored
// unless a summariser backend or an injected provider enables compaction.
func WithSummaryProvider(p llm.Provider) Option {
	return func(e *Engine) { e.summaryProvider = p }
}

// WithSnapshotStore injects a snapshot store instead of selecting one from
// the storage config.
func WithSnapshotStore(s store.Store) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithPlaybackSink sets the playback output sink. Required: the engine has
// no default audio output.
func WithPlaybackSink(s sched.Sink) Option {
	return func(e *Engine) { e.playbackSink = s }
}

// WithMetrics injects a metrics instance instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an Engine by wiring all subsystems together. Providers, the
// snapshot store and the summariser are built from cfg unless injected via
// Option functions. New performs all initialisation synchronously, including
// MCP server registration; the voice session itself is not opened until
// Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}

	e := &Engine{
		cfg:       cfg,
		sessionID: uuid.NewString(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.playbackSink == nil {
		return nil, fmt.Errorf("app: playback sink is required (WithPlaybackSink)")
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio path ────────────────────────────────────────────────────
	if err := e.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Transcript + tools ────────────────────────────────────────────
	e.initTranscript()
	if err := e.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	if err := e.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 4. Capture pipeline ──────────────────────────────────────────────
	if err := e.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 5. Compaction ────────────────────────────────────────────────────
	if err := e.initCompaction(); err != nil {
		return nil, fmt.Errorf("app: init compaction: %w", err)
	}

	// ── 6. Snapshot store ────────────────────────────────────────────────
	if err := e.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	return e, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudio sets up gains, the wire codec and the playback scheduler.
func (e *Engine) initAudio() error {
	e.micGain = audio.NewGain(e.cfg.Audio.InputGain)
	e.outGain = audio.NewGain(e.cfg.Audio.OutputGain)

	switch e.cfg.Audio.Codec {
	case config.CodecOpus:
		c, err := codec.NewOpus(e.cfg.Audio.InputRate)
		if err != nil {
			return fmt.Errorf("create opus codec: %w", err)
		}
		e.codec = c
	default:
		e.codec = codec.NewPCM16(e.cfg.Audio.InputRate)
	}

	met := e.metrics
	s, err := sched.New(e.playbackSink, e.cfg.Audio.OutputRate,
		sched.WithOutputGain(e.outGain),
		sched.WithHooks(sched.Hooks{
			OnSchedule: func(time.Time, time.Duration) {
				met.PlaybackScheduled.Add(context.Background(), 1)
			},
			OnInterrupt: func(cancelled int) {
				met.RecordInterruption(context.Background(), cancelled)
			},
		}),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	e.scheduler = s
	e.closers = append(e.closers, s.Close)
	return nil
}

// initTranscript sets up the assembler and fans turn completions out to the
// compactor, metrics and the host callback.
func (e *Engine) initTranscript() {
	e.asm = transcript.New()
	e.asm.OnTurn(func(turn transcript.Turn) {
		if !turn.Synthetic {
			e.metrics.TurnsCompleted.Add(context.Background(), 1)
		}
		if e.compactor != nil {
			e.compactor.NoteTurn(turn)
		}
		e.mu.Lock()
		fn := e.onTurn
		e.mu.Unlock()
		if fn != nil {
			fn(turn)
		}
	})
}

// initTools sets up the dispatcher and registers configured MCP servers.
func (e *Engine) initTools(ctx context.Context) error {
	met := e.metrics
	e.disp = tools.New(tools.WithObserver(func(name string, d time.Duration, failed bool) {
		met.RecordToolCall(context.Background(), name, d, failed)
	}))

	if len(e.cfg.MCP.Servers) == 0 {
		return nil
	}

	e.mcp = tools.NewMCPSource()
	e.closers = append(e.closers, e.mcp.Close)
	for _, srv := range e.cfg.MCP.Servers {
		err := e.mcp.RegisterServer(ctx, e.disp, tools.MCPServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initSession builds the realtime provider (unless injected) and the manager.
func (e *Engine) initSession() error {
	if e.provider == nil {
		p, err := buildRealtimeProvider(e.cfg.Provider)
		if err != nil {
			return err
		}
		e.provider = p
	}

	mgr, err := session.New(session.Config{
		Provider:      e.provider,
		Codec:         e.codec,
		Scheduler:     e.scheduler,
		Transcript:    e.asm,
		Dispatcher:    e.disp,
		BackoffBase:   e.cfg.Session.BackoffBase,
		MaxReconnects: e.cfg.Session.MaxReconnects,
		OutboundQueue: e.cfg.Session.OutboundQueue,
	})
	if err != nil {
		return err
	}
	met := e.metrics
	mgr.OnReconnectAttempt(func(int) {
		met.ReconnectAttempts.Add(context.Background(), 1)
	})
	e.mgr = mgr
	return nil
}

// initCapture wires the mic pipeline to the session through a counting sink.
func (e *Engine) initCapture() error {
	frameMs := int(e.cfg.Audio.FrameDuration / time.Millisecond)
	p, err := capture.New(&countingSink{next: e.mgr, metrics: e.metrics}, capture.Config{
		SampleRate: e.cfg.Audio.InputRate,
		FrameMs:    frameMs,
		MicGain:    e.micGain,
	})
	if err != nil {
		return err
	}
	e.pipeline = p
	return nil
}

// initCompaction builds the summariser and compactor when a backend is
// configured or a summary provider was injected.
func (e *Engine) initCompaction() error {
	prov := e.summaryProvider
	if prov == nil {
		if e.cfg.Summariser.Backend == "" {
			slog.Info("context compaction disabled: no summariser backend")
			return nil
		}
		primary, err := newCompletionProvider(
			e.cfg.Summariser.Backend, e.cfg.Summariser.Model,
			e.cfg.Summariser.APIKey, e.cfg.Summariser.BaseURL)
		if err != nil {
			return fmt.Errorf("create summariser backend: %w", err)
		}
		prov = primary

		if len(e.cfg.Summariser.Fallbacks) > 0 {
			chain := resilience.NewBackendChain(e.cfg.Summariser.Backend, primary)
			for _, fb := range e.cfg.Summariser.Fallbacks {
				p, err := newCompletionProvider(fb.Backend, fb.Model, fb.APIKey, fb.BaseURL)
				if err != nil {
					return fmt.Errorf("create summariser fallback %q: %w", fb.Backend, err)
				}
				chain.Add(fb.Backend, p)
			}
			prov = chain
		}
	}

	var sumOpts []session.SummariserOption
	if e.cfg.Summariser.MaxTokens > 0 {
		sumOpts = append(sumOpts, session.WithSummaryMaxTokens(e.cfg.Summariser.MaxTokens))
	}
	sum, err := session.NewLLMSummariser(prov, sumOpts...)
	if err != nil {
		return fmt.Errorf("create summariser: %w", err)
	}

	comp, err := session.NewCompactor(session.CompactorConfig{
		Manager:     e.mgr,
		Transcript:  e.asm,
		Summariser:  sum,
		Threshold:   e.cfg.Summariser.Threshold,
		OnCompacted: e.handleCompaction,
	})
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}
	e.compactor = comp
	return nil
}

// newCompletionProvider constructs the completion provider for one summariser
// endpoint. "openai-direct" uses the OpenAI SDK client; every other backend
// name routes through any-llm.
func newCompletionProvider(backend, model, apiKey, baseURL string) (llm.Provider, error) {
	if backend == "openai-direct" {
		var opts []openaillm.Option
		if baseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(baseURL))
		}
		return openaillm.New(apiKey, model, opts...)
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	return anyllm.New(backend, model, opts...)
}

// initStore selects the snapshot store: injected, PostgreSQL when a DSN is
// configured, in-memory otherwise.
func (e *Engine) initStore(ctx context.Context) error {
	if e.snapshots != nil {
		return nil
	}
	if dsn := e.cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		e.snapshots = pg
		e.closers = append(e.closers, func() error {
			pg.Close()
			return nil
		})
		return nil
	}
	e.snapshots = store.NewMemStore()
	return nil
}

// buildRealtimeProvider constructs the configured realtime backend.
func buildRealtimeProvider(cfg config.ProviderConfig) (realtime.Provider, error) {
	switch cfg.Backend {
	case config.BackendGeminiLive:
		var opts []gemini.Option
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, opts...), nil

	case config.BackendOpenAIRealtime:
		var opts []openairt.Option
		if cfg.Model != "" {
			opts = append(opts, openairt.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(cfg.BaseURL))
		}
		return openairt.New(cfg.APIKey, opts...), nil

	default:
		return nil, fmt.Errorf("unknown realtime backend %q", cfg.Backend)
	}
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

// Start opens the voice session with the configured voice, instructions and
// all registered tool definitions, and arms the compactor. Calling Start on a
// running engine returns an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("app: engine already running")
	}
	e.mu.Unlock()

	params := session.StartParams{
		Voice:        e.cfg.Provider.Voice,
		Instructions: e.cfg.Session.Instructions,
		Tools:        e.disp.Definitions(),
	}
	if err := e.mgr.Start(ctx, params); err != nil {
		return err
	}
	if e.compactor != nil {
		e.compactor.Activate(ctx, params)
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	e.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("voice session started",
		"session_id", e.sessionID,
		"backend", e.cfg.Provider.Backend,
		"voice", params.Voice,
		"tools", len(params.Tools),
	)
	return nil
}

// Stop closes the voice session voluntarily, waits for in-flight tool calls,
// and persists a final transcript snapshot. Stopping a stopped engine is a
// no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	tap := e.tap
	e.tap = nil
	e.mu.Unlock()

	if e.compactor != nil {
		e.compactor.Deactivate()
	}
	if tap != nil {
		if err := e.pipeline.Detach(tap); err != nil {
			slog.Warn("detach capture device", "err", err)
		}
	}
	if err := e.mgr.Stop(); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	e.disp.Wait()
	e.metrics.ActiveSessions.Add(ctx, -1)

	e.saveSnapshot(ctx, store.Snapshot{
		SessionID: e.sessionID,
		Reason:    store.ReasonStop,
		Turns:     e.asm.Log(),
	})
	slog.Info("voice session stopped", "session_id", e.sessionID)
	return nil
}

// Close releases all engine resources. Close does not stop a running session
// first; call Stop before Close for an orderly shutdown.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return nil
}

// ─── Host-facing operations ──────────────────────────────────────────────────

// AttachDevice starts capturing from dev and streams frames into the session.
// One device at a time.
func (e *Engine) AttachDevice(ctx context.Context, dev capture.Device) error {
	tap, err := e.pipeline.Attach(ctx, dev)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.tap = tap
	e.mu.Unlock()
	return nil
}

// DetachDevice stops the current capture device, if any.
func (e *Engine) DetachDevice() error {
	e.mu.Lock()
	tap := e.tap
	e.tap = nil
	e.mu.Unlock()
	return e.pipeline.Detach(tap)
}

// SetMicGain adjusts the live microphone gain multiplier.
func (e *Engine) SetMicGain(v float64) { e.micGain.Store(v) }

// SetOutputGain adjusts the live playback gain multiplier.
func (e *Engine) SetOutputGain(v float64) { e.outGain.Store(v) }

// SetMuted suppresses mic frame emission without tearing down the device.
func (e *Engine) SetMuted(v bool) { e.pipeline.SetPaused(v) }

// SendText injects a synthetic user text turn into the live session.
func (e *Engine) SendText(text string) error { return e.mgr.SendText(text) }

// AttachMedia sends media bytes to the live session for analysis.
func (e *Engine) AttachMedia(data []byte, mimeType string) error {
	return e.mgr.SendMedia(data, mimeType)
}

// RegisterTool adds a locally handled tool. Must be called before Start so
// the definition is advertised on connect.
func (e *Engine) RegisterTool(def realtime.ToolDefinition, h tools.Handler) error {
	return e.disp.Register(def, h)
}

// Transcript returns the completed turn log so far.
func (e *Engine) Transcript() []transcript.Turn { return e.asm.Log() }

// State returns the session lifecycle state.
func (e *Engine) State() session.State { return e.mgr.State() }

// SessionID returns the engine's stable session identifier used to group
// persisted snapshots.
func (e *Engine) SessionID() string { return e.sessionID }

// Snapshots lists persisted snapshots for this engine session, newest first.
func (e *Engine) Snapshots(ctx context.Context, limit int) ([]store.Snapshot, error) {
	return e.snapshots.List(ctx, e.sessionID, limit)
}

// OnTurn registers a host callback for completed turns. Must be called
// before Start.
func (e *Engine) OnTurn(fn func(transcript.Turn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTurn = fn
}

// OnState registers a host callback for session state transitions. Must be
// called before Start. The callback must not call back into the engine.
func (e *Engine) OnState(fn func(session.State)) { e.mgr.OnState(fn) }

// OnError registers a host callback for non-fatal session errors. Must be
// called before Start.
func (e *Engine) OnError(fn func(error)) { e.mgr.OnError(fn) }

// OnToolObserved registers a host callback fired when the model requests a
// tool, before the handler runs. Must be called before Start.
func (e *Engine) OnToolObserved(fn func(realtime.ToolInvocation)) {
	e.mgr.OnToolObserved(fn)
}

// ─── Internal plumbing ───────────────────────────────────────────────────────

// handleCompaction records compaction metrics and persists the compacted
// transcript. Runs on the compaction goroutine.
func (e *Engine) handleCompaction(res session.CompactionResult) {
	ctx := context.Background()
	e.metrics.RecordCompaction(ctx, res.Err != nil, res.Duration)
	if res.Err != nil {
		return
	}
	e.saveSnapshot(ctx, store.Snapshot{
		SessionID: e.sessionID,
		Reason:    store.ReasonCompaction,
		Summary:   res.Summary,
		Turns:     res.Turns,
	})
}

func (e *Engine) saveSnapshot(ctx context.Context, snap store.Snapshot) {
	id, err := e.snapshots.Save(ctx, snap)
	if err != nil {
		slog.Warn("persist snapshot failed", "reason", snap.Reason, "err", err)
		return
	}
	slog.Info("snapshot persisted", "id", id, "reason", snap.Reason, "turns", len(snap.Turns))
}

// countingSink wraps the session manager's frame sink with capture metrics.
type countingSink struct {
	next    capture.Sink
	metrics *observe.Metrics
}

func (s *countingSink) SendFrame(frame audio.Frame) error {
	err := s.next.SendFrame(frame)
	if err == nil {
		s.metrics.FramesEmitted.Add(context.Background(), 1)
	} else {
		s.metrics.FramesDropped.Add(context.Background(), 1)
	}
	return err
}

var _ capture.Sink = (*countingSink)(nil)

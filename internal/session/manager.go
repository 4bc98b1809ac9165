// Package session owns the lifecycle of the realtime voice channel.
//
// The [Manager] drives the connection state machine, pumps the provider's
// inbound event stream into the codec, playback scheduler, transcript
// assembler and tool dispatcher, and recovers from involuntary disconnects
// with a bounded linear backoff. The [Compactor] watches completed turns and
// periodically performs a hot restart of the channel carrying forward a
// summary of the conversation so far.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/tools"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/capture"
	"github.com/voxloop/voxloop/pkg/audio/sched"
	"github.com/voxloop/voxloop/pkg/codec"
	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

// Default connection parameters.
const (
	defaultBackoffBase   = time.Second
	defaultMaxReconnects = 5
	defaultOutboundQueue = 32
)

// State is the connection lifecycle state. Owned exclusively by the Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateError
)

// String returns a stable lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StartParams carries everything a (re)connect needs. Restarts reuse the
// params from the most recent Start call, so reconnection is deterministic
// and independent of ambient state.
type StartParams struct {
	// Voice selects the model's voice by provider-specific name.
	Voice string

	// Instructions is the persona / system context for the session.
	Instructions string

	// Tools is the advertised tool schema.
	Tools []realtime.ToolDefinition
}

// Config wires the Manager's collaborators.
type Config struct {
	// Provider opens realtime sessions. Required.
	Provider realtime.Provider

	// Codec converts between raw PCM and the provider's wire format. Required.
	Codec codec.Codec

	// Scheduler plays decoded model audio. Required.
	Scheduler *sched.Scheduler

	// Transcript assembles transcription deltas into turns. Required.
	Transcript *transcript.Assembler

	// Dispatcher runs tool calls. Required.
	Dispatcher *tools.Dispatcher

	// BackoffBase is multiplied by the attempt number to produce each
	// reconnect delay. Defaults to 1s if zero.
	BackoffBase time.Duration

	// MaxReconnects is the maximum number of reconnection attempts before the
	// session transitions to Closed. Defaults to 5 if zero.
	MaxReconnects int

	// OutboundQueue is the capacity of the outbound audio queue. A frame that
	// cannot be queued is dropped with [capture.ErrBackpressure]. Defaults to
	// 32 if zero.
	OutboundQueue int
}

// Manager owns the duplex channel lifecycle. At most one connection handle is
// open at a time. All methods are safe for concurrent use.
type Manager struct {
	provider  realtime.Provider
	codec     codec.Codec
	scheduler *sched.Scheduler
	asm       *transcript.Assembler
	disp      *tools.Dispatcher

	backoffBase   time.Duration
	maxReconnects int

	mu        sync.Mutex
	state     State
	handle    realtime.SessionHandle
	epoch     uint64
	params    StartParams
	voluntary bool

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}

	outbound chan []byte

	onState        func(State)
	onError        func(error)
	onToolObserved func(call realtime.ToolInvocation)
	onReconnect    func(attempt int)
}

// New creates a Manager from cfg. Collaborator fields must be non-nil.
func New(cfg Config) (*Manager, error) {
	if cfg.Provider == nil || cfg.Codec == nil || cfg.Scheduler == nil ||
		cfg.Transcript == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("session: config requires Provider, Codec, Scheduler, Transcript and Dispatcher")
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = defaultMaxReconnects
	}
	queue := cfg.OutboundQueue
	if queue <= 0 {
		queue = defaultOutboundQueue
	}
	return &Manager{
		provider:      cfg.Provider,
		codec:         cfg.Codec,
		scheduler:     cfg.Scheduler,
		asm:           cfg.Transcript,
		disp:          cfg.Dispatcher,
		backoffBase:   backoff,
		maxReconnects: maxReconnects,
		state:         StateIdle,
		outbound:      make(chan []byte, queue),
	}, nil
}

// OnState registers a callback invoked inline on every state transition, in
// order. The callback must return quickly and must not call back into the
// Manager. Must be called before Start.
func (m *Manager) OnState(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnError registers a callback for non-fatal session errors. Must be called
// before Start.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// OnToolObserved registers a callback invoked when the model requests a tool,
// before the handler runs. Feeds UI feedback. Must be called before Start.
func (m *Manager) OnToolObserved(fn func(call realtime.ToolInvocation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolObserved = fn
}

// OnReconnectAttempt registers a callback invoked before each reconnection
// attempt. Feeds metrics. Must be called before Start.
func (m *Manager) OnReconnectAttempt(fn func(attempt int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the current connection epoch. It increments on every
// successful open; results tagged with an older epoch are discarded.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Start opens the channel with the given params and begins pumping events.
// It blocks until the remote side acknowledges the open. Calling Start while
// a session is live returns an error.
func (m *Manager) Start(ctx context.Context, params StartParams) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed, StateError:
	default:
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: start from state %s", st)
	}
	m.params = params
	m.voluntary = false
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.loopDone = make(chan struct{})
	m.setStateLocked(StateConnecting)
	runCtx := m.runCtx
	m.mu.Unlock()

	// Dial with runCtx so a concurrent Stop can abort the attempt.
	handle, err := m.connect(runCtx, params)
	if err != nil {
		m.mu.Lock()
		m.runCancel()
		close(m.loopDone)
		// A Stop racing with the dial lands on Idle, not Error.
		if !m.voluntary {
			m.setStateLocked(StateError)
		}
		m.mu.Unlock()
		return fmt.Errorf("session: connect: %w", err)
	}

	m.mu.Lock()
	if m.voluntary {
		// Stop won the race while the dial was in flight: do not adopt.
		done := m.loopDone
		m.mu.Unlock()
		_ = handle.Close()
		close(done)
		return fmt.Errorf("session: stopped during connect")
	}
	m.adoptLocked(handle)
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.run(handle)
	go m.sendLoop(runCtx)
	return nil
}

// connect opens one session through the provider.
func (m *Manager) connect(ctx context.Context, params StartParams) (realtime.SessionHandle, error) {
	return m.provider.Connect(ctx, realtime.SessionConfig{
		Voice:         params.Voice,
		Instructions:  params.Instructions,
		Tools:         params.Tools,
		InputMIMEType: m.codec.MIMEType(),
	})
}

// adoptLocked installs a new connection handle and advances the epoch.
// Callers hold m.mu.
func (m *Manager) adoptLocked(handle realtime.SessionHandle) {
	m.handle = handle
	m.epoch++
}

// Stop closes the session voluntarily. It never triggers reconnection: the
// state machine lands on Idle and stays there until the next Start. Child
// resources are torn down idempotently; calling Stop on an idle manager is a
// no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed, StateError:
		m.mu.Unlock()
		return nil
	default:
	}
	m.voluntary = true
	handle := m.handle
	done := m.loopDone
	cancel := m.runCancel
	m.mu.Unlock()

	// Cancel first so a run loop parked in a reconnect backoff wakes up.
	if cancel != nil {
		cancel()
	}
	if handle != nil {
		_ = handle.Close()
	}
	if done != nil {
		<-done
	}

	m.teardown()

	m.mu.Lock()
	m.handle = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	return nil
}

// teardown releases per-connection child resources. Safe to call repeatedly.
func (m *Manager) teardown() {
	m.scheduler.Interrupt()
	m.asm.DiscardPending()
	// Drain any queued outbound audio so a future session does not replay it.
	for {
		select {
		case <-m.outbound:
		default:
			return
		}
	}
}

// SendFrame encodes one captured frame and queues it for transmission.
// It never blocks: when the outbound queue is full the frame is dropped and
// [capture.ErrBackpressure] is returned. Implements [capture.Sink].
func (m *Manager) SendFrame(frame audio.Frame) error {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	if st != StateConnected {
		return fmt.Errorf("session: send frame in state %s", st)
	}

	wire, err := m.codec.Encode(frame.Data)
	if err != nil {
		return fmt.Errorf("session: encode frame %d: %w", frame.Seq, err)
	}

	select {
	case m.outbound <- wire:
		return nil
	default:
		return capture.ErrBackpressure
	}
}

// SendText injects a synthetic user text turn into the live session.
func (m *Manager) SendText(text string) error {
	handle, err := m.liveHandle()
	if err != nil {
		return err
	}
	return handle.SendText(text)
}

// SendMedia attaches media bytes to the live session for analysis. Providers
// without media support return [realtime.ErrMediaNotSupported].
func (m *Manager) SendMedia(data []byte, mimeType string) error {
	handle, err := m.liveHandle()
	if err != nil {
		return err
	}
	return handle.SendMedia(data, mimeType)
}

// SendToolResult returns one tool result on the live session, provided epoch
// still matches the current connection. Late results from a previous
// connection are discarded silently except for a log entry.
func (m *Manager) SendToolResult(epoch uint64, res realtime.ToolResult) error {
	m.mu.Lock()
	if epoch != m.epoch || m.handle == nil {
		m.mu.Unlock()
		slog.Debug("discarding stale tool result", "tool", res.Name, "id", res.ID, "epoch", epoch)
		return nil
	}
	handle := m.handle
	m.mu.Unlock()
	return handle.SendToolResult(res)
}

func (m *Manager) liveHandle() (realtime.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.handle == nil {
		return nil, fmt.Errorf("session: not connected (state %s)", m.state)
	}
	return m.handle, nil
}

// sendLoop drains the outbound queue onto the current handle. Frames queued
// while no connection is live are discarded, preserving the bounded-latency
// policy across reconnects.
func (m *Manager) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case wire := <-m.outbound:
			m.mu.Lock()
			handle := m.handle
			connected := m.state == StateConnected
			m.mu.Unlock()
			if !connected || handle == nil {
				continue
			}
			if err := handle.SendAudio(wire); err != nil {
				slog.Warn("send audio failed", "err", err)
			}
		}
	}
}

// run pumps events from one connection handle until its stream ends, then
// decides between voluntary shutdown and reconnection.
func (m *Manager) run(handle realtime.SessionHandle) {
	for {
		for evt := range handle.Events() {
			m.handleEvent(evt)
		}

		m.mu.Lock()
		voluntary := m.voluntary
		done := m.loopDone
		m.mu.Unlock()

		if voluntary {
			close(done)
			return
		}

		// Involuntary termination: the stream closed without a local Stop.
		if err := handle.Err(); err != nil {
			slog.Warn("session terminated", "err", err)
			m.reportError(fmt.Errorf("session: channel closed: %w", err))
		} else {
			slog.Warn("session terminated by server")
		}

		next, ok := m.reconnect()
		if !ok {
			close(done)
			return
		}
		handle = next
	}
}

// reconnect attempts to reopen the channel with linear backoff, delay =
// base x attempt, up to the attempt cap. Returns the new handle, or ok=false
// when the cap is exceeded (state Closed) or the session was stopped.
func (m *Manager) reconnect() (realtime.SessionHandle, bool) {
	m.mu.Lock()
	m.setStateLocked(StateReconnecting)
	params := m.params
	ctx := m.runCtx
	onAttempt := m.onReconnect
	m.mu.Unlock()

	for attempt := 1; attempt <= m.maxReconnects; attempt++ {
		delay := m.backoffBase * time.Duration(attempt)
		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", m.maxReconnects,
			"backoff", delay,
		)
		if onAttempt != nil {
			onAttempt(attempt)
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		// Stop may have raced with the backoff sleep.
		m.mu.Lock()
		if m.voluntary {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()

		handle, err := m.connect(ctx, params)
		if err != nil {
			slog.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
			continue
		}

		m.mu.Lock()
		if m.voluntary {
			m.mu.Unlock()
			_ = handle.Close()
			return nil, false
		}
		m.adoptLocked(handle)
		m.setStateLocked(StateConnected)
		m.mu.Unlock()

		slog.Info("reconnection successful", "attempt", attempt)
		return handle, true
	}

	slog.Error("reconnection failed after max attempts", "max_attempts", m.maxReconnects)
	m.mu.Lock()
	m.handle = nil
	// Stop the sendLoop: Stop() on a Closed manager is a no-op, so nothing
	// else would cancel the run context.
	m.runCancel()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.teardown()
	return nil, false
}

// handleEvent applies one inbound event. Events are applied in receipt order;
// anything potentially slow (tool handlers) goes through the dispatcher.
func (m *Manager) handleEvent(evt realtime.Event) {
	switch evt.Kind {
	case realtime.EventAudio:
		pcm, err := m.codec.Decode(evt.Audio)
		if err != nil {
			// A corrupt chunk is dropped; playback continues with the next one.
			slog.Warn("dropping undecodable audio chunk", "err", err)
			return
		}
		m.scheduler.Enqueue(pcm)

	case realtime.EventUserTranscript:
		m.asm.AddUserDelta(evt.Text)

	case realtime.EventModelTranscript:
		m.asm.AddModelDelta(evt.Text)

	case realtime.EventTurnComplete:
		m.asm.CompleteTurn()

	case realtime.EventInterrupted:
		m.scheduler.Interrupt()

	case realtime.EventToolCall:
		m.mu.Lock()
		epoch := m.epoch
		ctx := m.runCtx
		observed := m.onToolObserved
		m.mu.Unlock()

		if observed != nil {
			for _, call := range evt.ToolCalls {
				observed(call)
			}
		}
		m.disp.Dispatch(ctx, evt.ToolCalls, func(res realtime.ToolResult) {
			if err := m.SendToolResult(epoch, res); err != nil {
				slog.Warn("send tool result failed", "tool", res.Name, "id", res.ID, "err", err)
			}
		})

	case realtime.EventError:
		m.reportError(evt.Err)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		slog.Error("session error", "err", err)
	}
}

// setStateLocked transitions the state and fires the callback. Callers hold
// m.mu. The callback runs inline so transitions are observed in order; it
// must not call back into the Manager.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		m.onState(s)
	}
}

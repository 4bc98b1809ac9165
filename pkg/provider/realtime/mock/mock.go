// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the inbound event stream and inspect which methods the
// session manager invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Kind: realtime.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh default Session.
	Session realtime.SessionHandle

	// Sessions, if non-empty, is consumed one handle per Connect call after
	// Session is nil. Lets tests hand out a different session per reconnect
	// attempt.
	Sessions []realtime.SessionHandle

	// ConnectFunc, if non-nil, replaces the canned behaviour below. The call
	// is still recorded first. Lets tests block the dial on the context.
	ConnectFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error)

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one error per Connect call before
	// any session is handed out. A nil entry means that attempt succeeds.
	ConnectErrs []error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities realtime.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the next configured session or error.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if fn := p.ConnectFunc; fn != nil {
		// Run outside the lock so a blocking dial does not wedge the
		// provider's inspection methods.
		p.mu.Unlock()
		return fn(ctx, cfg)
	}
	defer p.mu.Unlock()

	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	if p.Session != nil {
		return p.Session, nil
	}
	if len(p.Sessions) > 0 {
		sess := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return sess, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of recorded Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConfig() realtime.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return realtime.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.SessionHandle. Tests emit
// inbound events with Emit and end the stream with CloseStream.
type Session struct {
	mu sync.Mutex

	events chan realtime.Event
	once   sync.Once

	// ErrVal is returned by Err. Set it before CloseStream to simulate an
	// involuntary disconnect.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendMediaErr, if non-nil, is returned by every SendMedia call.
	SendMediaErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// AudioSent records a copy of every chunk passed to SendAudio.
	AudioSent [][]byte

	// TextSent records every string passed to SendText.
	TextSent []string

	// MediaSent records the MIME type of every SendMedia call.
	MediaSent []string

	// ToolResults records every result passed to SendToolResult.
	ToolResults []realtime.ToolResult

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit delivers one inbound event to the session's Events channel.
func (s *Session) Emit(evt realtime.Event) {
	s.events <- evt
}

// CloseStream closes the Events channel, signalling end-of-session. Idempotent.
func (s *Session) CloseStream() {
	s.once.Do(func() { close(s.events) })
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioSent = append(s.AudioSent, cp)
	return s.SendAudioErr
}

// SendText records the text and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TextSent = append(s.TextSent, text)
	return s.SendTextErr
}

// SendMedia records the MIME type and returns SendMediaErr.
func (s *Session) SendMedia(_ []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MediaSent = append(s.MediaSent, mimeType)
	return s.SendMediaErr
}

// SendToolResult records the result and returns SendToolResultErr.
func (s *Session) SendToolResult(res realtime.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResults = append(s.ToolResults, res)
	return s.SendToolResultErr
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, ends the event stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseStream()
	return err
}

// SentAudio returns a snapshot of recorded SendAudio chunks. Thread-safe.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AudioSent))
	copy(out, s.AudioSent)
	return out
}

// SentToolResults returns a snapshot of recorded tool results. Thread-safe.
func (s *Session) SentToolResults() []realtime.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.ToolResult, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)

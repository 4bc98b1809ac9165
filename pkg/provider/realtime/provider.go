// Package realtime defines the Provider interface for bidirectional voice
// session backends.
//
// A realtime provider wraps a conversational model service that accepts a
// continuous stream of caller audio and returns synthesised speech, incremental
// transcripts, turn boundaries, interruption signals, and tool-call requests
// over a single persistent duplex channel. Examples include the Gemini Live
// and OpenAI Realtime APIs.
//
// The central abstraction is [SessionHandle]: one open channel whose inbound
// traffic — audio and control messages alike — is delivered as a single
// ordered [Event] stream. Ordering within the stream is the ordering
// guarantee the engine builds on: transcript deltas are applied and playback
// buffers scheduled in receipt order.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMediaNotSupported is returned by SendMedia on providers that cannot
// accept image/video/document input mid-session.
var ErrMediaNotSupported = errors.New("realtime: media input not supported")

// ErrSessionClosed is returned by send methods after the session has ended.
var ErrSessionClosed = errors.New("realtime: session closed")

// ToolDefinition describes one function offered to the model at session start.
type ToolDefinition struct {
	// Name is the unique tool name the model calls it by.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// ToolInvocation is a remote function-call request received mid-session.
// Invocation ids are unique within a connection lifetime.
type ToolInvocation struct {
	ID   string
	Name string

	// Args is the JSON-encoded argument payload, validated at the dispatcher
	// boundary rather than here.
	Args json.RawMessage
}

// ToolResult is the single response owed for one ToolInvocation, matched by
// id. A failed tool carries a structured error payload instead of an error
// return — tool failures are recoverable from the session's perspective.
type ToolResult struct {
	ID      string
	Name    string
	Payload map[string]any
}

// ErrorPayload builds the structured payload for a failed tool invocation.
func ErrorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// SessionConfig is the initial configuration for a new realtime session.
// Restarts pass a fresh config explicitly so they are deterministic and
// testable without ambient state.
type SessionConfig struct {
	// Voice selects the synthesised voice by provider-specific name.
	Voice string

	// Instructions is the system-level context (persona plus any carried-over
	// conversation summary).
	Instructions string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// InputMIMEType is the wire MIME type of outbound audio chunks, as
	// produced by the configured codec (e.g. "audio/pcm;rate=16000").
	InputMIMEType string
}

// EventKind discriminates the variants of the inbound [Event] union.
type EventKind int

const (
	// EventAudio carries a wire-format audio chunk of the model's speech.
	EventAudio EventKind = iota

	// EventUserTranscript carries an incremental transcription delta of the
	// caller's speech, as recognised by the model.
	EventUserTranscript

	// EventModelTranscript carries an incremental transcript delta of the
	// model's spoken response.
	EventModelTranscript

	// EventTurnComplete marks the end of the current model turn.
	EventTurnComplete

	// EventInterrupted signals model-side barge-in detection: the caller
	// started speaking while the model was still producing audio, and
	// playback must stop immediately.
	EventInterrupted

	// EventToolCall carries one or more tool invocations requested by the
	// model within a single control message.
	EventToolCall

	// EventError carries a non-fatal server-reported error.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "AUDIO"
	case EventUserTranscript:
		return "USER_TRANSCRIPT"
	case EventModelTranscript:
		return "MODEL_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventToolCall:
		return "TOOL_CALL"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound message from the session. Exactly the fields implied
// by Kind are populated.
type Event struct {
	Kind EventKind

	// Audio is the wire-format chunk for EventAudio.
	Audio []byte

	// Text is the transcript delta for EventUserTranscript and
	// EventModelTranscript.
	Text string

	// ToolCalls holds the batch for EventToolCall.
	ToolCalls []ToolInvocation

	// Err is the server-reported error for EventError.
	Err error
}

// CloseError describes an involuntary channel termination. The code comes
// from the transport close frame where available.
type CloseError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	return fmt.Sprintf("realtime: channel closed (code %d): %s", e.Code, e.Reason)
}

// Capabilities describes static properties of a realtime provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// ContextWindow is the model's maximum context size in tokens.
	ContextWindow int

	// MaxSessionDuration is the provider-imposed session lifetime cap.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the available voice names.
	Voices []string

	// SupportsMediaInput reports whether SendMedia works mid-session.
	SupportsMediaInput bool
}

// SessionHandle represents one open duplex channel. Exactly one handle is
// active per engine session at a time; the handle is invalidated by Close and
// by channel termination.
//
// The handle is the engine's hot path: every send method must return quickly
// and all methods must be safe for concurrent use. Consumers must drain
// Events promptly so the provider's receive loop is never stalled.
type SessionHandle interface {
	// SendAudio delivers one wire-format audio chunk to the model.
	SendAudio(chunk []byte) error

	// SendText injects a synthetic user turn without audio.
	SendText(text string) error

	// SendMedia attaches image/video/document bytes for in-session analysis.
	// Returns [ErrMediaNotSupported] where the protocol has no media path.
	SendMedia(data []byte, mimeType string) error

	// SendToolResult returns the result for one earlier tool invocation,
	// tagged with the originating id.
	SendToolResult(res ToolResult) error

	// Events returns the ordered inbound stream. The channel closes when the
	// session terminates for any reason; call Err afterwards to distinguish
	// involuntary termination from a clean local Close.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// locally requested Close. Involuntary terminations yield a *CloseError
	// or transport error.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
type Provider interface {
	// Connect establishes a new session. The returned handle is ready to
	// accept audio as soon as Connect returns; the remote open
	// acknowledgment has already been awaited.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() Capabilities
}

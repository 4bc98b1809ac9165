// Package codec converts raw captured PCM to the outbound wire format and
// decodes inbound wire audio back to playable PCM buffers.
//
// The wire format is an opaque contract with the remote service: the engine
// never inspects encoded bytes. Two codecs are provided — a validating PCM16
// passthrough ([PCM16]) for providers that speak raw PCM, and an Opus codec
// ([Opus]) for bandwidth-constrained links. A decode failure on a single
// inbound chunk drops that chunk only; playback continues with the next one.
package codec

import (
	"errors"
	"fmt"
)

// ErrCorruptChunk is returned by Decode when an inbound chunk cannot be
// decoded. Callers drop the chunk and continue.
var ErrCorruptChunk = errors.New("codec: corrupt audio chunk")

// Codec converts between raw little-endian PCM16 sample buffers and the
// provider wire format. Implementations maintain per-stream state (Opus
// decoder state survives across chunks) and are NOT safe for concurrent use;
// create one per direction per connection.
type Codec interface {
	// Encode converts a raw PCM16 buffer to wire bytes.
	Encode(pcm []byte) ([]byte, error)

	// Decode converts wire bytes back to a raw PCM16 buffer. Returns an error
	// wrapping [ErrCorruptChunk] if the chunk is undecodable.
	Decode(wire []byte) ([]byte, error)

	// MIMEType returns the wire MIME type announced to the provider,
	// e.g. "audio/pcm;rate=16000".
	MIMEType() string
}

// PCM16 is a validating passthrough codec: the wire format is the PCM itself.
// Encode and Decode verify int16 alignment so a truncated network chunk is
// dropped instead of desynchronising the sample stream.
type PCM16 struct {
	// Rate is the sample rate announced in the MIME type.
	Rate int
}

// NewPCM16 returns a PCM16 codec for the given sample rate.
func NewPCM16(rate int) *PCM16 {
	return &PCM16{Rate: rate}
}

// Encode validates alignment and returns pcm unchanged.
func (c *PCM16) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16 encode: odd byte count %d", len(pcm))
	}
	return pcm, nil
}

// Decode validates alignment and returns wire unchanged.
func (c *PCM16) Decode(wire []byte) ([]byte, error) {
	if len(wire)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16 decode: odd byte count %d: %w", len(wire), ErrCorruptChunk)
	}
	return wire, nil
}

// MIMEType implements [Codec].
func (c *PCM16) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.Rate)
}

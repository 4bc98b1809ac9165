package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Opus frame parameters. Opus requires a fixed frame size per encode call;
// the capture pipeline is configured to emit frames of exactly this duration
// when the Opus codec is selected.
const (
	opusFrameMs = 20

	// opusMaxPacket is the upper bound gopus needs for its output buffer.
	opusMaxPacket = 4000
)

// Opus encodes outbound PCM frames to Opus packets and decodes inbound Opus
// packets to PCM, using layeh.com/gopus. Decoder state is kept across chunks,
// so one Opus instance must be used per stream direction.
type Opus struct {
	enc       *gopus.Encoder
	dec       *gopus.Decoder
	rate      int
	frameSize int // samples per channel per frame
}

// NewOpus creates an Opus codec for mono audio at the given sample rate.
// Valid rates are the Opus-supported set (8, 12, 16, 24, 48 kHz).
func NewOpus(rate int) (*Opus, error) {
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{
		enc:       enc,
		dec:       dec,
		rate:      rate,
		frameSize: rate * opusFrameMs / 1000,
	}, nil
}

// FrameBytes returns the exact PCM byte count Encode expects per call.
func (c *Opus) FrameBytes() int { return c.frameSize * 2 }

// Encode encodes one PCM16 frame into an Opus packet. The input must be
// exactly one frame ([Opus.FrameBytes] bytes); the capture pipeline
// guarantees this by construction.
func (c *Opus) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != c.FrameBytes() {
		return nil, fmt.Errorf("codec: opus encode: frame is %d bytes, want %d", len(pcm), c.FrameBytes())
	}
	packet, err := c.enc.Encode(audio.BytesToInt16s(pcm), c.frameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return packet, nil
}

// Decode decodes one Opus packet into PCM16 bytes. Undecodable packets are
// reported as [ErrCorruptChunk] so the caller drops them and keeps playing.
func (c *Opus) Decode(wire []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(wire, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %v: %w", err, ErrCorruptChunk)
	}
	return audio.Int16sToBytes(pcm), nil
}

// MIMEType implements [Codec].
func (c *Opus) MIMEType() string {
	return fmt.Sprintf("audio/opus;rate=%d", c.rate)
}

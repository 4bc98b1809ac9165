// Package audio defines the frame types and PCM utilities shared by the
// voxloop capture and playback paths.
//
// All audio inside the engine is little-endian 16-bit mono PCM. The capture
// pipeline slices device input into fixed-size [Frame] values; the playback
// scheduler consumes decoded PCM buffers. Sample-rate conversion between the
// device format and the provider wire format happens at the pipeline edges.
package audio

import "time"

// Frame is a fixed-size block of raw mono samples flowing from the capture
// pipeline to the session. Frames carry a monotonic sequence number assigned
// at emission; a frame is consumed exactly once by the codec and never
// retained after encoding.
type Frame struct {
	// Data is little-endian int16 mono PCM.
	Data []byte

	// Seq is the monotonic sequence number assigned by the capture pipeline.
	Seq uint64

	// SampleRate in Hz (e.g., 16000 for provider input, 24000 for output).
	SampleRate int
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the wall-clock duration of the frame's audio.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// PCMDuration returns the duration of a raw PCM16 byte buffer at rate Hz.
func PCMDuration(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)
}

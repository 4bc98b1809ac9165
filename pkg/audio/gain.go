package audio

import (
	"math"
	"sync/atomic"
)

// Gain is a single gain knob that can be mutated from outside the engine (a
// user slider) while being read from the audio hot paths. Reads and writes
// are atomic single-value operations so neither path ever blocks on a lock.
//
// A value of 1.0 is unity gain, 0.0 is silence. Values above 1.0 amplify and
// are clamped per sample during application.
type Gain struct {
	bits atomic.Uint64
}

// NewGain returns a Gain initialised to v.
func NewGain(v float64) *Gain {
	g := &Gain{}
	g.Store(v)
	return g
}

// Load returns the current gain value.
func (g *Gain) Load() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Store sets the gain value. Negative values are treated as zero.
func (g *Gain) Store(v float64) {
	if v < 0 {
		v = 0
	}
	g.bits.Store(math.Float64bits(v))
}

// GainSettings holds the process-wide mic and output gain knobs. Both knobs
// are applied to the live capture/playback paths at frame emission time, so
// changes take effect on the very next frame without a reconnect.
type GainSettings struct {
	Mic    *Gain
	Output *Gain
}

// NewGainSettings returns GainSettings with both knobs at unity.
func NewGainSettings() *GainSettings {
	return &GainSettings{
		Mic:    NewGain(1.0),
		Output: NewGain(1.0),
	}
}

// ApplyGain scales little-endian PCM16 samples by gain, clamping to the int16
// range. The input slice is not modified; a gain of exactly 1.0 returns the
// input unchanged with zero allocation.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1.0 {
		return pcm
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		scaled := s * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		v := int16(scaled)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}

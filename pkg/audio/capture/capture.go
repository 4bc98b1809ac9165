// Package capture owns the microphone input path: it attaches to a capture
// device, normalises its format, applies live mic gain, slices the sample
// stream into fixed-size frames, and pushes them to the session's audio sink.
//
// The pipeline never blocks on network backpressure: if the sink cannot
// accept a frame immediately, the frame is dropped and counted. This keeps
// capture latency bounded and prevents drift between live audio and playback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrBackpressure is returned by a [Sink] that cannot accept a frame within
// its bounded-latency budget. The pipeline drops the frame.
var ErrBackpressure = errors.New("capture: sink backpressure")

// Device is a source of raw PCM input chunks, typically a microphone.
// Implementations wrap platform audio APIs; tests use in-memory fakes.
type Device interface {
	// Start begins capture and returns the chunk channel plus the device's
	// native format. Chunks may be any length; the pipeline reslices them.
	// The channel is closed when the device stops or fails.
	Start(ctx context.Context) (<-chan []byte, audio.Format, error)

	// Stop releases the underlying capture resource. Idempotent.
	Stop() error
}

// Sink receives emitted frames. [ErrBackpressure] drops the frame; any other
// error is logged once per attachment and the frame is likewise dropped.
type Sink interface {
	SendFrame(frame audio.Frame) error
}

// Config holds the pipeline's fixed emission format.
type Config struct {
	// SampleRate is the mono emission rate in Hz (provider input rate).
	SampleRate int

	// FrameMs is the frame duration in milliseconds. Defaults to 20.
	FrameMs int

	// MicGain is the live gain knob applied per frame at emission time.
	// Must not be nil.
	MicGain *audio.Gain
}

// Tap is the handle for one device attachment. Obtained from
// [Pipeline.Attach] and released with [Pipeline.Detach].
type Tap struct {
	dev    Device
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline slices device input into fixed frames and forwards them to a Sink.
// At most one device is attached at a time. All methods are safe for
// concurrent use.
type Pipeline struct {
	sink       Sink
	rate       int
	frameBytes int
	gain       *audio.Gain

	paused  atomic.Bool
	seq     atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	active *Tap
}

// New creates a Pipeline delivering frames to sink.
func New(sink Sink, cfg Config) (*Pipeline, error) {
	if sink == nil {
		return nil, fmt.Errorf("capture: sink must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.MicGain == nil {
		return nil, fmt.Errorf("capture: mic gain must not be nil")
	}
	frameMs := cfg.FrameMs
	if frameMs <= 0 {
		frameMs = 20
	}
	return &Pipeline{
		sink:       sink,
		rate:       cfg.SampleRate,
		frameBytes: cfg.SampleRate * frameMs / 1000 * 2,
		gain:       cfg.MicGain,
	}, nil
}

// Attach starts dev and begins emitting frames. Returns an error if a device
// is already attached or the device fails to start (device errors are fatal
// for the session attempt — no retry).
func (p *Pipeline) Attach(ctx context.Context, dev Device) (*Tap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return nil, fmt.Errorf("capture: device already attached")
	}

	runCtx, cancel := context.WithCancel(ctx)
	chunks, format, err := dev.Start(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: start device: %w", err)
	}

	tap := &Tap{
		dev:    dev,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.active = tap

	go p.run(tap, chunks, format)
	return tap, nil
}

// Detach stops tap's device and releases the attachment. Idempotent: a tap
// that is no longer active is ignored.
func (p *Pipeline) Detach(tap *Tap) error {
	if tap == nil {
		return nil
	}

	p.mu.Lock()
	if p.active != tap {
		p.mu.Unlock()
		return nil
	}
	p.active = nil
	p.mu.Unlock()

	tap.cancel()
	<-tap.done
	return tap.dev.Stop()
}

// SetPaused suppresses frame emission without tearing down the device, so
// resume is instantaneous. Buffered samples are discarded while paused.
func (p *Pipeline) SetPaused(v bool) { p.paused.Store(v) }

// Paused reports whether emission is currently suppressed.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Emitted returns the number of frames delivered to the sink.
func (p *Pipeline) Emitted() uint64 { return p.emitted.Load() }

// Dropped returns the number of frames discarded due to sink backpressure.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// run is the per-attachment goroutine: it normalises device chunks, slices
// them into fixed frames, and emits until the chunk channel closes.
func (p *Pipeline) run(tap *Tap, chunks <-chan []byte, format audio.Format) {
	defer close(tap.done)

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: p.rate, Channels: 1}}
	var buf []byte
	var warnedSinkErr sync.Once

	for chunk := range chunks {
		if p.paused.Load() {
			// Keep the device hot but do not accumulate stale audio.
			buf = buf[:0]
			continue
		}

		pcm := conv.Convert(chunk, format)
		if len(pcm) == 0 {
			continue
		}
		buf = append(buf, pcm...)

		for len(buf) >= p.frameBytes {
			data := make([]byte, p.frameBytes)
			copy(data, buf[:p.frameBytes])
			buf = buf[p.frameBytes:]

			frame := audio.Frame{
				Data:       audio.ApplyGain(data, p.gain.Load()),
				Seq:        p.seq.Add(1),
				SampleRate: p.rate,
			}

			err := p.sink.SendFrame(frame)
			switch {
			case err == nil:
				p.emitted.Add(1)
			case errors.Is(err, ErrBackpressure):
				p.dropped.Add(1)
			default:
				p.dropped.Add(1)
				warnedSinkErr.Do(func() {
					slog.Warn("capture: sink rejected frame", "err", err, "seq", frame.Seq)
				})
			}
		}
	}
}

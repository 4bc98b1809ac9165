// Package mock provides in-memory audio test doubles shared by the capture
// and scheduler test suites.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Device is an in-memory capture device. Tests push PCM chunks via Push and
// close the stream with CloseStream.
type Device struct {
	// Format is the native format reported by Start. Defaults to
	// 16 kHz mono when zero.
	Format audio.Format

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	mu       sync.Mutex
	ch       chan []byte
	started  bool
	StopCnt  int
	startCnt int
}

// Start implements capture.Device. The chunk channel is closed when ctx is
// cancelled, per the capture.Device contract ("closed when the device stops
// or fails").
func (d *Device) Start(ctx context.Context) (<-chan []byte, audio.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startCnt++
	if d.StartErr != nil {
		return nil, audio.Format{}, d.StartErr
	}
	format := d.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	ch := make(chan []byte, 64)
	d.ch = ch
	d.started = true
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.ch == ch {
			close(d.ch)
			d.ch = nil
		}
	}()
	return ch, format, nil
}

// Stop implements capture.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCnt++
	return nil
}

// Push delivers a PCM chunk as if captured from the device.
func (d *Device) Push(chunk []byte) {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch != nil {
		ch <- chunk
	}
}

// CloseStream ends the capture stream.
func (d *Device) CloseStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		close(d.ch)
		d.ch = nil
	}
}

// StartCalls returns how many times Start was invoked.
func (d *Device) StartCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startCnt
}

// Sink records frames delivered by a capture pipeline. Err, when set, is
// returned for every SendFrame call.
type Sink struct {
	Err error

	mu     sync.Mutex
	frames []audio.Frame
}

// SendFrame implements capture.Sink.
func (s *Sink) SendFrame(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.frames = append(s.frames, frame)
	return nil
}

// Frames returns a copy of all recorded frames.
func (s *Sink) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

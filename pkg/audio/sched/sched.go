// Package sched schedules decoded audio buffers for gapless, sample-accurate
// playback.
//
// The scheduler maintains a monotonically advancing "next start" cursor:
// every enqueued buffer begins at max(now, nextStart) and advances the cursor
// by its own duration, so consecutively enqueued buffers play back-to-back
// regardless of decode latency jitter and a buffer is never scheduled to
// start in the past. An interruption (model-side barge-in) cancels every
// scheduled buffer in one pass and resets the cursor to the current time, so
// audio queued before the interruption can never be heard after it.
package sched

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Sink receives PCM buffers at their scheduled start time, typically backed
// by an output device queue. Write is called with the scheduler lock held and
// must not block for extended periods. Discard drops any audio the sink has
// buffered but not yet played.
type Sink interface {
	Write(pcm []byte) error
	Discard()
}

// Hooks are optional observation callbacks. All callbacks are invoked with
// the scheduler lock held and must be fast and non-blocking.
type Hooks struct {
	// OnSchedule fires when a buffer is accepted, with its start time and
	// duration.
	OnSchedule func(start time.Time, d time.Duration)

	// OnComplete fires when a buffer finishes playing naturally.
	OnComplete func()

	// OnInterrupt fires on interruption with the number of buffers cancelled.
	OnInterrupt func(cancelled int)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithOutputGain sets the live output gain knob applied to each buffer when
// it is handed to the sink. Defaults to unity.
func WithOutputGain(g *audio.Gain) Option {
	return func(s *Scheduler) { s.gain = g }
}

// entry is one scheduled buffer in the playback set.
type entry struct {
	data     []byte
	start    time.Time
	duration time.Duration
	timer    *time.Timer
}

// Scheduler is the playback timeline for one session. All methods are safe
// for concurrent use.
type Scheduler struct {
	sink  Sink
	rate  int
	gain  *audio.Gain
	now   func() time.Time
	hooks Hooks

	mu        sync.Mutex
	nextStart time.Time
	set       map[uint64]*entry // live playback set; cleared as a whole on interrupt
	nextID    uint64
	closed    bool
}

// New creates a Scheduler that plays mono PCM16 at rate Hz through sink.
func New(sink Sink, rate int, opts ...Option) (*Scheduler, error) {
	if sink == nil {
		return nil, fmt.Errorf("sched: sink must not be nil")
	}
	if rate <= 0 {
		return nil, fmt.Errorf("sched: sample rate must be positive, got %d", rate)
	}
	s := &Scheduler{
		sink: sink,
		rate: rate,
		gain: audio.NewGain(1.0),
		now:  time.Now,
		set:  make(map[uint64]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Enqueue schedules a decoded PCM buffer for gapless playback after all
// previously enqueued buffers. Empty buffers and calls after Close are
// ignored.
func (s *Scheduler) Enqueue(pcm []byte) {
	if len(pcm) < 2 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := s.now()
	start := s.nextStart
	if start.Before(now) {
		start = now
	}
	dur := audio.PCMDuration(pcm, s.rate)
	s.nextStart = start.Add(dur)

	s.nextID++
	id := s.nextID
	e := &entry{data: pcm, start: start, duration: dur}
	s.set[id] = e

	e.timer = time.AfterFunc(start.Sub(now), func() { s.emit(id) })

	if s.hooks.OnSchedule != nil {
		s.hooks.OnSchedule(start, dur)
	}
}

// Interrupt stops every buffer in the playback set immediately, clears the
// set, resets the cursor to now, and discards sink-buffered audio. Playback
// resumes cleanly from the next Enqueue.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	cancelled := len(s.set)
	for id, e := range s.set {
		e.timer.Stop()
		delete(s.set, id)
	}
	// Reset to "now" rather than zero so the timeline stays elapsed-time safe.
	s.nextStart = s.now()
	if s.hooks.OnInterrupt != nil {
		s.hooks.OnInterrupt(cancelled)
	}
	s.mu.Unlock()

	s.sink.Discard()
}

// Pending returns the number of buffers currently scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// NextStart returns the current cursor position. Mostly useful in tests.
func (s *Scheduler) NextStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Close interrupts playback and rejects further enqueues. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, e := range s.set {
		e.timer.Stop()
		delete(s.set, id)
	}
	s.mu.Unlock()

	s.sink.Discard()
	return nil
}

// emit hands a buffer to the sink at its start time, then arms the
// completion callback that removes it from the playback set at its natural
// end. A buffer cancelled by Interrupt is absent from the set and produces
// no output even if its timer had already fired.
func (s *Scheduler) emit(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.set[id]
	if !ok || s.closed {
		return
	}

	if err := s.sink.Write(audio.ApplyGain(e.data, s.gain.Load())); err != nil {
		slog.Warn("playback sink write failed", "err", err, "bytes", len(e.data))
	}

	e.timer = time.AfterFunc(e.duration, func() { s.complete(id) })
}

// complete removes a naturally finished buffer from the playback set.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[id]; !ok {
		return
	}
	delete(s.set, id)
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete()
	}
}

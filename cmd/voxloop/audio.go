package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/voxloop/voxloop/pkg/audio"
)

// readChunk is the stdin read size. Any size works; the capture pipeline
// reslices chunks into fixed frames.
const readChunk = 4096

// stdinDevice captures raw signed 16-bit little-endian mono PCM from stdin,
// e.g. piped from `arecord -f S16_LE -c 1 -r 16000`.
type stdinDevice struct {
	rate int

	mu      sync.Mutex
	stopped bool
}

func newStdinDevice(rate int) *stdinDevice { return &stdinDevice{rate: rate} }

// Start implements capture.Device.
func (d *stdinDevice) Start(ctx context.Context) (<-chan []byte, audio.Format, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, audio.Format{}, fmt.Errorf("stdin device stopped")
	}
	d.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, readChunk)
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				select {
				case ch <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "voxloop: stdin read: %v\n", err)
				}
				return
			}
		}
	}()
	return ch, audio.Format{SampleRate: d.rate, Channels: 1}, nil
}

// Stop implements capture.Device. A blocking stdin read cannot be interrupted
// portably; Stop only marks the device unusable for another Start.
func (d *stdinDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

// stdoutSink plays model audio by writing raw PCM to stdout, e.g. piped into
// `aplay -f S16_LE -c 1 -r 24000`. Discard is a no-op: bytes already handed
// to the pipe cannot be recalled, and the scheduler stops feeding us on
// interrupt anyway.
type stdoutSink struct {
	mu sync.Mutex
}

func (s *stdoutSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stdout.Write(pcm)
	return err
}

func (s *stdoutSink) Discard() {}

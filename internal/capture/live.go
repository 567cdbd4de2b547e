package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/utils"
)

const openTimeout = 15 * time.Second

var errSourceStopped = errors.New("source already stopped")

// LiveSource keeps only the newest frame of a live stream.
//
// A background loop grabs encoded frames as fast as the decoder delivers them
// and overwrites a single slot; frames nobody asked for are never decoded.
// Get decodes the slot on demand, so a slow consumer always sees the most
// recent picture and never stalls the decoder.
type LiveSource struct {
	dec    Decoder
	mirror bool

	mu       sync.Mutex // guards everything below
	latest   []byte
	seq      uint64
	frame    *Frame
	stopping bool
	err      error

	runMu   sync.Mutex
	running bool
	stopped bool
	done    chan struct{}
}

// NewLiveSource wraps a decoder. mirror flips every delivered frame horizontally.
func NewLiveSource(dec Decoder, mirror bool) *LiveSource {
	return &LiveSource{dec: dec, mirror: mirror}
}

// Open checks a camera locator and returns a live source for it.
// File locators are played back at their native rate.
func Open(ctx context.Context, locator string) (*LiveSource, error) {
	kind := ClassifySource(locator)
	loc, args := ffmpegInput(kind, locator)

	if kind == File {
		if _, err := os.Stat(loc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, locator, err)
		}
	}
	if err := utils.CheckSource(ctx, loc, args, openTimeout); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, locator, err)
	}

	if kind == File {
		args = append([]string{"-re"}, args...)
	}
	dec, err := newFFmpegDecoder(ctx, loc, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, locator, err)
	}
	return NewLiveSource(dec, kind == Device), nil
}

// Start launches background acquisition. Calling it again while running is a no-op.
func (s *LiveSource) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stopped {
		return errSourceStopped
	}
	if s.running {
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	go s.loop()
	return nil
}

func (s *LiveSource) loop() {
	defer close(s.done)
	for {
		data, err := s.dec.Grab()
		if err != nil {
			s.mu.Lock()
			if !s.stopping {
				if errors.Is(err, io.EOF) {
					err = ErrStreamEnded
				}
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.latest = append(s.latest[:0], data...)
		s.seq++
		s.mu.Unlock()
	}
}

// Get returns the most recent frame, or nil if nothing has been grabbed yet.
// The decoded frame is cached, so repeated calls between two grabs are cheap.
func (s *LiveSource) Get() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == 0 {
		return nil
	}
	if s.frame != nil && s.frame.Seq == s.seq {
		return s.frame
	}

	img, err := jpeg.Decode(bytes.NewReader(s.latest))
	if err != nil {
		// Corrupt frame: keep serving the previous good one.
		return s.frame
	}
	if s.mirror {
		img = Mirror(img)
	}
	s.frame = &Frame{Seq: s.seq, Index: int(s.seq - 1), Image: img}
	return s.frame
}

// Err reports why acquisition ended on its own, if it did.
func (s *LiveSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop terminates acquisition and waits for the background loop to exit.
func (s *LiveSource) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	// Closing the decoder unblocks a Grab in progress.
	_ = s.dec.Close()
	if s.running {
		<-s.done
		s.running = false
	}
	return nil
}

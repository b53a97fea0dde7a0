package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/pcm"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrAlreadyRecording  = errors.New("recording already in progress")
	ErrAbandoned         = errors.New("recording abandoned")
)

// Format describes the PCM layout a source must deliver (16-bit LE).
type Format struct {
	SampleRate int
	Channels   int
}

// Stream is an open microphone. Stop asks the producer to finish so that
// Read drains to io.EOF; Close releases the device immediately.
type Stream interface {
	io.Reader
	Stop() error
	Close() error
}

// Source opens microphone streams.
type Source interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

type SourceFunc func(ctx context.Context, format Format) (Stream, error)

func (f SourceFunc) Open(ctx context.Context, format Format) (Stream, error) {
	return f(ctx, format)
}

// Recording resolves exactly once: with a clip on Stop, or with
// ErrAbandoned when the capture is reset first.
type Recording struct {
	done chan struct{}
	once sync.Once
	clip *Clip
	err  error
}

func newRecording() *Recording {
	return &Recording{done: make(chan struct{})}
}

func (r *Recording) resolve(clip *Clip, err error) {
	r.once.Do(func() {
		r.clip = clip
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the recording resolves or ctx ends.
func (r *Recording) Wait(ctx context.Context) (*Clip, error) {
	select {
	case <-r.done:
		return r.clip, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Options struct {
	Format       Format
	MaxDuration  time.Duration
	DrainTimeout time.Duration
}

// Capture records one clip at a time and owns the current clip handle.
type Capture struct {
	source Source
	store  *ClipStore
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	gen     uint64
	active  *session
	current *Clip
}

type session struct {
	stream   Stream
	rec      *Recording
	cancel   context.CancelFunc
	gen      uint64
	readDone chan struct{}

	mu      sync.Mutex
	buf     []byte
	limit   int
	readErr error
}

func New(source Source, store *ClipStore, opts Options, log *slog.Logger) *Capture {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	return &Capture{
		source: source,
		store:  store,
		opts:   opts,
		log:    log.With(slog.String("component", "capture")),
	}
}

// Start opens the microphone. ctx bounds the lifetime of the stream, not
// just the open call.
func (c *Capture) Start(ctx context.Context) (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrAlreadyRecording
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := c.source.Open(sctx, c.opts.Format)
	if err != nil {
		cancel()
		c.log.Warn("microphone open failed", slogError(err))
		return nil, err
	}

	limit := 0
	if c.opts.MaxDuration > 0 {
		limit = pcm.BytesFor(c.opts.MaxDuration, c.opts.Format.SampleRate, c.opts.Format.Channels)
	}
	s := &session{
		stream:   stream,
		rec:      newRecording(),
		cancel:   cancel,
		gen:      c.gen,
		readDone: make(chan struct{}),
		limit:    limit,
	}
	c.active = s
	go s.read(2 * c.opts.Format.Channels)

	c.log.Debug("recording started")
	return s.rec, nil
}

// Stop finalizes the active recording into the current clip. With no
// active recording it does nothing.
func (c *Capture) Stop() error {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	if err := s.stream.Stop(); err != nil {
		c.log.Warn("stream stop failed", slogError(err))
	}
	select {
	case <-s.readDone:
	case <-time.After(c.opts.DrainTimeout):
		c.log.Warn("stream did not drain, closing")
	}
	_ = s.stream.Close()
	s.cancel()
	<-s.readDone

	data, readErr := s.snapshot()
	if readErr != nil && len(data) == 0 {
		err := fmt.Errorf("%w: %w", ErrDeviceUnavailable, readErr)
		s.rec.resolve(nil, err)
		return err
	}

	clip, err := c.store.Save(data, c.opts.Format)
	if err != nil {
		s.rec.resolve(nil, err)
		return err
	}

	c.mu.Lock()
	if c.gen != s.gen {
		c.mu.Unlock()
		c.store.Release(clip)
		s.rec.resolve(nil, ErrAbandoned)
		return nil
	}
	previous := c.current
	c.current = clip
	c.mu.Unlock()

	c.store.Release(previous)
	s.rec.resolve(clip, nil)
	c.log.Debug("recording stopped", slog.String("clip", clip.ID), slog.Duration("duration", clip.Duration()))
	return nil
}

// Reset abandons any active recording and releases the current clip.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.gen++
	s := c.active
	c.active = nil
	current := c.current
	c.current = nil
	c.mu.Unlock()

	if s != nil {
		_ = s.stream.Close()
		s.cancel()
		s.rec.resolve(nil, ErrAbandoned)
		c.log.Debug("recording abandoned")
	}
	c.store.Release(current)
}

func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Capture) CurrentClip() *Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close abandons any recording and removes stored clips.
func (c *Capture) Close() error {
	c.Reset()
	return c.store.Close()
}

func (s *session) read(frame int) {
	defer close(s.readDone)
	chunk := make([]byte, 4096)
	for {
		n, err := s.stream.Read(chunk)
		if n > 0 {
			s.append(chunk[:n], frame)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}

func (s *session) append(data []byte, frame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, data...)
	if s.limit > 0 && len(s.buf) > s.limit {
		drop := len(s.buf) - s.limit
		if frame > 0 && drop%frame != 0 {
			drop += frame - drop%frame
		}
		s.buf = append(s.buf[:0], s.buf[drop:]...)
	}
}

func (s *session) snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.buf[:len(s.buf)-len(s.buf)%2]
	return append([]byte(nil), data...), s.readErr
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

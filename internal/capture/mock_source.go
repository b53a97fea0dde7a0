package capture

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockSource emits Frame every Interval until stopped. A non-nil Err is
// returned from Open instead, which lets callers simulate a denied or
// missing microphone.
type MockSource struct {
	Frame    []byte
	Interval time.Duration
	Err      error
}

// NewMockSource returns a source producing 20ms frames of silence.
func NewMockSource() *MockSource {
	return &MockSource{Interval: 20 * time.Millisecond}
}

func (m *MockSource) Open(ctx context.Context, format Format) (Stream, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	frame := m.Frame
	if len(frame) == 0 {
		frame = make([]byte, 2*format.Channels*format.SampleRate*int(interval/time.Millisecond)/1000)
	}

	pr, pw := io.Pipe()
	s := &mockStream{pr: pr, pw: pw, stop: make(chan struct{})}
	go s.produce(ctx, frame, interval)
	return s, nil
}

type mockStream struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	stop chan struct{}
	once sync.Once
}

func (s *mockStream) produce(ctx context.Context, frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.pw.Close()
			return
		case <-ctx.Done():
			s.pw.CloseWithError(ctx.Err())
			return
		case <-ticker.C:
			if _, err := s.pw.Write(frame); err != nil {
				return
			}
		}
	}
}

func (s *mockStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *mockStream) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *mockStream) Close() error {
	s.Stop()
	return s.pr.Close()
}

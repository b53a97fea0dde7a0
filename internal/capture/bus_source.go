package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource streams frames from a remote microphone over NATS. The device
// answers repeat.audio.open.<device>, publishes protocol.AudioFrame values on
// repeat.audio.frame.<device>.<session> and ends with a Final frame after
// repeat.audio.close.<device>.
type BusSource struct {
	conn    *nats.Conn
	device  string
	timeout time.Duration
}

func NewBusSource(conn *nats.Conn, device string, timeout time.Duration) *BusSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BusSource{conn: conn, device: device, timeout: timeout}
}

func (b *BusSource) Open(ctx context.Context, format Format) (Stream, error) {
	sessionID := uuid.NewString()
	pr, pw := io.Pipe()
	s := &busStream{
		conn:      b.conn,
		device:    b.device,
		sessionID: sessionID,
		pr:        pr,
		pw:        pw,
	}

	frames := fmt.Sprintf("%s.%s.%s", protocol.SubjectAudioFramePrefix, b.device, sessionID)
	sub, err := b.conn.Subscribe(frames, s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub

	req := protocol.AudioOpenRequest{
		SessionID:  sessionID,
		Device:     b.device,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.Close()
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	msg, err := b.conn.RequestWithContext(reqCtx, protocol.SubjectAudioOpenPrefix+"."+b.device, data)
	if err != nil {
		s.Close()
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: no device %q on bus", ErrDeviceUnavailable, b.device)
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	var reply protocol.AudioOpenReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: decode open reply: %w", ErrDeviceUnavailable, err)
	}
	if !reply.Granted {
		s.Close()
		if reply.Reason == protocol.ReasonPermissionDenied {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, reply.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, reply.Error)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

type busStream struct {
	conn      *nats.Conn
	device    string
	sessionID string
	sub       *nats.Subscription
	pr        *io.PipeReader
	pw        *io.PipeWriter
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *busStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.pw.CloseWithError(fmt.Errorf("decode audio frame: %w", err))
		return
	}
	if len(frame.PCM) > 0 {
		if _, err := s.pw.Write(frame.PCM); err != nil {
			return
		}
	}
	if frame.Final {
		s.pw.Close()
	}
}

func (s *busStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *busStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		data, marshalErr := json.Marshal(protocol.AudioClose{SessionID: s.sessionID})
		if marshalErr != nil {
			err = marshalErr
			return
		}
		err = s.conn.Publish(protocol.SubjectAudioClosePrefix+"."+s.device, data)
	})
	return err
}

func (s *busStream) Close() error {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.pw.Close()
		s.pr.Close()
	})
	return nil
}

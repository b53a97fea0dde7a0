package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/bus"
	"github.com/loqalabs/loqa-repeat/internal/pipeline"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/nats-io/nats.go"
)

// Session is the set of user actions exposed over the bus.
type Session interface {
	GenerateQuestion(ctx context.Context) (questions.Question, error)
	Record(ctx context.Context) error
	PlayAudio(ctx context.Context) error
	SetLevel(level string) error
	Reload(ctx context.Context) error
	Snapshot() pipeline.View
}

// Bridge connects the pipeline to the presentation layer. It answers
// repeat.cmd.* requests and publishes state, verdicts and synthesized audio.
type Bridge struct {
	bus     *bus.Client
	log     *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewBridge(parent context.Context, busClient *bus.Client, timeout time.Duration, log *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		bus:     busClient,
		log:     log.With(slog.String("component", "control")),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

type handlerFunc func(ctx context.Context, s Session, req protocol.CommandRequest) error

// Serve subscribes the command subjects and dispatches them to s.
func (b *Bridge) Serve(s Session) error {
	handlers := map[string]handlerFunc{
		protocol.SubjectCommandGenerate: func(ctx context.Context, s Session, _ protocol.CommandRequest) error {
			_, err := s.GenerateQuestion(ctx)
			return err
		},
		protocol.SubjectCommandRecord: func(ctx context.Context, s Session, _ protocol.CommandRequest) error {
			return s.Record(ctx)
		},
		protocol.SubjectCommandPlay: func(ctx context.Context, s Session, _ protocol.CommandRequest) error {
			return s.PlayAudio(ctx)
		},
		protocol.SubjectCommandLevel: func(_ context.Context, s Session, req protocol.CommandRequest) error {
			if req.Level == "" {
				return errors.New("level is required")
			}
			return s.SetLevel(req.Level)
		},
		protocol.SubjectCommandReload: func(ctx context.Context, s Session, _ protocol.CommandRequest) error {
			return s.Reload(ctx)
		},
		protocol.SubjectCommandState: func(context.Context, Session, protocol.CommandRequest) error {
			return nil
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, h := range handlers {
		sub, err := b.bus.Conn().Subscribe(subject, b.dispatch(s, subject, h))
		if err != nil {
			b.drainLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.log.Info("control bridge ready", slog.Int("subjects", len(b.subs)))
	return nil
}

func (b *Bridge) dispatch(s Session, subject string, h handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.CommandRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				b.log.Warn("invalid command", slog.String("subject", subject), slogError(err))
				b.reply(msg, s, err)
				return
			}
		}
		ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
		defer cancel()
		err := h(ctx, s, req)
		if err != nil {
			b.log.Debug("command rejected", slog.String("subject", subject), slogError(err))
		}
		b.reply(msg, s, err)
	}
}

func (b *Bridge) reply(msg *nats.Msg, s Session, cmdErr error) {
	if msg.Reply == "" {
		return
	}
	out := protocol.CommandReply{OK: cmdErr == nil}
	if cmdErr != nil {
		out.Error = cmdErr.Error()
	}
	state, err := json.Marshal(s.Snapshot())
	if err != nil {
		b.log.Warn("failed to encode state", slogError(err))
	} else {
		out.State = state
	}
	data, err := json.Marshal(out)
	if err != nil {
		b.log.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("failed to send reply", slogError(err))
	}
}

func (b *Bridge) PublishState(view pipeline.View) error {
	return b.bus.PublishJSON(protocol.SubjectState, view)
}

func (b *Bridge) PublishVerdict(event protocol.VerdictEvent) error {
	return b.bus.PublishJSON(protocol.SubjectVerdict, event)
}

// PublishAudio forwards synthesized speech to the playback device.
func (b *Bridge) PublishAudio(chunk protocol.AudioChunk) error {
	return b.bus.PublishJSON(protocol.SubjectTTSAudio, chunk)
}

func (b *Bridge) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0 && b.bus.Healthy()
}

func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	b.drainLocked()
	b.mu.Unlock()
}

func (b *Bridge) drainLocked() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// StreamConfig names the stream agent events go to.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// DefaultStream holds every user.<id>.* event the agent emits.
func DefaultStream() StreamConfig {
	return StreamConfig{
		Name:     "MAIL_AGENT_EVENTS",
		Subjects: []string{"user.*.>"},
		MaxAge:   30 * 24 * time.Hour,
	}
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
	log    *logrus.Entry
}

// NewPublisher connects to url and returns a JetStream publisher for stream.
func NewPublisher(url string, stream StreamConfig, log *logrus.Entry) (*Publisher, error) {
	log = log.WithField("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("mailagent"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream, log: log}, nil
}

// EnsureStream creates the stream unless it already exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream.Name, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream.Name,
		Subjects:   p.stream.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     p.stream.MaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.log.WithField("stream", p.stream.Name).Info("created stream")
	return nil
}

// Publish publishes a message with msgID as the JetStream dedup id.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName is the JetStream stream carrying calendar events.
	StreamName = "CALENDAR_EVENTS"
	// StreamSubjects covers every subject published by this service.
	StreamSubjects = "calendar.>"
)

// Publisher wraps NATS JetStream for publishing calendar events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher connects to NATS and opens a JetStream context.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("ai-brain-calendar"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrlRedacted()))
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

	return &Publisher{nc: nc, js: js, logger: logger}, nil
}

// StreamConfig is the configuration EnsureStream creates.
func StreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{StreamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}
}

// EnsureStream creates the CALENDAR_EVENTS stream if it does not exist yet
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(StreamConfig(), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Created stream", zap.String("stream", StreamName))
	return nil
}

// Publish publishes a message to JetStream. msgID feeds the stream's
// duplicate window so redelivered outbox rows are stored once.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Healthy reports whether the underlying connection is up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
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

package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

const (
	dispatchBatchSize = 100
	baseRetryDelay    = 10 * time.Second
	maxRetryDelay     = 10 * time.Minute
)

// Publisher delivers one outbox message. msgID is used for de-duplication.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox messages to the message bus.
type Dispatcher struct {
	outbox    store.Outbox
	publisher Publisher
	interval  time.Duration
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher polling every interval when idle.
func NewDispatcher(outbox store.Outbox, publisher Publisher, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		logger:    logger.Named("outbox-dispatcher"),
	}
}

// Run continuously dispatches messages from outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("Error dequeuing outbox", zap.String("error", logging.SanitizeError(err)))
		}

		// drain without pausing while full batches keep coming
		wait := d.interval
		if err == nil && n == dispatchBatchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages it handled.
// Failed publishes are rescheduled with exponential backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			delay := retryDelay(msg.Retries)
			d.logger.Warn("Error publishing message",
				zap.Int64("outbox_id", msg.ID),
				zap.String("subject", msg.Subject),
				zap.Int("retries", msg.Retries),
				zap.Duration("retry_in", delay),
				zap.String("error", logging.SanitizeError(err)))
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, delay); err != nil {
				d.logger.Error("Error scheduling retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			// JetStream drops the duplicate when it is sent again
			d.logger.Error("Error marking message as published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}

// retryDelay replays a deterministic exponential backoff up to the retry
// count stored on the outbox row.
func retryDelay(retries int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     baseRetryDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRetryDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retries && delay < maxRetryDelay; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

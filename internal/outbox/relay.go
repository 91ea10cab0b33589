package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Publisher delivers one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// Relay moves pending outbox rows to a Publisher. Delivery is at least once.
type Relay struct {
	db        *sqlx.DB
	publisher Publisher
	cfg       RelayConfig
	log       *zap.Logger
}

func NewRelay(db *sqlx.DB, publisher Publisher, cfg RelayConfig, log *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Relay{db: db, publisher: publisher, cfg: cfg, log: log.Named("outbox")}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("failed to relay pending events", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch of pending events and returns how many were published.
// Publish failures are recorded on the row and do not stop the batch.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := Pending(ctx, r.db, r.cfg.MaxRetries, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warn("event publish failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.EventType),
				zap.Int("attempt", ev.RetryCount+1),
				zap.Error(err),
			)
			if err := markFailed(ctx, r.db, ev.ID, err.Error()); err != nil {
				return published, err
			}
			if ev.RetryCount+1 >= r.cfg.MaxRetries {
				r.log.Error("giving up on event", zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType))
			}
			continue
		}
		if err := markPublished(ctx, r.db, ev.ID, time.Now().UTC()); err != nil {
			return published, err
		}
		published++
		r.log.Debug("event published", zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType))
	}
	return published, nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/fcash-engine/internal/model"
)

// Subjects: fcash.events.{event_type} and fcash.markets.{currency_id}.
const (
	StreamName     = "FCASH_EVENTS"
	EventSubject   = "fcash.events"
	MarketSubject  = "fcash.markets"
	defaultMaxAge  = 72 * time.Hour
	publishTimeout = 5 * time.Second
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamPublisher publishes committed events to NATS JetStream. Events
// are published after the store commit, so a failed publish never rolls
// anything back; consumers can rebuild from the stored event log.
type JetStreamPublisher struct {
	js streamPublisher
}

func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Publish sends every event, then every market snapshot. Event IDs double
// as JetStream message IDs so redelivered commits are deduplicated.
func (p *JetStreamPublisher) Publish(ctx context.Context, events []model.Event, markets []model.Market) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		subject := fmt.Sprintf("%s.%s", EventSubject, e.Type)
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.ID)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	for _, m := range markets {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal market %d/%d: %w", m.CurrencyID, m.Maturity, err)
		}
		subject := fmt.Sprintf("%s.%d", MarketSubject, m.CurrencyID)
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// EnsureStream creates or updates the stream holding both subject trees.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{EventSubject + ".>", MarketSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured event stream", "stream", StreamName, "max_age", maxAge)
	return nil
}

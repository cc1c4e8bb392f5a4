// Package events fans committed engine events out to subscribers: a NATS
// JetStream stream for downstream services and a WebSocket hub for live
// clients.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
)

// Publisher receives the events and touched markets of one commit.
type Publisher interface {
	Publish(ctx context.Context, events []model.Event, markets []model.Market) error
}

// Sink is a named Publisher.
type Sink struct {
	Name      string
	Publisher Publisher
}

// MultiPublisher hands every commit to each sink in order. A failing sink
// does not stop the others; their errors are joined.
type MultiPublisher struct {
	sinks []Sink
}

func NewMultiPublisher(sinks ...Sink) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

// Add appends a sink.
func (m *MultiPublisher) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, Sink{Name: name, Publisher: p})
}

func (m *MultiPublisher) Publish(ctx context.Context, events []model.Event, markets []model.Market) error {
	var errs []error
	for _, s := range m.sinks {
		outcome := "ok"
		if err := s.Publisher.Publish(ctx, events, markets); err != nil {
			outcome = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
		metrics.EventsPublished.WithLabelValues(s.Name, outcome).Add(float64(len(events)))
	}
	return errors.Join(errs...)
}

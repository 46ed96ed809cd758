// Package notify delivers outbox events to external sinks. Each sink keeps
// its own persisted cursor, so delivery is at-least-once and in event order.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"foreman/internal/domain"
	"foreman/internal/repo"
	"foreman/internal/telemetry"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Envelope is the wire form of one outbox event.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(evt domain.Event) Envelope {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// Sink is a delivery target. Name must be stable across restarts since it
// keys the persisted cursor.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, env Envelope) error
}

// EventFilter matches event types against glob patterns such as "task.*".
// An empty filter matches everything.
type EventFilter struct {
	patterns []string
}

func NewEventFilter(patterns []string) (EventFilter, error) {
	var f EventFilter
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return EventFilter{}, fmt.Errorf("invalid event pattern %q", p)
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

func (f EventFilter) Match(eventType string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, eventType); ok {
			return true
		}
	}
	return false
}

// Dispatcher tails the outbox and fans events out to sinks.
type Dispatcher struct {
	Repo      repo.Repo
	Sinks     []Sink
	Interval  time.Duration
	BatchSize int
	Metrics   *telemetry.Metrics
	Log       zerolog.Logger
	Now       func() time.Time
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Log.Error().Err(err).Msg("notify: dispatch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every sink and returns how many events
// were delivered in total. A failing sink does not hold back the others.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, s := range d.Sinks {
		n, err := d.dispatchSink(ctx, s)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return total, errors.Join(errs...)
}

func (d *Dispatcher) dispatchSink(ctx context.Context, s Sink) (int, error) {
	cursor, err := d.cursor(ctx, s.Name())
	if err != nil {
		return 0, err
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	delivered := 0
	last := cursor
	var deliverErr error
	for _, evt := range evts {
		if s.Accepts(evt.Type) {
			if err := s.Deliver(ctx, NewEnvelope(evt)); err != nil {
				d.Metrics.Delivery(ctx, s.Name(), false)
				d.Log.Warn().Err(err).Str("sink", s.Name()).Int64("event_id", evt.ID).Msg("notify: delivery failed")
				deliverErr = err
				break
			}
			d.Metrics.Delivery(ctx, s.Name(), true)
			delivered++
		}
		last = evt.ID
	}
	if last != cursor {
		if err := d.Repo.SetSinkCursor(ctx, s.Name(), last, d.ts()); err != nil {
			return delivered, fmt.Errorf("save cursor: %w", err)
		}
	}
	return delivered, deliverErr
}

// cursor loads the sink's cursor. A sink seen for the first time starts at
// the current end of the outbox rather than replaying history.
func (d *Dispatcher) cursor(ctx context.Context, sink string) (int64, error) {
	cur, err := d.Repo.SinkCursor(ctx, sink)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	latest, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	if err := d.Repo.SetSinkCursor(ctx, sink, latest, d.ts()); err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	return latest, nil
}

func (d *Dispatcher) ts() string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UTC().Format(time.RFC3339)
}

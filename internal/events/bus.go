// Package events provides non-blocking fan-out of surveillance events
// to multiple subscribers.
//
// Events published to the bus are distributed to every registered
// subscriber over Go channels. A subscriber whose channel is full has
// that event dropped rather than queued: the control plane must never
// apply backpressure to the frame loop.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSubscriberExists is returned when Subscribe reuses an id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe gets an
	// unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned for subscription changes on a closed
	// bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrNilChannel is returned when Subscribe gets a nil channel.
	ErrNilChannel = errors.New("subscriber channel cannot be nil")
)

// Type enumerates surveillance event kinds
type Type string

const (
	TypeMotion            Type = "motion"
	TypeRecordingStarted  Type = "recording_started"
	TypeRecordingSegment  Type = "recording_segment"
	TypeRecordingStopped  Type = "recording_stopped"
	TypeThermalTransition Type = "thermal_transition"
	TypeCleanup           Type = "cleanup"
)

// Event is one surveillance occurrence
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	CameraID  string         `json:"camera_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current time
func NewEvent(typ Type, cameraID string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		CameraID:  cameraID,
		Data:      data,
	}
}

// Stats contains global and per-subscriber delivery counters
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats tracks delivery to a single subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes events to subscribers with a drop policy. All
// methods are safe for concurrent use; Publish never blocks.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
}

// NewBus creates an open event bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger.With("component", "events"),
		subscribers: make(map[string]chan<- Event),
		stats:       make(map[string]*subscriberStats),
	}
}

// Subscribe registers a channel to receive events. The channel's
// buffer bounds how far the subscriber may lag before drops start.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}

	b.logger.Debug("subscriber registered", "subscriber", id, "total", len(b.subscribers))
	return nil
}

// Unsubscribe removes a subscriber by id. The channel itself stays
// open; its lifecycle belongs to the subscriber.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

// Publish delivers an event to every subscriber whose channel has
// space and drops it for the rest. Publishing on a closed bus is a
// silent no-op so shutdown ordering stays forgiving.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the delivery counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}
	for id, st := range b.stats {
		sent := st.sent.Load()
		dropped := st.dropped.Load()
		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Subscribers[id] = SubscriberStats{Sent: sent, Dropped: dropped}
	}
	return result
}

// Close stops delivery. Subscriber channels are not closed here.
// Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}

// StartStatsLogger periodically logs delivery counters and warns when
// a subscriber dropped most of its events in the last interval. Runs
// until the context is cancelled; call from its own goroutine.
func (b *Bus) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.Stats()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			deltaPublished := stats.TotalPublished - prev.TotalPublished

			for id, sub := range stats.Subscribers {
				deltaDropped := sub.Dropped - prev.Subscribers[id].Dropped
				if deltaPublished == 0 {
					continue
				}
				if rate := float64(deltaDropped) / float64(deltaPublished); rate > 0.80 {
					b.logger.Warn("subscriber dropping most events",
						"subscriber", id,
						"drop_rate_pct", int(rate*100),
						"dropped_last_interval", deltaDropped,
					)
				}
			}

			b.logger.Debug("event bus stats",
				"published", stats.TotalPublished,
				"sent", stats.TotalSent,
				"dropped", stats.TotalDropped,
			)
			prev = stats
		}
	}
}

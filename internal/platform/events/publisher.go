// Package events publishes domain events to a Redis stream for downstream
// consumers such as billing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 100000

// Event is the envelope written to the stream.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publisher appends events to one stream. Without a Redis client events are
// only logged, which is how development runs.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
	now    func() time.Time
}

func NewPublisher(client *redis.Client, stream string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: DefaultMaxLen,
		logger: logger.With().Str("component", "events").Str("stream", stream).Logger(),
		now:    time.Now,
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish writes one event and returns the stream entry id.
func (p *Publisher) Publish(ctx context.Context, eventType, resourceID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    data,
		Timestamp:  p.now().UTC(),
	}

	if p.client == nil {
		p.logger.Info().
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Str("resource_id", ev.ResourceID).
			RawJSON("payload", ev.Payload).
			Msg("event not published, no redis configured")
		return "", nil
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          ev.ID,
			"type":        ev.Type,
			"resource_id": ev.ResourceID,
			"payload":     string(ev.Payload),
			"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Ping reports whether the stream backend is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

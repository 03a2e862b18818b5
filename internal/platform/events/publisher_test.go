package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

type bookedPayload struct {
	AppointmentID string `json:"appointment_id"`
	AmountCents   int64  `json:"amount_cents"`
}

func TestPublisher_AppendsToStream(t *testing.T) {
	_, client := setupTestRedis(t)
	p := NewPublisher(client, "clinic:billing", zerolog.Nop())
	fixed := time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	ctx := context.Background()
	id, err := p.Publish(ctx, "appointment.booked", "appt-1", bookedPayload{AppointmentID: "appt-1", AmountCents: 5000})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "clinic:billing", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	v := msgs[0].Values
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "appointment.booked", v["type"])
	assert.Equal(t, "appt-1", v["resource_id"])
	assert.Equal(t, fixed.Format(time.RFC3339Nano), v["timestamp"])

	var got bookedPayload
	require.NoError(t, json.Unmarshal([]byte(v["payload"].(string)), &got))
	assert.Equal(t, int64(5000), got.AmountCents)
}

func TestPublisher_PreservesOrder(t *testing.T) {
	_, client := setupTestRedis(t)
	p := NewPublisher(client, "clinic:billing", zerolog.Nop())
	ctx := context.Background()

	for _, rid := range []string{"a", "b", "c"} {
		_, err := p.Publish(ctx, "appointment.booked", rid, map[string]string{"id": rid})
		require.NoError(t, err)
	}

	msgs, err := client.XRange(ctx, "clinic:billing", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Values["resource_id"])
	assert.Equal(t, "c", msgs[2].Values["resource_id"])
}

func TestPublisher_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	p := NewPublisher(client, "clinic:billing", zerolog.Nop())
	mr.Close()

	_, err := p.Publish(context.Background(), "appointment.booked", "appt-1", map[string]string{})
	assert.Error(t, err)
	assert.Error(t, p.Ping(context.Background()))
}

func TestPublisher_NoClientLogsEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewPublisher(nil, "clinic:billing", zerolog.New(&buf))

	id, err := p.Publish(context.Background(), "appointment.booked", "appt-9", map[string]int{"amount_cents": 100})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Contains(t, buf.String(), `"resource_id":"appt-9"`)
	assert.Contains(t, buf.String(), `"amount_cents":100`)
	assert.NoError(t, p.Ping(context.Background()))
}

func TestPublisher_UnmarshalablePayload(t *testing.T) {
	p := NewPublisher(nil, "clinic:billing", zerolog.Nop())
	_, err := p.Publish(context.Background(), "appointment.booked", "x", make(chan int))
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr, _ := setupTestRedis(t)
	client, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())

	_, err = NewRedisClient("not a url")
	assert.Error(t, err)
}

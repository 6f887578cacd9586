package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay_PublishSubscribe(t *testing.T) {
	_, client := newTestRedis(t)
	relay := NewRedisRelay(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan RelayMessage, 1)
	require.NoError(t, relay.Subscribe(ctx, func(msg RelayMessage) { received <- msg }))

	sent := RelayMessage{Origin: "hub-a", SessionID: "g1", ExcludeParticipant: "p1", Data: []byte(`{"type":"stateChanged"}`)}
	require.NoError(t, relay.Publish(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, sent, got)
	case <-time.After(3 * time.Second):
		t.Fatal("relay message not delivered")
	}
}

func TestRedisRelay_DropsMalformedMessages(t *testing.T) {
	_, client := newTestRedis(t)
	relay := NewRedisRelay(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan RelayMessage, 2)
	require.NoError(t, relay.Subscribe(ctx, func(msg RelayMessage) { received <- msg }))

	require.NoError(t, client.Publish(ctx, relayChannel, "{broken").Err())
	require.NoError(t, relay.Publish(ctx, RelayMessage{Origin: "hub-a", SessionID: "g2"}))

	select {
	case got := <-received:
		assert.Equal(t, "g2", got.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("relay message not delivered")
	}
}

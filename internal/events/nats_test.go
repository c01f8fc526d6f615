package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/testutils"
	"github.com/koopa0/game-relay/pkg/logger"
)

// TestNATSPublisher 測試事件經由 NATS 送達訂閱者
func TestNATSPublisher(t *testing.T) {
	env := testutils.SetupNATS(t)

	sub, err := nats.Connect(env.URL)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	msgs, err := sub.SubscribeSync("relay.rooms.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := events.NewNATSPublisher(env.URL, "relay.rooms", logger.Discard())
	require.NoError(t, err)

	ctx := context.Background()

	tests := []struct {
		name     string
		event    events.Event
		validate func(t *testing.T, msg *nats.Msg)
	}{
		{
			name: "game started",
			event: events.Event{
				Type:     events.GameStarted,
				RoomCode: "ABC",
				Players:  2,
			},
			validate: func(t *testing.T, msg *nats.Msg) {
				assert.Equal(t, "relay.rooms.ABC.game_started", msg.Subject)

				var got events.Event
				require.NoError(t, json.Unmarshal(msg.Data, &got))
				assert.Equal(t, events.GameStarted, got.Type)
				assert.Equal(t, "ABC", got.RoomCode)
				assert.Equal(t, 2, got.Players)
				assert.False(t, got.Timestamp.IsZero(), "timestamp filled in")
			},
		},
		{
			name: "wildcards in room code",
			event: events.Event{
				Type:     events.RoomCreated,
				RoomCode: "a.b*",
			},
			validate: func(t *testing.T, msg *nats.Msg) {
				assert.Equal(t, "relay.rooms.a_b_.room_created", msg.Subject)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, pub.Publish(ctx, tt.event))

			msg, err := msgs.NextMsg(5 * time.Second)
			require.NoError(t, err)
			tt.validate(t, msg)
		})
	}

	// Close 會先送出緩衝中的事件
	require.NoError(t, pub.Publish(ctx, events.Event{Type: events.RoomRemoved, RoomCode: "ABC"}))
	require.NoError(t, pub.Close())

	msg, err := msgs.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "relay.rooms.ABC.room_removed", msg.Subject)
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blamouche/gpx-collaboration/internal/room"
)

func testOptions() Options {
	return Options{QueueSize: 8, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func expectEvent(roomID string, typ room.EventType) mocks.ValueChecker {
	return func(val []byte) error {
		var ev room.Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.RoomID != roomID || ev.Type != typ {
			return fmt.Errorf("unexpected event %s/%s", ev.RoomID, ev.Type)
		}
		return nil
	}
}

func TestDispatcherPublishesLifecycleEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent("abc123", room.EventCreated))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent("abc123", room.EventEvicted))

	d := NewDispatcher(producer, "room-lifecycle", testOptions(), zerolog.Nop())
	d.HandleRoomEvent(room.Event{RoomID: "abc123", Type: room.EventCreated, At: time.Now()})
	d.HandleRoomEvent(room.Event{RoomID: "abc123", Type: room.EventEvicted, At: time.Now(), Reason: "idle"})

	// Close drains the queue; the mock fails the test on unmet expectations.
	require.NoError(t, d.Close())
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "room-lifecycle", testOptions(), zerolog.Nop())
	require.NoError(t, d.Enqueue(context.Background(), room.Event{RoomID: "abc123", Type: room.EventCreated}))
	require.NoError(t, d.Close())
}

func TestDispatcherDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	d := NewDispatcher(producer, "room-lifecycle", testOptions(), zerolog.Nop())
	require.NoError(t, d.Enqueue(context.Background(), room.Event{RoomID: "abc123", Type: room.EventCreated}))
	require.NoError(t, d.Close())
}

func TestEnqueueAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewDispatcher(producer, "room-lifecycle", testOptions(), zerolog.Nop())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.Enqueue(context.Background(), room.Event{RoomID: "abc123", Type: room.EventCreated})
	assert.True(t, errors.Is(err, ErrClosed))
}

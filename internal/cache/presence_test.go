package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blamouche/gpx-collaboration/internal/presence"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

func setupTestMirror(t *testing.T) (*PresenceMirror, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	m := NewPresenceMirrorFromClient(redis.NewClient(&redis.Options{Addr: s.Addr()}), time.Minute, zerolog.Nop())
	t.Cleanup(func() { m.Close() })
	return m, s
}

func record(name string) presence.Record {
	return presence.Record{User: presence.User{ID: "u-" + name, Name: name, Color: "#2f9e44"}}
}

func TestPutAndRemovePresence(t *testing.T) {
	m, s := setupTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutPresence(ctx, "abc123", "c1", record("Ana").WithCursor(45.8, 6.8, time.Now())))
	require.NoError(t, m.PutPresence(ctx, "abc123", "c2", record("Ben")))

	members, err := m.Members(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Ana", members["c1"].User.Name)
	require.NotNil(t, members["c1"].Cursor)
	assert.Equal(t, 45.8, members["c1"].Cursor.Lat)

	assert.True(t, s.TTL(roomKey("abc123")) > 0)

	require.NoError(t, m.RemovePresence(ctx, "abc123", "c1"))
	members, err = m.Members(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	rooms, err := m.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, rooms)
}

func TestEvictionDropsMirror(t *testing.T) {
	m, s := setupTestMirror(t)
	ctx := context.Background()
	require.NoError(t, m.PutPresence(ctx, "abc123", "c1", record("Ana")))

	m.HandleRoomEvent(room.Event{RoomID: "abc123", Type: room.EventCreated})
	assert.True(t, s.Exists(roomKey("abc123")))

	m.HandleRoomEvent(room.Event{RoomID: "abc123", Type: room.EventEvicted})
	assert.False(t, s.Exists(roomKey("abc123")))

	rooms, err := m.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestMirrorExpires(t *testing.T) {
	m, s := setupTestMirror(t)
	require.NoError(t, m.PutPresence(context.Background(), "abc123", "c1", record("Ana")))

	s.FastForward(2 * time.Minute)
	members, err := m.Members(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestNewPresenceMirrorPings(t *testing.T) {
	s := miniredis.RunT(t)
	m, err := NewPresenceMirror(context.Background(), s.Addr(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	addr := s.Addr()
	s.Close()
	_, err = NewPresenceMirror(context.Background(), addr, zerolog.Nop())
	assert.Error(t, err)
}

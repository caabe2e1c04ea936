package compaction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blamouche/gpx-collaboration/internal/db"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

func seed(t *testing.T, database *db.Database, roomID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		typ := room.EventCreated
		if i%2 == 1 {
			typ = room.EventEvicted
		}
		require.NoError(t, database.RecordEvent(room.Event{RoomID: roomID, Type: typ, At: time.Now()}))
	}
}

func TestServicePrunesBusyRooms(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	defer database.Close()

	seed(t, database, "busy", 12)
	seed(t, database, "quiet", 3)

	svc := New(database, Config{Interval: time.Hour, EventThreshold: 5, KeepRecent: 4}, zerolog.Nop())
	svc.Start()
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		n, err := database.GetEventCount("busy")
		return err == nil && n == 4
	}, 2*time.Second, 10*time.Millisecond)

	n, err := database.GetEventCount("quiet")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCompactNowIgnoresThreshold(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	defer database.Close()
	seed(t, database, "abc123", 3)

	svc := New(database, Config{Interval: time.Hour, EventThreshold: 100, KeepRecent: 1}, zerolog.Nop())
	removed, err := svc.CompactNow("abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	svc.Stop()
}

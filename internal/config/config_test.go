package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/sync", cfg.Sync.PathPrefix)
	assert.Equal(t, time.Hour, cfg.RoomTTL())
	assert.Equal(t, 3*time.Second, cfg.CreateThrottle())
	assert.Empty(t, cfg.DB.Path)
	assert.Equal(t, 10*time.Minute, cfg.Compaction.Interval)
	assert.Equal(t, 50, cfg.Compaction.Keep)
	assert.Equal(t, "room-lifecycle", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9000"
rooms:
  ttl_minutes: 5
kafka:
  brokers: ["k1:9092", "k2:9092"]
compaction:
  interval: 30s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("GPXCOLLAB_ROOMS_CREATE_THROTTLE_MS", "250")
	t.Setenv("GPXCOLLAB_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.RoomTTL())
	assert.Equal(t, 250*time.Millisecond, cfg.CreateThrottle())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Compaction.Interval)
}

func TestLoadRejectsBadTTL(t *testing.T) {
	t.Setenv("GPXCOLLAB_ROOMS_TTL_MINUTES", "0")
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}

// Package cache mirrors room presence into Redis so dashboards outside the
// process can see who is in which room. The mirror is write-only from the
// server's point of view; rooms never read it back.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/presence"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

const (
	roomsKey   = "presence:rooms"
	DefaultTTL = 2 * time.Hour
)

func roomKey(roomID string) string {
	return "presence:room:" + roomID
}

type PresenceMirror struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewPresenceMirror connects to addr and checks the connection.
func NewPresenceMirror(ctx context.Context, addr string, log zerolog.Logger) (*PresenceMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewPresenceMirrorFromClient(rdb, DefaultTTL, log), nil
}

func NewPresenceMirrorFromClient(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *PresenceMirror {
	return &PresenceMirror{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("module", "cache").Logger(),
	}
}

// PutPresence stores rec for connID. The room hash expires after ttl so a
// crashed server does not leave ghosts behind forever.
func (p *PresenceMirror) PutPresence(ctx context.Context, roomID, connID string, rec presence.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, roomKey(roomID), connID, data)
	pipe.Expire(ctx, roomKey(roomID), p.ttl)
	pipe.SAdd(ctx, roomsKey, roomID)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *PresenceMirror) RemovePresence(ctx context.Context, roomID, connID string) error {
	return p.rdb.HDel(ctx, roomKey(roomID), connID).Err()
}

// Members returns the mirrored records of roomID keyed by connection id.
func (p *PresenceMirror) Members(ctx context.Context, roomID string) (map[string]presence.Record, error) {
	raw, err := p.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]presence.Record, len(raw))
	for connID, v := range raw {
		var rec presence.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode presence %s/%s: %w", roomID, connID, err)
		}
		out[connID] = rec
	}
	return out, nil
}

func (p *PresenceMirror) Rooms(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, roomsKey).Result()
}

// DropRoom forgets every record of roomID.
func (p *PresenceMirror) DropRoom(ctx context.Context, roomID string) error {
	pipe := p.rdb.Pipeline()
	pipe.Del(ctx, roomKey(roomID))
	pipe.SRem(ctx, roomsKey, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// HandleRoomEvent drops the mirror of an evicted room.
func (p *PresenceMirror) HandleRoomEvent(ev room.Event) {
	if ev.Type != room.EventEvicted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.DropRoom(ctx, ev.RoomID); err != nil {
		p.log.Warn().Err(err).Str("room", ev.RoomID).Msg("drop presence mirror")
	}
}

func (p *PresenceMirror) Close() error {
	return p.rdb.Close()
}

// Package db is the room lifecycle journal. It records when rooms are created
// and evicted; document content is never stored.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/blamouche/gpx-collaboration/internal/room"
)

type Database struct {
	db  *sql.DB
	log zerolog.Logger
}

// Room summarises the journal of one room id.
type Room struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastEvent    time.Time `json:"last_event"`
	CreatedCount int       `json:"created_count"`
	EvictedCount int       `json:"evicted_count"`
}

type Event struct {
	ID     int64          `json:"id"`
	RoomID string         `json:"room_id"`
	Type   room.EventType `json:"type"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

func New(dbPath string, log zerolog.Logger) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log = log.With().Str("module", "db").Logger()
	log.Info().Str("path", dbPath).Msg("journal initialized")
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_event INTEGER NOT NULL,
		created_count INTEGER NOT NULL DEFAULT 0,
		evicted_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room_id, id DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// RecordEvent appends ev to the journal and updates the room summary.
func (d *Database) RecordEvent(ev room.Event) error {
	at := ev.At.UnixMilli()
	created, evicted := 0, 0
	switch ev.Type {
	case room.EventCreated:
		created = 1
	case room.EventEvicted:
		evicted = 1
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO rooms (id, first_seen, last_event, created_count, evicted_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_event = excluded.last_event,
			created_count = created_count + excluded.created_count,
			evicted_count = evicted_count + excluded.evicted_count
	`, ev.RoomID, at, at, created, evicted); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO room_events (room_id, type, reason, at) VALUES (?, ?, ?, ?)",
		ev.RoomID, string(ev.Type), ev.Reason, at,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleRoomEvent lets the journal subscribe to registry lifecycle events.
func (d *Database) HandleRoomEvent(ev room.Event) {
	if err := d.RecordEvent(ev); err != nil {
		d.log.Error().Err(err).Str("room", ev.RoomID).Msg("record room event")
	}
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, first_seen, last_event, created_count, evicted_count FROM rooms WHERE id = ?",
		id,
	)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (Room, error) {
	var r Room
	var firstSeen, lastEvent int64
	if err := s.Scan(&r.ID, &firstSeen, &lastEvent, &r.CreatedCount, &r.EvictedCount); err != nil {
		return Room{}, err
	}
	r.FirstSeen = time.UnixMilli(firstSeen).UTC()
	r.LastEvent = time.UnixMilli(lastEvent).UTC()
	return r, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, first_seen, last_event, created_count, evicted_count FROM rooms ORDER BY last_event DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// ListEvents returns the journal of roomID, newest first.
func (d *Database) ListEvents(roomID string, limit, offset int) ([]Event, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, type, reason, at
		FROM room_events
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ string
		var at int64
		if err := rows.Scan(&ev.ID, &ev.RoomID, &typ, &ev.Reason, &at); err != nil {
			return nil, err
		}
		ev.Type = room.EventType(typ)
		ev.At = time.UnixMilli(at).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *Database) GetEventCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM room_events WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// PruneEvents deletes all but the keepCount most recent events of roomID.
func (d *Database) PruneEvents(roomID string, keepCount int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM room_events
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM room_events
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Database) DeleteRoom(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM room_events WHERE room_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

type Stats struct {
	RoomCount  int `json:"room_count"`
	EventCount int `json:"event_count"`
}

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&s.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&s.EventCount); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Package compaction trims the lifecycle journal so busy room ids do not grow
// it without bound.
package compaction

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/db"
)

type Config struct {
	Interval       time.Duration
	EventThreshold int
	KeepRecent     int
}

func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Minute,
		EventThreshold: 100,
		KeepRecent:     50,
	}
}

type Service struct {
	database *db.Database
	config   Config
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(database *db.Database, config Config, log zerolog.Logger) *Service {
	if config.EventThreshold < config.KeepRecent {
		config.EventThreshold = config.KeepRecent
	}
	return &Service{
		database: database,
		config:   config,
		log:      log.With().Str("module", "compaction").Logger(),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().
		Dur("interval", s.config.Interval).
		Int("keep", s.config.KeepRecent).
		Msg("journal compaction started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("journal compaction stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms()
		}
	}
}

func (s *Service) compactAllRooms() {
	rooms, err := s.database.ListRooms(1000, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("list rooms")
		return
	}

	compacted := 0
	for _, r := range rooms {
		if !s.shouldCompact(r.ID) {
			continue
		}
		if _, err := s.CompactNow(r.ID); err != nil {
			s.log.Error().Err(err).Str("room", r.ID).Msg("compaction failed")
			continue
		}
		compacted++
	}

	if compacted > 0 {
		s.log.Info().Int("rooms", compacted).Msg("journal compacted")
	}
}

func (s *Service) shouldCompact(roomID string) bool {
	count, err := s.database.GetEventCount(roomID)
	if err != nil {
		return false
	}
	return count > s.config.EventThreshold
}

// CompactNow prunes one room's journal regardless of the threshold.
func (s *Service) CompactNow(roomID string) (int64, error) {
	removed, err := s.database.PruneEvents(roomID, s.config.KeepRecent)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Debug().Str("room", roomID).Int64("removed", removed).Msg("journal pruned")
	}
	return removed, nil
}

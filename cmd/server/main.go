package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blamouche/gpx-collaboration/internal/api"
	"github.com/blamouche/gpx-collaboration/internal/cache"
	"github.com/blamouche/gpx-collaboration/internal/compaction"
	"github.com/blamouche/gpx-collaboration/internal/config"
	"github.com/blamouche/gpx-collaboration/internal/db"
	"github.com/blamouche/gpx-collaboration/internal/events"
	"github.com/blamouche/gpx-collaboration/internal/gateway"
	"github.com/blamouche/gpx-collaboration/internal/logging"
	"github.com/blamouche/gpx-collaboration/internal/registry"
	"github.com/blamouche/gpx-collaboration/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := registry.New(registry.Config{
		TTL:            cfg.RoomTTL(),
		CreateThrottle: cfg.CreateThrottle(),
	}, log)

	var journal *db.Database
	if cfg.DB.Path != "" {
		var err error
		journal, err = db.New(cfg.DB.Path, log)
		if err != nil {
			return err
		}
		defer journal.Close()
		reg.AddHook(journal)

		compactor := compaction.New(journal, compaction.Config{
			Interval:       cfg.Compaction.Interval,
			EventThreshold: cfg.Compaction.Threshold,
			KeepRecent:     cfg.Compaction.Keep,
		}, log)
		compactor.Start()
		defer compactor.Stop()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.DefaultOptions(), log)
		defer dispatcher.Close()
		reg.AddHook(dispatcher)
	}

	var hubOpts []ws.Option
	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		mirror, err := cache.NewPresenceMirror(pingCtx, cfg.Redis.Addr, log)
		cancel()
		if err != nil {
			return err
		}
		defer mirror.Close()
		reg.AddHook(mirror)
		hubOpts = append(hubOpts, ws.WithPresenceMirror(mirror))
	}

	gw := gateway.New(cfg.Sync.PathPrefix, reg, log)
	hub := ws.NewHub(reg, gw, log, hubOpts...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.CORS.Origins)))
	hub.Register(router)
	api.New(reg, journal, log).Register(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("sync", gw.Prefix()+"/:room").
			Dur("room_ttl", cfg.RoomTTL()).
			Bool("journal", journal != nil).
			Bool("kafka", len(cfg.Kafka.Brokers) > 0).
			Bool("redis", cfg.Redis.Addr != "").
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		// Hijacked websocket connections are not covered by Shutdown.
		return reg.Close(shutdownCtx)
	})
	return g.Wait()
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	c.AllowOrigins = origins
	return c
}

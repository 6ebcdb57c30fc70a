package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/config"
	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
	"github.com/yss1235-why/tambola-sound-blitz/internal/game"
	"github.com/yss1235-why/tambola-sound-blitz/internal/gateway"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store/memstore"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store/pgstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := zerolog.ParseLevel(lvl)
		if err != nil {
			log.Warn().Str("level", lvl).Msg("unknown log level, keeping default")
		} else {
			zerolog.SetGlobalLevel(parsed)
		}
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	hub := gateway.NewHub(gateway.DefaultHubConfig())
	publisher, closePublisher, err := setupPublisher(ctx, cfg.NATS, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("setup publisher")
	}
	defer closePublisher()

	gameCfg := game.DefaultConfig()
	gameCfg.AutoCallInterval = cfg.Game.AutoCallInterval.Std()
	gameCfg.GameDuration = cfg.Game.GameDuration.Std()
	gameCfg.HeartbeatInterval = cfg.Game.HeartbeatInterval.Std()
	gameCfg.Engine.StrictValidation = cfg.Game.StrictValidation

	controller := game.New(st, publisher, clockwork.NewRealClock(), "", gameCfg)
	defer controller.Close()

	srv := setupServer(cfg.Server, controller, hub)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Store.Backend).Msg("host daemon listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := pgstore.Open(ctx, pgstore.DefaultConfig(cfg.Postgres.DSN()))
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return memstore.New(clockwork.NewRealClock()), func() {}, nil
	}
}

// setupPublisher chains the websocket hub in front of the broker, so
// local clients get events even when NATS is down or not configured.
func setupPublisher(ctx context.Context, cfg config.NATSConfig, hub *gateway.Hub) (events.Publisher, func(), error) {
	if cfg.URL == "" {
		return gateway.LocalBridge{Hub: hub, Next: events.LogPublisher{}}, func() {}, nil
	}
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.URL
	if cfg.StreamName != "" {
		natsCfg.StreamName = cfg.StreamName
	}
	if cfg.SubjectPrefix != "" {
		natsCfg.SubjectPrefix = cfg.SubjectPrefix
	}
	np, err := events.NewNATSPublisher(ctx, natsCfg)
	if err != nil {
		return nil, nil, err
	}
	return gateway.LocalBridge{Hub: hub, Next: np}, np.Close, nil
}

package main

import (
	"os"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/api"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/database"
	"github.com/relaymesh/relay/internal/debug"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/ratelimit"
	"github.com/relaymesh/relay/internal/relay"
	"github.com/relaymesh/relay/internal/resilience"
	"github.com/relaymesh/relay/internal/token"
)

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		lvl, err := logger.ParseLevel(raw)
		if err != nil {
			logger.Warnf("Ignoring LOG_LEVEL: %v", err)
		} else {
			logger.SetLevel(lvl)
		}
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Dev-only: clear expired rate-limit windows and lapsed sessions.
	if os.Getenv("RELAY_DEV_PRUNE") == "1" || os.Getenv("RELAY_DEV_PRUNE") == "true" {
		logger.Warnf("RELAY_DEV_PRUNE enabled - pruning stale state")
		if err := debug.PruneStaleState(db.DB); err != nil {
			logger.Warnf("Failed to prune stale state: %v", err)
		}
	}

	codec, err := token.NewCodec(cfg.SessionSecret)
	if err != nil {
		logger.Errorf("Failed to create token codec: %v", err)
		os.Exit(1)
	}

	relayMgr := relay.NewManager(relay.DefaultConfig())
	limiter := ratelimit.NewManager(&ratelimit.SQLStore{DB: db.DB})
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Sessions: database.NewSessionStore(db),
		Runs:     database.NewRunStore(db),
		Codec:    codec,
		Relay:    relayMgr,
		Limiter:  limiter,
		Breakers: breakers,
	})

	logger.Infof("Relay server starting on %s (env %s)", cfg.Addr, cfg.Environment)
	if err := router.Run(cfg.Addr); err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}

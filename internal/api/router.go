package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/api/handlers"
	"github.com/relaymesh/relay/internal/api/middleware"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/database"
	"github.com/relaymesh/relay/internal/ratelimit"
	"github.com/relaymesh/relay/internal/relay"
	"github.com/relaymesh/relay/internal/resilience"
	"github.com/relaymesh/relay/internal/token"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config   *config.Config
	Sessions *database.SessionStore
	Runs     *database.RunStore
	Codec    *token.Codec
	Relay    *relay.Manager
	Limiter  *ratelimit.Manager
	Breakers *resilience.Registry
}

// NewRouter builds the full HTTP surface: health, the websocket entry point
// and the authenticated v1 REST API.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logging())
	r.Use(corsMiddleware(d.Config))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The websocket handshake authenticates with join tokens, not the
	// service bearer, so it sits outside the v1 group.
	ws := relay.NewServer(d.Relay, d.Codec, d.Config.AllowedOrigins, d.Config.IsProduction())
	r.GET("/v1/ws", ws.HandleWS)

	sessions := handlers.NewSessionHandler(d.Sessions, d.Codec, d.Relay, d.Breakers)
	runs := handlers.NewRunHandler(d.Sessions, d.Runs, d.Relay, d.Breakers)

	v1 := r.Group("/v1")
	v1.Use(middleware.ServiceAuth(d.Config.APIToken))
	{
		v1.POST("/sessions", middleware.RateLimit(d.Limiter, "sessions:create"), sessions.Create)
		v1.GET("/sessions/:id", middleware.RateLimit(d.Limiter, "sessions:read"), sessions.Get)
		v1.DELETE("/sessions/:id", middleware.RateLimit(d.Limiter, "sessions:delete"), sessions.End)
		v1.POST("/sessions/:id/join", middleware.RateLimit(d.Limiter, "sessions:join"), sessions.Join)
		v1.GET("/sessions/:id/status", middleware.RateLimit(d.Limiter, "sessions:read"), sessions.Status)

		v1.POST("/runs", middleware.RateLimit(d.Limiter, "runs:create"), runs.Create)
		v1.GET("/runs/:id", middleware.RateLimit(d.Limiter, "runs:read"), runs.Get)
	}

	return r
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "X-Org-ID"},
	}
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(corsCfg)
}

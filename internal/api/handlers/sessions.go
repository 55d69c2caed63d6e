package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaymesh/relay/internal/apperror"
	"github.com/relaymesh/relay/internal/api/middleware"
	"github.com/relaymesh/relay/internal/database"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/relay"
	"github.com/relaymesh/relay/internal/resilience"
	"github.com/relaymesh/relay/internal/token"
)

const (
	// joinTokenTTL bounds how long a minted join token can be used to
	// open a websocket. The session itself lives much longer.
	joinTokenTTL = 300 * time.Second

	defaultSessionTTL = 30 * time.Minute
	maxSessionTTL     = 24 * time.Hour

	// actorCallTimeout bounds hub calls made from REST handlers.
	actorCallTimeout = 5 * time.Second
)

// defaultOrgID buckets unauthenticated-tenant callers. Real deployments set
// X-Org-ID from the upstream gateway.
const defaultOrgID = "org_default"

// SessionHandler serves the session REST surface.
type SessionHandler struct {
	sessions *database.SessionStore
	codec    *token.Codec
	relay    *relay.Manager
	breakers *resilience.Registry
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *database.SessionStore, codec *token.Codec, relayMgr *relay.Manager, breakers *resilience.Registry) *SessionHandler {
	return &SessionHandler{sessions: sessions, codec: codec, relay: relayMgr, breakers: breakers}
}

func orgID(c *gin.Context) string {
	if org, ok := middleware.GetOrgID(c); ok {
		return org
	}
	return defaultOrgID
}

func wsURL(c *gin.Context) string {
	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + c.Request.Host + "/v1/ws"
}

type createSessionRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

// Create handles POST /v1/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "invalid request body"))
			return
		}
	}

	ttl := defaultSessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl > maxSessionTTL {
			apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "ttl_seconds exceeds maximum"))
			return
		}
	}

	id := "ses_" + uuid.NewString()
	sess, err := h.sessions.Create(c.Request.Context(), id, ttl)
	if err != nil {
		logger.Errorf("[api] create session: %v", err)
		apperror.Write(c, err)
		return
	}

	// The creator controls the session by default.
	sessionToken, err := h.codec.Mint(id, orgID(c), string(relay.RoleController), joinTokenTTL)
	if err != nil {
		logger.Errorf("[api] mint session token: %v", err)
		apperror.Write(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            sess.ID,
		"status":        sess.Status,
		"created_at":    sess.CreatedAt,
		"expires_at":    sess.ExpiresAt,
		"session_token": sessionToken,
		"ws_url":        wsURL(c),
	})
}

// Get handles GET /v1/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] get session: %v", err)
		apperror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// End handles DELETE /v1/sessions/:id. The durable record is the source of
// truth: the row is marked ended first and the hub teardown is best-effort
// behind the session-actor breaker.
func (h *SessionHandler) End(c *gin.Context) {
	id := c.Param("id")

	err := h.sessions.MarkEnded(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] end session: %v", err)
		apperror.Write(c, err)
		return
	}

	breaker := h.breakers.Get("session-actor")
	if _, err := resilience.Do(breaker, func() (struct{}, error) {
		return resilience.WithTimeout(c.Request.Context(), actorCallTimeout,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, h.relay.End(ctx, id)
			})
	}); err != nil {
		logger.Warnf("[api] hub teardown for %s failed: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": database.SessionEnded})
}

type joinSessionRequest struct {
	Role string `json:"role"`
}

// Join handles POST /v1/sessions/:id/join by minting a role-scoped token.
func (h *SessionHandler) Join(c *gin.Context) {
	id := c.Param("id")

	var req joinSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "invalid request body"))
			return
		}
	}
	if req.Role == "" {
		req.Role = string(relay.RoleController)
	}
	role, ok := relay.ParseRole(req.Role)
	if !ok {
		apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "unknown role"))
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] join session: %v", err)
		apperror.Write(c, err)
		return
	}
	if sess.Status == database.SessionEnded {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session has ended"))
		return
	}

	joinToken, err := h.codec.Mint(id, orgID(c), string(role), joinTokenTTL)
	if err != nil {
		logger.Errorf("[api] mint join token: %v", err)
		apperror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"role":       role,
		"token":      joinToken,
		"ws_url":     wsURL(c),
		"expires_in": int64(joinTokenTTL.Seconds()),
	})
}

// Status handles GET /v1/sessions/:id/status, combining the durable record
// with the hub's live connection counts.
func (h *SessionHandler) Status(c *gin.Context) {
	id := c.Param("id")

	sess, err := h.sessions.Get(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] session status: %v", err)
		apperror.Write(c, err)
		return
	}

	st, err := resilience.WithTimeout(c.Request.Context(), actorCallTimeout,
		func(ctx context.Context) (relay.Status, error) {
			return h.relay.Status(ctx, id)
		})
	if err != nil {
		logger.Warnf("[api] hub status for %s: %v", id, err)
		apperror.Write(c, apperror.New(http.StatusGatewayTimeout, apperror.CodeTimeout, "session status unavailable"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          sess.ID,
		"status":      sess.Status,
		"expires_at":  sess.ExpiresAt,
		"connections": st.Connections,
	})
}

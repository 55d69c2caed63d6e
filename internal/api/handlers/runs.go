package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaymesh/relay/internal/apperror"
	"github.com/relaymesh/relay/internal/database"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/relay"
	"github.com/relaymesh/relay/internal/resilience"
)

// RunHandler serves the automation run REST surface.
type RunHandler struct {
	sessions *database.SessionStore
	runs     *database.RunStore
	relay    *relay.Manager
	breakers *resilience.Registry
}

// NewRunHandler creates a run handler.
func NewRunHandler(sessions *database.SessionStore, runs *database.RunStore, relayMgr *relay.Manager, breakers *resilience.Registry) *RunHandler {
	return &RunHandler{sessions: sessions, runs: runs, relay: relayMgr, breakers: breakers}
}

type createRunRequest struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
}

type runStatusPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Goal   string `json:"goal"`
}

// Create handles POST /v1/runs. The run row is durable; the ai.status
// notification to watchers is best-effort behind the session-actor breaker.
func (h *RunHandler) Create(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "invalid request body"))
		return
	}
	if req.SessionID == "" || req.Goal == "" {
		apperror.Write(c, apperror.New(http.StatusBadRequest, apperror.CodeValidation, "session_id and goal are required"))
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), req.SessionID)
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] create run: %v", err)
		apperror.Write(c, err)
		return
	}
	if sess.Status == database.SessionEnded {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session has ended"))
		return
	}

	id := "run_" + uuid.NewString()
	run, err := h.runs.Create(c.Request.Context(), id, req.SessionID, req.Goal)
	if err != nil {
		logger.Errorf("[api] create run: %v", err)
		apperror.Write(c, err)
		return
	}

	h.notifyWatchers(c.Request.Context(), run)

	c.JSON(http.StatusCreated, run)
}

// notifyWatchers pushes the run state to controllers and observers. A dead
// or empty hub never fails run creation.
func (h *RunHandler) notifyWatchers(ctx context.Context, run *database.Run) {
	payload, err := json.Marshal(runStatusPayload{RunID: run.ID, Status: run.Status, Goal: run.Goal})
	if err != nil {
		logger.Errorf("[api] marshal run payload: %v", err)
		return
	}

	breaker := h.breakers.Get("session-actor")
	sent, err := resilience.Do(breaker, func() (int, error) {
		return resilience.WithTimeout(ctx, actorCallTimeout,
			func(ctx context.Context) (int, error) {
				return h.relay.Broadcast(ctx, run.SessionID, []relay.Role{relay.RoleController, relay.RoleObserver}, relay.Envelope{
					Type:    "ai.status",
					Payload: payload,
				})
			})
	})
	if err != nil {
		logger.Warnf("[api] run %s notification failed: %v", run.ID, err)
		return
	}
	logger.Debugf("[api] run %s notified %d watchers", run.ID, sent)
}

// Get handles GET /v1/runs/:id.
func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		apperror.Write(c, apperror.New(http.StatusNotFound, apperror.CodeNotFound, "run not found"))
		return
	}
	if err != nil {
		logger.Errorf("[api] get run: %v", err)
		apperror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

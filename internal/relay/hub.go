package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/logger"
)

// maxFrameBytes is the inbound frame size limit. Violations close the
// offending connection with a policy-violation close code.
const maxFrameBytes = 1 << 20

// Transport is the minimal write surface of a connection held by a hub.
//
// The hub goroutine is the only writer on any transport; readers run on
// their own goroutines and feed frames back in through the hub's event
// channel, so no write-side locking is needed.
type Transport interface {
	WriteText(data []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

type hubConn struct {
	id       string
	role     Role
	t        Transport
	lastSeen time.Time
}

// sessionHub serializes all handling for one session id on a single
// goroutine: admissions, frame routing, heartbeat sweeps and external calls.
type sessionHub struct {
	sessionID string
	cfg       Config
	now       func() time.Time

	events chan any
	done   chan struct{}

	// onStop detaches the hub from its manager when the loop exits on its
	// own (idle reap). Explicit End detaches before stopping instead.
	onStop func()

	// Owned exclusively by the loop goroutine.
	conns      map[string]*hubConn
	emptySince time.Time
}

type joinRequest struct {
	role  Role
	t     Transport
	reply chan string
}

type frameEvent struct {
	connID string
	data   []byte
}

type leaveEvent struct {
	connID string
}

type endRequest struct {
	reply chan struct{}
}

type broadcastRequest struct {
	roles []Role
	env   Envelope
	reply chan int
}

type statusRequest struct {
	reply chan Status
}

// Status reports the bound session id and live connection counts per role.
type Status struct {
	SessionID   string       `json:"session_id"`
	Connections map[Role]int `json:"connections"`
}

func newSessionHub(sessionID string, cfg Config, now func() time.Time) *sessionHub {
	return &sessionHub{
		sessionID: sessionID,
		cfg:       cfg,
		now:       now,
		events:    make(chan any, 256),
		done:      make(chan struct{}),
		conns:     make(map[string]*hubConn),
	}
}

func (h *sessionHub) loop() {
	defer close(h.done)
	defer func() {
		if h.onStop != nil {
			h.onStop()
		}
	}()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-h.events:
			switch e := evt.(type) {
			case joinRequest:
				e.reply <- h.handleJoin(e)
			case frameEvent:
				h.handleFrame(e.connID, e.data)
			case leaveEvent:
				h.handleLeave(e.connID)
			case broadcastRequest:
				e.reply <- h.handleBroadcast(e.roles, e.env)
			case statusRequest:
				e.reply <- h.handleStatus()
			case endRequest:
				h.handleEnd()
				e.reply <- struct{}{}
				return
			default:
				logger.Warnf("[relay] session %s: unknown event %T", h.sessionID, evt)
			}
		case <-ticker.C:
			if h.sweep() {
				return
			}
		}
	}
}

// enqueue delivers a fire-and-forget event. It never blocks the caller: a
// full queue or an ended hub drops the event.
func (h *sessionHub) enqueue(evt any) {
	select {
	case h.events <- evt:
	case <-h.done:
	default:
		logger.Warnf("[relay] session %s queue full; dropping event %T", h.sessionID, evt)
	}
}

func (h *sessionHub) handleJoin(req joinRequest) string {
	id := uuid.NewString()
	h.conns[id] = &hubConn{
		id:       id,
		role:     req.role,
		t:        req.t,
		lastSeen: h.now(),
	}
	logger.Debugf("[relay] session %s: %s joined conn=%s connections=%d",
		h.sessionID, req.role, id, len(h.conns))

	// The join notice fires after insertion, so the joining connection
	// receives it too. That confirms admission to the joiner.
	h.broadcastAll(controlEnvelope(TypeSessionStatus, h.sessionID, StatusPayload{
		Status: StatusParticipantJoined,
		Role:   req.role,
	}, h.now()))
	return id
}

func (h *sessionHub) handleFrame(connID string, data []byte) {
	sender, ok := h.conns[connID]
	if !ok {
		return
	}

	// Any inbound frame counts as liveness, not just pings.
	sender.lastSeen = h.now()

	if len(data) > maxFrameBytes {
		h.evict(sender, websocket.CloseMessageTooBig, "message too large")
		return
	}

	env, ok := parseEnvelope(data)
	if !ok {
		// Deliberate leniency: malformed noise is dropped without an
		// error echo.
		return
	}

	logger.Tracef("[relay] session %s: in type=%s from=%s", h.sessionID, env.Type, sender.role)

	if env.Type == TypePing {
		h.send(sender, controlEnvelope(TypePong, h.sessionID, nil, h.now()))
		return
	}

	targets := fanoutTargets[sender.role]
	if len(targets) == 0 {
		h.send(sender, controlEnvelope(TypeError, h.sessionID, ErrorPayload{
			Code:    "FORBIDDEN",
			Message: "observer cannot send messages",
		}, h.now()))
		return
	}

	env.SessionID = h.sessionID
	sent := h.sendToRoles(targets, env)
	logger.Tracef("[relay] session %s: fanout type=%s from=%s to=%v sent=%d",
		h.sessionID, env.Type, sender.role, targets, sent)
}

func (h *sessionHub) handleLeave(connID string) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	_ = c.t.Close()

	h.broadcastAll(controlEnvelope(TypeSessionStatus, h.sessionID, StatusPayload{
		Status: StatusParticipantLeft,
		Role:   c.role,
	}, h.now()))
}

func (h *sessionHub) handleBroadcast(roles []Role, env Envelope) int {
	if env.SessionID == "" {
		env.SessionID = h.sessionID
	}
	return h.sendToRoles(roles, env)
}

func (h *sessionHub) handleStatus() Status {
	counts := map[Role]int{RoleController: 0, RoleObserver: 0, RoleAgent: 0}
	for _, c := range h.conns {
		counts[c.role]++
	}
	return Status{SessionID: h.sessionID, Connections: counts}
}

func (h *sessionHub) handleEnd() {
	h.broadcastAll(controlEnvelope(TypeSessionEnded, h.sessionID, struct{}{}, h.now()))
	for _, c := range h.conns {
		_ = c.t.WriteClose(websocket.CloseNormalClosure, "session ended")
		_ = c.t.Close()
	}
	h.conns = make(map[string]*hubConn)
	logger.Infof("[relay] session %s ended", h.sessionID)
}

// sweep evicts connections idle past the timeout, announces their departure
// and sends an application-level heartbeat to the survivors. The timeout is
// much larger than the sweep interval, so every connection is guaranteed at
// least one full cycle before eviction.
//
// It also reaps the hub itself: a hub that stays empty for a full connection
// timeout reports true and the loop exits, so status probes against lapsed
// sessions do not pin a goroutine and ticker forever.
func (h *sessionHub) sweep() (stop bool) {
	now := h.now()
	var evicted []Role
	for id, c := range h.conns {
		if now.Sub(c.lastSeen) > h.cfg.ConnTimeout {
			logger.Debugf("[relay] session %s: conn=%s role=%s timed out", h.sessionID, id, c.role)
			delete(h.conns, id)
			_ = c.t.WriteClose(websocket.CloseNormalClosure, "connection timeout")
			_ = c.t.Close()
			evicted = append(evicted, c.role)
		}
	}

	for _, role := range evicted {
		h.broadcastAll(controlEnvelope(TypeSessionStatus, h.sessionID, StatusPayload{
			Status: StatusParticipantLeft,
			Role:   role,
		}, now))
	}

	if len(h.conns) == 0 {
		if h.emptySince.IsZero() {
			h.emptySince = now
		} else if now.Sub(h.emptySince) > h.cfg.ConnTimeout {
			logger.Debugf("[relay] session %s: hub idle, stopping", h.sessionID)
			return true
		}
		return false
	}
	h.emptySince = time.Time{}

	h.broadcastAll(controlEnvelope(TypeHeartbeat, h.sessionID, nil, now))
	return false
}

func (h *sessionHub) evict(c *hubConn, closeCode int, reason string) {
	delete(h.conns, c.id)
	_ = c.t.WriteClose(closeCode, reason)
	_ = c.t.Close()
}

// send writes one envelope to one connection. Failures are logged and
// swallowed: delivery is best-effort per recipient.
func (h *sessionHub) send(c *hubConn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("[relay] session %s: marshal %s: %v", h.sessionID, env.Type, err)
		return
	}
	if err := c.t.WriteText(data); err != nil {
		logger.Warnf("[relay] session %s: send %s to conn=%s: %v", h.sessionID, env.Type, c.id, err)
	}
}

func (h *sessionHub) sendToRoles(roles []Role, env Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("[relay] session %s: marshal %s: %v", h.sessionID, env.Type, err)
		return 0
	}
	sent := 0
	for _, c := range h.conns {
		if !roleIn(c.role, roles) {
			continue
		}
		if err := c.t.WriteText(data); err != nil {
			logger.Warnf("[relay] session %s: send %s to conn=%s: %v", h.sessionID, env.Type, c.id, err)
			continue
		}
		sent++
	}
	return sent
}

func (h *sessionHub) broadcastAll(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("[relay] session %s: marshal %s: %v", h.sessionID, env.Type, err)
		return
	}
	for _, c := range h.conns {
		if err := c.t.WriteText(data); err != nil {
			logger.Warnf("[relay] session %s: broadcast %s to conn=%s: %v", h.sessionID, env.Type, c.id, err)
		}
	}
}

func roleIn(role Role, roles []Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

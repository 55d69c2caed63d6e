package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHubClosed reports a call against a hub that ended concurrently.
var ErrHubClosed = errors.New("session hub closed")

// Config controls hub timing.
type Config struct {
	// HeartbeatInterval is the sweep period.
	HeartbeatInterval time.Duration
	// ConnTimeout evicts connections with no inbound traffic for this
	// long. Must be well above HeartbeatInterval.
	ConnTimeout time.Duration
}

// DefaultConfig returns production hub timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnTimeout:       90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 90 * time.Second
	}
	return c
}

// Manager owns one session hub per session id.
//
// Hubs are created lazily on first use and discarded on End. A hub holds no
// durable state: session existence and metadata live in the relational
// store, so a recreated hub simply starts with an empty connection set.
type Manager struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	hubs map[string]*sessionHub
}

// NewManager creates a hub manager with the given timing configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		hubs: make(map[string]*sessionHub),
	}
}

// Conn is the caller-side handle for one admitted connection. The websocket
// read loop feeds frames through it and reports the connection's end.
type Conn struct {
	hub *sessionHub
	id  string
}

// ID returns the connection id allocated at admission.
func (c *Conn) ID() string { return c.id }

// HandleFrame hands one inbound frame to the hub. It never blocks: frames
// arriving faster than the hub can route are dropped under overload.
func (c *Conn) HandleFrame(data []byte) {
	c.hub.enqueue(frameEvent{connID: c.id, data: data})
}

// Leave removes the connection from the hub and announces the departure.
// Safe to call after the hub ended.
func (c *Conn) Leave() {
	c.hub.enqueue(leaveEvent{connID: c.id})
}

// Join admits a transport to the session's hub under the given role and
// returns the connection handle.
func (m *Manager) Join(ctx context.Context, sessionID string, role Role, t Transport) (*Conn, error) {
	// An End may race the join; retry once against a freshly created hub.
	for attempt := 0; attempt < 2; attempt++ {
		hub := m.getOrCreate(sessionID)
		req := joinRequest{role: role, t: t, reply: make(chan string, 1)}

		select {
		case hub.events <- req:
		case <-hub.done:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case id := <-req.reply:
			return &Conn{hub: hub, id: id}, nil
		case <-hub.done:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrHubClosed
}

// End broadcasts session.ended, closes every held connection and discards
// the hub. Idempotent: ending a session with no hub or no connections is a
// no-op beyond the broadcast attempt.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	hub, ok := m.hubs[sessionID]
	if ok {
		// Remove first so concurrent joins get a fresh hub instead of
		// racing the shutdown.
		delete(m.hubs, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	req := endRequest{reply: make(chan struct{}, 1)}
	select {
	case hub.events <- req:
	case <-hub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.reply:
		return nil
	case <-hub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast delivers an envelope to every connection whose role is in roles.
// The hub injects its session id if the envelope carries none. Returns the
// number of connections written.
func (m *Manager) Broadcast(ctx context.Context, sessionID string, roles []Role, env Envelope) (int, error) {
	hub := m.getOrCreate(sessionID)
	req := broadcastRequest{roles: roles, env: env, reply: make(chan int, 1)}

	select {
	case hub.events <- req:
	case <-hub.done:
		return 0, ErrHubClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case sent := <-req.reply:
		return sent, nil
	case <-hub.done:
		return 0, ErrHubClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status reports the session's live connection counts per role.
func (m *Manager) Status(ctx context.Context, sessionID string) (Status, error) {
	hub := m.getOrCreate(sessionID)
	req := statusRequest{reply: make(chan Status, 1)}

	select {
	case hub.events <- req:
	case <-hub.done:
		return Status{}, ErrHubClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case st := <-req.reply:
		return st, nil
	case <-hub.done:
		return Status{}, ErrHubClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (m *Manager) getOrCreate(sessionID string) *sessionHub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hub, ok := m.hubs[sessionID]; ok {
		select {
		case <-hub.done:
			// Reaped while idle; replace it below.
			delete(m.hubs, sessionID)
		default:
			return hub
		}
	}
	hub := newSessionHub(sessionID, m.cfg, func() time.Time { return m.now() })
	hub.onStop = func() { m.forget(sessionID, hub) }
	m.hubs[sessionID] = hub
	go hub.loop()
	return hub
}

// forget drops the hub from the map if it is still the registered one. End
// swaps hubs out before stopping them, so the guard keeps a self-stopping
// old hub from evicting its replacement.
func (m *Manager) forget(sessionID string, hub *sessionHub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hubs[sessionID] == hub {
		delete(m.hubs, sessionID)
	}
}

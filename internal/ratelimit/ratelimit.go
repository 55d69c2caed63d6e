package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/logger"
)

// ErrInvalidRequest reports malformed admission-control parameters.
var ErrInvalidRequest = errors.New("invalid rate limit request")

// Params describes one admission-control check.
type Params struct {
	Key           string
	Limit         int64
	WindowSeconds int64
}

// Decision is the outcome of a check. Reset is the absolute end of the
// current window in epoch seconds.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// Window is the persisted fixed-window state for one key.
type Window struct {
	Count     int64
	ResetAtMs int64
}

// Store abstracts durable persistence for window state. State is written
// after every check so it survives process recycling.
type Store interface {
	Get(ctx context.Context, key string) (Window, bool, error)
	Put(ctx context.Context, key string, w Window) error
}

// Manager owns one serialized actor per rate-limit key.
//
// Each key's checks run on a single goroutine, so the read-increment-write
// cycle against the store needs no locking. Different keys are independent.
type Manager struct {
	store Store
	now   func() time.Time

	mu     sync.Mutex
	actors map[string]*keyActor
}

// NewManager creates a rate limiter backed by the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		now:    time.Now,
		actors: make(map[string]*keyActor),
	}
}

// Check runs a fixed-window admission check for the key.
//
// The counter only advances on admitted attempts: a rejected attempt leaves
// the stored count unchanged. Callers are expected to wrap Check in a timeout
// and fail open on error so an unavailable limiter never blocks traffic.
func (m *Manager) Check(ctx context.Context, p Params) (Decision, error) {
	if p.Key == "" || p.Limit <= 0 || p.WindowSeconds <= 0 {
		return Decision{}, fmt.Errorf("%w: key=%q limit=%d window=%d",
			ErrInvalidRequest, p.Key, p.Limit, p.WindowSeconds)
	}

	actor := m.getOrCreate(p.Key)
	actor.start()
	req := checkRequest{ctx: ctx, params: p, reply: make(chan checkResult, 1)}

	select {
	case actor.requests <- req:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.decision, res.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (m *Manager) getOrCreate(key string) *keyActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[key]; ok {
		return a
	}
	a := &keyActor{
		key:      key,
		store:    m.store,
		now:      func() time.Time { return m.now() },
		requests: make(chan checkRequest, 64),
	}
	m.actors[key] = a
	return a
}

type checkRequest struct {
	ctx    context.Context
	params Params
	reply  chan checkResult
}

type checkResult struct {
	decision Decision
	err      error
}

type keyActor struct {
	key      string
	store    Store
	now      func() time.Time
	requests chan checkRequest

	startOnce sync.Once
}

func (a *keyActor) loop() {
	for req := range a.requests {
		decision, err := a.handle(req.ctx, req.params)
		if err != nil {
			logger.Warnf("[ratelimit] check failed key=%s: %v", a.key, err)
		}
		req.reply <- checkResult{decision: decision, err: err}
	}
}

func (a *keyActor) handle(ctx context.Context, p Params) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	nowMs := a.now().UnixMilli()

	w, ok, err := a.store.Get(ctx, a.key)
	if err != nil {
		return Decision{}, fmt.Errorf("load window: %w", err)
	}
	if !ok || nowMs >= w.ResetAtMs {
		w = Window{Count: 0, ResetAtMs: nowMs + p.WindowSeconds*1000}
	}

	next := w.Count + 1
	allowed := next <= p.Limit
	if allowed {
		w.Count = next
	}

	if err := a.store.Put(ctx, a.key, w); err != nil {
		return Decision{}, fmt.Errorf("persist window: %w", err)
	}

	remaining := p.Limit - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     p.Limit,
		Remaining: remaining,
		Reset:     w.ResetAtMs / 1000,
	}, nil
}

func (a *keyActor) start() {
	a.startOnce.Do(func() { go a.loop() })
}

package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/observability"
)

var ErrNotFound = errors.New("session not found")

// Handle is the registry's view of a running voice session.
type Handle interface {
	ID() string
	State() string
	// Stop begins a graceful shutdown. It must be idempotent.
	Stop()
	// Done is closed once the session has fully shut down.
	Done() <-chan struct{}
	LastActivity() time.Time
}

// Info is a point-in-time summary of one registered session.
type Info struct {
	Key            string    `json:"key"`
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry maps client keys to their single active session.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]Handle
	keyByID map[string]string
	// Registrations under one key run one at a time; other keys proceed.
	keyLocks map[string]*keyLock

	inactivityTimeout time.Duration
	onExpire          func(key string, h Handle)
	logger            zerolog.Logger
	metrics           *observability.Metrics
}

func NewRegistry(inactivityTimeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		byKey:             make(map[string]Handle),
		keyByID:           make(map[string]string),
		keyLocks:          make(map[string]*keyLock),
		inactivityTimeout: inactivityTimeout,
		logger:            logger.With().Str("component", "registry").Logger(),
		metrics:           metrics,
	}
}

func (r *Registry) SetExpireHook(hook func(key string, h Handle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register installs h under key. A session already registered under key is
// stopped and waited for first, so Lookup never returns h while the prior
// session is still running. If ctx ends during that wait h is not installed.
func (r *Registry) Register(ctx context.Context, key string, h Handle) error {
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	prior, ok := r.byKey[key]
	if ok {
		r.unlinkLocked(key, prior)
	}
	r.mu.Unlock()

	if ok && prior != h {
		r.logger.Info().
			Str("key", key).
			Str("session_id", prior.ID()).
			Str("replacement_id", h.ID()).
			Msg("replacing session")
		prior.Stop()
		select {
		case <-prior.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		r.metrics.SessionEvent("replaced")
	}

	r.mu.Lock()
	r.byKey[key] = h
	r.keyByID[h.ID()] = key
	r.syncGaugeLocked()
	r.mu.Unlock()
	return nil
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey serializes callers for one key and returns the unlock func. The
// lock entry is dropped once nobody holds or waits for it.
func (r *Registry) lockKey(key string) func() {
	r.mu.Lock()
	kl, ok := r.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		r.keyLocks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.keyLocks, key)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byKey[key]
	return h, ok
}

func (r *Registry) LookupByID(sessionID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keyByID[sessionID]
	if !ok {
		return nil, false
	}
	return r.byKey[key], true
}

// Terminate removes the session under key, stops it and waits for it to
// finish or for ctx to end.
func (r *Registry) Terminate(ctx context.Context, key string) error {
	r.mu.Lock()
	h, ok := r.byKey[key]
	if ok {
		r.unlinkLocked(key, h)
		r.syncGaugeLocked()
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.Stop()
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TerminateID is Terminate addressed by session id.
func (r *Registry) TerminateID(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	key, ok := r.keyByID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return r.Terminate(ctx, key)
}

// Remove drops key only while it still maps to h. Sessions call it on their
// way out so a replacement registered meanwhile is left alone.
func (r *Registry) Remove(key string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byKey[key]
	if !ok || cur != h {
		return false
	}
	r.unlinkLocked(key, h)
	r.syncGaugeLocked()
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// List returns registered sessions ordered by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.byKey))
	for key, h := range r.byKey {
		out = append(out, Info{
			Key:            key,
			SessionID:      h.ID(),
			State:          h.State(),
			LastActivityAt: h.LastActivity(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// StopAll stops every registered session and waits for them until ctx ends.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.byKey))
	for key, h := range r.byKey {
		handles = append(handles, h)
		r.unlinkLocked(key, h)
	}
	r.syncGaugeLocked()
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now()
	type expired struct {
		key string
		h   Handle
	}
	var victims []expired

	r.mu.Lock()
	for key, h := range r.byKey {
		if now.Sub(h.LastActivity()) < r.inactivityTimeout {
			continue
		}
		victims = append(victims, expired{key: key, h: h})
		r.unlinkLocked(key, h)
	}
	r.syncGaugeLocked()
	hook := r.onExpire
	r.mu.Unlock()

	for _, v := range victims {
		r.logger.Info().
			Str("key", v.key).
			Str("session_id", v.h.ID()).
			Dur("idle", now.Sub(v.h.LastActivity())).
			Msg("session expired")
		r.metrics.SessionEvent("expired")
		v.h.Stop()
		if hook != nil {
			hook(v.key, v.h)
		}
	}
}

func (r *Registry) unlinkLocked(key string, h Handle) {
	delete(r.byKey, key)
	if r.keyByID[h.ID()] == key {
		delete(r.keyByID, h.ID())
	}
}

func (r *Registry) syncGaugeLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveSessions.Set(float64(len(r.byKey)))
}

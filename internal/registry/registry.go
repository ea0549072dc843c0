package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Session is the transport half of a connection. The registry owns the
// bookkeeping; the gateway owns the socket and hands the registry this
// handle so the idle sweep can probe and force-close.
type Session interface {
	Probe() error
	Close(reason string) error
}

// Listener is notified after a connection is bound to a user or removed.
// The presence broadcaster implements it; calls are synchronous and must
// not re-enter the registry under its own lock.
type Listener interface {
	ConnectionAdded(connID, userID string, role models.Role)
	ConnectionRemoved(connID, userID string, role models.Role)
}

// Connection is one live duplex session. UserID is empty until the gateway
// binds it after authentication and is immutable afterwards.
type Connection struct {
	ID            string
	UserID        string
	Role          models.Role
	EstablishedAt time.Time
	LastActivity  time.Time
	Session       Session

	probed bool
}

type reconnectToken struct {
	userID  string
	role    models.Role
	expires time.Time
}

type Options struct {
	IdleProbeAfter    time.Duration
	IdleCloseAfter    time.Duration
	ReconnectTokenTTL time.Duration
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	byRole map[models.Role]map[string]*Connection
	tokens map[string]reconnectToken

	listener Listener
	opts     Options
	now      func() time.Time
}

func New(opts Options) *Registry {
	if opts.IdleProbeAfter <= 0 {
		opts.IdleProbeAfter = 5 * time.Minute
	}
	if opts.IdleCloseAfter <= opts.IdleProbeAfter {
		opts.IdleCloseAfter = opts.IdleProbeAfter + time.Minute
	}
	if opts.ReconnectTokenTTL <= 0 {
		opts.ReconnectTokenTTL = 2 * time.Minute
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		byRole: make(map[models.Role]map[string]*Connection),
		tokens: make(map[string]reconnectToken),
		opts:   opts,
		now:    time.Now,
	}
}

// SetListener wires the presence broadcaster. Must be called before traffic.
func (r *Registry) SetListener(l Listener) { r.listener = l }

// Add registers an anonymous connection and returns its server-generated id.
// Idempotent per session: callers add once per accepted socket.
func (r *Registry) Add(sess Session) *Connection {
	now := r.now()
	c := &Connection{
		ID:            uuid.NewString(),
		EstablishedAt: now,
		LastActivity:  now,
		Session:       sess,
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	observability.ConnectionsOpen.Inc()
	return c
}

// Bind attaches a user id and role to a previously added connection, the
// re-add path used when authentication completes after an anonymous
// connect. The user id is write-once; a second bind for the same user is a
// no-op that still refreshes the reconnect token. Returns the token the
// client may redeem on a fast reconnect.
func (r *Registry) Bind(connID, userID string, role models.Role) (string, error) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownConnection
	}
	if c.UserID != "" && c.UserID != userID {
		r.mu.Unlock()
		return "", ErrAlreadyBound
	}
	c.UserID = userID
	c.Role = role
	c.LastActivity = r.now()

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][connID] = c
	if r.byRole[role] == nil {
		r.byRole[role] = make(map[string]*Connection)
	}
	r.byRole[role][connID] = c

	token := uuid.NewString()
	r.tokens[token] = reconnectToken{userID: userID, role: role, expires: r.now().Add(r.opts.ReconnectTokenTTL)}
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.ConnectionAdded(connID, userID, role)
	}
	return token, nil
}

// Redeem consumes a reconnect token, returning the identity it was issued
// for. Expired or unknown tokens fail.
func (r *Registry) Redeem(token string) (string, models.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return "", "", false
	}
	delete(r.tokens, token)
	if r.now().After(t.expires) {
		return "", "", false
	}
	return t.userID, t.role, true
}

// Remove drops a connection and notifies the listener so presence can be
// re-evaluated after its grace window. Idempotent.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if c.UserID != "" {
		if m := r.byUser[c.UserID]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
		if m := r.byRole[c.Role]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byRole, c.Role)
			}
		}
	}
	r.mu.Unlock()

	observability.ConnectionsOpen.Dec()
	if c.UserID != "" && r.listener != nil {
		r.listener.ConnectionRemoved(connID, c.UserID, c.Role)
	}
}

// Touch refreshes last-activity; any inbound frame counts.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.LastActivity = r.now()
		c.probed = false
	}
	r.mu.Unlock()
}

func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionsForRole(role models.Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byRole[role]))
	for _, c := range r.byRole[role] {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether at least one live connection maps to the user.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Sweep probes connections idle past the probe threshold and force-closes
// any still idle past the close threshold. Bounds registry growth from
// abandoned sockets.
func (r *Registry) Sweep() {
	now := r.now()
	var toProbe, toClose []*Connection
	r.mu.Lock()
	for _, c := range r.conns {
		idle := now.Sub(c.LastActivity)
		switch {
		case idle >= r.opts.IdleCloseAfter && c.probed:
			toClose = append(toClose, c)
		case idle >= r.opts.IdleProbeAfter && !c.probed:
			c.probed = true
			toProbe = append(toProbe, c)
		}
	}
	r.mu.Unlock()

	for _, c := range toProbe {
		if err := c.Session.Probe(); err != nil {
			toClose = append(toClose, c)
		}
	}
	for _, c := range toClose {
		_ = c.Session.Close("idle timeout")
		observability.ConnectionsIdleClosed.Inc()
		r.Remove(c.ID)
	}
}

// Run drives the sweep on a fixed interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

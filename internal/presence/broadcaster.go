package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/registry"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Event is one presence transition, emitted only when a user's aggregate
// presence actually changed.
type Event struct {
	UserID string      `json:"user_id"`
	Status string      `json:"status"`
	Role   models.Role `json:"role,omitempty"`
}

// Pusher delivers an event to one connection. The gateway implements it;
// delivery is fire-and-forget, a failed push never blocks other recipients.
type Pusher interface {
	PushPresence(conn *registry.Connection, ev Event)
}

// Audience is the registry surface the broadcaster fans out through.
type Audience interface {
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []*registry.Connection
	ConnectionsForRole(role models.Role) []*registry.Connection
}

// SharingPolicy reports whether a user's presence may go to the public
// audience. Nil means never.
type SharingPolicy func(userID string) bool

type Broadcaster struct {
	audience Audience
	pusher   Pusher
	store    Store
	policy   SharingPolicy
	grace    time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	online  map[string]bool
	pending map[string]*time.Timer
}

func NewBroadcaster(audience Audience, pusher Pusher, store Store, policy SharingPolicy, grace time.Duration, log *slog.Logger) *Broadcaster {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Broadcaster{
		audience: audience,
		pusher:   pusher,
		store:    store,
		policy:   policy,
		grace:    grace,
		log:      log,
		online:   make(map[string]bool),
		pending:  make(map[string]*time.Timer),
	}
}

// Store exposes the shared presence state for read-side surfaces.
func (b *Broadcaster) Store() Store { return b.store }

// ConnectionAdded implements registry.Listener. A pending offline from a
// rapid disconnect/reconnect is cancelled before it ever emits. The
// originating connection is excluded from the fan-out; it learns its own
// presence from the authenticated response.
func (b *Broadcaster) ConnectionAdded(connID, userID string, role models.Role) {
	b.mu.Lock()
	if t, ok := b.pending[userID]; ok {
		t.Stop()
		delete(b.pending, userID)
	}
	changed := !b.online[userID]
	b.online[userID] = true
	b.mu.Unlock()

	if !changed {
		return
	}
	b.record(userID, true)
	b.emit(Event{UserID: userID, Status: StatusOnline, Role: role}, connID)
}

// ConnectionRemoved implements registry.Listener. The offline transition is
// debounced by the grace window so a mobile network blip does not emit a
// spurious offline event.
func (b *Broadcaster) ConnectionRemoved(connID, userID string, role models.Role) {
	if b.audience.IsOnline(userID) {
		return // another device still connected
	}
	b.mu.Lock()
	if t, ok := b.pending[userID]; ok {
		t.Stop()
	}
	b.pending[userID] = time.AfterFunc(b.grace, func() {
		b.settleOffline(userID, role)
	})
	b.mu.Unlock()
}

func (b *Broadcaster) settleOffline(userID string, role models.Role) {
	b.mu.Lock()
	delete(b.pending, userID)
	if b.audience.IsOnline(userID) || !b.online[userID] {
		b.mu.Unlock()
		return
	}
	delete(b.online, userID)
	b.mu.Unlock()

	b.record(userID, false)
	b.emit(Event{UserID: userID, Status: StatusOffline, Role: role}, "")
}

// HandleRemote fans out a transition observed on another gateway instance.
// The remote instance already recorded it in the shared store, so only the
// local push happens here; local aggregate state is untouched.
func (b *Broadcaster) HandleRemote(userID, status string) {
	if status != StatusOnline && status != StatusOffline {
		return
	}
	if status == StatusOffline && b.audience.IsOnline(userID) {
		return // still connected to this instance, not offline overall
	}
	b.emit(Event{UserID: userID, Status: status}, "")
}

func (b *Broadcaster) record(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.store.SetOnline(ctx, userID, online); err != nil {
		observability.CacheDegraded.Inc()
		b.log.Warn("presence store degraded", "user_id", userID, "error", err)
	}
}

func (b *Broadcaster) emit(ev Event, originConnID string) {
	observability.PresenceEvents.WithLabelValues(ev.Status).Inc()

	// the user's other connections, for multi-device sync
	for _, c := range b.audience.ConnectionsFor(ev.UserID) {
		if c.ID == originConnID {
			continue
		}
		b.pusher.PushPresence(c, ev)
	}
	// the administrative audience
	for _, c := range b.audience.ConnectionsForRole(models.RoleAdmin) {
		if c.UserID == ev.UserID {
			continue
		}
		b.pusher.PushPresence(c, ev)
	}
	// public, only when the user's sharing policy allows it
	if b.policy != nil && b.policy(ev.UserID) {
		for _, c := range b.audience.ConnectionsForRole(models.RoleConsumer) {
			if c.UserID == ev.UserID {
				continue
			}
			b.pusher.PushPresence(c, ev)
		}
	}
}

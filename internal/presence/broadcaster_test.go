package presence

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/registry"
)

type fakeAudience struct {
	mu     sync.Mutex
	online map[string]bool
	conns  map[string][]*registry.Connection
	byRole map[models.Role][]*registry.Connection
}

func newFakeAudience() *fakeAudience {
	return &fakeAudience{
		online: make(map[string]bool),
		conns:  make(map[string][]*registry.Connection),
		byRole: make(map[models.Role][]*registry.Connection),
	}
}

func (f *fakeAudience) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}
func (f *fakeAudience) ConnectionsFor(userID string) []*registry.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[userID]
}
func (f *fakeAudience) ConnectionsForRole(role models.Role) []*registry.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byRole[role]
}
func (f *fakeAudience) setOnline(userID string, v bool) {
	f.mu.Lock()
	f.online[userID] = v
	f.mu.Unlock()
}

type capturePusher struct {
	mu      sync.Mutex
	events  []Event
	connIDs []string
}

func (p *capturePusher) PushPresence(conn *registry.Connection, ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.connIDs = append(p.connIDs, conn.ID)
	p.mu.Unlock()
}

func (p *capturePusher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

func (p *capturePusher) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connIDs...)
}

func testBroadcaster(aud *fakeAudience, p Pusher, grace time.Duration) *Broadcaster {
	return NewBroadcaster(aud, p, NewMemoryStore(), nil, grace, slog.Default())
}

func TestOnlineEmittedOnceForSecondDevice(t *testing.T) {
	aud := newFakeAudience()
	aud.byRole[models.RoleAdmin] = []*registry.Connection{{ID: "admin-conn", UserID: "admin"}}
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 50*time.Millisecond)

	aud.setOnline("u1", true)
	b.ConnectionAdded("c1", "u1", models.RoleDriver)
	b.ConnectionAdded("c2", "u1", models.RoleDriver) // second device, no change

	if got := p.statuses(); len(got) != 1 || got[0] != StatusOnline {
		t.Fatalf("expected one online event, got %v", got)
	}
}

func TestOnlineSkipsOriginatingConnection(t *testing.T) {
	aud := newFakeAudience()
	aud.conns["u1"] = []*registry.Connection{
		{ID: "c1", UserID: "u1"},
		{ID: "c2", UserID: "u1"},
	}
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 50*time.Millisecond)

	aud.setOnline("u1", true)
	b.ConnectionAdded("c1", "u1", models.RoleDriver)

	got := p.recipients()
	if len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected fan-out to c2 only, got %v", got)
	}
}

func TestOfflineDebouncedThroughGrace(t *testing.T) {
	aud := newFakeAudience()
	aud.byRole[models.RoleAdmin] = []*registry.Connection{{ID: "admin-conn", UserID: "admin"}}
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 40*time.Millisecond)

	aud.setOnline("u1", true)
	b.ConnectionAdded("c1", "u1", models.RoleDriver)
	aud.setOnline("u1", false)
	b.ConnectionRemoved("c1", "u1", models.RoleDriver)

	// still inside the grace window: no offline yet
	if got := p.statuses(); len(got) != 1 {
		t.Fatalf("offline must not emit before grace, got %v", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := p.statuses(); len(got) != 2 || got[1] != StatusOffline {
		t.Fatalf("expected offline after grace, got %v", got)
	}
}

func TestRapidReconnectAbsorbsOffline(t *testing.T) {
	aud := newFakeAudience()
	aud.byRole[models.RoleAdmin] = []*registry.Connection{{ID: "admin-conn", UserID: "admin"}}
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 60*time.Millisecond)

	aud.setOnline("u1", true)
	b.ConnectionAdded("c1", "u1", models.RoleDriver)
	aud.setOnline("u1", false)
	b.ConnectionRemoved("c1", "u1", models.RoleDriver)
	// mobile blip: back before the grace elapses
	aud.setOnline("u1", true)
	b.ConnectionAdded("c2", "u1", models.RoleDriver)

	time.Sleep(150 * time.Millisecond)
	for _, s := range p.statuses() {
		if s == StatusOffline {
			t.Fatal("reconnect inside grace must suppress the offline event")
		}
	}
}

func TestNoOfflineWhileAnotherDeviceLive(t *testing.T) {
	aud := newFakeAudience()
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 20*time.Millisecond)

	aud.setOnline("u1", true)
	b.ConnectionAdded("c1", "u1", models.RoleConsumer)
	// one of two sockets drops; aggregate presence unchanged
	b.ConnectionRemoved("c1", "u1", models.RoleConsumer)

	time.Sleep(60 * time.Millisecond)
	if got := p.statuses(); len(got) != 1 {
		t.Fatalf("expected only the online event, got %v", got)
	}
}

func TestPublicAudienceGatedByPolicy(t *testing.T) {
	aud := newFakeAudience()
	aud.byRole[models.RoleConsumer] = []*registry.Connection{{ID: "c1", UserID: "watcher"}}
	p := &capturePusher{}
	b := NewBroadcaster(aud, p, NewMemoryStore(), func(userID string) bool { return userID == "shared" }, 20*time.Millisecond, slog.Default())

	aud.setOnline("hidden", true)
	b.ConnectionAdded("h1", "hidden", models.RoleDriver)
	if len(p.statuses()) != 0 {
		t.Fatal("policy denies: no public fan-out and no other audiences exist")
	}

	aud.setOnline("shared", true)
	b.ConnectionAdded("s1", "shared", models.RoleDriver)
	if len(p.statuses()) != 1 {
		t.Fatalf("policy allows: expected public fan-out, got %v", p.statuses())
	}
}

func TestHandleRemoteFansOutToLocalConnections(t *testing.T) {
	aud := newFakeAudience()
	aud.byRole[models.RoleAdmin] = []*registry.Connection{{ID: "admin-conn", UserID: "admin"}}
	p := &capturePusher{}
	b := testBroadcaster(aud, p, 20*time.Millisecond)

	b.HandleRemote("u9", StatusOnline)
	if got := p.statuses(); len(got) != 1 || got[0] != StatusOnline {
		t.Fatalf("expected remote online fan-out, got %v", got)
	}

	// offline from another instance is ignored while the user is still
	// connected here
	aud.setOnline("u9", true)
	b.HandleRemote("u9", StatusOffline)
	if got := p.statuses(); len(got) != 1 {
		t.Fatalf("locally connected user must not go offline, got %v", got)
	}

	aud.setOnline("u9", false)
	b.HandleRemote("u9", StatusOffline)
	if got := p.statuses(); len(got) != 2 || got[1] != StatusOffline {
		t.Fatalf("expected remote offline fan-out, got %v", got)
	}

	b.HandleRemote("u9", "banana") // malformed payloads are dropped
	if got := p.statuses(); len(got) != 2 {
		t.Fatalf("unknown status must be ignored, got %v", got)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/assignment"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/scoring"
	"github.com/example/delivery-dispatch/internal/storage"
)

type testStack struct {
	gw    *Gateway
	store *storage.MemoryStore
	srv   *httptest.Server
	auth  *Authenticator
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log := slog.Default()
	reg := registry.New(registry.Options{})
	q := queue.New(nil, time.Hour, log)
	store := storage.NewMemoryStore()
	eng := assignment.NewEngine(store, scoring.New(10), log)
	eng.RetryDelay = time.Millisecond
	auth := NewAuthenticator("test-secret")
	gw := New(reg, q, eng, geo.NewMemoryCache(), auth, log)
	eng.Notifier = gw

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testStack{gw: gw, store: store, srv: srv, auth: auth}
}

func (s *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	if err := conn.WriteJSON(Envelope{Event: event, Data: b}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func authenticateAs(t *testing.T, s *testStack, conn *websocket.Conn, userID string, role models.Role) authenticatedPayload {
	t.Helper()
	token, err := s.auth.Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	send(t, conn, EventAuthenticate, authenticatePayload{Token: token})
	env := read(t, conn)
	if env.Event != EventAuthenticated {
		t.Fatalf("expected authenticated, got %s %s", env.Event, env.Data)
	}
	var p authenticatedPayload
	json.Unmarshal(env.Data, &p)
	return p
}

func TestAuthenticateBindsAndIssuesReconnectToken(t *testing.T) {
	s := newTestStack(t)
	conn := s.dial(t)
	p := authenticateAs(t, s, conn, "driver-1", models.RoleDriver)
	if p.UserID != "driver-1" || p.Role != models.RoleDriver {
		t.Fatalf("bound identity wrong: %+v", p)
	}
	if p.ReconnectToken == "" {
		t.Fatal("expected a reconnect token")
	}
	if !s.gw.Registry.IsOnline("driver-1") {
		t.Fatal("authenticated user should be online")
	}
}

func TestBadTokenLeavesConnectionOpen(t *testing.T) {
	s := newTestStack(t)
	conn := s.dial(t)
	send(t, conn, EventAuthenticate, authenticatePayload{Token: "garbage"})
	env := read(t, conn)
	if env.Event != EventAuthError {
		t.Fatalf("expected auth_error, got %s", env.Event)
	}
	// connection stays open, unauthenticated, and a retry succeeds
	authenticateAs(t, s, conn, "u1", models.RoleConsumer)
}

func TestHeartbeatAckWithoutAuth(t *testing.T) {
	s := newTestStack(t)
	conn := s.dial(t)
	send(t, conn, EventHeartbeat, struct{}{})
	env := read(t, conn)
	if env.Event != EventHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %s", env.Event)
	}
	var p heartbeatAckPayload
	json.Unmarshal(env.Data, &p)
	if p.ServerTime.IsZero() {
		t.Fatal("ack must carry server time")
	}
}

func TestUnauthenticatedEventRejected(t *testing.T) {
	s := newTestStack(t)
	conn := s.dial(t)
	send(t, conn, EventAccept, requestRefPayload{RequestID: "r1"})
	env := read(t, conn)
	if env.Event != EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}
	var p errorPayload
	json.Unmarshal(env.Data, &p)
	if p.Code != "not_authenticated" {
		t.Fatalf("code = %s", p.Code)
	}
}

func TestQueuedMessagesFlushOnAuthenticate(t *testing.T) {
	s := newTestStack(t)
	s.gw.NotifyUser("u1", "assignment_result", map[string]string{"request_id": "r1"})
	s.gw.NotifyUser("u1", "assignment_result", map[string]string{"request_id": "r2"})

	conn := s.dial(t)
	p := authenticateAs(t, s, conn, "u1", models.RoleConsumer)
	if p.QueuedCount != 2 {
		t.Fatalf("queued count = %d", p.QueuedCount)
	}
	env := read(t, conn)
	if env.Event != EventQueuedFlush {
		t.Fatalf("flush must follow authenticated, got %s", env.Event)
	}
	var flush queuedFlushPayload
	json.Unmarshal(env.Data, &flush)
	if len(flush.Events) != 2 {
		t.Fatalf("flushed %d events", len(flush.Events))
	}
	var first map[string]string
	json.Unmarshal(flush.Events[0].Payload, &first)
	if first["request_id"] != "r1" {
		t.Fatalf("flush out of order: %+v", flush.Events)
	}
}

func TestAssignmentFlowOverSockets(t *testing.T) {
	s := newTestStack(t)
	ctxStore := s.store
	ctxStore.UpsertDriver(context.Background(), models.DriverCandidate{
		ID: "driver-1", Loc: models.Coord{Lat: 0, Lon: 0.01},
		Rating: 4.5, CompletedJobs: 30, Online: true, Available: true, Verified: true,
	})
	ctxStore.CreateRequest(context.Background(), &models.DeliveryRequest{ID: "req-1"})

	driverConn := s.dial(t)
	authenticateAs(t, s, driverConn, "driver-1", models.RoleDriver)

	consumerConn := s.dial(t)
	authenticateAs(t, s, consumerConn, "cust-1", models.RoleConsumer)

	send(t, consumerConn, EventAssignmentRequest, assignmentRequestPayload{RequestID: "req-1", Lat: 0, Lon: 0})

	env := read(t, driverConn)
	if env.Event != assignment.EventAssignmentResult {
		t.Fatalf("driver should get the result push, got %s", env.Event)
	}
	var res assignment.Result
	json.Unmarshal(env.Data, &res)
	if res.RequestID != "req-1" || res.DriverID != "driver-1" {
		t.Fatalf("result = %+v", res)
	}

	env = read(t, consumerConn)
	if env.Event != assignment.EventAssignmentResult {
		t.Fatalf("requester should get the result push, got %s", env.Event)
	}
}

func TestAssignmentRequestNoDrivers(t *testing.T) {
	s := newTestStack(t)
	s.store.CreateRequest(context.Background(), &models.DeliveryRequest{ID: "req-1"})
	conn := s.dial(t)
	authenticateAs(t, s, conn, "cust-1", models.RoleConsumer)

	send(t, conn, EventAssignmentRequest, assignmentRequestPayload{RequestID: "req-1", Lat: 0, Lon: 0})
	env := read(t, conn)
	if env.Event != assignment.EventAssignmentResult {
		t.Fatalf("got %s", env.Event)
	}
	var p map[string]any
	json.Unmarshal(env.Data, &p)
	if p["reason"] != "no eligible driver" {
		t.Fatalf("payload = %v", p)
	}
}

func TestAssignmentRequestUnknownRequest(t *testing.T) {
	s := newTestStack(t)
	s.store.UpsertDriver(context.Background(), models.DriverCandidate{
		ID: "driver-1", Loc: models.Coord{Lat: 0, Lon: 0.01},
		Rating: 4.5, CompletedJobs: 30, Online: true, Available: true, Verified: true,
	})
	conn := s.dial(t)
	authenticateAs(t, s, conn, "cust-1", models.RoleConsumer)

	// the request id was never created server-side
	send(t, conn, EventAssignmentRequest, assignmentRequestPayload{RequestID: "ghost", Lat: 0, Lon: 0})
	env := read(t, conn)
	if env.Event != assignment.EventAssignmentResult {
		t.Fatalf("got %s", env.Event)
	}
	var p map[string]any
	json.Unmarshal(env.Data, &p)
	if p["reason"] != "unknown request" {
		t.Fatalf("payload = %v", p)
	}
}

func TestDeclineReleasesAndReassigns(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	for _, id := range []string{"driver-1", "driver-2"} {
		s.store.UpsertDriver(ctx, models.DriverCandidate{
			ID: id, Loc: models.Coord{Lat: 0, Lon: 0.01},
			Rating: 4.0, CompletedJobs: 10, Online: true, Available: true, Verified: true,
		})
	}
	s.store.CreateRequest(ctx, &models.DeliveryRequest{ID: "req-1"})

	d1 := s.dial(t)
	authenticateAs(t, s, d1, "driver-1", models.RoleDriver)
	d2 := s.dial(t)
	authenticateAs(t, s, d2, "driver-2", models.RoleDriver)

	send(t, d1, EventAssignmentRequest, assignmentRequestPayload{RequestID: "req-1", Lat: 0, Lon: 0})
	env := read(t, d1)
	var res assignment.Result
	json.Unmarshal(env.Data, &res)
	winner, loserConn := res.DriverID, d2
	winnerConn := d1
	if winner == "driver-2" {
		winnerConn, loserConn = d2, d1
	}

	send(t, winnerConn, EventDecline, requestRefPayload{RequestID: "req-1"})

	env = read(t, loserConn)
	if env.Event != assignment.EventAssignmentResult {
		t.Fatalf("other driver should be assigned after decline, got %s", env.Event)
	}
	json.Unmarshal(env.Data, &res)
	if res.DriverID == winner {
		t.Fatal("decliner must be excluded from the reassign")
	}
	req, _ := s.store.GetRequest(ctx, "req-1")
	if req.DriverID == winner || req.DriverID == "" {
		t.Fatalf("request should be claimed by the other driver: %+v", req)
	}
}

func TestReconnectTokenRebind(t *testing.T) {
	s := newTestStack(t)
	conn := s.dial(t)
	p := authenticateAs(t, s, conn, "driver-1", models.RoleDriver)
	conn.Close()

	conn2 := s.dial(t)
	send(t, conn2, EventAuthenticate, authenticatePayload{ReconnectToken: p.ReconnectToken})
	env := read(t, conn2)
	if env.Event != EventAuthenticated {
		t.Fatalf("reconnect token should rebind, got %s %s", env.Event, env.Data)
	}
	var p2 authenticatedPayload
	json.Unmarshal(env.Data, &p2)
	if p2.UserID != "driver-1" || p2.Role != models.RoleDriver {
		t.Fatalf("rebound identity wrong: %+v", p2)
	}
}

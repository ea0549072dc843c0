package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/assignment"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/storage"
)

// LocationPublisher feeds location updates into the ingest stream.
type LocationPublisher interface {
	PublishLocation(loc models.DriverLocation) error
}

// Gateway is the protocol-facing adapter: it translates wire events into
// core calls and pushes core events back over the socket. No business
// logic lives here.
type Gateway struct {
	Registry  *registry.Registry
	Queue     *queue.OfflineMessageQueue
	Engine    *assignment.Engine
	Locations geo.Cache
	Producer  LocationPublisher // optional
	Auth      *Authenticator
	Log       *slog.Logger

	upgrader websocket.Upgrader
}

func New(reg *registry.Registry, q *queue.OfflineMessageQueue, eng *assignment.Engine, loc geo.Cache, auth *Authenticator, log *slog.Logger) *Gateway {
	return &Gateway{
		Registry:  reg,
		Queue:     q,
		Engine:    eng,
		Locations: loc,
		Auth:      auth,
		Log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// HandleWS upgrades the HTTP request and runs the connection's read loop
// until the peer goes away or the sweep closes it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := newSession(conn)
	c := g.Registry.Add(sess)
	defer func() {
		g.Registry.Remove(c.ID)
		_ = conn.Close()
	}()
	conn.SetPongHandler(func(string) error {
		g.Registry.Touch(c.ID)
		return nil
	})
	g.readLoop(r.Context(), c, sess)
}

func (g *Gateway) readLoop(ctx context.Context, c *registry.Connection, sess *session) {
	defer func() {
		// no failure on one connection may take the process down
		if rec := recover(); rec != nil {
			g.Log.Error("panic in connection handler", "connection_id", c.ID, "error", rec)
		}
	}()
	for {
		var env Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.Log.Info("connection read error", "connection_id", c.ID, "error", err)
			}
			return
		}
		g.Registry.Touch(c.ID)
		if err := g.handleEvent(ctx, c, sess, env); err != nil {
			g.sendError(sess, "event_failed", err.Error())
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, c *registry.Connection, sess *session, env Envelope) error {
	switch env.Event {
	case EventAuthenticate:
		return g.handleAuthenticate(ctx, c, sess, env.Data)
	case EventHeartbeat:
		return sess.send(mustEnvelope(EventHeartbeatAck, heartbeatAckPayload{ServerTime: time.Now().UTC()}))
	}

	// everything else requires a bound user
	if c.UserID == "" {
		g.sendError(sess, "not_authenticated", "authenticate first")
		return nil
	}

	switch env.Event {
	case EventLocationUpdate:
		return g.handleLocationUpdate(ctx, c, env.Data)
	case EventAssignmentRequest:
		return g.handleAssignmentRequest(ctx, c, sess, env.Data)
	case EventAccept:
		return g.handleAccept(ctx, c, sess, env.Data)
	case EventDecline:
		return g.handleDecline(ctx, c, env.Data)
	default:
		g.sendError(sess, "unknown_event", "unknown event type: "+env.Event)
		return nil
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, c *registry.Connection, sess *session, data json.RawMessage) error {
	var p authenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return sess.send(mustEnvelope(EventAuthError, authErrorPayload{Reason: "malformed payload"}))
	}

	var (
		userID string
		role   models.Role
	)
	switch {
	case p.ReconnectToken != "":
		var ok bool
		if userID, role, ok = g.Registry.Redeem(p.ReconnectToken); !ok {
			// connection stays open and unauthenticated, client may retry
			return sess.send(mustEnvelope(EventAuthError, authErrorPayload{Reason: "reconnect token expired"}))
		}
	case p.Token != "":
		var err error
		if userID, role, err = g.Auth.Validate(p.Token); err != nil {
			return sess.send(mustEnvelope(EventAuthError, authErrorPayload{Reason: "invalid token"}))
		}
	default:
		return sess.send(mustEnvelope(EventAuthError, authErrorPayload{Reason: "token required"}))
	}

	token, err := g.Registry.Bind(c.ID, userID, role)
	if err != nil {
		return sess.send(mustEnvelope(EventAuthError, authErrorPayload{Reason: err.Error()}))
	}

	// drain exactly once per authentication, and push the flush before any
	// other live traffic reaches this connection
	queued := g.Queue.DrainAndClear(ctx, userID)
	if err := sess.send(mustEnvelope(EventAuthenticated, authenticatedPayload{
		UserID:         userID,
		Role:           role,
		QueuedCount:    len(queued),
		ReconnectToken: token,
	})); err != nil {
		return err
	}
	if len(queued) > 0 {
		return sess.send(mustEnvelope(EventQueuedFlush, queuedFlushPayload{Events: queued}))
	}
	return nil
}

func (g *Gateway) handleLocationUpdate(ctx context.Context, c *registry.Connection, data json.RawMessage) error {
	if c.Role != models.RoleDriver {
		return errors.New("only drivers send location updates")
	}
	var p locationUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	coord, err := models.NewCoord(p.Lat, p.Lon)
	if err != nil {
		return err
	}
	loc := models.DriverLocation{DriverID: c.UserID, Loc: coord, Updated: time.Now().UTC()}
	if p.Heading != nil {
		loc.Heading = *p.Heading
	}
	if p.SpeedKmh != nil {
		loc.SpeedKmh = *p.SpeedKmh
	}
	if g.Locations != nil {
		if err := g.Locations.Update(ctx, loc); err != nil {
			g.Log.Warn("location cache update failed", "driver_id", c.UserID, "error", err)
		}
	}
	if g.Producer != nil {
		if err := g.Producer.PublishLocation(loc); err != nil {
			g.Log.Warn("location publish failed", "driver_id", c.UserID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) handleAssignmentRequest(ctx context.Context, c *registry.Connection, sess *session, data json.RawMessage) error {
	var p assignmentRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	coord, err := models.NewCoord(p.Lat, p.Lon)
	if err != nil {
		return err
	}
	res, err := g.Engine.Assign(ctx, assignment.Params{
		RequestID:   p.RequestID,
		RequesterID: c.UserID,
		Pickup:      coord,
	})
	if err != nil {
		// terminal for this attempt; the engine notified nobody, so tell
		// the originator directly
		reason := "no eligible driver"
		var ned *assignment.NoEligibleDriverError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			reason = "unknown request"
		case errors.As(err, &ned) && ned.Degraded:
			reason = "dispatch degraded"
		}
		return sess.send(mustEnvelope(assignment.EventAssignmentResult, map[string]any{
			"request_id": p.RequestID,
			"reason":     reason,
		}))
	}
	_ = res // success is pushed through the engine's notifier
	return nil
}

func (g *Gateway) handleAccept(ctx context.Context, c *registry.Connection, sess *session, data json.RawMessage) error {
	var p requestRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	req, err := g.Engine.Status(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.DriverID != c.UserID {
		return errors.New("request is not assigned to this driver")
	}
	g.NotifyRole(models.RoleAdmin, assignment.EventAssignmentAudit, map[string]any{
		"request_id": p.RequestID, "driver_id": c.UserID, "accepted": true,
	})
	return sess.send(mustEnvelope(EventAcceptAck, requestRefPayload{RequestID: p.RequestID}))
}

func (g *Gateway) handleDecline(ctx context.Context, c *registry.Connection, data json.RawMessage) error {
	var p requestRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := g.Engine.Release(ctx, p.RequestID, c.UserID); err != nil {
		return err
	}
	// the decliner re-enters the pool excluded; a fresh assign covers the
	// released request
	req, err := g.Engine.Status(ctx, p.RequestID)
	if err != nil {
		return err
	}
	_, err = g.Engine.Assign(ctx, assignment.Params{
		RequestID: p.RequestID,
		Pickup:    req.Pickup,
		Exclude:   []string{c.UserID},
	})
	if err != nil && !errors.Is(err, assignment.ErrNoEligibleDriver) {
		return err
	}
	return nil
}

// NotifyUser implements assignment.Notifier: immediate push when any
// connection is live, offline queue otherwise. Never both.
func (g *Gateway) NotifyUser(userID, event string, payload any) {
	conns := g.Registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			g.Log.Error("notify payload marshal failed", "event", event, "error", err)
			return
		}
		g.Queue.Enqueue(userID, models.QueuedMessage{Type: event, Payload: b})
		return
	}
	env := mustEnvelope(event, payload)
	for _, c := range conns {
		g.push(c, env)
	}
}

// NotifyRole implements assignment.Notifier for audiences; fire-and-forget,
// offline members of the audience are not queued.
func (g *Gateway) NotifyRole(role models.Role, event string, payload any) {
	env := mustEnvelope(event, payload)
	for _, c := range g.Registry.ConnectionsForRole(role) {
		g.push(c, env)
	}
}

// PushPresence implements presence.Pusher.
func (g *Gateway) PushPresence(conn *registry.Connection, ev presence.Event) {
	g.push(conn, mustEnvelope(EventPresence, ev))
}

func (g *Gateway) push(c *registry.Connection, env Envelope) {
	s, ok := c.Session.(*session)
	if !ok {
		return
	}
	if err := s.send(env); err != nil {
		g.Log.Info("push failed", "connection_id", c.ID, "event", env.Event, "error", err)
	}
}

func (g *Gateway) sendError(sess *session, code, message string) {
	if err := sess.send(mustEnvelope(EventError, errorPayload{Code: code, Message: message})); err != nil {
		g.Log.Info("error event send failed", "error", err)
	}
}

package gateway

import (
	"encoding/json"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// Envelope is the wire framing for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	EventAuthenticate      = "authenticate"
	EventLocationUpdate    = "location_update"
	EventAssignmentRequest = "assignment_request"
	EventAccept            = "accept"
	EventDecline           = "decline"
	EventHeartbeat         = "heartbeat"
)

// Outbound event types.
const (
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventPresence      = "presence_update"
	EventQueuedFlush   = "queued_message_flush"
	EventHeartbeatAck  = "heartbeat_ack"
	EventError         = "error"
	EventAcceptAck     = "accept_ack"
)

type authenticatePayload struct {
	Token          string `json:"token,omitempty"`
	ReconnectToken string `json:"reconnect_token,omitempty"`
}

type authenticatedPayload struct {
	UserID         string      `json:"user_id"`
	Role           models.Role `json:"role"`
	QueuedCount    int         `json:"queued_count"`
	ReconnectToken string      `json:"reconnect_token"`
}

type authErrorPayload struct {
	Reason string `json:"reason"`
}

type locationUpdatePayload struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Heading  *float64 `json:"heading,omitempty"`
	SpeedKmh *float64 `json:"speed,omitempty"`
}

type assignmentRequestPayload struct {
	RequestID string  `json:"request_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

type requestRefPayload struct {
	RequestID string `json:"request_id"`
}

type heartbeatAckPayload struct {
	ServerTime time.Time `json:"server_time"`
}

type queuedFlushPayload struct {
	Events []models.QueuedMessage `json:"events"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustEnvelope(event string, payload any) Envelope {
	b, _ := json.Marshal(payload)
	return Envelope{Event: event, Data: b}
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies which side of the marketplace a connection belongs to.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleDriver   Role = "driver"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleConsumer, RoleDriver, RoleMerchant, RoleAdmin:
		return true
	}
	return false
}

// Coord is a WGS84 coordinate in decimal degrees, validated at the boundary
// so downstream code never re-checks ranges.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func NewCoord(lat, lon float64) (Coord, error) {
	c := Coord{Lat: lat, Lon: lon}
	return c, c.Validate()
}

func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range [-90,90]", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %f out of range [-180,180]", c.Lon)
	}
	return nil
}

// DriverCandidate is materialized per assignment attempt from the storage
// collaborator; the core never persists it.
type DriverCandidate struct {
	ID            string  `json:"id"`
	Loc           Coord   `json:"loc"`
	Rating        float64 `json:"rating"` // 0..5
	CompletedJobs int     `json:"completed_jobs"`
	AvgMinutes    float64 `json:"avg_minutes"` // 0 means unknown
	Online        bool    `json:"online"`
	Available     bool    `json:"available"`
	Verified      bool    `json:"verified"`
}

// DriverLocation is one location-update sample flowing through the gateway,
// Kafka and the geo cache.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Heading  float64   `json:"heading,omitempty"`
	SpeedKmh float64   `json:"speed_kmh,omitempty"`
	Updated  time.Time `json:"updated"`
}

// DeliveryRequest lifecycle inside the core: unassigned -> claimed ->
// released back to unassigned on decline/cancel. Fulfilment is owned by the
// order storage collaborator, not here.
type DeliveryRequest struct {
	ID        string    `json:"id"`
	Pickup    Coord     `json:"pickup"`
	Dropoff   Coord     `json:"dropoff"`
	DriverID  string    `json:"driver_id,omitempty"` // empty until claimed
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	RequestUnassigned = "unassigned"
	RequestClaimed    = "claimed"
)

// QueuedMessage is an event held for an unreachable user. Delivered at most
// once: immediate push or queued-then-flushed, never both.
type QueuedMessage struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func (m QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/assignment"
	"github.com/example/delivery-dispatch/internal/gateway"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Server is the thin HTTP surface over the dispatch core. Everything here
// delegates; the interesting logic lives behind the engine and gateway.
type Server struct {
	Engine    *assignment.Engine
	Store     storage.DispatchStore
	Gateway   *gateway.Gateway
	Locations geo.Cache
	Producer  gateway.LocationPublisher // optional
	Presence  presence.Store

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *assignment.Engine, store storage.DispatchStore, gw *gateway.Gateway, loc geo.Cache, producer gateway.LocationPublisher, pres presence.Store, logger *slog.Logger) *Server {
	s := &Server{
		Engine:    engine,
		Store:     store,
		Gateway:   gw,
		Locations: loc,
		Producer:  producer,
		Presence:  pres,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/assignment/request-assignment", s.handleRequestAssignment).Methods("POST")
	s.mux.HandleFunc("/assignment/status/{request_id}", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/nearby", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/internal/presence/{user_id}", s.handlePresence).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.Gateway.HandleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type assignRequestBody struct {
	RequestID   string       `json:"request_id,omitempty"`
	RequesterID string       `json:"requester_id,omitempty"`
	Pickup      models.Coord `json:"pickup"`
	Dropoff     models.Coord `json:"dropoff"`
}

func (s *Server) handleRequestAssignment(w http.ResponseWriter, r *http.Request) {
	var body assignRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := body.Pickup.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	if _, err := s.Store.GetRequest(ctx, body.RequestID); errors.Is(err, storage.ErrNotFound) {
		now := time.Now().UTC()
		req := &models.DeliveryRequest{
			ID: body.RequestID, Pickup: body.Pickup, Dropoff: body.Dropoff,
			Status: models.RequestUnassigned, CreatedAt: now, UpdatedAt: now,
		}
		if err := s.Store.CreateRequest(ctx, req); err != nil {
			http.Error(w, "request create failed", http.StatusInternalServerError)
			return
		}
	}

	res, err := s.Engine.Assign(ctx, assignment.Params{
		RequestID:   body.RequestID,
		RequesterID: body.RequesterID,
		Pickup:      body.Pickup,
	})
	if err != nil {
		s.writeAssignFailure(w, body.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeAssignFailure(w http.ResponseWriter, requestID string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"request_id": requestID, "reason": "unknown request"})
		return
	}
	var ned *assignment.NoEligibleDriverError
	resp := map[string]any{"request_id": requestID, "reason": "no eligible driver"}
	status := http.StatusServiceUnavailable
	if errors.As(err, &ned) && ned.Degraded {
		resp["degraded"] = true
	}
	if !errors.Is(err, assignment.ErrNoEligibleDriver) {
		resp["reason"] = "assignment failed"
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	req, err := s.Engine.Status(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleDriverLocation is the service-to-service ingest path, for driver
// app backends that report over HTTP instead of the socket.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := loc.Loc.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc.Updated.IsZero() {
		loc.Updated = time.Now().UTC()
	}
	if s.Producer != nil {
		if err := s.Producer.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	if s.Locations != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Locations.Update(ctx, loc); err != nil {
			s.logger.Warn("location cache update failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNearbyDrivers is a monitoring surface over the location cache:
// the freshest reported positions within a radius of a point, closest first.
func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		http.Error(w, "lat and lon query params required", http.StatusBadRequest)
		return
	}
	origin, err := models.NewCoord(lat, lon)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	radiusKm := 10.0
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radiusKm = f
		}
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	locs := s.Locations.Nearby(r.Context(), origin, radiusKm, limit)
	if locs == nil {
		locs = []models.DriverLocation{}
	}
	writeJSON(w, http.StatusOK, locs)
}

// handlePresence reports a user's aggregate presence from the shared store,
// so sibling services see users connected to any gateway instance.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	online, err := s.Presence.IsOnline(r.Context(), userID)
	if err != nil {
		http.Error(w, "presence lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "online": online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }

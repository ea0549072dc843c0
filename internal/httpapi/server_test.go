package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/assignment"
	"github.com/example/delivery-dispatch/internal/gateway"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/scoring"
	"github.com/example/delivery-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	log := slog.Default()
	store := storage.NewMemoryStore()
	eng := assignment.NewEngine(store, scoring.New(10), log)
	eng.RetryDelay = time.Millisecond
	reg := registry.New(registry.Options{})
	q := queue.New(nil, time.Hour, log)
	gw := gateway.New(reg, q, eng, geo.NewMemoryCache(), gateway.NewAuthenticator("secret"), log)
	eng.Notifier = gw
	return NewServer(eng, store, gw, geo.NewMemoryCache(), nil, presence.NewMemoryStore(), log), store
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestRequestAssignmentHappyPath(t *testing.T) {
	srv, store := newTestServer(t)
	store.UpsertDriver(context.Background(), models.DriverCandidate{
		ID: "d1", Loc: models.Coord{Lat: 0, Lon: 0.01},
		Rating: 4.2, CompletedJobs: 12, Online: true, Available: true, Verified: true,
	})

	w := postJSON(t, srv, "/assignment/request-assignment", assignRequestBody{
		RequestID: "r1", RequesterID: "c1",
		Pickup:  models.Coord{Lat: 0, Lon: 0},
		Dropoff: models.Coord{Lat: 0.1, Lon: 0.1},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res assignment.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.DriverID != "d1" || res.RequestID != "r1" {
		t.Fatalf("result = %+v", res)
	}

	// status endpoint reflects the claim
	req := httptest.NewRequest(http.MethodGet, "/assignment/status/r1", nil)
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", w2.Code)
	}
	var dr models.DeliveryRequest
	json.Unmarshal(w2.Body.Bytes(), &dr)
	if dr.DriverID != "d1" || dr.Status != models.RequestClaimed {
		t.Fatalf("request = %+v", dr)
	}
}

func TestRequestAssignmentNoDrivers(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv, "/assignment/request-assignment", assignRequestBody{
		Pickup: models.Coord{Lat: 0, Lon: 0},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != "no eligible driver" {
		t.Fatalf("body = %v", resp)
	}
}

func TestRequestAssignmentRejectsBadCoord(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv, "/assignment/request-assignment", assignRequestBody{
		Pickup: models.Coord{Lat: 91, Lon: 0},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/assignment/status/ghost", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDriverLocationIngest(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv, "/internal/driver/locations", models.DriverLocation{
		DriverID: "d1", Loc: models.Coord{Lat: 1.3, Lon: 103.8},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if _, ok := srv.Locations.Lookup(context.Background(), "d1"); !ok {
		t.Fatal("cache should hold the reported location")
	}

	w = postJSON(t, srv, "/internal/driver/locations", models.DriverLocation{
		DriverID: "", Loc: models.Coord{Lat: 1.3, Lon: 103.8},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing driver_id should 400, got %d", w.Code)
	}
}

func TestNearbyDrivers(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	srv.Locations.Update(ctx, models.DriverLocation{DriverID: "close", Loc: models.Coord{Lat: 0, Lon: 0.01}})
	srv.Locations.Update(ctx, models.DriverLocation{DriverID: "far", Loc: models.Coord{Lat: 0, Lon: 2}})

	req := httptest.NewRequest(http.MethodGet, "/internal/driver/nearby?lat=0&lon=0&radius_km=5", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var locs []models.DriverLocation
	json.Unmarshal(w.Body.Bytes(), &locs)
	if len(locs) != 1 || locs[0].DriverID != "close" {
		t.Fatalf("expected only the close driver, got %+v", locs)
	}

	// lat/lon are mandatory
	req = httptest.NewRequest(http.MethodGet, "/internal/driver/nearby?lat=0", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing lon should 400, got %d", w.Code)
	}
}

func TestPresenceLookup(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Presence.SetOnline(context.Background(), "u1", true)

	get := func(userID string) map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/internal/presence/"+userID, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
		}
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		return resp
	}
	if resp := get("u1"); resp["online"] != true {
		t.Fatalf("u1 should be online: %v", resp)
	}
	if resp := get("u2"); resp["online"] != false {
		t.Fatalf("u2 was never online: %v", resp)
	}
}

func TestAssignFailureUnknownRequestIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.writeAssignFailure(w, "ghost", storage.ErrNotFound)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != "unknown request" {
		t.Fatalf("body = %v", resp)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

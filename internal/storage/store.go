package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// DispatchStore is the storage collaborator consumed by the assignment
// engine. ConditionalClaim is the one genuinely atomic operation in the
// system: it must be a single conditional update at the storage layer,
// never a read-then-write in application code.
type DispatchStore interface {
	FetchEligibleDrivers(ctx context.Context) ([]models.DriverCandidate, error)
	ConditionalClaim(ctx context.Context, requestID, driverID string) (bool, error)
	ReleaseClaim(ctx context.Context, requestID, driverID string) error
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
	CreateRequest(ctx context.Context, req *models.DeliveryRequest) error
	GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error)
	UpsertDriver(ctx context.Context, d models.DriverCandidate) error
}

// MemoryStore backs local runs and tests. The claim holds the same mutex
// for the check and the write, giving it compare-and-set semantics.
type MemoryStore struct {
	mu       sync.Mutex
	drivers  map[string]models.DriverCandidate
	requests map[string]*models.DeliveryRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]models.DriverCandidate),
		requests: make(map[string]*models.DeliveryRequest),
	}
}

func (m *MemoryStore) FetchEligibleDrivers(ctx context.Context) ([]models.DriverCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DriverCandidate, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Online && d.Available && d.Verified {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) ConditionalClaim(ctx context.Context, requestID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if req.DriverID != "" {
		return false, nil
	}
	req.DriverID = driverID
	req.Status = models.RequestClaimed
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, requestID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.DriverID != driverID {
		return nil // someone else holds it now, nothing to release
	}
	req.DriverID = ""
	req.Status = models.RequestUnassigned
	return nil
}

func (m *MemoryStore) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *models.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	if cp.Status == "" {
		cp.Status = models.RequestUnassigned
	}
	m.requests[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d models.DriverCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

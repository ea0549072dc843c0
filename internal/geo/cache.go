package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/delivery-dispatch/internal/geomath"
	"github.com/example/delivery-dispatch/internal/models"
)

// Cache holds the freshest known driver coordinates. The assignment engine
// overlays these onto storage candidates so scoring sees live positions,
// and the gateway writes every location_update through it.
type Cache interface {
	Update(ctx context.Context, loc models.DriverLocation) error
	Lookup(ctx context.Context, driverID string) (models.DriverLocation, bool)
	Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) []models.DriverLocation
}

// cell precision 5 is ~4.9km x 4.9km, so a cell plus its neighbors covers
// the default 10km dispatch radius.
const bucketPrecision = 5

// MemoryCache is the single-process implementation: a geohash bucket index
// instead of a full scan keeps Nearby cheap as the fleet grows.
type MemoryCache struct {
	mu      sync.RWMutex
	byID    map[string]models.DriverLocation
	buckets map[string]map[string]struct{} // cell -> driver ids
	cellOf  map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		byID:    make(map[string]models.DriverLocation),
		buckets: make(map[string]map[string]struct{}),
		cellOf:  make(map[string]string),
	}
}

func (m *MemoryCache) Update(ctx context.Context, loc models.DriverLocation) error {
	cell := geohash.EncodeWithPrecision(loc.Loc.Lat, loc.Loc.Lon, bucketPrecision)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.cellOf[loc.DriverID]; ok && prev != cell {
		delete(m.buckets[prev], loc.DriverID)
		if len(m.buckets[prev]) == 0 {
			delete(m.buckets, prev)
		}
	}
	m.byID[loc.DriverID] = loc
	m.cellOf[loc.DriverID] = cell
	if m.buckets[cell] == nil {
		m.buckets[cell] = make(map[string]struct{})
	}
	m.buckets[cell][loc.DriverID] = struct{}{}
	return nil
}

func (m *MemoryCache) Lookup(ctx context.Context, driverID string) (models.DriverLocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.byID[driverID]
	return loc, ok
}

func (m *MemoryCache) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) []models.DriverLocation {
	center := geohash.EncodeWithPrecision(origin.Lat, origin.Lon, bucketPrecision)
	cells := append(geohash.Neighbors(center), center)

	type pair struct {
		loc  models.DriverLocation
		dist float64
	}
	var found []pair
	m.mu.RLock()
	for _, cell := range cells {
		for id := range m.buckets[cell] {
			loc := m.byID[id]
			if d := geomath.DistanceKm(origin, loc.Loc); d <= radiusKm {
				found = append(found, pair{loc, d})
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]models.DriverLocation, len(found))
	for i, p := range found {
		out[i] = p.loc
	}
	return out
}

package assignment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/geomath"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/scoring"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Event names the engine emits through its Notifier.
const (
	EventAssignmentResult = "assignment_result"
	EventAssignmentAudit  = "assignment_audit"
)

// Fare hold estimate, in the smallest currency unit.
const (
	fareBaseCents  = 300
	farePerKmCents = 120
)

// Notifier delivers post-assignment events: push when the target is
// reachable, offline queue otherwise. The gateway implements it.
type Notifier interface {
	NotifyUser(userID, event string, payload any)
	NotifyRole(role models.Role, event string, payload any)
}

// Result is a successful assignment, also used as the notification payload.
type Result struct {
	RequestID  string  `json:"request_id"`
	DriverID   string  `json:"driver_id"`
	Score      int     `json:"score"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes,omitempty"`
}

// Params identifies one assignment attempt. Exclude carries drivers that
// already declined or lost a race for this request.
type Params struct {
	RequestID   string
	RequesterID string
	Pickup      models.Coord
	Exclude     []string
}

type Engine struct {
	Store     storage.DispatchStore
	Scorer    *scoring.Scorer
	Locations geo.Cache           // optional: overlays freshest coordinates
	Notifier  Notifier            // optional
	Fare      payments.FareHolder // optional best-effort hold on claim
	Log       *slog.Logger

	ClaimRetries    int
	FetchRetries    int
	RetryDelay      time.Duration
	AssumedSpeedKmh float64

	holdMu sync.Mutex
	holds  map[string]string // request id -> outstanding fare hold id
}

func NewEngine(store storage.DispatchStore, scorer *scoring.Scorer, log *slog.Logger) *Engine {
	return &Engine{
		Store:           store,
		Scorer:          scorer,
		Log:             log,
		ClaimRetries:    3,
		FetchRetries:    3,
		RetryDelay:      200 * time.Millisecond,
		AssumedSpeedKmh: 30,
		holds:           make(map[string]string),
	}
}

// Assign runs the full dispatch pipeline: fetch, score, tie-break, atomic
// claim, then notification. On a claim conflict it restarts excluding the
// just-tried candidate, up to ClaimRetries.
func (e *Engine) Assign(ctx context.Context, p Params) (Result, error) {
	start := time.Now()
	excluded := make(map[string]bool, len(p.Exclude))
	for _, id := range p.Exclude {
		excluded[id] = true
	}

	retries := e.ClaimRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 0; attempt < retries; attempt++ {
		cands, err := e.fetchCandidates(ctx)
		if err != nil {
			observability.AssignmentFailures.WithLabelValues("storage_degraded").Inc()
			return Result{}, &NoEligibleDriverError{Degraded: true, Cause: err}
		}

		scored := make([]scoring.Scored, 0, len(cands))
		for _, c := range cands {
			if excluded[c.ID] {
				continue
			}
			if e.Locations != nil {
				if loc, ok := e.Locations.Lookup(ctx, c.ID); ok {
					c.Loc = loc.Loc
				}
			}
			if s, ok := e.Scorer.Score(c, p.Pickup); ok {
				scored = append(scored, s)
			}
		}
		best, ok := scoring.Best(scored)
		if !ok {
			observability.AssignmentFailures.WithLabelValues("none_eligible").Inc()
			return Result{}, &NoEligibleDriverError{}
		}

		claimed, err := e.claimWithRetry(ctx, p.RequestID, best.Candidate.ID)
		if errors.Is(err, storage.ErrNotFound) {
			// the request was never created; not a storage outage
			observability.AssignmentFailures.WithLabelValues("unknown_request").Inc()
			return Result{}, err
		}
		if err != nil {
			observability.AssignmentFailures.WithLabelValues("storage_degraded").Inc()
			return Result{}, &NoEligibleDriverError{Degraded: true, Cause: err}
		}
		if !claimed {
			// lost the race; drop this candidate and rescore
			observability.ClaimConflicts.Inc()
			excluded[best.Candidate.ID] = true
			e.Log.Info("claim conflict, retrying", "request_id", p.RequestID, "driver_id", best.Candidate.ID, "attempt", attempt+1)
			continue
		}

		res := Result{
			RequestID:  p.RequestID,
			DriverID:   best.Candidate.ID,
			Score:      best.Score,
			DistanceKm: best.DistanceKm,
			ETAMinutes: geomath.ETAMinutes(best.DistanceKm, e.AssumedSpeedKmh),
		}
		e.afterClaim(ctx, p, res)
		observability.AssignmentsTotal.Inc()
		observability.AssignmentLatency.Observe(time.Since(start).Seconds())
		return res, nil
	}

	observability.AssignmentFailures.WithLabelValues("claim_conflict").Inc()
	return Result{}, &NoEligibleDriverError{}
}

// Release returns a claimed request to the matching pool and restores the
// driver's availability; the decline/cancel path. The engine does not
// itself schedule a retry, the caller triggers Assign again.
func (e *Engine) Release(ctx context.Context, requestID, driverID string) error {
	if err := e.Store.ReleaseClaim(ctx, requestID, driverID); err != nil {
		return err
	}
	if err := e.Store.SetDriverAvailability(ctx, driverID, true); err != nil {
		e.Log.Warn("restore availability failed", "driver_id", driverID, "error", err)
	}
	e.cancelHold(ctx, requestID)
	if e.Notifier != nil {
		e.Notifier.NotifyRole(models.RoleAdmin, EventAssignmentAudit, map[string]any{
			"request_id": requestID, "driver_id": driverID, "released": true,
		})
	}
	return nil
}

// cancelHold releases the outstanding fare hold for a request, if any.
// Best-effort like the hold itself.
func (e *Engine) cancelHold(ctx context.Context, requestID string) {
	if e.Fare == nil {
		return
	}
	e.holdMu.Lock()
	holdID, ok := e.holds[requestID]
	if ok {
		delete(e.holds, requestID)
	}
	e.holdMu.Unlock()
	if !ok {
		return
	}
	if err := e.Fare.Cancel(ctx, holdID); err != nil {
		e.Log.Warn("fare hold cancel failed", "request_id", requestID, "hold_id", holdID, "error", err)
	}
}

// Status reports the current claim state of a request.
func (e *Engine) Status(ctx context.Context, requestID string) (*models.DeliveryRequest, error) {
	return e.Store.GetRequest(ctx, requestID)
}

func (e *Engine) fetchCandidates(ctx context.Context) ([]models.DriverCandidate, error) {
	retries := e.FetchRetries
	if retries <= 0 {
		retries = 3
	}
	delay := e.RetryDelay
	var lastErr error
	for i := 0; i < retries; i++ {
		cands, err := e.Store.FetchEligibleDrivers(ctx)
		if err == nil {
			return cands, nil
		}
		lastErr = err
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

func (e *Engine) claimWithRetry(ctx context.Context, requestID, driverID string) (bool, error) {
	retries := e.FetchRetries
	if retries <= 0 {
		retries = 3
	}
	delay := e.RetryDelay
	var lastErr error
	for i := 0; i < retries; i++ {
		ok, err := e.Store.ConditionalClaim(ctx, requestID, driverID)
		if err == nil {
			return ok, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			// permanent: the request does not exist, retrying cannot help
			return false, err
		}
		lastErr = err
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return false, lastErr
}

// afterClaim runs the post-claim side effects. None of them can undo the
// claim; each is best-effort on its own.
func (e *Engine) afterClaim(ctx context.Context, p Params, res Result) {
	if err := e.Store.SetDriverAvailability(ctx, res.DriverID, false); err != nil {
		e.Log.Warn("mark driver unavailable failed", "driver_id", res.DriverID, "error", err)
	}
	if e.Fare != nil {
		amount := int64(fareBaseCents + res.DistanceKm*farePerKmCents)
		holdID, err := e.Fare.Hold(ctx, amount, "usd", p.RequesterID)
		if err != nil {
			e.Log.Warn("fare hold failed", "request_id", p.RequestID, "error", err)
			if e.Notifier != nil {
				e.Notifier.NotifyRole(models.RoleAdmin, EventAssignmentAudit, map[string]any{
					"request_id": p.RequestID, "fare_hold_failed": true,
				})
			}
		} else {
			// kept so Release can cancel the hold if the claim comes back
			e.holdMu.Lock()
			if e.holds == nil {
				e.holds = make(map[string]string)
			}
			e.holds[p.RequestID] = holdID
			e.holdMu.Unlock()
		}
	}
	if e.Notifier == nil {
		return
	}
	e.Notifier.NotifyUser(res.DriverID, EventAssignmentResult, res)
	if p.RequesterID != "" {
		e.Notifier.NotifyUser(p.RequesterID, EventAssignmentResult, res)
	}
	e.Notifier.NotifyRole(models.RoleAdmin, EventAssignmentAudit, res)
}

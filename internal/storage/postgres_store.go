package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) FetchEligibleDrivers(ctx context.Context) ([]models.DriverCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, lat, lon, rating, completed_jobs, avg_minutes, online, available, verified
		FROM drivers WHERE online AND available AND verified`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DriverCandidate
	for rows.Next() {
		var d models.DriverCandidate
		var avg sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lon, &d.Rating, &d.CompletedJobs, &avg, &d.Online, &d.Available, &d.Verified); err != nil {
			return nil, err
		}
		if avg.Valid {
			d.AvgMinutes = avg.Float64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConditionalClaim attaches the driver only while the request is still
// unclaimed; the WHERE clause carries the entire compare-and-set.
func (p *PostgresStore) ConditionalClaim(ctx context.Context, requestID, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE delivery_requests SET driver_id=$2, status='claimed', updated_at=$3 WHERE id=$1 AND driver_id IS NULL`,
		requestID, driverID, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, requestID, driverID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE delivery_requests SET driver_id=NULL, status='unassigned', updated_at=$3 WHERE id=$1 AND driver_id=$2`,
		requestID, driverID, time.Now())
	return err
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET available=$2 WHERE id=$1`, driverID, available)
	return err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *models.DeliveryRequest) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO delivery_requests(id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ID, req.Pickup.Lat, req.Pickup.Lon, req.Dropoff.Lat, req.Dropoff.Lon, models.RequestUnassigned, req.CreatedAt, req.CreatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error) {
	var req models.DeliveryRequest
	var driverID sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, driver_id, status, created_at, updated_at
		 FROM delivery_requests WHERE id=$1`, id).
		Scan(&req.ID, &req.Pickup.Lat, &req.Pickup.Lon, &req.Dropoff.Lat, &req.Dropoff.Lon, &driverID, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		req.DriverID = driverID.String
	}
	return &req, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.DriverCandidate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers(id, lat, lon, rating, completed_jobs, avg_minutes, online, available, verified)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET lat=$2, lon=$3, rating=$4, completed_jobs=$5, avg_minutes=$6, online=$7, available=$8, verified=$9`,
		d.ID, d.Loc.Lat, d.Loc.Lon, d.Rating, d.CompletedJobs, d.AvgMinutes, d.Online, d.Available, d.Verified)
	return err
}

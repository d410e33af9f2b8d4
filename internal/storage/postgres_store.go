package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
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
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, code, customer_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng,
	dropoff_address, status, assigned_driver, declined_drivers, fare_total, driver_share, rating, version,
	locked_until, created_at, accepted_at, arriving_at, picked_up_at, started_at, completed_at, cancelled_at,
	cancel_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		assigned sql.NullString
		rating   sql.NullFloat64
		declined pq.StringArray
		status   string
	)
	err := row.Scan(&r.ID, &r.Code, &r.CustomerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.DropoffAddress, &status, &assigned, &declined,
		&r.FareTotal, &r.DriverShare, &rating, &r.Version, &r.LockedUntil, &r.CreatedAt,
		&r.AcceptedAt, &r.ArrivingAt, &r.PickedUpAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&r.CancelReason)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if assigned.Valid {
		r.AssignedDriver = &assigned.String
	}
	if rating.Valid {
		r.Rating = &rating.Float64
	}
	r.DeclinedDrivers = []string(declined)
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, code, customer_id, pickup_lat, pickup_lng, pickup_address,
		pickup_cell, dropoff_lat, dropoff_lng, dropoff_address, status, declined_drivers, fare_total, driver_share,
		version, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.Code, r.CustomerID, r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress, geo.Cell(r.Pickup),
		r.Dropoff.Lat, r.Dropoff.Lng, r.DropoffAddress, string(r.Status), pq.Array(r.DeclinedDrivers),
		r.FareTotal, r.DriverShare, r.Version, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET status=$3, assigned_driver=$2, accepted_at=$4, locked_until=NULL, version=version+1
		WHERE id=$1 AND status=$5 AND assigned_driver IS NULL AND (locked_until IS NULL OR locked_until <= $4)`,
		rideID, driverID, string(models.StatusAccepted), at, string(models.StatusRequested))
	if err != nil {
		return false, fmt.Errorf("claim ride %s: %w", rideID, err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) AppendDeclined(ctx context.Context, rideID, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET declined_drivers=array_append(declined_drivers, $2), version=version+1
		WHERE id=$1 AND NOT ($2 = ANY(declined_drivers))`, rideID, driverID)
	if err != nil {
		return fmt.Errorf("decline ride %s: %w", rideID, err)
	}
	if ok, err := affectedOne(res); err != nil || ok {
		return err
	}
	// already declined, or missing
	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, rideID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrRideNotFound
	}
	return err
}

func timestampColumn(s models.Status) string {
	switch s {
	case models.StatusAccepted:
		return "accepted_at"
	case models.StatusArriving:
		return "arriving_at"
	case models.StatusPickedUp:
		return "picked_up_at"
	case models.StatusInProgress:
		return "started_at"
	case models.StatusCompleted:
		return "completed_at"
	case models.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, c StatusChange) (bool, error) {
	col := timestampColumn(c.To)
	if col == "" {
		return false, fmt.Errorf("%w: no timestamp for %s", models.ErrInvalidTransition, c.To)
	}
	var rating sql.NullFloat64
	if c.Rating != nil {
		rating = sql.NullFloat64{Float64: *c.Rating, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET status=$3, `+col+`=$4, cancel_reason=CASE WHEN $5 = '' THEN cancel_reason ELSE $5 END,
			rating=COALESCE($6, rating), locked_until=NULL, version=version+1
		WHERE id=$1 AND status=$2`,
		c.RideID, string(c.From), string(c.To), c.At, c.Reason, rating)
	if err != nil {
		return false, fmt.Errorf("update ride %s status: %w", c.RideID, err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) LockRide(ctx context.Context, rideID string, now, until time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET locked_until=$3
		WHERE id=$1 AND status=$4 AND assigned_driver IS NULL AND (locked_until IS NULL OR locked_until <= $2)`,
		rideID, now, until, string(models.StatusRequested))
	if err != nil {
		return false, fmt.Errorf("lock ride %s: %w", rideID, err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) UnlockRide(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET locked_until=NULL WHERE id=$1`, rideID)
	return err
}

func (p *PostgresStore) ListOpenRides(ctx context.Context, cells []string) ([]*models.Ride, error) {
	patterns := make([]string, 0, len(cells))
	for _, c := range cells {
		patterns = append(patterns, c+"%")
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status=$1 AND assigned_driver IS NULL
		AND (cardinality($2::text[]) = 0 OR pickup_cell LIKE ANY($2::text[]))
		ORDER BY created_at`, string(models.StatusRequested), pq.Array(patterns))
	if err != nil {
		return nil, fmt.Errorf("list open rides: %w", err)
	}
	return collectRides(rows)
}

func (p *PostgresStore) ListDriverRides(ctx context.Context, driverID string, status models.Status, since time.Time) ([]*models.Ride, error) {
	col := timestampColumn(status)
	if col == "" {
		col = "created_at"
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE assigned_driver=$1 AND status=$2 AND `+col+` >= $3 ORDER BY created_at`,
		driverID, string(status), since)
	if err != nil {
		return nil, fmt.Errorf("list rides of %s: %w", driverID, err)
	}
	return collectRides(rows)
}

func (p *PostgresStore) ActiveRide(ctx context.Context, driverID string) (*models.Ride, error) {
	active := make([]string, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		active = append(active, string(s))
	}
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE assigned_driver=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
		driverID, pq.Array(active)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active ride of %s: %w", driverID, err)
	}
	return r, nil
}

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e models.AuditEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_events(id, ride_id, from_status, to_status, actor_type, actor_id, detail, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.RideID, string(e.FromStatus), string(e.ToStatus), e.ActorType, e.ActorID, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ride event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, rideID string) ([]models.AuditEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, from_status, to_status, actor_type, actor_id, detail, created_at
		FROM ride_events WHERE ride_id=$1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.RideID, &from, &to, &e.ActorType, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus = models.Status(from), models.Status(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

const driverColumns = `id, name, online, last_lat, last_lng, last_accuracy, last_source, last_fix_at, rating,
	total_rides, total_earnings, online_since, updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lng sql.NullFloat64
		acc      sql.NullFloat64
		source   sql.NullString
		fixAt    sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Online, &lat, &lng, &acc, &source, &fixAt, &d.Rating,
		&d.TotalRides, &d.TotalEarnings, &d.OnlineSince, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		d.LastPosition = &models.Position{
			Coord:     models.Coord{Lat: lat.Float64, Lng: lng.Float64},
			Accuracy:  acc.Float64,
			Source:    source.String,
			Timestamp: fixAt.Time,
		}
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, name, rating, updated_at) VALUES($1,$2,$3,now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, rating=EXCLUDED.rating, updated_at=now()`,
		d.ID, d.Name, d.Rating)
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get driver %s: %w", id, err)
	}
	return d, nil
}

func (p *PostgresStore) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	var since sql.NullTime
	if online {
		since = sql.NullTime{Time: at, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, online, online_since, updated_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET online=EXCLUDED.online, online_since=EXCLUDED.online_since, updated_at=EXCLUDED.updated_at`,
		id, online, since, at)
	if err != nil {
		return fmt.Errorf("set driver %s online=%v: %w", id, online, err)
	}
	return nil
}

func (p *PostgresStore) UpdatePosition(ctx context.Context, id string, pos models.Position) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET last_lat=$2, last_lng=$3, last_accuracy=$4, last_source=$5,
		last_fix_at=$6, updated_at=$6 WHERE id=$1`,
		id, pos.Lat, pos.Lng, pos.Accuracy, pos.Source, pos.Timestamp)
	if err != nil {
		return fmt.Errorf("update driver %s position: %w", id, err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrDriverNotFound
	}
	return nil
}

func (p *PostgresStore) AddCompletion(ctx context.Context, id string, earnings float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET total_rides=total_rides+1, total_earnings=total_earnings+$2,
		updated_at=now() WHERE id=$1`, id, earnings)
	if err != nil {
		return fmt.Errorf("add completion to %s: %w", id, err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrDriverNotFound
	}
	return nil
}

func (p *PostgresStore) ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE online ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list online drivers: %w", err)
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendSample(ctx context.Context, s models.PositionSample) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO position_samples(id, driver_id, ride_id, lat, lng, accuracy, speed, heading, source, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (id) DO NOTHING`,
		s.ID, s.DriverID, s.RideID, s.Position.Lat, s.Position.Lng, s.Position.Accuracy,
		s.Position.Speed, s.Position.Heading, s.Position.Source, s.Position.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTelemetryWriteFailed, err)
	}
	return nil
}

func (p *PostgresStore) ListSamples(ctx context.Context, driverID string, since time.Time) ([]models.PositionSample, error) {
	return p.querySamples(ctx, `WHERE driver_id=$1 AND recorded_at >= $2`, driverID, since)
}

func (p *PostgresStore) ListTrace(ctx context.Context, rideID string) ([]models.PositionSample, error) {
	return p.querySamples(ctx, `WHERE ride_id=$1`, rideID)
}

func (p *PostgresStore) querySamples(ctx context.Context, where string, args ...any) ([]models.PositionSample, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, ride_id, lat, lng, accuracy, speed, heading, source, recorded_at
		FROM position_samples `+where+` ORDER BY recorded_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()
	var out []models.PositionSample
	for rows.Next() {
		var (
			s              models.PositionSample
			rideID         sql.NullString
			speed, heading sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.DriverID, &rideID, &s.Position.Lat, &s.Position.Lng, &s.Position.Accuracy,
			&speed, &heading, &s.Position.Source, &s.Position.Timestamp); err != nil {
			return nil, err
		}
		if rideID.Valid {
			s.RideID = &rideID.String
		}
		if speed.Valid {
			s.Position.Speed = &speed.Float64
		}
		if heading.Valid {
			s.Position.Heading = &heading.Float64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

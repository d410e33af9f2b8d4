package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// StatusChange is a conditional status write: it applies only while the ride
// is still in From.
type StatusChange struct {
	RideID string
	From   models.Status
	To     models.Status
	At     time.Time
	Reason string
	Rating *float64
}

// RideStore defines persistence operations for rides. Conditional writes
// report whether they matched; a false result with a nil error means the
// ride was not in the expected state (or does not exist).
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// ClaimRide binds driverID to a requested, unassigned, unleased ride.
	ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	AppendDeclined(ctx context.Context, rideID, driverID string) error
	UpdateStatus(ctx context.Context, c StatusChange) (bool, error)
	// LockRide takes a short lease on a requested, unassigned ride.
	LockRide(ctx context.Context, rideID string, now, until time.Time) (bool, error)
	UnlockRide(ctx context.Context, rideID string) error
	// ListOpenRides returns requested, unassigned rides whose pickup lies in
	// one of the geohash cells (all open rides when cells is empty).
	ListOpenRides(ctx context.Context, cells []string) ([]*models.Ride, error)
	// ListDriverRides returns the driver's rides in status entered at or after since.
	ListDriverRides(ctx context.Context, driverID string, status models.Status, since time.Time) ([]*models.Ride, error)
	ActiveRide(ctx context.Context, driverID string) (*models.Ride, error)
	AppendEvent(ctx context.Context, e models.AuditEvent) error
	ListEvents(ctx context.Context, rideID string) ([]models.AuditEvent, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// SetOnline registers the driver on first use.
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
	UpdatePosition(ctx context.Context, id string, p models.Position) error
	AddCompletion(ctx context.Context, id string, earnings float64) error
	ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error)
}

type SampleStore interface {
	AppendSample(ctx context.Context, s models.PositionSample) error
	ListSamples(ctx context.Context, driverID string, since time.Time) ([]models.PositionSample, error)
	ListTrace(ctx context.Context, rideID string) ([]models.PositionSample, error)
}

type Store interface {
	RideStore
	DriverStore
	SampleStore
}

// MemoryStore keeps everything in maps. Conditional writes are atomic under
// the store mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	events  map[string][]models.AuditEvent
	drivers map[string]*models.Driver
	samples []models.PositionSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		events:  make(map[string][]models.AuditEvent),
		drivers: make(map[string]*models.Driver),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Version == 0 {
		r.Version = 1
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ClaimRide(_ context.Context, rideID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || !r.Open() || r.LeaseHeld(at) {
		return false, nil
	}
	d := driverID
	r.AssignedDriver = &d
	r.Status = models.StatusAccepted
	r.SetTimestamp(models.StatusAccepted, at)
	r.LockedUntil = nil
	r.Version++
	return true, nil
}

func (m *MemoryStore) AppendDeclined(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.ErrRideNotFound
	}
	if r.DeclinedBy(driverID) {
		return nil
	}
	r.DeclinedDrivers = append(r.DeclinedDrivers, driverID)
	r.Version++
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, c StatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[c.RideID]
	if !ok || r.Status != c.From {
		return false, nil
	}
	r.Status = c.To
	r.SetTimestamp(c.To, c.At)
	if c.Reason != "" {
		r.CancelReason = c.Reason
	}
	if c.Rating != nil {
		v := *c.Rating
		r.Rating = &v
	}
	r.LockedUntil = nil
	r.Version++
	return true, nil
}

func (m *MemoryStore) LockRide(_ context.Context, rideID string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || !r.Open() || r.LeaseHeld(now) {
		return false, nil
	}
	u := until
	r.LockedUntil = &u
	return true, nil
}

func (m *MemoryStore) UnlockRide(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rides[rideID]; ok {
		r.LockedUntil = nil
	}
	return nil
}

func (m *MemoryStore) ListOpenRides(_ context.Context, cells []string) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if !r.Open() {
			continue
		}
		if len(cells) > 0 && !geo.InCells(geo.Cell(r.Pickup), cells) {
			continue
		}
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListDriverRides(_ context.Context, driverID string, status models.Status, since time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status != status || !r.AssignedTo(driverID) {
			continue
		}
		if ts := r.TimestampFor(status); ts == nil || ts.Before(since) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveRide(_ context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Ride
	for _, r := range m.rides {
		if r.Status.Active() && r.AssignedTo(driverID) {
			if found == nil || r.CreatedAt.After(found.CreatedAt) {
				found = r
			}
		}
	}
	if found == nil {
		return nil, models.ErrRideNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.RideID] = append(m.events[e.RideID], e)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, rideID string) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditEvent(nil), m.events[rideID]...), nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = copyDriver(d)
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, models.ErrDriverNotFound
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) SetOnline(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = &models.Driver{ID: id, Rating: 5}
		m.drivers[id] = d
	}
	d.Online = online
	if online {
		t := at
		d.OnlineSince = &t
	} else {
		d.OnlineSince = nil
	}
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, id string, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.ErrDriverNotFound
	}
	pos := p
	d.LastPosition = &pos
	d.UpdatedAt = p.Timestamp
	return nil
}

func (m *MemoryStore) AddCompletion(_ context.Context, id string, earnings float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.ErrDriverNotFound
	}
	d.TotalRides++
	d.TotalEarnings += earnings
	return nil
}

func (m *MemoryStore) ListOnlineDrivers(_ context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.Online {
			out = append(out, copyDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendSample(_ context.Context, s models.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *MemoryStore) ListSamples(_ context.Context, driverID string, since time.Time) ([]models.PositionSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PositionSample
	for _, s := range m.samples {
		if s.DriverID == driverID && !s.Position.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sortSamples(out)
	return out, nil
}

func (m *MemoryStore) ListTrace(_ context.Context, rideID string) ([]models.PositionSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PositionSample
	for _, s := range m.samples {
		if s.RideID != nil && *s.RideID == rideID {
			out = append(out, s)
		}
	}
	sortSamples(out)
	return out, nil
}

func sortSamples(s []models.PositionSample) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Position.Timestamp.Before(s[j].Position.Timestamp) })
}

func copyDriver(d *models.Driver) *models.Driver {
	c := *d
	if d.LastPosition != nil {
		p := *d.LastPosition
		c.LastPosition = &p
	}
	if d.OnlineSince != nil {
		t := *d.OnlineSince
		c.OnlineSince = &t
	}
	return &c
}

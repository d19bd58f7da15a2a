package business

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryStore keeps the dataset in process and, when a snapshot path is
// set, rewrites the snapshot after every mutation.
type MemoryStore struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex
	data     Dataset
	snapshot string
	logger   zerolog.Logger
}

func NewMemoryStore(ds Dataset, snapshotPath string, logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{data: ds, snapshot: snapshotPath, logger: logger}
}

func (m *MemoryStore) FindCustomer(_ context.Context, q CustomerQuery) (Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.data.Customers {
		switch {
		case q.Phone != "":
			if c.Phone == q.Phone {
				return c, nil
			}
		case q.Email != "":
			if c.Email == q.Email {
				return c, nil
			}
		case q.ID != "":
			if c.ID == q.ID {
				return c, nil
			}
		}
	}
	return Customer{}, ErrNotFound
}

func (m *MemoryStore) CustomerIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.data.Customers))
	for i, c := range m.data.Customers {
		ids[i] = c.ID
	}
	return ids, nil
}

func (m *MemoryStore) InsertCustomer(_ context.Context, c Customer) error {
	m.mu.Lock()
	m.data.Customers = append(m.data.Customers, c)
	m.mu.Unlock()
	m.persist()
	return nil
}

func (m *MemoryStore) Appointment(_ context.Context, id string) (Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.data.Appointments {
		if a.ID == id {
			return a, nil
		}
	}
	return Appointment{}, ErrNotFound
}

func (m *MemoryStore) AppointmentIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.data.Appointments))
	for i, a := range m.data.Appointments {
		ids[i] = a.ID
	}
	return ids, nil
}

func (m *MemoryStore) AppointmentsByCustomer(_ context.Context, customerID string) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Appointment{}
	for _, a := range m.data.Appointments {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppointmentsBetween(_ context.Context, from, to string) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Appointment
	for _, a := range m.data.Appointments {
		if a.Date >= from && a.Date <= to {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) InsertAppointment(_ context.Context, a Appointment) error {
	m.mu.Lock()
	m.data.Appointments = append(m.data.Appointments, a)
	m.mu.Unlock()
	m.persist()
	return nil
}

func (m *MemoryStore) UpdateAppointment(_ context.Context, a Appointment) error {
	m.mu.Lock()
	found := false
	for i := range m.data.Appointments {
		if m.data.Appointments[i].ID == a.ID {
			m.data.Appointments[i] = a
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return ErrNotFound
	}
	m.persist()
	return nil
}

func (m *MemoryStore) OrdersByCustomer(_ context.Context, customerID string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Order{}
	for _, o := range m.data.Orders {
		if o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Dataset returns a copy of the current records.
func (m *MemoryStore) Dataset() Dataset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Dataset{
		Customers:    append([]Customer(nil), m.data.Customers...),
		Appointments: append([]Appointment(nil), m.data.Appointments...),
		Orders:       append([]Order(nil), m.data.Orders...),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

// persist failures are logged; the in-memory state stays authoritative.
func (m *MemoryStore) persist() {
	if m.snapshot == "" {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := SaveDataset(m.snapshot, m.Dataset()); err != nil {
		m.logger.Error().Err(err).Str("path", m.snapshot).Msg("save business snapshot failed")
	}
}

package business

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Dataset is the on-disk snapshot of all business records.
type Dataset struct {
	Customers    []Customer    `json:"customers"`
	Appointments []Appointment `json:"appointments"`
	Orders       []Order       `json:"orders"`
}

type DatasetSize struct {
	Customers    int
	Appointments int
	Orders       int
}

func DefaultDatasetSize() DatasetSize {
	return DatasetSize{Customers: 100, Appointments: 50, Orders: 200}
}

// GenerateDataset builds a deterministic-per-seed mock dataset anchored at
// now. Appointments fall on weekday business hours within the next week,
// orders within the last week.
func GenerateDataset(size DatasetSize, now time.Time, seed int64) Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := Dataset{
		Customers:    make([]Customer, 0, size.Customers),
		Appointments: make([]Appointment, 0, size.Appointments),
		Orders:       make([]Order, 0, size.Orders),
	}
	for i := 0; i < size.Customers; i++ {
		ds.Customers = append(ds.Customers, Customer{
			ID:         fmt.Sprintf("CUST%04d", i),
			Name:       fmt.Sprintf("Customer %d", i),
			Phone:      fmt.Sprintf("+1555%07d", i),
			Email:      fmt.Sprintf("customer%d@example.com", i),
			JoinedDate: now.AddDate(0, 0, -rng.Intn(8)).Format(DateLayout),
		})
	}
	if len(ds.Customers) == 0 {
		return ds
	}

	booked := make(map[string]struct{})
	for i := 0; len(ds.Appointments) < size.Appointments && i < size.Appointments*20; i++ {
		when := time.Date(now.Year(), now.Month(), now.Day()+1+rng.Intn(7),
			openingHour+rng.Intn(closingHour-openingHour), 0, 0, 0, now.Location())
		if !businessHours(when) {
			continue
		}
		slot := when.Format(DateLayout)
		if _, ok := booked[slot]; ok {
			continue
		}
		booked[slot] = struct{}{}
		c := ds.Customers[rng.Intn(len(ds.Customers))]
		ds.Appointments = append(ds.Appointments, Appointment{
			ID:           fmt.Sprintf("APT%04d", len(ds.Appointments)),
			CustomerID:   c.ID,
			CustomerName: c.Name,
			Date:         slot,
			Service:      Services[rng.Intn(len(Services))],
			Status:       AppointmentStatuses[rng.Intn(len(AppointmentStatuses))],
		})
	}

	for i := 0; i < size.Orders; i++ {
		c := ds.Customers[rng.Intn(len(ds.Customers))]
		ds.Orders = append(ds.Orders, Order{
			ID:           fmt.Sprintf("ORD%04d", i),
			CustomerID:   c.ID,
			CustomerName: c.Name,
			Date:         now.AddDate(0, 0, -rng.Intn(8)).Format(DateLayout),
			Items:        1 + rng.Intn(5),
			Total:        math.Round((10+rng.Float64()*490)*100) / 100,
			Status:       OrderStatuses[rng.Intn(len(OrderStatuses))],
		})
	}
	return ds
}

// LoadDataset reads a snapshot written by SaveDataset.
func LoadDataset(path string) (Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, err
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return Dataset{}, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, c := range ds.Customers {
		if c.ID == "" || c.Name == "" || c.Phone == "" || c.Email == "" {
			return Dataset{}, fmt.Errorf("decode %s: customer %d is missing required fields", path, i)
		}
	}
	return ds, nil
}

// SaveDataset writes the snapshot atomically.
func SaveDataset(path string, ds Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadOrGenerateDataset returns the snapshot at path, generating and saving
// a new one when it is absent or unreadable.
func LoadOrGenerateDataset(path string, size DatasetSize, now time.Time) (Dataset, bool, error) {
	if path != "" {
		if ds, err := LoadDataset(path); err == nil {
			return ds, false, nil
		}
	}
	ds := GenerateDataset(size, now, now.UnixNano())
	if path == "" {
		return ds, true, nil
	}
	if err := SaveDataset(path, ds); err != nil {
		return Dataset{}, true, err
	}
	return ds, true, nil
}

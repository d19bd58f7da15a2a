package business

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps business records in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		joined_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		customer_name TEXT NOT NULL,
		date TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_appointments_customer ON appointments(customer_id);
	CREATE INDEX IF NOT EXISTS idx_appointments_date ON appointments(date);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		customer_name TEXT NOT NULL,
		date TEXT NOT NULL,
		items INTEGER NOT NULL,
		total REAL NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Seed loads ds when the customers table is empty.
func (s *SQLiteStore) Seed(ctx context.Context, ds Dataset) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM customers`).Scan(&n); err != nil {
		return false, fmt.Errorf("count customers: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, c := range ds.Customers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO customers (id, name, phone, email, joined_date) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Phone, c.Email, c.JoinedDate); err != nil {
			return false, fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	for _, a := range ds.Appointments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO appointments (id, customer_id, customer_name, date, service, status) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.CustomerID, a.CustomerName, a.Date, a.Service, a.Status); err != nil {
			return false, fmt.Errorf("seed appointment %s: %w", a.ID, err)
		}
	}
	for _, o := range ds.Orders {
		if _, err := tx.ExecContext(ctx, `INSERT INTO orders (id, customer_id, customer_name, date, items, total, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.CustomerID, o.CustomerName, o.Date, o.Items, o.Total, o.Status); err != nil {
			return false, fmt.Errorf("seed order %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) FindCustomer(ctx context.Context, q CustomerQuery) (Customer, error) {
	column, value := q.column()
	var c Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, email, joined_date FROM customers WHERE `+column+`=? LIMIT 1`, value,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.JoinedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) CustomerIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM customers`)
}

func (s *SQLiteStore) InsertCustomer(ctx context.Context, c Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, phone, email, joined_date) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Phone, c.Email, c.JoinedDate)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Appointment(ctx context.Context, id string) (Appointment, error) {
	var a Appointment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE id=?`, id,
	).Scan(&a.ID, &a.CustomerID, &a.CustomerName, &a.Date, &a.Service, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("query appointment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) AppointmentIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM appointments`)
}

func (s *SQLiteStore) AppointmentsByCustomer(ctx context.Context, customerID string) ([]Appointment, error) {
	return s.appointments(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE customer_id=? ORDER BY id`,
		customerID)
}

func (s *SQLiteStore) AppointmentsBetween(ctx context.Context, from, to string) ([]Appointment, error) {
	return s.appointments(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE date >= ? AND date <= ? ORDER BY date`,
		from, to)
}

func (s *SQLiteStore) InsertAppointment(ctx context.Context, a Appointment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, customer_id, customer_name, date, service, status) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.CustomerID, a.CustomerName, a.Date, a.Service, a.Status)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAppointment(ctx context.Context, a Appointment) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET date=?, service=?, status=? WHERE id=?`,
		a.Date, a.Service, a.Status, a.ID)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) OrdersByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, customer_name, date, items, total, status FROM orders WHERE customer_id=? ORDER BY id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.CustomerName, &o.Date, &o.Items, &o.Total, &o.Status); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) appointments(ctx context.Context, query string, args ...any) ([]Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	out := []Appointment{}
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.CustomerName, &a.Date, &a.Service, &a.Status); err != nil {
			return nil, fmt.Errorf("scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

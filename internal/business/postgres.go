package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps business records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			joined_date TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			customer_name TEXT NOT NULL,
			date TEXT NOT NULL,
			service TEXT NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_customer ON appointments (customer_id);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_date ON appointments (date);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			customer_name TEXT NOT NULL,
			date TEXT NOT NULL,
			items INTEGER NOT NULL,
			total DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Seed loads ds when the customers table is empty. It reports whether rows
// were written.
func (s *PostgresStore) Seed(ctx context.Context, ds Dataset) (bool, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM customers`).Scan(&n); err != nil {
		return false, fmt.Errorf("count customers: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	batch := &pgx.Batch{}
	for _, c := range ds.Customers {
		batch.Queue(`INSERT INTO customers (id, name, phone, email, joined_date) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.Name, c.Phone, c.Email, c.JoinedDate)
	}
	for _, a := range ds.Appointments {
		batch.Queue(`INSERT INTO appointments (id, customer_id, customer_name, date, service, status) VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.CustomerID, a.CustomerName, a.Date, a.Service, a.Status)
	}
	for _, o := range ds.Orders {
		batch.Queue(`INSERT INTO orders (id, customer_id, customer_name, date, items, total, status) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, o.CustomerID, o.CustomerName, o.Date, o.Items, o.Total, o.Status)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("seed business data: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) FindCustomer(ctx context.Context, q CustomerQuery) (Customer, error) {
	column, value := q.column()
	var c Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, phone, email, joined_date FROM customers WHERE `+column+`=$1 LIMIT 1`, value,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.JoinedDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CustomerIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM customers`)
}

func (s *PostgresStore) InsertCustomer(ctx context.Context, c Customer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO customers (id, name, phone, email, joined_date) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Phone, c.Email, c.JoinedDate)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Appointment(ctx context.Context, id string) (Appointment, error) {
	var a Appointment
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE id=$1`, id,
	).Scan(&a.ID, &a.CustomerID, &a.CustomerName, &a.Date, &a.Service, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("query appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AppointmentIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM appointments`)
}

func (s *PostgresStore) AppointmentsByCustomer(ctx context.Context, customerID string) ([]Appointment, error) {
	return s.appointments(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE customer_id=$1 ORDER BY id`,
		customerID)
}

func (s *PostgresStore) AppointmentsBetween(ctx context.Context, from, to string) ([]Appointment, error) {
	return s.appointments(ctx,
		`SELECT id, customer_id, customer_name, date, service, status FROM appointments WHERE date >= $1 AND date <= $2 ORDER BY date`,
		from, to)
}

func (s *PostgresStore) InsertAppointment(ctx context.Context, a Appointment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO appointments (id, customer_id, customer_name, date, service, status) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.CustomerID, a.CustomerName, a.Date, a.Service, a.Status)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAppointment(ctx context.Context, a Appointment) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE appointments SET date=$2, service=$3, status=$4 WHERE id=$1`,
		a.ID, a.Date, a.Service, a.Status)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) OrdersByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, customer_name, date, items, total, status FROM orders WHERE customer_id=$1 ORDER BY id`,
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) appointments(ctx context.Context, query string, args ...any) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
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

// column maps the query to a fixed column name, never user input.
func (q CustomerQuery) column() (string, string) {
	switch {
	case q.Phone != "":
		return "phone", q.Phone
	case q.Email != "":
		return "email", q.Email
	default:
		return "id", q.ID
	}
}

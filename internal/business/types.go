// Package business holds the customer, appointment and order records the
// voice agent can read and change, together with the scheduling rules.
package business

import (
	"context"
	"errors"
	"fmt"
)

type Customer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	JoinedDate string `json:"joined_date"`
}

type Appointment struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	Date         string `json:"date"`
	Service      string `json:"service"`
	Status       string `json:"status"`
}

type Order struct {
	ID           string  `json:"id"`
	CustomerID   string  `json:"customer_id"`
	CustomerName string  `json:"customer_name"`
	Date         string  `json:"date"`
	Items        int     `json:"items"`
	Total        float64 `json:"total"`
	Status       string  `json:"status"`
}

const (
	StatusScheduled = "Scheduled"
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
)

var (
	Services            = []string{"Consultation", "Follow-up", "Review", "Planning"}
	AppointmentStatuses = []string{StatusScheduled, StatusCompleted, StatusCancelled}
	OrderStatuses       = []string{"Pending", "Shipped", "Delivered", "Cancelled"}
)

// CustomerQuery selects a customer by the first non-empty field in the order
// Phone, Email, ID.
type CustomerQuery struct {
	Phone string
	Email string
	ID    string
}

func (q CustomerQuery) Empty() bool {
	return q.Phone == "" && q.Email == "" && q.ID == ""
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DomainError is a business rule failure that should be reported back to
// the caller as a structured result rather than treated as a fault.
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func domainErr(format string, args ...any) error {
	return &DomainError{Message: fmt.Sprintf(format, args...)}
}

// IsDomainError reports whether err carries a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// Store is the persistence boundary for business records. Rule checks live
// in Service; stores only read and write.
type Store interface {
	FindCustomer(ctx context.Context, q CustomerQuery) (Customer, error)
	CustomerIDs(ctx context.Context) ([]string, error)
	InsertCustomer(ctx context.Context, c Customer) error

	Appointment(ctx context.Context, id string) (Appointment, error)
	AppointmentIDs(ctx context.Context) ([]string, error)
	AppointmentsByCustomer(ctx context.Context, customerID string) ([]Appointment, error)
	AppointmentsBetween(ctx context.Context, from, to string) ([]Appointment, error)
	InsertAppointment(ctx context.Context, a Appointment) error
	UpdateAppointment(ctx context.Context, a Appointment) error

	OrdersByCustomer(ctx context.Context, customerID string) ([]Order, error)

	Close() error
}

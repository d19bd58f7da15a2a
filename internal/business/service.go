package business

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DateLayout is the canonical form appointment dates are stored in.
const DateLayout = "2006-01-02T15:04:05"

const (
	openingHour = 9
	closingHour = 17
)

var dateLayouts = []string{
	DateLayout,
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type Service struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger

	// Serializes check-then-write sequences so two sessions cannot book the
	// same slot or mint the same id.
	mu sync.Mutex
}

type Option func(*Service)

// WithClock overrides the time source. Appointment dates are interpreted in
// the location of the returned times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() Store {
	return s.store
}

func (s *Service) FindCustomer(ctx context.Context, q CustomerQuery) (Customer, error) {
	q = CustomerQuery{
		Phone: strings.TrimSpace(q.Phone),
		Email: strings.TrimSpace(q.Email),
		ID:    strings.TrimSpace(q.ID),
	}
	if q.Empty() {
		return Customer{}, domainErr("No search criteria provided")
	}
	c, err := s.store.FindCustomer(ctx, q)
	if errors.Is(err, ErrNotFound) {
		return Customer{}, domainErr("Customer not found")
	}
	if err != nil {
		return Customer{}, fmt.Errorf("find customer: %w", err)
	}
	return c, nil
}

func (s *Service) CustomerAppointments(ctx context.Context, customerID string) ([]Appointment, error) {
	out, err := s.store.AppointmentsByCustomer(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return out, nil
}

func (s *Service) CustomerOrders(ctx context.Context, customerID string) ([]Order, error) {
	out, err := s.store.OrdersByCustomer(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (s *Service) ScheduleAppointment(ctx context.Context, customerID, date, service string) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, err := s.FindCustomer(ctx, CustomerQuery{ID: customerID})
	if err != nil {
		return Appointment{}, err
	}
	when, err := s.validateSlot(date)
	if err != nil {
		return Appointment{}, err
	}
	if !slices.Contains(Services, service) {
		return Appointment{}, domainErr("Invalid service. Must be one of: %s", strings.Join(Services, ", "))
	}
	slot := when.Format(DateLayout)
	if taken, err := s.slotTaken(ctx, slot, ""); err != nil {
		return Appointment{}, err
	} else if taken {
		return Appointment{}, domainErr("This time slot is already booked. Please choose another time.")
	}

	ids, err := s.store.AppointmentIDs(ctx)
	if err != nil {
		return Appointment{}, fmt.Errorf("list appointment ids: %w", err)
	}
	appt := Appointment{
		ID:           firstUnusedID("APT", ids),
		CustomerID:   customer.ID,
		CustomerName: customer.Name,
		Date:         slot,
		Service:      service,
		Status:       StatusScheduled,
	}
	if err := s.store.InsertAppointment(ctx, appt); err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}
	s.logger.Info().Str("appointment_id", appt.ID).Str("customer_id", customer.ID).Str("date", slot).Msg("appointment scheduled")
	return appt, nil
}

// AvailableSlots lists free hourly weekday slots between 09:00 and 17:00
// from start through end. An empty end means seven days after start. A
// start in the past is moved to the next full hour.
func (s *Service) AvailableSlots(ctx context.Context, start, end string) ([]string, error) {
	from, err := s.parseDate(start)
	if err != nil {
		return nil, err
	}
	var to time.Time
	if strings.TrimSpace(end) == "" {
		to = from.AddDate(0, 0, 7)
	} else if to, err = s.parseDate(end); err != nil {
		return nil, err
	}

	now := s.now()
	if from.Before(now) {
		from = now.Truncate(time.Hour).Add(time.Hour)
	} else if from.Truncate(time.Hour) != from {
		from = from.Truncate(time.Hour).Add(time.Hour)
	}
	if !to.After(from) {
		return nil, domainErr("End date must be after start date")
	}

	booked, err := s.store.AppointmentsBetween(ctx, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, fmt.Errorf("list booked slots: %w", err)
	}
	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		if a.Status != StatusCancelled {
			taken[a.Date] = struct{}{}
		}
	}

	slots := []string{}
	for cur := from; !cur.After(to); cur = cur.Add(time.Hour) {
		if !businessHours(cur) {
			continue
		}
		slot := cur.Format(DateLayout)
		if _, ok := taken[slot]; !ok {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

type Reschedule struct {
	Message     string      `json:"message"`
	Appointment Appointment `json:"appointment"`
	OldDate     string      `json:"old_date"`
	NewDate     string      `json:"new_date"`
}

func (s *Service) RescheduleAppointment(ctx context.Context, id, newDate, newService string) (Reschedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, err := s.appointment(ctx, id)
	if err != nil {
		return Reschedule{}, err
	}
	if appt.Status == StatusCancelled || appt.Status == StatusCompleted {
		return Reschedule{}, domainErr("Cannot reschedule appointment with status: %s", appt.Status)
	}
	when, err := s.validateSlot(newDate)
	if err != nil {
		return Reschedule{}, err
	}
	if !slices.Contains(Services, newService) {
		return Reschedule{}, domainErr("Invalid service. Must be one of: %s", strings.Join(Services, ", "))
	}
	slot := when.Format(DateLayout)
	if taken, err := s.slotTaken(ctx, slot, appt.ID); err != nil {
		return Reschedule{}, err
	} else if taken {
		return Reschedule{}, domainErr("This time slot is already booked. Please choose another time.")
	}
	if _, err := s.FindCustomer(ctx, CustomerQuery{ID: appt.CustomerID}); err != nil {
		return Reschedule{}, err
	}

	old := appt.Date
	appt.Date = slot
	appt.Service = newService
	appt.Status = StatusScheduled
	if err := s.store.UpdateAppointment(ctx, appt); err != nil {
		return Reschedule{}, fmt.Errorf("update appointment: %w", err)
	}
	return Reschedule{
		Message:     "Appointment rescheduled successfully",
		Appointment: appt,
		OldDate:     old,
		NewDate:     slot,
	}, nil
}

func (s *Service) CancelAppointment(ctx context.Context, id string) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, err := s.appointment(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	switch appt.Status {
	case StatusCancelled:
		return Appointment{}, domainErr("Appointment is already cancelled")
	case StatusCompleted:
		return Appointment{}, domainErr("Cannot cancel a completed appointment")
	}
	appt.Status = StatusCancelled
	if err := s.store.UpdateAppointment(ctx, appt); err != nil {
		return Appointment{}, fmt.Errorf("update appointment: %w", err)
	}
	return appt, nil
}

type StatusChange struct {
	Message     string      `json:"message"`
	Appointment Appointment `json:"appointment"`
	OldStatus   string      `json:"old_status"`
	NewStatus   string      `json:"new_status"`
}

func (s *Service) UpdateAppointmentStatus(ctx context.Context, id, status string) (StatusChange, error) {
	if !slices.Contains(AppointmentStatuses, status) {
		return StatusChange{}, domainErr("Invalid status. Must be one of: %s", strings.Join(AppointmentStatuses, ", "))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, err := s.appointment(ctx, id)
	if err != nil {
		return StatusChange{}, err
	}
	old := appt.Status
	appt.Status = status
	if err := s.store.UpdateAppointment(ctx, appt); err != nil {
		return StatusChange{}, fmt.Errorf("update appointment: %w", err)
	}
	return StatusChange{
		Message:     fmt.Sprintf("Appointment status updated from %s to %s", old, status),
		Appointment: appt,
		OldStatus:   old,
		NewStatus:   status,
	}, nil
}

func (s *Service) CreateCustomer(ctx context.Context, name, phone, email string) (Customer, error) {
	name, phone, email = strings.TrimSpace(name), strings.TrimSpace(phone), strings.TrimSpace(email)
	switch {
	case name == "":
		return Customer{}, domainErr("Customer name is required")
	case phone == "":
		return Customer{}, domainErr("Phone number is required")
	case email == "":
		return Customer{}, domainErr("Email address is required")
	case len(name) < 2:
		return Customer{}, domainErr("Name must be at least 2 characters long")
	case !strings.HasPrefix(phone, "+") || len(phone) < 10:
		return Customer{}, domainErr("Phone number must be in international format (e.g., +15551234567)")
	case !strings.Contains(email, "@") || !strings.Contains(email, "."):
		return Customer{}, domainErr("Please provide a valid email address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range []CustomerQuery{{Phone: phone}, {Email: email}} {
		_, err := s.store.FindCustomer(ctx, q)
		if err == nil {
			return Customer{}, domainErr("Customer already exists with this phone or email")
		}
		if !errors.Is(err, ErrNotFound) {
			return Customer{}, fmt.Errorf("find customer: %w", err)
		}
	}
	ids, err := s.store.CustomerIDs(ctx)
	if err != nil {
		return Customer{}, fmt.Errorf("list customer ids: %w", err)
	}
	c := Customer{
		ID:         firstUnusedID("CUST", ids),
		Name:       name,
		Phone:      phone,
		Email:      email,
		JoinedDate: s.now().Format(DateLayout),
	}
	if err := s.store.InsertCustomer(ctx, c); err != nil {
		return Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	s.logger.Info().Str("customer_id", c.ID).Msg("customer created")
	return c, nil
}

func (s *Service) appointment(ctx context.Context, id string) (Appointment, error) {
	appt, err := s.store.Appointment(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return Appointment{}, domainErr("Appointment not found")
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) validateSlot(date string) (time.Time, error) {
	when, err := s.parseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	if !when.After(s.now()) {
		return time.Time{}, domainErr("Cannot schedule appointments in the past")
	}
	if when.Hour() < openingHour || when.Hour() >= closingHour {
		return time.Time{}, domainErr("Appointments can only be scheduled between 9 AM and 5 PM")
	}
	if wd := when.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}, domainErr("Appointments can only be scheduled on weekdays")
	}
	return when, nil
}

func (s *Service) slotTaken(ctx context.Context, slot, exceptID string) (bool, error) {
	existing, err := s.store.AppointmentsBetween(ctx, slot, slot)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	for _, a := range existing {
		if a.ID != exceptID && a.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

// parseDate accepts ISO-8601 dates with or without time and offset. Times
// without an offset are taken in the service clock's location; times with
// one are converted to it.
func (s *Service) parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	loc := s.now().Location()
	for _, layout := range dateLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, v)
			t = t.In(loc)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, domainErr("Invalid date format. Please use ISO format (YYYY-MM-DDTHH:MM:SS)")
}

func businessHours(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return t.Hour() >= openingHour && t.Hour() < closingHour
}

func firstUnusedID(prefix string, existing []string) string {
	used := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		used[id] = struct{}{}
	}
	for n := 0; ; n++ {
		id := fmt.Sprintf("%s%04d", prefix, n)
		if _, ok := used[id]; !ok {
			return id
		}
	}
}

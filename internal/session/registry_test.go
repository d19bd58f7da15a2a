package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSession struct {
	id       string
	stops    atomic.Int32
	linger   time.Duration
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	state    string
	activity time.Time
}

func newFake(id string) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{}), state: "streaming", activity: time.Now()}
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Stop() {
	f.stops.Add(1)
	f.once.Do(func() {
		go func() {
			time.Sleep(f.linger)
			f.mu.Lock()
			f.state = "closed"
			f.mu.Unlock()
			close(f.done)
		}()
	})
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity
}

func (f *fakeSession) idleSince(t time.Time) {
	f.mu.Lock()
	f.activity = t
	f.mu.Unlock()
}

func newTestRegistry() *Registry {
	return NewRegistry(time.Minute, zerolog.Nop(), nil)
}

func TestRegistryRegisterLookup(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	if err := r.Register(context.Background(), "conn-1", a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Lookup("conn-1")
	if !ok || got.ID() != "a" {
		t.Fatalf("Lookup() = %v, %v; want a", got, ok)
	}
	got, ok = r.LookupByID("a")
	if !ok || got != Handle(a) {
		t.Fatalf("LookupByID() = %v, %v; want a", got, ok)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestRegistryReplaceClosesPriorFirst(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	a.linger = 40 * time.Millisecond
	b := newFake("b")

	if err := r.Register(context.Background(), "conn-1", a); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}

	seen := make(chan string, 64)
	stopWatch := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopWatch:
				return
			default:
			}
			if h, ok := r.Lookup("conn-1"); ok && h.ID() == "b" {
				seen <- a.State()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := r.Register(context.Background(), "conn-1", b); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}
	select {
	case state := <-seen:
		if state != "closed" {
			t.Fatalf("prior state when b became visible = %q, want closed", state)
		}
	case <-time.After(time.Second):
		close(stopWatch)
		t.Fatalf("b never became visible")
	}
	if a.stops.Load() != 1 {
		t.Fatalf("prior Stop calls = %d, want 1", a.stops.Load())
	}
	if _, ok := r.LookupByID("a"); ok {
		t.Fatalf("prior session still indexed by id")
	}
}

func TestRegistryRegisterCancelledWait(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	a.linger = time.Second
	_ = r.Register(context.Background(), "k", a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Register(ctx, "k", newFake("b"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Register() error = %v, want deadline exceeded", err)
	}
	if _, ok := r.Lookup("k"); ok {
		t.Fatalf("replacement installed despite cancelled wait")
	}
}

func TestRegistrySlowReplacementDoesNotBlockOtherKeys(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	a.linger = time.Second
	if err := r.Register(context.Background(), "key-a", a); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}

	replaced := make(chan error, 1)
	go func() {
		replaced <- r.Register(context.Background(), "key-a", newFake("a2"))
	}()
	// Wait until the replacement is stuck behind a's drain.
	deadline := time.Now().Add(time.Second)
	for a.stops.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("prior session under key-a never stopped")
		}
		time.Sleep(time.Millisecond)
	}

	begin := time.Now()
	if err := r.Register(context.Background(), "key-b", newFake("b")); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}
	if waited := time.Since(begin); waited > 200*time.Millisecond {
		t.Fatalf("Register under key-b waited %s behind key-a", waited)
	}
	if h, ok := r.Lookup("key-b"); !ok || h.ID() != "b" {
		t.Fatalf("Lookup(key-b) = %v, %v; want b", h, ok)
	}

	select {
	case err := <-replaced:
		if err != nil {
			t.Fatalf("Register(a2) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("replacement under key-a never completed")
	}
	if h, ok := r.Lookup("key-a"); !ok || h.ID() != "a2" {
		t.Fatalf("Lookup(key-a) = %v, %v; want a2", h, ok)
	}
	r.mu.RLock()
	locks := len(r.keyLocks)
	r.mu.RUnlock()
	if locks != 0 {
		t.Fatalf("key locks left behind = %d, want 0", locks)
	}
}

func TestRegistryTerminate(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	_ = r.Register(context.Background(), "k", a)

	if err := r.Terminate(context.Background(), "k"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if a.State() != "closed" {
		t.Fatalf("state = %q, want closed", a.State())
	}
	if _, ok := r.Lookup("k"); ok {
		t.Fatalf("terminated session still registered")
	}
	if err := r.Terminate(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Terminate() error = %v, want ErrNotFound", err)
	}
	if err := r.TerminateID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("TerminateID() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryRemoveIgnoresReplacement(t *testing.T) {
	r := newTestRegistry()
	a := newFake("a")
	b := newFake("b")
	_ = r.Register(context.Background(), "k", a)
	_ = r.Register(context.Background(), "k", b)

	if r.Remove("k", a) {
		t.Fatalf("Remove(a) removed the replacement")
	}
	if !r.Remove("k", b) {
		t.Fatalf("Remove(b) = false, want true")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestRegistryListAndStopAll(t *testing.T) {
	r := newTestRegistry()
	_ = r.Register(context.Background(), "b", newFake("s2"))
	_ = r.Register(context.Background(), "a", newFake("s1"))

	list := r.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].SessionID != "s2" {
		t.Fatalf("List() = %+v", list)
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(context.Background(), "shared", newFake(string(rune('a'+i))))
		}(i)
	}
	wg.Wait()
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestRegistryJanitorExpiresInactive(t *testing.T) {
	r := NewRegistry(30*time.Millisecond, zerolog.Nop(), nil)
	idle := newFake("idle")
	idle.idleSince(time.Now().Add(-time.Hour))
	_ = r.Register(context.Background(), "k", idle)

	expired := make(chan string, 1)
	r.SetExpireHook(func(key string, _ Handle) { expired <- key })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case key := <-expired:
		if key != "k" {
			t.Fatalf("expired key = %q, want k", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire idle session")
	}
	if idle.stops.Load() == 0 {
		t.Fatalf("idle session was not stopped")
	}
	if _, ok := r.Lookup("k"); ok {
		t.Fatalf("expired session still registered")
	}
}

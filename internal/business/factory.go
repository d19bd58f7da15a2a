package business

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type StoreOptions struct {
	// DatabaseURL selects the backend: empty for the in-memory store,
	// postgres:// or postgresql:// for PostgreSQL, sqlite:// or file: for
	// SQLite.
	DatabaseURL  string
	SnapshotPath string
	Size         DatasetSize
	Now          time.Time
	Logger       zerolog.Logger
}

type seeder interface {
	Seed(ctx context.Context, ds Dataset) (bool, error)
}

// NewStore opens the configured backend. Database backends are seeded with
// mock data the first time they are opened empty.
func NewStore(ctx context.Context, opts StoreOptions) (Store, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Size == (DatasetSize{}) {
		opts.Size = DefaultDatasetSize()
	}
	url := strings.TrimSpace(opts.DatabaseURL)

	var (
		store Store
		err   error
	)
	switch {
	case url == "":
		ds, generated, err := LoadOrGenerateDataset(opts.SnapshotPath, opts.Size, opts.Now)
		if err != nil {
			return nil, fmt.Errorf("load mock data: %w", err)
		}
		opts.Logger.Info().
			Bool("generated", generated).
			Int("customers", len(ds.Customers)).
			Int("appointments", len(ds.Appointments)).
			Int("orders", len(ds.Orders)).
			Str("snapshot", opts.SnapshotPath).
			Msg("business data loaded")
		return NewMemoryStore(ds, opts.SnapshotPath, opts.Logger), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err = NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		store, err = NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		store, err = NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", url)
	}
	if err != nil {
		return nil, err
	}

	if s, ok := store.(seeder); ok {
		seeded, err := s.Seed(ctx, GenerateDataset(opts.Size, opts.Now, opts.Now.UnixNano()))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if seeded {
			opts.Logger.Info().Msg("business database seeded with mock data")
		}
	}
	return store, nil
}

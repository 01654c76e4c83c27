package synckit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

const component = "synckit"

// Defaults of the replication pipelines.
const (
	DefaultWorkers       = 2
	DefaultPhaseTimeout  = 60 * time.Second
	DefaultPullPageSize  = 1000
	DefaultPushBatchSize = 100
	// PullMargin is subtracted from the last pull's server time to absorb
	// clock skew and ordering jitter.
	PullMargin = 3 * time.Second
)

// Transport is the remote document store as seen by the engine.
type Transport interface {
	// FetchObjects returns one page of GET /objects/{bucket}.
	FetchObjects(ctx context.Context, bucket string, q query.Query) (*types.PullResponse, error)
	// FetchBucket returns the bucket metadata.
	FetchBucket(ctx context.Context, bucket string) (*types.BucketInfo, error)
	// Batch sends one push batch and returns the per-item results.
	Batch(ctx context.Context, bucket string, req *types.BatchRequest) (*types.BatchResponse, error)
	Close() error
}

// Option is a functional option for configuring a Service via NewService.
type Option func(*serviceOptions) error

type serviceOptions struct {
	store         storage.Store
	transport     Transport
	logger        *slog.Logger
	metrics       MetricsCollector
	workers       int
	phaseTimeout  time.Duration
	pullPageSize  int
	pushBatchSize int
	scanPageSize  int
	clock         func() time.Time
	newID         func() string
}

func defaultOptions() *serviceOptions {
	return &serviceOptions{
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		workers:       DefaultWorkers,
		phaseTimeout:  DefaultPhaseTimeout,
		pullPageSize:  DefaultPullPageSize,
		pushBatchSize: DefaultPushBatchSize,
		clock:         time.Now,
		newID:         uuid.NewString,
	}
}

func invalidOption(name string, err error) error {
	return syncErrors.E(
		syncErrors.Op("synckit."+name),
		syncErrors.Component(component),
		syncErrors.KindInvalid,
		err,
	)
}

// WithStore injects the local storage collaborator.
func WithStore(s storage.Store) Option {
	return func(o *serviceOptions) error {
		o.store = s
		return nil
	}
}

// WithTransport sets the remote transport.
func WithTransport(t Transport) Option {
	return func(o *serviceOptions) error {
		o.transport = t
		return nil
	}
}

// WithLogger sets the logger used by the service.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) error {
		if logger == nil {
			return invalidOption("WithLogger", errors.New("logger cannot be nil"))
		}
		o.logger = logger
		return nil
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *serviceOptions) error {
		if m == nil {
			return invalidOption("WithMetricsCollector", errors.New("metrics collector cannot be nil"))
		}
		o.metrics = m
		return nil
	}
}

// WithWorkers sets the size of the background worker pool.
func WithWorkers(n int) Option {
	return func(o *serviceOptions) error {
		if n < 1 {
			return invalidOption("WithWorkers", errors.New("workers must be positive"))
		}
		o.workers = n
		return nil
	}
}

// WithPhaseTimeout bounds how long a caller waits for a pull or push phase.
func WithPhaseTimeout(d time.Duration) Option {
	return func(o *serviceOptions) error {
		if d <= 0 {
			return invalidOption("WithPhaseTimeout", errors.New("timeout must be positive"))
		}
		o.phaseTimeout = d
		return nil
	}
}

// WithPullPageSize sets the divide-pull page size.
func WithPullPageSize(n int) Option {
	return func(o *serviceOptions) error {
		if n < 1 {
			return invalidOption("WithPullPageSize", errors.New("page size must be positive"))
		}
		o.pullPageSize = n
		return nil
	}
}

// WithPushBatchSize sets how many records one push batch carries.
func WithPushBatchSize(n int) Option {
	return func(o *serviceOptions) error {
		if n < 1 {
			return invalidOption("WithPushBatchSize", errors.New("batch size must be positive"))
		}
		o.pushBatchSize = n
		return nil
	}
}

// WithScanPageSize sets the local query scan page size.
func WithScanPageSize(n int) Option {
	return func(o *serviceOptions) error {
		if n < 1 {
			return invalidOption("WithScanPageSize", errors.New("page size must be positive"))
		}
		o.scanPageSize = n
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) error {
		o.clock = now
		return nil
	}
}

// WithIDGenerator replaces the UUID generator used for new object IDs.
func WithIDGenerator(gen func() string) Option {
	return func(o *serviceOptions) error {
		o.newID = gen
		return nil
	}
}

package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"meshqueue/internal/broker"
	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/metrics"
	"meshqueue/internal/pipeline"
)

// Executor runs one job to a settle decision.
type Executor interface {
	Execute(ctx context.Context, jobID string) pipeline.Outcome
}

// Notifier is told about jobs the pool moved to a terminal state.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, job *jobs.Job) error
}

// Options wires a Manager.
type Options struct {
	Broker             broker.Broker
	Store              jobs.Store
	Executor           Executor
	Notifier           Notifier
	Concurrency        int
	MaxDeliveries      int
	HeartbeatInterval  time.Duration
	ErrorRetryInterval time.Duration
	SettleTimeout      time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// OptionsFromConfig fills pool settings from [workers] and [broker].
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:        cfg.Workers.Concurrency,
		MaxDeliveries:      cfg.Broker.MaxDeliveries,
		HeartbeatInterval:  time.Duration(cfg.Workers.HeartbeatInterval) * time.Second,
		ErrorRetryInterval: time.Duration(cfg.Workers.ErrorRetryInterval) * time.Second,
	}
}

// Manager is the worker pool: a fixed set of slots, each running at most one
// job at a time.
type Manager struct {
	broker   broker.Broker
	store    jobs.Store
	executor Executor
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	heartbeat *HeartbeatMonitor
	slots     chan int

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	busy      int
	lastErr   error
	lastJobID string
	lastJobAt time.Time
}

// NewManager constructs a worker pool. It does not start dispatching.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Broker == nil:
		return nil, errors.New("broker is required")
	case opts.Store == nil:
		return nil, errors.New("job store is required")
	case opts.Executor == nil:
		return nil, errors.New("executor is required")
	case opts.Concurrency <= 0:
		return nil, errors.New("worker concurrency must be positive")
	case opts.MaxDeliveries <= 0:
		return nil, errors.New("max deliveries must be positive")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.ErrorRetryInterval <= 0 {
		opts.ErrorRetryInterval = 5 * time.Second
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "workflow")

	slots := make(chan int, opts.Concurrency)
	for i := 1; i <= opts.Concurrency; i++ {
		slots <- i
	}
	opts.Metrics.SetPoolSize(opts.Concurrency)

	return &Manager{
		broker:    opts.Broker,
		store:     opts.Store,
		executor:  opts.Executor,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		heartbeat: NewHeartbeatMonitor(opts.Broker, opts.Store, logger, opts.HeartbeatInterval),
		slots:     slots,
	}, nil
}

// Start begins dispatching deliveries into slots.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("worker pool started",
		logging.String(logging.FieldEventType, "pool_start"),
		logging.Int("concurrency", m.opts.Concurrency),
		logging.Int("max_deliveries", m.opts.MaxDeliveries),
	)
	go m.dispatch(runCtx)
	return nil
}

// Stop cancels the dispatcher and waits for in-flight slots. Jobs interrupted
// by the cancellation are released back to the broker.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("worker pool stopped", logging.String(logging.FieldEventType, "pool_stop"))
}

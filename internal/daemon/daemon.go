package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/flock"

	"meshqueue/internal/api"
	"meshqueue/internal/config"
	"meshqueue/internal/logging"
	"meshqueue/internal/metrics"
)

// Pool is the worker pool lifecycle the daemon drives.
type Pool interface {
	Start(ctx context.Context) error
	Stop()
}

// Daemon coordinates the front door and the local worker pool and enforces
// single-instance execution per state directory.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *api.Service
	pool    Pool
	metrics *metrics.Metrics
	server  *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon. pool may be nil for a front-door-only process.
func New(cfg *config.Config, service *api.Service, pool Pool, m *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || service == nil {
		return nil, errors.New("daemon requires config and api service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		service:  service,
		pool:     pool,
		metrics:  m,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, then launches the worker pool and the API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another meshqueued instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if d.pool != nil {
		if err := d.pool.Start(runCtx); err != nil {
			cancel()
			_ = d.lock.Unlock()
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	var exporter *metrics.Metrics
	if d.cfg.Metrics.Enabled {
		exporter = d.metrics
	}
	d.server = newAPIServer(d.cfg.API.Bind, newRouter(d.service, d.cfg.API.Token, exporter, d.logger), d.logger)
	if err := d.server.start(runCtx); err != nil {
		cancel()
		if d.pool != nil {
			d.pool.Stop()
		}
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("meshqueued started",
		logging.String("lock", d.lockPath),
		logging.String("address", d.server.addr()),
		logging.Bool("workers", d.pool != nil),
	)
	return nil
}

// Stop shuts down the listener, drains the pool and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.server.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.pool != nil {
		d.pool.Stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("meshqueued stopped")
}

// Addr is the API listener address once started.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// Status reports daemon runtime information.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := d.service.DaemonStatus(ctx)
	status.Running = d.running.Load()
	return status
}

package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/broker"
	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
	"meshqueue/internal/pipeline"
	"meshqueue/internal/services"
	"meshqueue/internal/testsupport"
	"meshqueue/internal/workflow"
)

type executorFunc func(ctx context.Context, jobID string) pipeline.Outcome

func (f executorFunc) Execute(ctx context.Context, jobID string) pipeline.Outcome {
	return f(ctx, jobID)
}

type pool struct {
	manager *workflow.Manager
	broker  broker.Broker
	store   jobs.Store
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*jobs.Job
}

func (n *recordingNotifier) NotifyJobFinished(_ context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

func (n *recordingNotifier) finished() []*jobs.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*jobs.Job(nil), n.jobs...)
}

// leaseLosingBroker reports every lease as lost and counts settlements.
type leaseLosingBroker struct {
	broker.Broker
	settled atomic.Int32
}

func (b *leaseLosingBroker) Extend(context.Context, *broker.Delivery) error {
	return broker.ErrLeaseLost
}

func (b *leaseLosingBroker) Ack(ctx context.Context, d *broker.Delivery) error {
	b.settled.Add(1)
	return b.Broker.Ack(ctx, d)
}

func (b *leaseLosingBroker) Nack(ctx context.Context, d *broker.Delivery) error {
	b.settled.Add(1)
	return b.Broker.Nack(ctx, d)
}

func (b *leaseLosingBroker) DeadLetter(ctx context.Context, d *broker.Delivery, reason string) error {
	b.settled.Add(1)
	return b.Broker.DeadLetter(ctx, d, reason)
}

func startPool(t *testing.T, cfg *config.Config, exec workflow.Executor, mutate ...func(*workflow.Options)) *pool {
	t.Helper()
	p := &pool{
		broker: testsupport.MustOpenBroker(t, cfg),
		store:  testsupport.MustOpenStore(t, cfg),
	}
	opts := workflow.OptionsFromConfig(cfg)
	opts.Broker = p.broker
	opts.Store = p.store
	opts.Executor = exec
	for _, fn := range mutate {
		fn(&opts)
	}
	manager, err := workflow.NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	p.manager = manager
	return p
}

func createJob(t *testing.T, store jobs.Store, stages ...string) *jobs.Job {
	t.Helper()
	id := jobs.NewID()
	input, _ := artifacts.NewRef(id, artifacts.InputStage, artifacts.NewVersion(), "cube.stl")
	job := jobs.New(id, stages, input, "cube.stl", time.Now())
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return job
}

func TestManagerBoundsConcurrency(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(2))
	var active, peak, done atomic.Int32
	exec := executorFunc(func(ctx context.Context, _ string) pipeline.Outcome {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return pipeline.Outcome{Decision: pipeline.Ack}
	})
	p := startPool(t, cfg, exec)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := p.broker.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool { return done.Load() == 6 })
	if got := peak.Load(); got != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", got)
	}
	testsupport.WaitFor(t, time.Second, func() bool { return p.manager.Status().BusySlots == 0 })
	stats, err := p.broker.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats != (broker.Stats{}) {
		t.Fatalf("expected all deliveries acked, got %+v", stats)
	}
}

func TestManagerDeadLettersAfterDeliveryBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, string) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Outcome{Decision: pipeline.Nack, State: jobs.StatePending}
	})
	notifier := &recordingNotifier{}
	p := startPool(t, cfg, exec, func(o *workflow.Options) { o.Notifier = notifier })
	job := createJob(t, p.store, "slice")
	if err := p.broker.Enqueue(context.Background(), job.ID); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		got, err := p.store.Get(context.Background(), job.ID)
		return err == nil && got.State.Terminal()
	})
	got, _ := p.store.Get(context.Background(), job.ID)
	if got.State != jobs.StateFailed || got.Error == nil || got.Error.Kind != string(services.KindDeliveryExhausted) {
		t.Fatalf("unexpected job %s cause %+v", got.State, got.Error)
	}
	if n := calls.Load(); n != int32(cfg.Broker.MaxDeliveries) {
		t.Fatalf("expected %d executions, got %d", cfg.Broker.MaxDeliveries, n)
	}
	testsupport.WaitFor(t, time.Second, func() bool {
		stats, err := p.broker.Stats(context.Background())
		return err == nil && stats.Dead == 1 && stats.Ready == 0 && stats.Leased == 0
	})
	finished := notifier.finished()
	if len(finished) != 1 || finished[0].State != jobs.StateFailed {
		t.Fatalf("expected one FAILED notification, got %d", len(finished))
	}
}

func TestManagerNotifiesOnlyFinishingDeliveries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	notifier := &recordingNotifier{}
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, string) pipeline.Outcome {
		// The second delivery sees a job that is already terminal.
		if calls.Add(1) == 1 {
			return pipeline.Outcome{Decision: pipeline.Ack, State: jobs.StateSucceeded, Finished: true}
		}
		return pipeline.Outcome{Decision: pipeline.Ack, State: jobs.StateSucceeded}
	})
	p := startPool(t, cfg, exec, func(o *workflow.Options) { o.Notifier = notifier })
	job := createJob(t, p.store, "slice")
	for range 2 {
		if err := p.broker.Enqueue(context.Background(), job.ID); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		return calls.Load() == 2 && p.manager.Status().BusySlots == 0
	})
	got := notifier.finished()
	if len(got) != 1 || got[0].ID != job.ID {
		t.Fatalf("expected one notification for %s, got %d", job.ID, len(got))
	}
}

func TestManagerDeadLettersOverBudgetDeliveryOnSight(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	cfg.Broker.MaxDeliveries = 2
	b := testsupport.MustOpenBroker(t, cfg)
	store := testsupport.MustOpenStore(t, cfg)
	job := createJob(t, store, "slice")
	ctx := context.Background()
	if err := b.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Two deliveries lost to crashed workers.
	for i := 0; i < 2; i++ {
		d, err := b.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if err := b.Nack(ctx, d); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
	}

	var calls atomic.Int32
	startPool(t, cfg, executorFunc(func(context.Context, string) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Outcome{Decision: pipeline.Ack}
	}))
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		got, err := store.Get(ctx, job.ID)
		return err == nil && got.State == jobs.StateFailed
	})
	if calls.Load() != 0 {
		t.Fatal("over-budget delivery must not execute")
	}
}

func TestManagerStopReleasesInterruptedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	started := make(chan struct{})
	var once sync.Once
	exec := executorFunc(func(ctx context.Context, _ string) pipeline.Outcome {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return pipeline.Outcome{Decision: pipeline.Nack, State: jobs.StateRunning, Err: ctx.Err()}
	})
	p := startPool(t, cfg, exec)
	if err := p.broker.Enqueue(context.Background(), "interrupted"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	if got := p.manager.Status(); got.BusySlots != 1 || !got.Running || got.LastJobID != "interrupted" {
		t.Fatalf("unexpected status while busy: %+v", got)
	}

	p.manager.Stop()
	if p.manager.Status().Running {
		t.Fatal("expected pool stopped")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := p.broker.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected released delivery, got %v", err)
	}
	if d.JobID != "interrupted" || d.Attempt != 2 {
		t.Fatalf("unexpected redelivery %+v", d)
	}
}

func TestManagerStopsExecutionWhenLeaseIsLost(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	causes := make(chan error, 1)
	exec := executorFunc(func(ctx context.Context, _ string) pipeline.Outcome {
		var cause error
		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
		case <-time.After(5 * time.Second):
		}
		select {
		case causes <- cause:
		default:
		}
		return pipeline.Outcome{Decision: pipeline.Nack, State: jobs.StateRunning, Err: ctx.Err()}
	})
	var lossy *leaseLosingBroker
	p := startPool(t, cfg, exec, func(o *workflow.Options) {
		lossy = &leaseLosingBroker{Broker: o.Broker}
		o.Broker = lossy
	})
	if err := p.broker.Enqueue(context.Background(), "stolen"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case cause := <-causes:
		if !errors.Is(cause, broker.ErrLeaseLost) {
			t.Fatalf("expected execution cancelled by lease loss, got %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor never observed the lost lease")
	}
	testsupport.WaitFor(t, time.Second, func() bool { return p.manager.Status().BusySlots == 0 })
	if n := lossy.settled.Load(); n != 0 {
		t.Fatalf("abandoned delivery must not be settled, got %d settlements", n)
	}
}

func TestManagerHeartbeatTouchesRunningJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(1))
	release := make(chan struct{})
	p := startPool(t, cfg, executorFunc(func(context.Context, string) pipeline.Outcome {
		<-release
		return pipeline.Outcome{Decision: pipeline.Ack}
	}))
	defer close(release)
	job := createJob(t, p.store, "slice")
	if err := p.broker.Enqueue(context.Background(), job.ID); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		got, err := p.store.Get(context.Background(), job.ID)
		return err == nil && !got.LastHeartbeat.IsZero()
	})
	got, _ := p.store.Get(context.Background(), job.ID)
	if got.Version != job.Version {
		t.Fatalf("heartbeat must not bump the version: %d -> %d", job.Version, got.Version)
	}
}

func TestNewManagerRejectsBadOptions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	opts := workflow.OptionsFromConfig(cfg)
	if _, err := workflow.NewManager(opts); err == nil {
		t.Fatal("expected error without broker and store")
	}
	opts.Broker = testsupport.MustOpenBroker(t, cfg)
	opts.Store = testsupport.MustOpenStore(t, cfg)
	opts.Executor = executorFunc(func(context.Context, string) pipeline.Outcome { return pipeline.Outcome{} })
	opts.Concurrency = 0
	if _, err := workflow.NewManager(opts); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

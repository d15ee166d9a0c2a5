// Package dispatcher claims due events and runs them on a bounded worker pool.
package dispatcher

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/notify"
	"github.com/PratikDhanave/sync-queue-service/internal/retry"
)

type Config struct {
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FairnessFraction caps each entity type at this share of the workers.
	// Zero or one disables the cap.
	FairnessFraction float64       `mapstructure:"fairness_fraction"`
	StoreBackoffMax  time.Duration `mapstructure:"store_backoff_max"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	OutcomeTimeout   time.Duration `mapstructure:"outcome_timeout"`
	Owner            string        `mapstructure:"owner"`
}

func DefaultConfig() Config {
	return Config{
		Workers:          8,
		BatchSize:        16,
		PollInterval:     time.Second,
		FairnessFraction: 0.5,
		StoreBackoffMax:  30 * time.Second,
		ShutdownGrace:    10 * time.Second,
		OutcomeTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StoreBackoffMax < c.PollInterval {
		c.StoreBackoffMax = max(def.StoreBackoffMax, c.PollInterval)
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.OutcomeTimeout <= 0 {
		c.OutcomeTimeout = def.OutcomeTimeout
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = host
	}
	return c
}

// EntityCap is the most events of one entity type a dispatcher holds at once.
func (c Config) EntityCap() int {
	if c.FairnessFraction <= 0 || c.FairnessFraction >= 1 {
		return c.Workers
	}
	return max(1, int(math.Floor(float64(c.Workers)*c.FairnessFraction)))
}

// Store is the part of the event store the dispatcher drives.
type Store interface {
	ClaimBatch(ctx context.Context, req models.ClaimRequest) ([]models.SyncEvent, error)
	UpdateOutcome(ctx context.Context, u models.OutcomeUpdate) error
}

// Processor runs the handler for one event.
type Processor interface {
	Process(ctx context.Context, ev models.SyncEvent) error
}

type Dispatcher struct {
	cfg      Config
	store    Store
	proc     Processor
	policy   retry.Policy
	notifier notify.Notifier
	now      func() time.Time

	slots    *semaphore.Weighted
	mu       sync.Mutex
	inflight map[models.EntityType]int
	freed    chan struct{}
	workers  sync.WaitGroup

	storeHealthy atomic.Bool
}

func New(cfg Config, st Store, proc Processor, policy retry.Policy, notifier notify.Notifier) *Dispatcher {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    st,
		proc:     proc,
		policy:   policy,
		notifier: notifier,
		now:      time.Now,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		inflight: make(map[models.EntityType]int),
		freed:    make(chan struct{}, 1),
	}
	d.storeHealthy.Store(true)
	return d
}

// StoreHealthy reports whether the last claim reached the store.
func (d *Dispatcher) StoreHealthy() bool {
	return d.storeHealthy.Load()
}

// InFlight returns how many events this dispatcher's workers hold.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.inflight {
		total += n
	}
	return total
}

// Run claims and dispatches until ctx is cancelled, then waits up to
// ShutdownGrace for in-flight workers before cancelling them.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logging.WithAttrs(ctx, slog.String("component", "dispatcher"), slog.String("owner", d.cfg.Owner))
	logging.Info(ctx, "dispatcher started",
		slog.Int("workers", d.cfg.Workers),
		slog.Int("batch_size", d.cfg.BatchSize),
		slog.Int("entity_cap", d.cfg.EntityCap()),
	)

	// Workers outlive ctx so they can finish during the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	failures := 0
	for ctx.Err() == nil {
		claimed, err := d.claim(ctx, workCtx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			wait := d.storeBackoff(failures)
			d.storeHealthy.Store(false)
			metrics.StoreErrors.WithLabelValues("claim").Inc()
			logging.Error(ctx, "claim failed; backing off",
				slog.Int("consecutive_failures", failures),
				slog.Duration("backoff", wait),
				slog.Any("err", errs.Loggable(err)),
			)
			sleep(ctx, wait)
			continue
		}
		if failures > 0 {
			logging.Info(ctx, "store reachable again", slog.Int("after_failures", failures))
		}
		failures = 0
		d.storeHealthy.Store(true)

		// A full batch suggests more work is due right away.
		if claimed > 0 && claimed == d.cfg.BatchSize && d.freeSlots() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.PollInterval):
		case <-d.notifier.C():
		case <-d.freed:
		}
	}

	d.drain(ctx, cancelWork)
	logging.Info(ctx, "dispatcher stopped")
	return nil
}

func (d *Dispatcher) drain(ctx context.Context, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(d.cfg.ShutdownGrace):
	}

	logging.Warn(ctx, "shutdown grace expired; cancelling workers", slog.Int("inflight", d.InFlight()))
	cancelWork()
	<-done
}

// claim reserves worker slots, then asks the store for at most that many
// events within the per-entity caps and starts a worker for each. Slots the
// store could not fill are handed back.
func (d *Dispatcher) claim(ctx, workCtx context.Context) (int, error) {
	n := min(d.cfg.BatchSize, d.freeSlots())
	if n <= 0 || !d.slots.TryAcquire(int64(n)) {
		return 0, nil
	}

	events, err := d.store.ClaimBatch(ctx, models.ClaimRequest{
		Max:    n,
		Now:    d.now().UTC(),
		Owner:  d.cfg.Owner,
		Limits: d.entityLimits(),
	})
	if err != nil {
		d.slots.Release(int64(n))
		return 0, errs.Wrap(err, "claim batch")
	}
	if len(events) > n {
		logging.Error(ctx, "store returned more events than requested", slog.Int("requested", n), slog.Int("claimed", len(events)))
		events = events[:n]
	}
	if unused := n - len(events); unused > 0 {
		d.slots.Release(int64(unused))
	}

	for _, ev := range events {
		d.track(ev.EntityType, 1)
		metrics.ClaimedEvents.Inc()
		d.workers.Add(1)
		go func(ev models.SyncEvent) {
			defer d.workers.Done()
			defer d.release(ev.EntityType)
			d.execute(workCtx, ev)
		}(ev)
	}
	return len(events), nil
}

func (d *Dispatcher) entityLimits() map[models.EntityType]int {
	if d.cfg.EntityCap() >= d.cfg.Workers {
		return nil
	}
	capacity := d.cfg.EntityCap()
	d.mu.Lock()
	defer d.mu.Unlock()
	limits := make(map[models.EntityType]int, len(models.AllEntityTypes))
	for _, e := range models.AllEntityTypes {
		limits[e] = max(0, capacity-d.inflight[e])
	}
	return limits
}

func (d *Dispatcher) freeSlots() int {
	return d.cfg.Workers - d.InFlight()
}

func (d *Dispatcher) track(entity models.EntityType, delta int) {
	d.mu.Lock()
	d.inflight[entity] += delta
	if d.inflight[entity] <= 0 {
		delete(d.inflight, entity)
	}
	d.mu.Unlock()
	metrics.InFlight.Add(float64(delta))
}

// release frees the slot before the in-flight count drops, so freeSlots
// never reports a slot the semaphore has not given back.
func (d *Dispatcher) release(entity models.EntityType) {
	d.slots.Release(1)
	d.track(entity, -1)
	select {
	case d.freed <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) storeBackoff(failures int) time.Duration {
	wait := d.cfg.PollInterval
	for i := 1; i < failures && wait < d.cfg.StoreBackoffMax; i++ {
		wait *= 2
	}
	return min(wait, d.cfg.StoreBackoffMax)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

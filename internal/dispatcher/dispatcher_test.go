package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/notify"
	"github.com/PratikDhanave/sync-queue-service/internal/processor"
	"github.com/PratikDhanave/sync-queue-service/internal/retry"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s store.Store, entity models.EntityType, id string) string {
	t.Helper()
	res, err := s.Insert(context.Background(), models.NewEvent{
		DedupKey:      models.DedupKey(string(entity), id, "1"),
		EntityType:    entity,
		SourceType:    models.SourceExternalSystem,
		SourceID:      id,
		ChangeVersion: "1",
		Payload:       json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		ReceivedAt:    time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	return res.ID
}

func testConfig() Config {
	return Config{
		Workers:         4,
		BatchSize:       4,
		PollInterval:    10 * time.Millisecond,
		StoreBackoffMax: 40 * time.Millisecond,
		ShutdownGrace:   time.Second,
		Owner:           "test",
	}
}

// fastPolicy retries almost immediately so tests can observe several attempts.
var fastPolicy = retry.Policy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 5 * time.Millisecond, Rand: func(int64) int64 { return 0 }}

func start(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func statusOf(t *testing.T, s store.Store, id string) models.SyncEvent {
	t.Helper()
	ev, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func TestDispatcherCompletesEvents(t *testing.T) {
	s := openStore(t)
	var calls sync.Map
	reg := processor.NewRegistry(time.Second)
	for _, e := range models.AllEntityTypes {
		reg.Register(e, processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
			ev, _ := processor.EventFromContext(ctx)
			n, _ := calls.LoadOrStore(ev.ID, new(atomic.Int32))
			n.(*atomic.Int32).Add(1)
			return nil
		}))
	}

	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, insert(t, s, models.AllEntityTypes[i%3], fmt.Sprintf("E-%d", i)))
	}

	d := New(testConfig(), s, reg, retry.DefaultPolicy(), nil)
	stop := start(t, d)
	require.Eventually(t, func() bool {
		b, err := s.Breakdown(context.Background())
		return err == nil && b.ByStatus[models.StatusCompleted] == 12
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	for _, id := range ids {
		n, ok := calls.Load(id)
		require.True(t, ok)
		assert.EqualValues(t, 1, n.(*atomic.Int32).Load(), "event %s processed more than once", id)
		assert.Equal(t, 1, statusOf(t, s, id).AttemptCount)
	}
	assert.Zero(t, d.InFlight())
}

func TestDispatcherRetriesThenDeadLetters(t *testing.T) {
	s := openStore(t)
	var attempts atomic.Int32
	reg := processor.NewRegistry(time.Second)
	reg.Register(models.EntityInvoice, processor.HandlerFunc(func(context.Context, json.RawMessage) error {
		attempts.Add(1)
		return errors.New("upstream 503")
	}))
	id := insert(t, s, models.EntityInvoice, "INV-1")

	stop := start(t, New(testConfig(), s, reg, fastPolicy, nil))
	require.Eventually(t, func() bool {
		return statusOf(t, s, id).Status == models.StatusDeadLetter
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	ev := statusOf(t, s, id)
	assert.Equal(t, 3, ev.AttemptCount)
	assert.EqualValues(t, 3, attempts.Load())
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "upstream 503")
}

func TestDispatcherPermanentFailureDeadLettersImmediately(t *testing.T) {
	s := openStore(t)
	reg := processor.NewRegistry(time.Second)
	reg.Register(models.EntityCustomer, processor.HandlerFunc(func(context.Context, json.RawMessage) error {
		return processor.Permanent(errors.New("email is invalid"))
	}))
	id := insert(t, s, models.EntityCustomer, "C-1")
	noHandler := insert(t, s, models.EntityBill, "BILL-1")

	stop := start(t, New(testConfig(), s, reg, fastPolicy, nil))
	require.Eventually(t, func() bool {
		return statusOf(t, s, id).Status == models.StatusDeadLetter &&
			statusOf(t, s, noHandler).Status == models.StatusDeadLetter
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 1, statusOf(t, s, id).AttemptCount)
	assert.Equal(t, 1, statusOf(t, s, noHandler).AttemptCount)
}

func TestDispatcherEntityFairness(t *testing.T) {
	s := openStore(t)
	release := make(chan struct{})
	var (
		mu      sync.Mutex
		running = map[models.EntityType]int{}
		peak    = map[models.EntityType]int{}
	)
	block := processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		ev, _ := processor.EventFromContext(ctx)
		mu.Lock()
		running[ev.EntityType]++
		peak[ev.EntityType] = max(peak[ev.EntityType], running[ev.EntityType])
		mu.Unlock()
		<-release
		mu.Lock()
		running[ev.EntityType]--
		mu.Unlock()
		return nil
	})
	reg := processor.NewRegistry(5 * time.Second)
	reg.Register(models.EntityProduct, block)
	reg.Register(models.EntityCustomer, block)

	// Products are older, so without a cap they would take every slot.
	for i := 0; i < 6; i++ {
		insert(t, s, models.EntityProduct, fmt.Sprintf("P-%d", i))
	}
	for i := 0; i < 2; i++ {
		insert(t, s, models.EntityCustomer, fmt.Sprintf("C-%d", i))
	}

	cfg := testConfig()
	cfg.FairnessFraction = 0.5
	require.Equal(t, 2, cfg.withDefaults().EntityCap())
	d := New(cfg, s, reg, retry.DefaultPolicy(), nil)
	stop := start(t, d)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running[models.EntityProduct] == 2 && running[models.EntityCustomer] == 2
	}, 5*time.Second, 10*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		b, err := s.Breakdown(context.Background())
		return err == nil && b.ByStatus[models.StatusCompleted] == 8
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak[models.EntityProduct], 2)
	assert.LessOrEqual(t, peak[models.EntityCustomer], 2)
}

func TestDispatcherCappedBacklogLeavesRoomForOthers(t *testing.T) {
	s := openStore(t)
	release := make(chan struct{})
	reg := processor.NewRegistry(10 * time.Second)
	reg.Register(models.EntityProduct, processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	customers := make(chan string, 1)
	reg.Register(models.EntityCustomer, processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		ev, _ := processor.EventFromContext(ctx)
		customers <- ev.ID
		return nil
	}))

	// Far more products than a few batches' worth, all older than the customer.
	for i := 0; i < 40; i++ {
		insert(t, s, models.EntityProduct, fmt.Sprintf("P-%d", i))
	}
	c1 := insert(t, s, models.EntityCustomer, "C-1")

	cfg := testConfig()
	cfg.FairnessFraction = 0.5
	d := New(cfg, s, reg, retry.DefaultPolicy(), nil)
	stop := start(t, d)
	defer func() {
		close(release)
		stop()
	}()

	select {
	case got := <-customers:
		assert.Equal(t, c1, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("customer event starved behind capped products; inflight=%d", d.InFlight())
	}
}

func TestDispatcherClaimReturnsUnusedSlots(t *testing.T) {
	st := &flakyStore{outcomes: make(chan models.OutcomeUpdate, 1)}
	cfg := testConfig()
	d := New(cfg, st, processor.NewRegistry(time.Second), retry.DefaultPolicy(), nil)
	ctx := context.Background()

	n, err := d.claim(ctx, ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.True(t, d.slots.TryAcquire(int64(cfg.Workers)), "empty claim kept slots")
	d.slots.Release(int64(cfg.Workers))

	st.failing.Store(true)
	_, err = d.claim(ctx, ctx)
	require.Error(t, err)
	require.True(t, d.slots.TryAcquire(int64(cfg.Workers)), "failed claim kept slots")
	d.slots.Release(int64(cfg.Workers))
}

func TestDispatcherWakesOnNotify(t *testing.T) {
	s := openStore(t)
	done := make(chan string, 1)
	reg := processor.NewRegistry(time.Second)
	reg.Register(models.EntityOrder, processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		ev, _ := processor.EventFromContext(ctx)
		done <- ev.ID
		return nil
	}))

	n := notify.NewLocal()
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	stop := start(t, New(cfg, s, reg, retry.DefaultPolicy(), n))
	defer stop()

	// Let the first, empty claim happen before inserting.
	time.Sleep(50 * time.Millisecond)
	id := insert(t, s, models.EntityOrder, "SO-1")
	n.Notify(context.Background(), models.EntityOrder)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("notification did not wake the dispatcher")
	}
}

type flakyStore struct {
	failing  atomic.Bool
	claims   atomic.Int32
	outcomes chan models.OutcomeUpdate
	events   []models.SyncEvent
	mu       sync.Mutex
}

func (f *flakyStore) ClaimBatch(_ context.Context, req models.ClaimRequest) ([]models.SyncEvent, error) {
	f.claims.Add(1)
	if f.failing.Load() {
		return nil, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(req.Max, len(f.events))
	out := f.events[:n]
	f.events = f.events[n:]
	return out, nil
}

func (f *flakyStore) UpdateOutcome(_ context.Context, u models.OutcomeUpdate) error {
	f.outcomes <- u
	return nil
}

func TestDispatcherBacksOffOnStoreErrors(t *testing.T) {
	st := &flakyStore{outcomes: make(chan models.OutcomeUpdate, 1)}
	st.failing.Store(true)
	d := New(testConfig(), st, processor.NewRegistry(time.Second), retry.DefaultPolicy(), nil)

	stop := start(t, d)
	defer stop()

	require.Eventually(t, func() bool { return !d.StoreHealthy() }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	// Backoff is capped at 40ms, so far fewer claims than a 10ms poll would make.
	assert.Less(t, int(st.claims.Load()), 15)

	st.failing.Store(false)
	require.Eventually(t, d.StoreHealthy, time.Second, 5*time.Millisecond)
}

func TestDispatcherShutdownCancelsAfterGrace(t *testing.T) {
	st := &flakyStore{
		outcomes: make(chan models.OutcomeUpdate, 1),
		events: []models.SyncEvent{{
			ID: "ev-1", EntityType: models.EntityProduct, SourceType: models.SourceManual,
			AttemptCount: 1, ClaimToken: "tok", Status: models.StatusProcessing,
		}},
	}
	started := make(chan struct{})
	reg := processor.NewRegistry(time.Hour)
	reg.Register(models.EntityProduct, processor.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	cfg := testConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	d := New(cfg, st, reg, retry.DefaultPolicy(), nil)
	stop := start(t, d)

	<-started
	began := time.Now()
	stop()
	assert.GreaterOrEqual(t, time.Since(began), 50*time.Millisecond)

	select {
	case u := <-st.outcomes:
		assert.Equal(t, "tok", u.ClaimToken)
		assert.Equal(t, models.StatusRetry, u.Status)
		assert.False(t, u.Attempt.Succeeded)
	case <-time.After(time.Second):
		t.Fatal("cancelled worker did not record an outcome")
	}
}

func TestEntityCap(t *testing.T) {
	tests := []struct {
		workers  int
		fraction float64
		want     int
	}{
		{8, 0.5, 4},
		{3, 0.25, 1},
		{10, 0.33, 3},
		{4, 0, 4},
		{4, 1, 4},
	}
	for _, tt := range tests {
		cfg := Config{Workers: tt.workers, FairnessFraction: tt.fraction}
		assert.Equalf(t, tt.want, cfg.EntityCap(), "workers=%d fraction=%v", tt.workers, tt.fraction)
	}
}

func TestStoreBackoffGrowsToCap(t *testing.T) {
	d := New(Config{PollInterval: 100 * time.Millisecond, StoreBackoffMax: time.Second}, nil, nil, retry.DefaultPolicy(), nil)
	assert.Equal(t, 100*time.Millisecond, d.storeBackoff(1))
	assert.Equal(t, 200*time.Millisecond, d.storeBackoff(2))
	assert.Equal(t, 800*time.Millisecond, d.storeBackoff(4))
	assert.Equal(t, time.Second, d.storeBackoff(5))
	assert.Equal(t, time.Second, d.storeBackoff(50))
}

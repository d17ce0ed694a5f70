package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/models"
)

func TestReconcile_Convergence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := time.Now().Add(-2 * time.Hour)

	invoice, items := env.seedInvoice(t, "100", "50", "30")
	missed := env.seedPayment(t, &invoice.ID, nil, "120", "order_missed", stale)
	abandoned := env.seedPayment(t, &invoice.ID, nil, "60", "order_abandoned", stale.Add(time.Minute))
	declined := env.seedPayment(t, &invoice.ID, nil, "60", "order_declined", stale.Add(2*time.Minute))
	inFlight := env.seedPayment(t, &invoice.ID, nil, "60", "order_inflight", stale.Add(3*time.Minute))
	fresh := env.seedPayment(t, &invoice.ID, nil, "60", "order_fresh", time.Now())

	env.fake.PaymentsByOrder["order_missed"] = []gateway.PaymentDetails{
		{ID: "pay_failed_try", OrderID: "order_missed", Status: gateway.PaymentFailed},
		{ID: "pay_missed", OrderID: "order_missed", Status: gateway.PaymentCaptured, Method: "netbanking"},
	}
	env.fake.PaymentsByOrder["order_declined"] = []gateway.PaymentDetails{
		{ID: "pay_declined", OrderID: "order_declined", Status: gateway.PaymentFailed},
	}
	env.fake.PaymentsByOrder["order_inflight"] = []gateway.PaymentDetails{
		{ID: "pay_inflight", OrderID: "order_inflight", Status: gateway.PaymentAuthorized},
	}

	result, err := env.recon.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReconciliationResult{Processed: 4, Reconciled: 1, MarkedFailed: 2, Skipped: 1}, result)

	got := env.reloadPayment(t, missed.ID)
	assert.Equal(t, models.PaymentStatusCaptured, got.Status)
	assert.Equal(t, "pay_missed", *got.GatewayPaymentID)
	assert.Equal(t, "netbanking", *got.Method)
	paid := env.allocationsFor(t, items)
	assert.Equal(t, "100.00", paid[items[0].ID].StringFixed(2))
	assert.Equal(t, "20.00", paid[items[1].ID].StringFixed(2))

	for _, p := range []*models.Payment{abandoned, declined} {
		got := env.reloadPayment(t, p.ID)
		assert.Equal(t, models.PaymentStatusFailed, got.Status)
		require.NotNil(t, got.ErrorDescription)
		assert.Equal(t, "reconciled: not captured", *got.ErrorDescription)
	}
	assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, inFlight.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, fresh.ID).Status)

	assert.Len(t, env.bus.Events(eventbus.TopicPaymentCaptured), 1)
	assert.Len(t, env.bus.Events(eventbus.TopicPaymentFailed), 2)
	assert.Len(t, env.bus.Events(eventbus.TopicPaymentReconciled), 3)

	snap := env.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.ReconcileRuns)
	assert.Equal(t, int64(3), snap.ReconcileRepaired)

	t.Run("second sweep only revisits the in-flight payment", func(t *testing.T) {
		result, err := env.recon.Reconcile(ctx, ReconcileOptions{})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, Skipped: 1}, result)
	})
}

func TestReconcile_BatchSizeOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	stale := time.Now().Add(-3 * time.Hour)

	order := env.seedOrder(t, "40", models.OrderPendingPayment)
	oldest := env.seedPayment(t, nil, &order.ID, "40", "order_b1", stale)
	env.seedPayment(t, nil, &order.ID, "40", "order_b2", stale.Add(time.Minute))

	result, err := env.recon.Reconcile(context.Background(), ReconcileOptions{BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, models.PaymentStatusFailed, env.reloadPayment(t, oldest.ID).Status)
}

func TestReconcile_StuckPaymentDoesNotStarveNewer(t *testing.T) {
	ctx := context.Background()
	stale := time.Now().Add(-3 * time.Hour)

	t.Run("erroring payment", func(t *testing.T) {
		env := newTestEnv(t)
		orphan := models.School{Name: "Credentials Revoked School"}
		require.NoError(t, env.db.Create(&orphan).Error)

		invoice, _ := env.seedInvoice(t, "100")
		stuck := env.seedPayment(t, &invoice.ID, nil, "100", "order_stuck", stale)
		require.NoError(t, env.db.Model(stuck).Update("school_id", orphan.ID).Error)
		newer := env.seedPayment(t, &invoice.ID, nil, "100", "order_newer", stale.Add(time.Hour))
		env.fake.PaymentsByOrder["order_newer"] = []gateway.PaymentDetails{
			{ID: "pay_newer", OrderID: "order_newer", Status: gateway.PaymentCaptured, Method: "card"},
		}

		first, err := env.recon.Reconcile(ctx, ReconcileOptions{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, Errors: 1}, first)
		assert.NotNil(t, env.reloadPayment(t, stuck.ID).ReconcileAttemptedAt)

		second, err := env.recon.Reconcile(ctx, ReconcileOptions{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, Reconciled: 1}, second)
		assert.Equal(t, models.PaymentStatusCaptured, env.reloadPayment(t, newer.ID).Status)
		assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, stuck.ID).Status)
	})

	t.Run("in-flight payment", func(t *testing.T) {
		env := newTestEnv(t)
		order := env.seedOrder(t, "40", models.OrderPendingPayment)
		inFlight := env.seedPayment(t, nil, &order.ID, "40", "order_slow", stale)
		newer := env.seedPayment(t, nil, &order.ID, "40", "order_gone", stale.Add(time.Hour))
		env.fake.PaymentsByOrder["order_slow"] = []gateway.PaymentDetails{
			{ID: "pay_slow", OrderID: "order_slow", Status: gateway.PaymentAuthorized},
		}

		first, err := env.recon.Reconcile(ctx, ReconcileOptions{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, Skipped: 1}, first)

		second, err := env.recon.Reconcile(ctx, ReconcileOptions{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, MarkedFailed: 1}, second)
		assert.Equal(t, models.PaymentStatusFailed, env.reloadPayment(t, newer.ID).Status)
		assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, inFlight.ID).Status)
	})
}

func TestReconcile_ErrorsAreCountedNotRaised(t *testing.T) {
	t.Run("gateway failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.OrderPaymentsErr = errors.New("SERVER_ERROR: try later")

		invoice, _ := env.seedInvoice(t, "100")
		p := env.seedPayment(t, &invoice.ID, nil, "100", "order_err", time.Now().Add(-2*time.Hour))

		result, err := env.recon.Reconcile(context.Background(), ReconcileOptions{})
		require.NoError(t, err)
		assert.Equal(t, ReconciliationResult{Processed: 1, Errors: 1}, result)
		assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, p.ID).Status)
	})

	t.Run("school not configured", func(t *testing.T) {
		env := newTestEnv(t, withoutCredentials())

		invoice, _ := env.seedInvoice(t, "100")
		env.seedPayment(t, &invoice.ID, nil, "100", "order_nocreds", time.Now().Add(-2*time.Hour))

		result, err := env.recon.Reconcile(context.Background(), ReconcileOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Errors)
		assert.Zero(t, env.fake.TotalCalls())
	})
}

func TestReconcile_AllocationFailure(t *testing.T) {
	env := newTestEnv(t)

	invoice, _ := env.seedInvoice(t, "100")
	p := env.seedPayment(t, &invoice.ID, nil, "140", "order_ralloc", time.Now().Add(-2*time.Hour))
	env.fake.PaymentsByOrder["order_ralloc"] = []gateway.PaymentDetails{
		{ID: "pay_ralloc", OrderID: "order_ralloc", Status: gateway.PaymentCaptured},
	}

	result, err := env.recon.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	assert.Equal(t, models.PaymentStatusCapturedAllocationFailed, env.reloadPayment(t, p.ID).Status)
	assert.Len(t, env.bus.Events(eventbus.TopicPaymentAllocationFailed), 1)
	assert.Zero(t, env.count(t, &models.PaymentAllocation{}))
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	deny     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.deny || l.held {
		return nil, false, nil
	}
	l.held = true
	l.acquired++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
	}, true, nil
}

func workerConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		Enabled:    true,
		Interval:   20 * time.Millisecond,
		StaleAfter: time.Hour,
		BatchSize:  10,
		LockTTL:    time.Second,
	}
}

func TestReconciliationWorker_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("holds the lock for the sweep", func(t *testing.T) {
		locker := &fakeLocker{}
		w := NewReconciliationWorker(env.recon, locker, workerConfig(), zap.NewNop())
		assert.True(t, w.RunOnce(ctx))
		assert.Equal(t, 1, locker.acquired)
		assert.Equal(t, 1, locker.released)
	})

	t.Run("skips when another replica holds the lock", func(t *testing.T) {
		before := env.metrics.Snapshot().ReconcileRuns
		w := NewReconciliationWorker(env.recon, &fakeLocker{deny: true}, workerConfig(), zap.NewNop())
		assert.False(t, w.RunOnce(ctx))
		assert.Equal(t, before, env.metrics.Snapshot().ReconcileRuns)
	})

	t.Run("skips when the lock store is down", func(t *testing.T) {
		w := NewReconciliationWorker(env.recon, &fakeLocker{err: errors.New("connection refused")}, workerConfig(), zap.NewNop())
		assert.False(t, w.RunOnce(ctx))
	})

	t.Run("runs unlocked without a locker", func(t *testing.T) {
		w := NewReconciliationWorker(env.recon, nil, workerConfig(), zap.NewNop())
		assert.True(t, w.RunOnce(ctx))
	})
}

func TestReconciliationWorker_StartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := NewReconciliationWorker(env.recon, &fakeLocker{}, workerConfig(), zap.NewNop())
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))

	require.Eventually(t, func() bool {
		return env.metrics.Snapshot().ReconcileRuns >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	require.NoError(t, w.Stop(stopCtx))

	cfg := workerConfig()
	cfg.Interval = 0
	assert.Error(t, NewReconciliationWorker(env.recon, nil, cfg, zap.NewNop()).Start(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	locker := NewRedisLocker(client, zap.NewNop())
	key := "school-payments:test:" + t.Name()

	release, ok, err := locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

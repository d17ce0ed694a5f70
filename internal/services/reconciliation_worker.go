package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/config"
)

const reconcileLockKey = "school-payments:reconcile:lock"

// Locker guards a sweep so only one worker replica runs it at a time.
type Locker interface {
	// Acquire returns a release func, or ok=false when another holder has the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker is a SET NX lock with a token-checked release.
type RedisLocker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// the sweep context may be gone by now
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}

// ReconciliationWorker runs Reconcile on a fixed interval.
type ReconciliationWorker struct {
	service *ReconciliationService
	locker  Locker
	cfg     config.ReconciliationConfig
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciliationWorker builds a worker. locker may be nil for a single replica.
func NewReconciliationWorker(service *ReconciliationService, locker Locker, cfg config.ReconciliationConfig, logger *zap.Logger) *ReconciliationWorker {
	return &ReconciliationWorker{
		service: service,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start launches the sweep loop. The loop outlives ctx, which only bounds startup.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return errors.New("reconciliation worker already running")
	}
	if w.cfg.Interval <= 0 {
		return fmt.Errorf("reconciliation interval must be positive, got %s", w.cfg.Interval)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx, w.done)

	w.logger.Info("Started reconciliation worker",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("stale_after", w.cfg.StaleAfter),
		zap.Int("batch_size", w.cfg.BatchSize))
	return nil
}

// Stop cancels the loop and waits for an in-progress sweep, bounded by ctx.
func (w *ReconciliationWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.logger.Info("Stopped reconciliation worker")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ReconciliationWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single locked sweep. It reports whether a sweep ran.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) bool {
	if w.locker != nil {
		ttl := w.cfg.LockTTL
		if ttl <= 0 {
			ttl = w.cfg.Interval
		}
		release, ok, err := w.locker.Acquire(ctx, reconcileLockKey, ttl)
		if err != nil {
			w.logger.Warn("Skipping reconciliation sweep; lock unavailable", zap.Error(err))
			return false
		}
		if !ok {
			w.logger.Debug("Reconciliation sweep held by another worker")
			return false
		}
		defer release()
	}

	_, err := w.service.Reconcile(ctx, ReconcileOptions{
		StaleAfter: w.cfg.StaleAfter,
		BatchSize:  w.cfg.BatchSize,
	})
	if err != nil {
		w.logger.Error("Reconciliation sweep failed", zap.Error(err))
	}
	return true
}

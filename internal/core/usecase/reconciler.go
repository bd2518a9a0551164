package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

type Syncer interface {
	Sync(ctx context.Context) (SyncResult, error)
}

// Reconciler rebuilds on a fixed interval so a failed synchronization is
// retried without waiting for another mutation. When the rebuilt
// configuration differs from the installed one it queues a restart.
type Reconciler struct {
	syncer   Syncer
	outbox   ports.OutboxRepository
	notifier ports.SyncNotifier
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(syncer Syncer, outbox ports.OutboxRepository, notifier ports.SyncNotifier, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{syncer: syncer, outbox: outbox, notifier: notifier, interval: interval, log: log}
}

func (r *Reconciler) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *Reconciler) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("periodic reconcile failed", zap.Error(err))
		}
	}
}

// RunOnce reports whether a restart was queued.
func (r *Reconciler) RunOnce(ctx context.Context) (bool, error) {
	result, err := r.syncer.Sync(ctx)
	if err != nil {
		return false, err
	}
	if !result.Changed {
		return false, nil
	}

	req := domain.SyncRequest{
		EventType: domain.EventReconcileRequested,
		Reason:    domain.ReasonFor(domain.EventReconcileRequested),
		Actor:     "reconciler",
	}
	if err := r.outbox.Enqueue(ctx, req); err != nil {
		return false, err
	}
	r.log.Info("installed config drifted from store, restart queued", zap.Int("apps", len(result.Config.Apps)))
	if r.notifier != nil {
		r.notifier.Notify(req.Reason)
	}
	return true, nil
}

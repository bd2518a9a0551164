package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Rebuilder produces and installs the server configuration.
type Rebuilder interface {
	Rebuild(ctx context.Context) (domain.ServerConfig, error)
}

type CoordinatorOptions struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetry      int
	Workers       int
	SignalRetries uint64
	SignalBackoff time.Duration
}

// RestartCoordinator drains sync requests from the outbox. Every claimed batch
// is reconciled with one rebuild and one restart signal, however many requests
// it holds.
type RestartCoordinator struct {
	repo     ports.OutboxRepository
	rebuild  Rebuilder
	signaler ports.RestartSignaler
	wakeups  <-chan struct{}
	log      *zap.Logger

	interval      time.Duration
	batchSize     int
	maxRetry      int
	workers       int
	signalRetries uint64
	signalBackoff time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu      sync.RWMutex
	lastRestartAt *time.Time
	lastReason    string
	lastError     string

	restartSuccessTotal atomic.Int64
	restartFailureTotal atomic.Int64
	restartDeadTotal    atomic.Int64
	requestsTotal       atomic.Int64
}

type RestartCoordinatorMetrics struct {
	RestartSuccessTotal int64 `json:"restart_success_total"`
	RestartFailureTotal int64 `json:"restart_failure_total"`
	RestartDeadTotal    int64 `json:"restart_dead_total"`
	RequestsTotal       int64 `json:"requests_total"`
}

type RestartStatus struct {
	LastRestartAt *time.Time                `json:"last_restart_at,omitempty"`
	LastReason    string                    `json:"last_reason,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	Metrics       RestartCoordinatorMetrics `json:"metrics"`
}

// NewRestartCoordinator wires the coordinator. wakeups may be nil, in which
// case only the poll interval drives it.
func NewRestartCoordinator(repo ports.OutboxRepository, rebuild Rebuilder, signaler ports.RestartSignaler, wakeups <-chan struct{}, log *zap.Logger, opts CoordinatorOptions) *RestartCoordinator {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SignalBackoff <= 0 {
		opts.SignalBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RestartCoordinator{
		repo:          repo,
		rebuild:       rebuild,
		signaler:      signaler,
		wakeups:       wakeups,
		log:           log,
		interval:      opts.Interval,
		batchSize:     opts.BatchSize,
		maxRetry:      opts.MaxRetry,
		workers:       opts.Workers,
		signalRetries: opts.SignalRetries,
		signalBackoff: opts.SignalBackoff,
	}
}

func (c *RestartCoordinator) Start(parent context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.loop(ctx, i)
	}
}

func (c *RestartCoordinator) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *RestartCoordinator) loop(ctx context.Context, worker int) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log := c.log.With(zap.Int("worker", worker))

	for {
		n, err := c.processBatch(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("restart batch failed", zap.Error(err))
		}
		if err == nil && n == c.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wakeups:
		}
	}
}

// RunOnce claims and reconciles one batch.
func (c *RestartCoordinator) RunOnce(ctx context.Context) error {
	_, err := c.processBatch(ctx)
	return err
}

func (c *RestartCoordinator) processBatch(ctx context.Context) (int, error) {
	events, err := c.repo.ClaimPending(ctx, c.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	batch := make([]domain.OutboxEvent, 0, len(events))
	reasons := make([]string, 0, len(events))
	for _, event := range events {
		var req domain.SyncRequest
		if err := json.Unmarshal(event.PayloadJSON, &req); err != nil {
			if markErr := c.markFailure(ctx, event, fmt.Sprintf("decode payload: %v", err), ""); markErr != nil {
				return len(events), markErr
			}
			continue
		}
		batch = append(batch, event)
		reasons = append(reasons, req.Reason)
	}
	if len(batch) == 0 {
		return len(events), nil
	}

	c.requestsTotal.Add(int64(len(batch)))
	restartCoalescedRequests.Observe(float64(len(batch)))
	reason := summarizeReasons(reasons)

	cfg, err := c.rebuild.Rebuild(ctx)
	if err != nil {
		// Either the empty configuration is on disk or ctx ended first. The
		// server keeps running on its last loaded one until a rebuild succeeds.
		c.recordFailure(reason, err)
		if markErr := c.failBatch(ctx, batch, err.Error(), reason); markErr != nil {
			return len(events), markErr
		}
		return len(events), err
	}

	if err := c.signal(ctx, reason); err != nil {
		restartErr := &domain.RestartError{Reason: reason, Err: err}
		restartSignalTotal.WithLabelValues("error").Inc()
		c.recordFailure(reason, restartErr)
		if markErr := c.failBatch(ctx, batch, restartErr.Error(), reason); markErr != nil {
			return len(events), markErr
		}
		return len(events), restartErr
	}

	ids := make([]int64, 0, len(batch))
	for _, event := range batch {
		ids = append(ids, event.ID)
	}
	if err := c.repo.MarkCompleted(ctx, ids); err != nil {
		return len(events), err
	}

	restartSignalTotal.WithLabelValues("ok").Inc()
	c.restartSuccessTotal.Add(1)
	c.recordSuccess(reason)
	c.log.Info("messaging server restarted",
		zap.String("reason", reason),
		zap.Int("requests", len(batch)),
		zap.Int("apps", len(cfg.Apps)),
	)
	return len(events), nil
}

func (c *RestartCoordinator) signal(ctx context.Context, reason string) error {
	backoff := retry.WithMaxRetries(c.signalRetries, retry.NewExponential(c.signalBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.signaler.Restart(ctx, reason); err != nil {
			c.log.Debug("restart signal attempt failed", zap.String("reason", reason), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (c *RestartCoordinator) failBatch(ctx context.Context, batch []domain.OutboxEvent, errMsg, reason string) error {
	c.restartFailureTotal.Add(1)
	for _, event := range batch {
		if err := c.markFailure(ctx, event, errMsg, reason); err != nil {
			return err
		}
	}
	return nil
}

func (c *RestartCoordinator) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg, reason string) error {
	attempts := event.Attempts + 1
	if attempts >= c.maxRetry {
		if err := c.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
			return err
		}
		c.restartDeadTotal.Add(1)
		restartDeadTotal.Inc()
		c.log.Error("restart failed",
			zap.String("event_id", event.EventID),
			zap.String("reason", reason),
			zap.Int("attempts", attempts),
			zap.String("error", errMsg),
		)
		return nil
	}
	next := time.Now().UTC().Add(backoffDuration(attempts)).Format(time.RFC3339Nano)
	return c.repo.MarkFailed(ctx, event.ID, attempts, next, errMsg)
}

func (c *RestartCoordinator) recordSuccess(reason string) {
	now := time.Now().UTC()
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastRestartAt = &now
	c.lastReason = reason
	c.lastError = ""
}

func (c *RestartCoordinator) recordFailure(reason string, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastReason = reason
	c.lastError = err.Error()
}

func (c *RestartCoordinator) Metrics() RestartCoordinatorMetrics {
	return RestartCoordinatorMetrics{
		RestartSuccessTotal: c.restartSuccessTotal.Load(),
		RestartFailureTotal: c.restartFailureTotal.Load(),
		RestartDeadTotal:    c.restartDeadTotal.Load(),
		RequestsTotal:       c.requestsTotal.Load(),
	}
}

func (c *RestartCoordinator) Status() RestartStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	status := RestartStatus{
		LastReason: c.lastReason,
		LastError:  c.lastError,
		Metrics:    c.Metrics(),
	}
	if c.lastRestartAt != nil {
		at := *c.lastRestartAt
		status.LastRestartAt = &at
	}
	return status
}

// summarizeReasons turns ["updated","created","updated"] into
// "created, updated (3 requests)".
func summarizeReasons(reasons []string) string {
	unique := slices.Clone(reasons)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	if len(reasons) == 1 {
		return reasons[0]
	}
	return fmt.Sprintf("%s (%d requests)", strings.Join(unique, ", "), len(reasons))
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

package ports

import (
	"context"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkCompleted(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
	Enqueue(ctx context.Context, req domain.SyncRequest) error
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// ConfigInstaller makes a ServerConfig the one the messaging server loads on
// its next start or reload.
type ConfigInstaller interface {
	Install(ctx context.Context, cfg domain.ServerConfig) (changed bool, err error)
}

// RestartSignaler asks the messaging server process to restart or reload.
// It either fully succeeds or leaves the old process running.
type RestartSignaler interface {
	Restart(ctx context.Context, reason string) error
}

// SyncNotifier receives the in-process nudge raised after a commit.
type SyncNotifier interface {
	Notify(reason string)
}

package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
)

type SyncStatus struct {
	Outbox  domain.OutboxStats `json:"outbox"`
	Restart RestartStatus      `json:"restart"`
}

// SyncService backs the manual reconcile and status endpoints.
type SyncService struct {
	outbox      ports.OutboxRepository
	notifier    ports.SyncNotifier
	coordinator *RestartCoordinator
}

func NewSyncService(outbox ports.OutboxRepository, notifier ports.SyncNotifier, coordinator *RestartCoordinator) *SyncService {
	return &SyncService{outbox: outbox, notifier: notifier, coordinator: coordinator}
}

// RequestSync queues a reconcile regardless of whether anything changed.
func (s *SyncService) RequestSync(ctx context.Context, meta domain.MutationMetadata) (domain.SyncRequest, error) {
	meta = meta.Normalize()
	req := domain.SyncRequest{
		EventType:   domain.EventReconcileRequested,
		Reason:      domain.ReasonFor(domain.EventReconcileRequested),
		Actor:       meta.Actor,
		RequestedAt: meta.OccurredAt.UTC(),
	}
	if err := s.outbox.Enqueue(ctx, req); err != nil {
		return domain.SyncRequest{}, fmt.Errorf("request sync: %w", err)
	}
	if s.notifier != nil {
		s.notifier.Notify(req.Reason)
	}
	return req, nil
}

func (s *SyncService) Status(ctx context.Context) (SyncStatus, error) {
	stats, err := s.outbox.Stats(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	status := SyncStatus{Outbox: stats}
	if s.coordinator != nil {
		status.Restart = s.coordinator.Status()
	}
	return status, nil
}

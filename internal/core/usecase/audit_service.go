package usecase

import (
	"context"
	"strings"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
)

type AuditService struct {
	repo ports.AuditTrailRepository
}

func NewAuditService(repo ports.AuditTrailRepository) *AuditService {
	return &AuditService{repo: repo}
}

func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	filter.AggregateID = strings.TrimSpace(filter.AggregateID)
	filter.Action = strings.TrimSpace(filter.Action)
	if filter.Action != "" && !strings.HasPrefix(filter.Action, domain.AggregateApplication+".") {
		filter.Action = domain.AggregateApplication + "." + filter.Action
	}
	if filter.AfterID < 0 {
		return nil, domain.NewValidationError("after_id", "after_id must not be negative")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.repo.List(ctx, filter)
}

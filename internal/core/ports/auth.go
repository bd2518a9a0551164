package ports

import (
	"context"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

type AdminKeyRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.AdminKey, error)
	Upsert(ctx context.Context, key domain.AdminKey) error
}

type AuditTrailRepository interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error)
}

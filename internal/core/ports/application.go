package ports

import (
	"context"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

// ApplicationStore is the durable source of truth. Every mutation commits the
// row together with its audit event and sync request.
type ApplicationStore interface {
	CreateWithEvents(ctx context.Context, app domain.Application, meta domain.MutationMetadata) (domain.Application, error)
	UpdateWithEvents(ctx context.Context, appID string, mutate func(*domain.Application) (bool, error), meta domain.MutationMetadata) (domain.Application, bool, error)
	DeleteWithEvents(ctx context.Context, appID string, meta domain.MutationMetadata) (bool, error)
	Get(ctx context.Context, appID string) (domain.Application, error)
	List(ctx context.Context, filter domain.ApplicationFilter) ([]domain.Application, error)
	FindActive(ctx context.Context, field domain.LookupField, value string) (domain.Application, error)
	ListActive(ctx context.Context) ([]domain.Application, error)
}

// ApplicationProvider is the lookup contract consumed by the messaging server.
// Inactive applications are reported as domain.ErrNotFound.
type ApplicationProvider interface {
	FindByID(ctx context.Context, id string) (domain.ApplicationConfig, error)
	FindByKey(ctx context.Context, key string) (domain.ApplicationConfig, error)
	FindBySecret(ctx context.Context, secret string) (domain.ApplicationConfig, error)
	ListActive(ctx context.Context) ([]domain.ApplicationConfig, error)
}

package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

// Provider answers the messaging server's lookups at connection and
// authentication time. Inactive or unknown applications are domain.ErrNotFound.
type Provider struct {
	store    ports.ApplicationStore
	protocol domain.ProtocolDefaults
	log      *zap.Logger
}

var _ ports.ApplicationProvider = (*Provider)(nil)

func NewProvider(store ports.ApplicationStore, protocol domain.ProtocolDefaults, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{store: store, protocol: protocol, log: log}
}

func (p *Provider) FindByID(ctx context.Context, id string) (domain.ApplicationConfig, error) {
	if id == "" {
		return domain.ApplicationConfig{}, domain.ErrNotFound
	}
	app, err := p.store.FindActive(ctx, domain.LookupByID, id)
	if err != nil {
		return domain.ApplicationConfig{}, p.lookupError("app_id", err)
	}
	return domain.NewApplicationConfig(app, p.protocol), nil
}

func (p *Provider) FindByKey(ctx context.Context, key string) (domain.ApplicationConfig, error) {
	if key == "" {
		return domain.ApplicationConfig{}, domain.ErrNotFound
	}
	app, err := p.store.FindActive(ctx, domain.LookupByKey, key)
	if err != nil {
		return domain.ApplicationConfig{}, p.lookupError("app_key", err)
	}
	return domain.NewApplicationConfig(app, p.protocol), nil
}

// FindBySecret narrows by the indexed secret hash, then confirms the match in
// constant time.
func (p *Provider) FindBySecret(ctx context.Context, secret string) (domain.ApplicationConfig, error) {
	if secret == "" {
		return domain.ApplicationConfig{}, domain.ErrNotFound
	}
	app, err := p.store.FindActive(ctx, domain.LookupBySecret, secret)
	if err != nil {
		return domain.ApplicationConfig{}, p.lookupError("app_secret", err)
	}
	if subtle.ConstantTimeCompare([]byte(app.AppSecret), []byte(secret)) != 1 {
		return domain.ApplicationConfig{}, domain.ErrNotFound
	}
	return domain.NewApplicationConfig(app, p.protocol), nil
}

func (p *Provider) ListActive(ctx context.Context) ([]domain.ApplicationConfig, error) {
	apps, err := p.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active applications: %w", err)
	}
	result := make([]domain.ApplicationConfig, 0, len(apps))
	for _, app := range apps {
		result = append(result, domain.NewApplicationConfig(app, p.protocol))
	}
	return result, nil
}

// lookupError never includes the looked-up value.
func (p *Provider) lookupError(field string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	p.log.Error("application lookup failed", zap.String("field", field), zap.Error(err))
	return fmt.Errorf("lookup application by %s: %w", field, err)
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

const (
	maxCreateAttempts = 3
	defaultListLimit  = 100
	maxListLimit      = 1000
)

// ApplicationService is the administrative write path into the registry.
type ApplicationService struct {
	store    ports.ApplicationStore
	creds    *CredentialGenerator
	observer *ChangeObserver
	log      *zap.Logger
}

func NewApplicationService(store ports.ApplicationStore, creds *CredentialGenerator, observer *ChangeObserver, log *zap.Logger) *ApplicationService {
	if creds == nil {
		creds = NewCredentialGenerator()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ApplicationService{store: store, creds: creds, observer: observer, log: log}
}

func (s *ApplicationService) Create(ctx context.Context, in domain.NewApplicationInput, meta domain.MutationMetadata) (domain.Application, error) {
	in.AppID = strings.TrimSpace(in.AppID)
	in.AppKey = strings.TrimSpace(in.AppKey)
	app := in.Build()

	for attempt := 1; ; attempt++ {
		candidate := app
		generated := s.creds.Fill(&candidate)

		created, err := s.store.CreateWithEvents(ctx, candidate, meta)
		if err == nil {
			s.observer.Created(created)
			return created, nil
		}

		var dup *domain.DuplicateError
		if !errors.As(err, &dup) || !generated.Has(dup.Field) {
			return domain.Application{}, err
		}
		if attempt >= maxCreateAttempts {
			return domain.Application{}, fmt.Errorf("generate unique %s after %d attempts: %w", dup.Field, attempt, err)
		}
		s.log.Warn("generated credential collided, retrying",
			zap.String("field", dup.Field),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *ApplicationService) Update(ctx context.Context, appID string, patch domain.ApplicationPatch, meta domain.MutationMetadata) (domain.Application, error) {
	if err := validateAppID(appID); err != nil {
		return domain.Application{}, err
	}
	updated, changed, err := s.store.UpdateWithEvents(ctx, appID, func(app *domain.Application) (bool, error) {
		return patch.Apply(app), nil
	}, meta)
	if err != nil {
		return domain.Application{}, err
	}
	if changed {
		s.observer.Updated(updated)
	}
	return updated, nil
}

// RotateSecret replaces the secret with a fresh random value. It is reported
// downstream as an ordinary update.
func (s *ApplicationService) RotateSecret(ctx context.Context, appID string, meta domain.MutationMetadata) (domain.Application, error) {
	if err := validateAppID(appID); err != nil {
		return domain.Application{}, err
	}
	for attempt := 1; ; attempt++ {
		updated, _, err := s.store.UpdateWithEvents(ctx, appID, func(app *domain.Application) (bool, error) {
			app.AppSecret = s.creds.NewSecret()
			return true, nil
		}, meta)
		if err == nil {
			s.observer.Updated(updated)
			return updated, nil
		}

		var dup *domain.DuplicateError
		if !errors.As(err, &dup) || dup.Field != "app_secret" {
			return domain.Application{}, err
		}
		if attempt >= maxCreateAttempts {
			return domain.Application{}, fmt.Errorf("generate unique app_secret after %d attempts: %w", attempt, err)
		}
		s.log.Warn("rotated secret collided, retrying", zap.String("app_id", appID), zap.Int("attempt", attempt))
	}
}

func (s *ApplicationService) Delete(ctx context.Context, appID string, meta domain.MutationMetadata) error {
	if err := validateAppID(appID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteWithEvents(ctx, appID, meta)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}
	s.observer.Deleted(appID)
	return nil
}

func (s *ApplicationService) Get(ctx context.Context, appID string) (domain.Application, error) {
	if err := validateAppID(appID); err != nil {
		return domain.Application{}, err
	}
	return s.store.Get(ctx, appID)
}

func (s *ApplicationService) List(ctx context.Context, filter domain.ApplicationFilter) ([]domain.Application, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return s.store.List(ctx, filter)
}

func validateAppID(appID string) error {
	if strings.TrimSpace(appID) == "" {
		return domain.NewValidationError("app_id", "app_id is required")
	}
	return nil
}

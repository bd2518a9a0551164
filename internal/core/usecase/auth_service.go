package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
)

var ErrUnauthorized = errors.New("unauthorized")

type AuthService struct {
	repo ports.AdminKeyRepository
}

func NewAuthService(repo ports.AdminKeyRepository) *AuthService {
	return &AuthService{repo: repo}
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.AdminKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.AdminKey{}, ErrUnauthorized
	}

	key, err := s.repo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AdminKey{}, ErrUnauthorized
		}
		return domain.AdminKey{}, err
	}
	if !key.Active {
		return domain.AdminKey{}, ErrUnauthorized
	}
	return key, nil
}

// Bootstrap registers a plaintext admin token by its hash.
func (s *AuthService) Bootstrap(ctx context.Context, token, name string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.NewValidationError("token", "token is required")
	}
	if name == "" {
		name = "bootstrap"
	}
	return s.repo.Upsert(ctx, domain.AdminKey{TokenHash: HashToken(token), Name: name, Active: true})
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

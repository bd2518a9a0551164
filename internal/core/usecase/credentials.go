package usecase

import (
	"crypto/rand"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

const (
	appIDRandomLength     = 8
	appKeyRandomLength    = 16
	appSecretRandomLength = 32

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// CredentialGenerator fills in missing credentials. Uniqueness is enforced by
// the store, not here.
type CredentialGenerator struct{}

func NewCredentialGenerator() *CredentialGenerator {
	return &CredentialGenerator{}
}

// Fill generates app_id, app_key and app_secret where they are empty and
// reports which ones it generated.
func (g *CredentialGenerator) Fill(app *domain.Application) domain.GeneratedFields {
	var generated domain.GeneratedFields
	if app.AppID == "" {
		app.AppID = domain.AppIDPrefix + randomAlphanumeric(appIDRandomLength)
		generated.AppID = true
	}
	if app.AppKey == "" {
		app.AppKey = domain.AppKeyPrefix + randomAlphanumeric(appKeyRandomLength)
		generated.AppKey = true
	}
	if app.AppSecret == "" {
		app.AppSecret = g.NewSecret()
		generated.AppSecret = true
	}
	return generated
}

func (g *CredentialGenerator) NewSecret() string {
	return domain.AppSecretPrefix + randomAlphanumeric(appSecretRandomLength)
}

// randomAlphanumeric rejects bytes above the largest multiple of the alphabet
// size so every character is equally likely.
func randomAlphanumeric(n int) string {
	const limit = 256 - 256%len(alphanumeric)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		// crypto/rand.Read never returns an error on supported platforms.
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Outbound/internal/domain"
	"golang.org/x/oauth2"
)

// ErrCredentialMissing: у аккаунта нет ни пароля, ни токенов.
var ErrCredentialMissing = errors.New("identity has no credential")

// OAuthCredentials обновляет OAuth2 токены через golang.org/x/oauth2.
//
// Конфигурация клиента выбирается по провайдеру аккаунта. Аккаунты
// с паролем или API ключом проходят без изменений.
type OAuthCredentials struct {
	configs map[string]*oauth2.Config

	// skew: токен, истекающий раньше чем через skew, обновляется заранее.
	skew time.Duration
}

// NewOAuthCredentials создаёт источник учётных данных.
func NewOAuthCredentials(configs map[string]*oauth2.Config) *OAuthCredentials {
	return &OAuthCredentials{configs: configs, skew: 2 * time.Minute}
}

// Ensure возвращает действующие учётные данные аккаунта.
func (c *OAuthCredentials) Ensure(ctx context.Context, i *domain.Identity) (domain.Credential, bool, error) {
	cred := i.Credential
	if !cred.IsOAuth() {
		if cred.Secret == "" && i.Provider == "smtp" {
			return cred, false, ErrCredentialMissing
		}
		return cred, false, nil
	}

	if cred.AccessToken != "" && (cred.TokenExpiry == nil || time.Until(*cred.TokenExpiry) > c.skew) {
		return cred, false, nil
	}

	cfg, ok := c.configs[i.Provider]
	if !ok {
		return cred, false, fmt.Errorf("no oauth2 config for provider %q", i.Provider)
	}
	if cred.RefreshToken == "" {
		return cred, false, fmt.Errorf("access token expired and no refresh token")
	}

	old := &oauth2.Token{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken}
	// Нулевой Expiry oauth2 считает вечным, поэтому форсируем обновление.
	old.Expiry = time.Now().Add(-time.Minute)

	tok, err := cfg.TokenSource(ctx, old).Token()
	if err != nil {
		return cred, false, fmt.Errorf("refresh oauth2 token: %w", err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		cred.TokenExpiry = &expiry
	}
	return cred, true, nil
}

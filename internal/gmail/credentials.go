package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailpilot/mailpilot/internal/credstore"
)

// TokenStore is the credential persistence surface the client needs.
// *credstore.Store satisfies it.
type TokenStore interface {
	Load() (*credstore.Credential, error)
	Save(*credstore.Credential) error
	Clear() error
}

// Authorizer obtains a fresh credential through interactive consent.
// *authflow.Flow satisfies it.
type Authorizer interface {
	Obtain(ctx context.Context) (*credstore.Credential, error)
}

// Refresher renews an expired credential using its refresh token, a
// narrower remote call than full re-authorization.
type Refresher interface {
	Refresh(ctx context.Context, c *credstore.Credential) (*credstore.Credential, error)
}

// ErrRefreshRevoked is the explicit revocation signal from a refresh
// attempt. It means the stored credential is dead and consent must be
// obtained again.
var ErrRefreshRevoked = errors.New("gmail: refresh token revoked")

// OAuthRefresher implements Refresher against the provider token
// endpoint described by an OAuth client configuration.
type OAuthRefresher struct {
	Config *oauth2.Config
}

// Refresh exchanges the refresh token for a new access token. An
// invalid_grant response is mapped to ErrRefreshRevoked.
func (r *OAuthRefresher) Refresh(ctx context.Context, c *credstore.Credential) (*credstore.Credential, error) {
	ts := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, ErrRefreshRevoked
		}
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}
	if tok.RefreshToken == "" {
		// Providers often omit the refresh token on renewal; keep the
		// one we already hold.
		tok.RefreshToken = c.RefreshToken
	}
	return &credstore.Credential{Token: *tok, Scopes: c.Scopes}, nil
}

// CredentialSource yields a valid bearer token before each remote call,
// lazily running refresh or the full consent flow as required and
// persisting every renewal.
type CredentialSource struct {
	store     TokenStore
	flow      Authorizer
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stale bool // set by Invalidate; forces a refresh on the next Token call
}

// NewCredentialSource wires a store, a consent flow and a refresher
// together. A nil logger falls back to slog.Default().
func NewCredentialSource(store TokenStore, flow Authorizer, refresher Refresher, logger *slog.Logger) *CredentialSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialSource{
		store:     store,
		flow:      flow,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Token returns a bearer access token that is valid right now.
func (s *CredentialSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.store.Load()
	switch {
	case errors.Is(err, credstore.ErrAbsent):
		return s.obtainLocked(ctx)
	case err != nil:
		// CorruptError and I/O failures surface unchanged.
		return "", err
	}

	if !s.stale && credstore.Valid(cred, s.now()) {
		return cred.AccessToken, nil
	}

	if credstore.Refreshable(cred) {
		refreshed, err := s.refresher.Refresh(ctx, cred)
		if err == nil {
			if err := s.store.Save(refreshed); err != nil {
				return "", fmt.Errorf("persist refreshed credential: %w", err)
			}
			s.stale = false
			s.logger.Debug("credential refreshed", "expiry", refreshed.Expiry)
			return refreshed.AccessToken, nil
		}
		if !errors.Is(err, ErrRefreshRevoked) {
			return "", err
		}
		s.logger.Warn("stored credential revoked, re-authorizing")
		if err := s.store.Clear(); err != nil {
			return "", fmt.Errorf("clear revoked credential: %w", err)
		}
	}

	return s.obtainLocked(ctx)
}

// Invalidate marks the cached credential stale so the next Token call
// refreshes before use. The client calls this once after a 401.
func (s *CredentialSource) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *CredentialSource) obtainLocked(ctx context.Context) (string, error) {
	cred, err := s.flow.Obtain(ctx)
	if err != nil {
		// An interrupt while waiting for consent is not an
		// authorization failure.
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &AuthError{Reason: "consent", Err: err}
	}
	if err := s.store.Save(cred); err != nil {
		return "", fmt.Errorf("persist new credential: %w", err)
	}
	s.stale = false
	s.logger.Info("new credential obtained", "expiry", cred.Expiry)
	return cred.AccessToken, nil
}

// Package session maps channel addresses to ledger access tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgerbot/internal/domain"
)

// DefaultCountryCodes are stripped from addresses before a phone login.
var DefaultCountryCodes = []string{"55"}

var (
	// ErrLoginFailed wraps every credential login failure.
	ErrLoginFailed = errors.New("login failed")
	// ErrNoToken is returned when a login succeeds without an access token.
	ErrNoToken = errors.New("backend returned no token")
)

type Config struct {
	Store        domain.SessionStore
	Auth         domain.Authenticator
	TTL          time.Duration // 0 = sessions never expire
	CountryCodes []string
	Logger       *slog.Logger
}

// Resolver finds or establishes the session for an address.
type Resolver struct {
	store  domain.SessionStore
	auth   domain.Authenticator
	ttl    time.Duration
	codes  []string
	logger *slog.Logger
	now    func() time.Time

	// phone collapses concurrent phone logins for the same address.
	phone singleflight.Group
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.CountryCodes == nil {
		cfg.CountryCodes = DefaultCountryCodes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		store:  cfg.Store,
		auth:   cfg.Auth,
		ttl:    cfg.TTL,
		codes:  cfg.CountryCodes,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Store exposes the backing store for listing and auditing.
func (r *Resolver) Store() domain.SessionStore { return r.store }

// Resolve returns the session for address, trying a phone login when none
// is stored. ok is false when the user must log in explicitly.
func (r *Resolver) Resolve(ctx context.Context, address string) (*domain.Session, bool) {
	s, err := r.store.Get(ctx, address)
	if err != nil {
		r.logger.Error("session lookup failed", "address", MaskAddress(address), "error", err)
	} else if s != nil {
		return s, true
	}

	if r.auth == nil {
		return nil, false
	}
	phone := NormalizePhone(address, r.codes)
	if phone == "" {
		return nil, false
	}

	v, err, shared := r.phone.Do(address, func() (any, error) {
		token, err := r.auth.LoginByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		return r.bind(ctx, address, token, domain.SourcePhone)
	})
	if err != nil {
		r.logger.Debug("phone login unavailable", "address", MaskAddress(address), "error", err)
		return nil, false
	}
	if !shared {
		r.logger.Info("session established by phone", "address", MaskAddress(address))
	}
	return v.(*domain.Session), true
}

// Login authenticates with email and password and binds the token to
// address, replacing any previous session.
func (r *Resolver) Login(ctx context.Context, address, email, password string) (*domain.Session, error) {
	if r.auth == nil {
		return nil, fmt.Errorf("login: no authenticator configured")
	}
	token, err := r.auth.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	s, err := r.bind(ctx, address, token, domain.SourceLogin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	r.logger.Info("session established by login", "address", MaskAddress(address))
	return s, nil
}

// Inject binds a token obtained out of band.
func (r *Resolver) Inject(ctx context.Context, address, token string) (*domain.Session, error) {
	return r.bind(ctx, address, token, domain.SourceManual)
}

// Invalidate drops the session for address. Missing sessions are not an error.
func (r *Resolver) Invalidate(ctx context.Context, address string) error {
	if err := r.store.Invalidate(ctx, address); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	r.logger.Info("session invalidated", "address", MaskAddress(address))
	return nil
}

// List returns the live sessions.
func (r *Resolver) List(ctx context.Context) ([]domain.Session, error) {
	return r.store.List(ctx)
}

func (r *Resolver) bind(ctx context.Context, address, token string, src domain.SessionSource) (*domain.Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}
	now := r.now()
	s := domain.Session{
		Address:   address,
		Token:     token,
		Source:    src,
		CreatedAt: now,
	}
	if r.ttl > 0 {
		s.ExpiresAt = now.Add(r.ttl)
	}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &s, nil
}

// NormalizePhone keeps the digits of address and strips the first matching
// country code when at least ten digits remain.
func NormalizePhone(address string, countryCodes []string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	for _, cc := range countryCodes {
		if cc != "" && strings.HasPrefix(digits, cc) && len(digits)-len(cc) >= 10 {
			return digits[len(cc):]
		}
	}
	return digits
}

// MaskAddress hides the middle of a phone number for logs.
func MaskAddress(address string) string {
	if len(address) <= 6 {
		return "***"
	}
	return address[:4] + strings.Repeat("*", len(address)-6) + address[len(address)-2:]
}

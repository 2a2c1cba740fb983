package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeAuth struct {
	phoneCalls atomic.Int32
	loginCalls atomic.Int32
	phones     map[string]string // normalized phone -> token
	password   string
	delay      time.Duration
	lastPhone  atomic.Value
}

func (f *fakeAuth) Login(_ context.Context, email, password string) (string, error) {
	f.loginCalls.Add(1)
	if password != f.password {
		return "", errors.New("ledger 401: invalid credentials")
	}
	return "jwt-" + email, nil
}

func (f *fakeAuth) LoginByPhone(_ context.Context, phone string) (string, error) {
	f.phoneCalls.Add(1)
	f.lastPhone.Store(phone)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if tok, ok := f.phones[phone]; ok {
		return tok, nil
	}
	return "", errors.New("ledger 404: phone not registered")
}

func newTestResolver(auth domain.Authenticator, ttl time.Duration) (*Resolver, *MemoryStore) {
	store := NewMemoryStore()
	r := NewResolver(Config{Store: store, Auth: auth, TTL: ttl, Logger: testLogger()})
	return r, store
}

func TestResolver_CachedSessionMakesNoAuthCalls(t *testing.T) {
	auth := &fakeAuth{}
	r, _ := newTestResolver(auth, 0)
	ctx := context.Background()

	_, err := r.Inject(ctx, "5511999990000", "tok")
	require.NoError(t, err)

	for range 3 {
		s, ok := r.Resolve(ctx, "5511999990000")
		require.True(t, ok)
		assert.Equal(t, "tok", s.Token)
	}
	assert.Zero(t, auth.phoneCalls.Load())
	assert.Zero(t, auth.loginCalls.Load())
}

func TestResolver_PhoneLogin(t *testing.T) {
	auth := &fakeAuth{phones: map[string]string{"11999990000": "phone-jwt"}}
	r, store := newTestResolver(auth, time.Hour)
	ctx := context.Background()

	s, ok := r.Resolve(ctx, "5511999990000")
	require.True(t, ok)
	assert.Equal(t, "phone-jwt", s.Token)
	assert.Equal(t, domain.SourcePhone, s.Source)
	assert.Equal(t, "11999990000", auth.lastPhone.Load())
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 5*time.Second)

	stored, err := store.Get(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, stored)

	// Second resolve hits the store.
	_, ok = r.Resolve(ctx, "5511999990000")
	require.True(t, ok)
	assert.Equal(t, int32(1), auth.phoneCalls.Load())
}

func TestResolver_UnknownPhoneIsAbsent(t *testing.T) {
	auth := &fakeAuth{}
	r, store := newTestResolver(auth, 0)

	_, ok := r.Resolve(context.Background(), "5511888880000")
	assert.False(t, ok)
	list, _ := store.List(context.Background())
	assert.Empty(t, list)
}

func TestResolver_NoAuthenticator(t *testing.T) {
	r, _ := newTestResolver(nil, 0)
	_, ok := r.Resolve(context.Background(), "5511999990000")
	assert.False(t, ok)

	_, err := r.Login(context.Background(), "5511999990000", "a@b.com", "x")
	assert.Error(t, err)
}

func TestResolver_Login(t *testing.T) {
	auth := &fakeAuth{password: "segredo"}
	r, _ := newTestResolver(auth, 0)
	ctx := context.Background()

	_, err := r.Login(ctx, "5511999990000", "ana@example.com", "errada")
	assert.ErrorIs(t, err, ErrLoginFailed)
	_, ok := r.Resolve(ctx, "5511999990000")
	assert.False(t, ok)

	s, err := r.Login(ctx, "5511999990000", "ana@example.com", "segredo")
	require.NoError(t, err)
	assert.Equal(t, "jwt-ana@example.com", s.Token)
	assert.Equal(t, domain.SourceLogin, s.Source)
	assert.True(t, s.ExpiresAt.IsZero())

	got, ok := r.Resolve(ctx, "5511999990000")
	require.True(t, ok)
	assert.Equal(t, s.Token, got.Token)
}

func TestResolver_InvalidateThenResolve(t *testing.T) {
	auth := &fakeAuth{}
	r, _ := newTestResolver(auth, 0)
	ctx := context.Background()

	_, err := r.Inject(ctx, "5511999990000", "tok")
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx, "5511999990000"))
	require.NoError(t, r.Invalidate(ctx, "5511999990000"))

	_, ok := r.Resolve(ctx, "5511999990000")
	assert.False(t, ok)
}

func TestResolver_InjectRejectsEmptyToken(t *testing.T) {
	r, _ := newTestResolver(nil, 0)
	_, err := r.Inject(context.Background(), "5511999990000", "  ")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestResolver_ExpiredSessionIsAbsent(t *testing.T) {
	r, store := newTestResolver(nil, time.Minute)
	clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := r.Inject(ctx, "5511999990000", "tok")
	require.NoError(t, err)
	_, ok := r.Resolve(ctx, "5511999990000")
	require.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	_, ok = r.Resolve(ctx, "5511999990000")
	assert.False(t, ok)

	store.mu.RLock()
	assert.Empty(t, store.sessions)
	store.mu.RUnlock()
}

func TestResolver_ConcurrentPhoneLoginsCollapse(t *testing.T) {
	auth := &fakeAuth{phones: map[string]string{"11999990000": "jwt"}, delay: 50 * time.Millisecond}
	r, _ := newTestResolver(auth, 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok := r.Resolve(context.Background(), "5511999990000")
			assert.True(t, ok)
			assert.Equal(t, "jwt", s.Token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), auth.phoneCalls.Load())
}

func TestResolver_ConcurrentAddresses(t *testing.T) {
	r, store := newTestResolver(nil, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := "55119999" + string(rune('0'+i%10)) + string(rune('0'+i/10)) + "000"
			_, err := r.Inject(ctx, addr, "tok")
			assert.NoError(t, err)
			_, ok := r.Resolve(ctx, addr)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 50)
}

func TestNormalizePhone(t *testing.T) {
	codes := []string{"55"}
	assert.Equal(t, "11999990000", NormalizePhone("5511999990000", codes))
	assert.Equal(t, "11999990000", NormalizePhone("+55 (11) 99999-0000", codes))
	assert.Equal(t, "1199990000", NormalizePhone("551199990000", codes))
	// Too short once the prefix is removed: keep as is.
	assert.Equal(t, "55119999000", NormalizePhone("55119999000", []string{"551"}))
	assert.Equal(t, "5511999", NormalizePhone("5511999", codes))
	assert.Equal(t, "14155550100", NormalizePhone("14155550100", codes))
	assert.Equal(t, "", NormalizePhone("abc", codes))
}

func TestMaskAddress(t *testing.T) {
	assert.Equal(t, "5511*******00", MaskAddress("5511999990000"))
	assert.Equal(t, "***", MaskAddress("123"))
}

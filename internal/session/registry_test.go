package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/logger"
)

var secret = []byte("test-secret")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type tableSet map[string]bool

func (ts tableSet) Get(_ context.Context, tenantID, tableID string) (*domain.Table, error) {
	if !ts[tenantID+"/"+tableID] {
		return nil, apperr.NotFound("table_not_found", "missing")
	}
	return &domain.Table{ID: tableID, TenantID: tenantID}, nil
}

type fixture struct {
	registry *Registry
	minter   *Minter
	clock    *clock
}

func setup(t *testing.T, limit int) *fixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &clock{t: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	limiter := NewSlidingWindowLimiter(client, limit, time.Minute)
	limiter.now = clk.Now

	registry := NewRegistry(
		NewRedisStore(client),
		limiter,
		tableSet{"t1/T1": true},
		Options{Secret: secret, Lifetime: 2 * time.Hour, TokenTTL: 24 * time.Hour},
		logger.Discard(),
	)
	registry.now = clk.Now

	minter := NewMinter(secret)
	minter.now = clk.Now
	return &fixture{registry: registry, minter: minter, clock: clk}
}

func (f *fixture) mint(t *testing.T, tenantID, tableID string) string {
	token, err := f.minter.Mint(tenantID, tableID, 24*time.Hour)
	require.NoError(t, err)
	return token
}

func TestValidateOrCreate_CreatesThenResumes(t *testing.T) {
	f := setup(t, 100)
	ctx := context.Background()
	token := f.mint(t, "t1", "T1")

	first, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "T1", first.TableID)
	assert.Equal(t, 0, first.CartCount)
	assert.Equal(t, first.CreatedAt.Add(2*time.Hour), first.ExpiresAt)

	f.clock.Advance(30 * time.Minute)
	second, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt, "resuming must not extend expiry")
	assert.True(t, second.LastActivityAt.After(first.LastActivityAt))
}

func TestValidateOrCreate_ExpiredSessionRetiredThenReopened(t *testing.T) {
	f := setup(t, 100)
	ctx := context.Background()
	token := f.mint(t, "t1", "T1")

	sess, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err)

	f.clock.Advance(2*time.Hour - time.Second)
	_, err = f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.registry.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)

	f.clock.Advance(time.Hour)
	fresh, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err, "the table code opens a new session once the old one is retired")
	assert.NotEqual(t, sess.ID, fresh.ID)
	assert.Equal(t, f.clock.Now().UTC().Add(2*time.Hour), fresh.ExpiresAt)
	assert.Empty(t, fresh.OrderIDs)

	again, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, again.ID)

	_, err = f.registry.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionExpired, "the retired session stays readable by id")
	_, err = f.registry.RecordOrder(ctx, sess.ID, "o-late")
	assert.ErrorIs(t, err, ErrSessionExpired)

	got, err := f.registry.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Empty(t, got.OrderIDs, "orders for the old session never land on the new one")
}

func TestValidateOrCreate_RateLimitedBeforeVerification(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.registry.ValidateOrCreate(ctx, "garbage", ClientContext{ClientID: "attacker"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	}

	_, err := f.registry.ValidateOrCreate(ctx, f.mint(t, "t1", "T1"), ClientContext{ClientID: "attacker"})
	assert.ErrorIs(t, err, ErrRateLimited, "a valid token must not reveal itself once limited")

	_, err = f.registry.ValidateOrCreate(ctx, f.mint(t, "t1", "T1"), ClientContext{ClientID: "someone-else"})
	assert.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	_, err = f.registry.ValidateOrCreate(ctx, f.mint(t, "t1", "T1"), ClientContext{ClientID: "attacker"})
	assert.NoError(t, err)
}

func TestValidateOrCreate_InvalidTokens(t *testing.T) {
	f := setup(t, 100)
	ctx := context.Background()

	otherSecret, err := (&Minter{secret: []byte("other"), now: f.clock.Now}).Mint("t1", "T1", time.Hour)
	require.NoError(t, err)

	expired, err := f.minter.Mint("t1", "T1", time.Minute)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TenantID: "t1", TableID: "T1",
		RegisteredClaims: jwt.RegisteredClaims{ID: "x", ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	for name, token := range map[string]string{"wrong secret": otherSecret, "expired": expired, "alg none": unsigned, "empty": ""} {
		_, err := f.registry.ValidateOrCreate(ctx, token, ClientContext{ClientID: "c1"})
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestValidateOrCreate_TableNotFound(t *testing.T) {
	f := setup(t, 100)

	_, err := f.registry.ValidateOrCreate(context.Background(), f.mint(t, "t1", "T99"), ClientContext{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestValidateOrCreate_ConcurrentFirstRedemption(t *testing.T) {
	f := setup(t, 100)
	token := f.mint(t, "t1", "T1")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := f.registry.ValidateOrCreate(context.Background(), token, ClientContext{ClientID: "c1"})
			if assert.NoError(t, err) {
				mu.Lock()
				ids[sess.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestRecordOrder(t *testing.T) {
	f := setup(t, 100)
	ctx := context.Background()
	sess, err := f.registry.ValidateOrCreate(ctx, f.mint(t, "t1", "T1"), ClientContext{ClientID: "c1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.RecordOrder(ctx, sess.ID, "order")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CartCount)
	assert.Len(t, got.OrderIDs, 5)
	assert.Equal(t, sess.ExpiresAt, got.ExpiresAt)

	f.clock.Advance(3 * time.Hour)
	_, err = f.registry.RecordOrder(ctx, sess.ID, "late")
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.registry.RecordOrder(ctx, "unknown", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

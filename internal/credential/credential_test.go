package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/retry"
)

type MockCookieSource struct {
	mock.Mock
}

func (m *MockCookieSource) FetchCookie(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestAcquirer(t *testing.T, src CookieSource) (*Acquirer, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(NewMemoryStore(clk.now), time.Hour, clk.now)
	policy := retry.AcquisitionPolicy(2, time.Millisecond, time.Millisecond)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewAcquirer(cache, src, policy, "access_token_web", nil), clk
}

func TestMemoryStoreTTL(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clk.now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", Credential{Token: "abc"}, 10*time.Minute))

	clk.t = clk.t.Add(9*time.Minute + 59*time.Second)
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Token)

	clk.t = clk.t.Add(time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachePutBackupOutlivesPrimary(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(NewMemoryStore(clk.now), time.Hour, clk.now)
	ctx := context.Background()

	_, err := cache.Put(ctx, "tok-123456789")
	require.NoError(t, err)

	clk.t = clk.t.Add(90 * time.Minute)
	_, ok, err := cache.Primary(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	b, ok, err := cache.Backup(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceBackup, b.Source)

	clk.t = clk.t.Add(31 * time.Minute)
	_, ok, _ = cache.Backup(ctx)
	assert.False(t, ok)
}

func TestAcquireCacheHitSkipsBrowser(t *testing.T) {
	src := new(MockCookieSource)
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("fresh-token-1", nil).Once()
	a, _ := newTestAcquirer(t, src)
	ctx := context.Background()

	first, err := a.Acquire(ctx, false)
	require.NoError(t, err)
	second, err := a.Acquire(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	src.AssertNumberOfCalls(t, "FetchCookie", 1)
}

func TestAcquireForceRefreshBypassesCache(t *testing.T) {
	src := new(MockCookieSource)
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("token-a", nil).Once()
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("token-b", nil).Once()
	a, _ := newTestAcquirer(t, src)
	ctx := context.Background()

	_, err := a.Acquire(ctx, false)
	require.NoError(t, err)
	got, err := a.Acquire(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, "token-b", got.Token)
	src.AssertExpectations(t)
}

func TestAcquireFallsBackToBackup(t *testing.T) {
	src := new(MockCookieSource)
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("token-a", nil).Once()
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("", nil)
	a, clk := newTestAcquirer(t, src)
	ctx := context.Background()

	_, err := a.Acquire(ctx, false)
	require.NoError(t, err)

	clk.t = clk.t.Add(61 * time.Minute)
	got, err := a.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "token-a", got.Token)
	assert.Equal(t, SourceBackup, got.Source)

	_, err = a.Acquire(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)
	assert.Equal(t, errclass.KindNonRetryable, errclass.KindOf(err))
}

func TestAcquireRetriesNetworkFailures(t *testing.T) {
	src := new(MockCookieSource)
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("", errors.New("net::ERR_CONNECTION_RESET")).Twice()
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("token-c", nil).Once()
	a, _ := newTestAcquirer(t, src)

	got, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "token-c", got.Token)
	src.AssertNumberOfCalls(t, "FetchCookie", 3)
}

func TestAcquireKeepsBlockedKind(t *testing.T) {
	src := new(MockCookieSource)
	src.On("FetchCookie", mock.Anything, "access_token_web").Return("", errors.New("access denied by security check")).Once()
	a, _ := newTestAcquirer(t, src)

	_, err := a.Acquire(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)
	assert.Equal(t, errclass.KindBlocked, errclass.KindOf(err))
	src.AssertNumberOfCalls(t, "FetchCookie", 1)
}

func TestInject(t *testing.T) {
	a, _ := newTestAcquirer(t, new(MockCookieSource))
	ctx := context.Background()

	_, err := a.Inject(ctx, "")
	assert.Error(t, err)

	cred, err := a.Inject(ctx, "manual-token-xyz")
	require.NoError(t, err)
	assert.Equal(t, "manual-t...", cred.Redacted())

	got, err := a.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "manual-token-xyz", got.Token)
}

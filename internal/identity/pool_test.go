package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type stubProber struct{ err error }

func (p stubProber) Probe(context.Context, *domain.Identity) error { return p.err }

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newIdentity(tenant uuid.UUID, email string, health, sent, limit int) *domain.Identity {
	return &domain.Identity{
		ID:          uuid.New(),
		TenantID:    tenant,
		Email:       email,
		Provider:    "ses",
		Status:      domain.IdentityStatusActive,
		HealthScore: health,
		DailySent:   sent,
		DailyLimit:  limit,
		CounterDay:  domain.Day(testNow),
	}
}

func newPool(t *testing.T, prober Prober) (*memrepo.Store, *Pool) {
	t.Helper()
	store := memrepo.New()
	store.Now = func() time.Time { return testNow }
	return store, NewPool(Config{
		Store:  store.Identities,
		Prober: prober,
		Now:    func() time.Time { return testNow },
	})
}

func TestScore_Arithmetic(t *testing.T) {
	tenant := uuid.New()
	a := newIdentity(tenant, "a@acme.com", 80, 40, 50) // осталось 10/50
	b := newIdentity(tenant, "b@acme.com", 90, 48, 50) // осталось 2/50

	assert.InDelta(t, 84.0, Score(a, testNow), 1e-9)
	assert.InDelta(t, 90.8, Score(b, testNow), 1e-9)

	b.ConsecutiveErrors = 1
	assert.InDelta(t, 80.8, Score(b, testNow), 1e-9)
}

func TestSelectBest_HighestScoreWins(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	tenant := uuid.New()

	a := newIdentity(tenant, "a@acme.com", 80, 40, 50)
	b := newIdentity(tenant, "b@acme.com", 90, 48, 50)
	require.NoError(t, store.Identities.Create(ctx, a))
	require.NoError(t, store.Identities.Create(ctx, b))

	got, err := pool.SelectBest(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID, "B scores 90.8 against A's 84")

	// Одна ошибка у B даёт штраф, и A выходит вперёд.
	_, err = pool.RecordFailure(ctx, b.ID, errors.New("timeout"))
	require.NoError(t, err)

	got, err = pool.SelectBest(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestSelectBest_PreferredAndExclusions(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	tenant := uuid.New()

	best := newIdentity(tenant, "best@acme.com", 100, 0, 50)
	preferred := newIdentity(tenant, "pref@acme.com", 40, 0, 50)
	exhausted := newIdentity(tenant, "full@acme.com", 100, 50, 50)
	for _, i := range []*domain.Identity{best, preferred, exhausted} {
		require.NoError(t, store.Identities.Create(ctx, i))
	}

	got, err := pool.SelectBest(ctx, tenant, &preferred.ID)
	require.NoError(t, err)
	assert.Equal(t, preferred.ID, got.ID)

	got, err = pool.SelectBest(ctx, tenant, &exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, best.ID, got.ID, "preferred without quota falls back to scoring")

	ok, err := pool.Pause(ctx, best.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = pool.Pause(ctx, preferred.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = pool.SelectBest(ctx, tenant, nil)
	assert.ErrorIs(t, err, ErrNoIdentityAvailable)
}

func TestSelectBest_StaleCounterIsFullQuota(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	tenant := uuid.New()

	i := newIdentity(tenant, "a@acme.com", 90, 50, 50)
	i.CounterDay = domain.Day(testNow.Add(-24 * time.Hour))
	require.NoError(t, store.Identities.Create(ctx, i))

	got, err := pool.SelectBest(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, i.ID, got.ID)

	stored, err := store.Identities.GetByID(ctx, i.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.DailySent)
	assert.Equal(t, domain.Day(testNow), stored.CounterDay)
}

// suspended тогда и только тогда, когда ошибок подряд ≥ 5.
func TestRecordFailure_StatusLadder(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, stubProber{})
	tenant := uuid.New()
	i := newIdentity(tenant, "a@acme.com", 100, 0, 50)
	require.NoError(t, store.Identities.Create(ctx, i))

	want := []struct {
		status domain.IdentityStatus
		health int
	}{
		{domain.IdentityStatusActive, 95},    // −5
		{domain.IdentityStatusActive, 85},    // −10
		{domain.IdentityStatusError, 70},     // −15
		{domain.IdentityStatusError, 50},     // −20
		{domain.IdentityStatusSuspended, 30}, // −20
		{domain.IdentityStatusSuspended, 10},
		{domain.IdentityStatusSuspended, 0},
	}
	for n, w := range want {
		got, err := pool.RecordFailure(ctx, i.ID, errors.New("421 try later"))
		require.NoError(t, err)
		assert.Equal(t, n+1, got.ConsecutiveErrors)
		assert.Equal(t, w.status, got.Status, "after %d errors", n+1)
		assert.Equal(t, w.health, got.HealthScore, "after %d errors", n+1)
		assert.Equal(t, got.ConsecutiveErrors >= domain.ErrorStreakForSuspended, got.Status == domain.IdentityStatusSuspended)
	}

	// Успешная отправка suspended аккаунт не оживляет.
	got, err := pool.RecordSuccess(ctx, i.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusSuspended, got.Status)
	assert.Equal(t, 7, got.ConsecutiveErrors)
}

func TestRecordSuccess_ClearsErrorStatus(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	i := newIdentity(uuid.New(), "a@acme.com", 60, 3, 50)
	require.NoError(t, store.Identities.Create(ctx, i))

	for n := 0; n < 3; n++ {
		_, err := pool.RecordFailure(ctx, i.ID, errors.New("timeout"))
		require.NoError(t, err)
	}

	got, err := pool.RecordSuccess(ctx, i.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveErrors)
	assert.Equal(t, 4, got.DailySent)
	assert.Equal(t, 32, got.HealthScore) // 60 −5 −10 −15 +2
}

func TestSelectBest_SkipsErrorUntilInFlightSuccess(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	tenant := uuid.New()
	i := newIdentity(tenant, "a@acme.com", 90, 0, 50)
	require.NoError(t, store.Identities.Create(ctx, i))

	// Отправка началась, пока аккаунт был active.
	inFlight, err := pool.SelectBest(ctx, tenant, nil)
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		_, err := pool.RecordFailure(ctx, i.ID, errors.New("timeout"))
		require.NoError(t, err)
	}
	_, err = pool.SelectBest(ctx, tenant, nil)
	assert.ErrorIs(t, err, ErrNoIdentityAvailable)

	got, err := pool.RecordSuccess(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusActive, got.Status)

	again, err := pool.SelectBest(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, i.ID, again.ID)
}

func TestResume_RequiresPassingProbe(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()

	store, failing := newPool(t, stubProber{err: errors.New("535 auth failed")})
	i := newIdentity(tenant, "a@acme.com", 20, 0, 50)
	i.Status = domain.IdentityStatusSuspended
	i.ConsecutiveErrors = 5
	require.NoError(t, store.Identities.Create(ctx, i))

	err := failing.Resume(ctx, i.ID)
	assert.ErrorIs(t, err, ErrProbeFailed)
	got, _ := store.Identities.GetByID(ctx, i.ID)
	assert.Equal(t, domain.IdentityStatusSuspended, got.Status)

	passing := NewPool(Config{Store: store.Identities, Prober: stubProber{}, Now: func() time.Time { return testNow }})
	require.NoError(t, passing.Resume(ctx, i.ID))

	got, _ = store.Identities.GetByID(ctx, i.ID)
	assert.Equal(t, domain.IdentityStatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveErrors)
	assert.Equal(t, ResumeMinHealth, got.HealthScore)

	assert.ErrorIs(t, passing.Resume(ctx, i.ID), ErrNotResumable)
}

func TestResetDaily_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	i := newIdentity(uuid.New(), "a@acme.com", 90, 30, 50)
	i.CounterDay = domain.Day(testNow.Add(-24 * time.Hour))
	require.NoError(t, store.Identities.Create(ctx, i))

	ok, err := pool.ResetDaily(ctx, i.ID, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = pool.RecordSuccess(ctx, i.ID)
	require.NoError(t, err)

	ok, err = pool.ResetDaily(ctx, i.ID, testNow)
	require.NoError(t, err)
	assert.False(t, ok, "second reset for the same day is a no-op")

	got, _ := store.Identities.GetByID(ctx, i.ID)
	assert.Equal(t, 1, got.DailySent)
}

func TestCapacityAndUsage(t *testing.T) {
	ctx := context.Background()
	store, pool := newPool(t, nil)
	tenant := uuid.New()
	a := newIdentity(tenant, "a@acme.com", 80, 40, 50)
	b := newIdentity(tenant, "b@acme.com", 90, 48, 50)
	c := newIdentity(tenant, "c@acme.com", 90, 0, 50)
	c.Status = domain.IdentityStatusPaused
	for _, i := range []*domain.Identity{a, b, c} {
		require.NoError(t, store.Identities.Create(ctx, i))
	}

	capacity, err := pool.Capacity(ctx, tenant, testNow)
	require.NoError(t, err)
	assert.Equal(t, 12, capacity)

	usage, err := pool.Usage(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, usage, 3)
	assert.Equal(t, "a@acme.com", usage[0].Email)
	assert.Equal(t, 10, usage[0].RemainingQuota)
}

func TestOAuthCredentials_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	src := NewOAuthCredentials(map[string]*oauth2.Config{
		"smtp": {ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}},
	})

	expired := time.Now().Add(-time.Hour)
	i := &domain.Identity{
		ID:       uuid.New(),
		Provider: "smtp",
		Credential: domain.Credential{
			Username:     "a@acme.com",
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenExpiry:  &expired,
		},
	}

	cred, changed, err := src.Ensure(context.Background(), i)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "at-2", cred.AccessToken)
	assert.Equal(t, "rt-1", cred.RefreshToken)
	require.NotNil(t, cred.TokenExpiry)
	assert.True(t, cred.TokenExpiry.After(time.Now()))

	// Свежий токен не обновляется.
	i.Credential = cred
	_, changed, err = src.Ensure(context.Background(), i)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSelectBest_RefreshFailureDisconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := memrepo.New()
	pool := NewPool(Config{
		Store: store.Identities,
		Credentials: NewOAuthCredentials(map[string]*oauth2.Config{
			"smtp": {ClientID: "id", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}},
		}),
		Now: func() time.Time { return testNow },
	})

	tenant := uuid.New()
	expired := time.Now().Add(-time.Hour)
	i := newIdentity(tenant, "a@acme.com", 90, 0, 50)
	i.Provider = "smtp"
	i.Credential = domain.Credential{AccessToken: "old", RefreshToken: "revoked", TokenExpiry: &expired}
	require.NoError(t, store.Identities.Create(ctx, i))

	_, err := pool.SelectBest(ctx, tenant, nil)
	assert.ErrorIs(t, err, ErrNoIdentityAvailable)

	got, _ := store.Identities.GetByID(ctx, i.ID)
	assert.Equal(t, domain.IdentityStatusDisconnected, got.Status)
}

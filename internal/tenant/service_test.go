package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

// fakeStore mirrors the Postgres store semantics in memory: unique
// emails, one subscription per user, usage accounting, audit rows.
type fakeStore struct {
	mu              sync.Mutex
	usersByID       map[string]*models.User
	usersByEmail    map[string]*models.User
	usersByExternal map[string]*models.User
	credsByHash     map[string]*Credentials
	keysByUser      map[string][]models.APIKey
	subsByUser      map[string]*models.Subscription
	usage           []models.APIUsageLog
	events          []*models.WebhookEvent

	touched  chan string
	recorded chan models.APIUsageLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByID:       map[string]*models.User{},
		usersByEmail:    map[string]*models.User{},
		usersByExternal: map[string]*models.User{},
		credsByHash:     map[string]*Credentials{},
		keysByUser:      map[string][]models.APIKey{},
		subsByUser:      map[string]*models.Subscription{},
		touched:         make(chan string, 16),
		recorded:        make(chan models.APIUsageLog, 16),
	}
}

func (f *fakeStore) CreateTenant(_ context.Context, user *models.User, sub *models.Subscription, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.usersByEmail[user.Email]; exists {
		return ErrDuplicateEmail
	}
	u := *user
	f.usersByID[u.ID] = &u
	f.usersByEmail[u.Email] = &u
	if u.ExternalUserID != "" {
		f.usersByExternal[u.ExternalUserID] = &u
	}
	s := *sub
	f.subsByUser[u.ID] = &s
	k := *key
	f.keysByUser[u.ID] = append(f.keysByUser[u.ID], k)
	f.credsByHash[k.KeyHash] = &Credentials{User: u, Subscription: s, Key: k}
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.usersByEmail[email]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.usersByExternal[externalID]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) LinkExternalUser(_ context.Context, userID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.usersByID[userID]
	if !ok {
		return ErrNotFound
	}
	u.ExternalUserID = externalID
	f.usersByExternal[externalID] = u
	return nil
}

func (f *fakeStore) LookupByKeyHash(_ context.Context, keyHash string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.credsByHash[keyHash]
	if !ok || !cred.Key.Active {
		return nil, nil
	}
	// Refresh mutable state the way the SQL join would.
	if sub, ok := f.subsByUser[cred.User.ID]; ok {
		cred.Subscription = *sub
	}
	if u, ok := f.usersByID[cred.User.ID]; ok {
		cred.User = *u
	}
	copied := *cred
	return &copied, nil
}

func (f *fakeStore) TouchKey(_ context.Context, keyID string, _ time.Time) error {
	select {
	case f.touched <- keyID:
	default:
	}
	return nil
}

func (f *fakeStore) RecordUsage(_ context.Context, subscriptionID string, entry models.APIUsageLog) error {
	f.mu.Lock()
	for _, sub := range f.subsByUser {
		if sub.ID == subscriptionID {
			sub.CurrentUsage++
		}
	}
	f.usage = append(f.usage, entry)
	f.mu.Unlock()
	select {
	case f.recorded <- entry:
	default:
	}
	return nil
}

func (f *fakeStore) InsertAPIKey(_ context.Context, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := *key
	f.keysByUser[k.UserID] = append(f.keysByUser[k.UserID], k)
	if u, ok := f.usersByID[k.UserID]; ok {
		if sub, ok := f.subsByUser[k.UserID]; ok {
			f.credsByHash[k.KeyHash] = &Credentials{User: *u, Subscription: *sub, Key: k}
		}
	}
	return nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.APIKey, len(f.keysByUser[userID]))
	copy(out, f.keysByUser[userID])
	return out, nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, userID, keyID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.keysByUser[userID]
	for i := range keys {
		if keys[i].ID == keyID {
			if keys[i].Active {
				keys[i].Active = false
				keys[i].RevokedAt = &at
				if cred, ok := f.credsByHash[keys[i].KeyHash]; ok {
					cred.Key.Active = false
				}
			}
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeStore) ActiveSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subsByUser[userID]; ok && sub.Status == models.SubscriptionActive {
		copied := *sub
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) UpdateSubscriptionPlan(_ context.Context, userID string, plan Plan) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subsByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	sub.Plan = plan.Name
	sub.MonthlyQuota = plan.MonthlyQuota
	sub.RateLimitPerMinute = plan.RateLimitPerMinute
	sub.PriceCents = plan.PriceCents
	if u, ok := f.usersByID[userID]; ok {
		u.Plan = plan.Name
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeStore) CancelSubscription(_ context.Context, userID string, at time.Time) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subsByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	sub.Status = models.SubscriptionCancelled
	sub.CancelledAt = &at
	if u, ok := f.usersByID[userID]; ok {
		u.Status = models.UserStatusCancelled
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeStore) RenewSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subsByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	sub.Status = models.SubscriptionActive
	sub.CancelledAt = nil
	sub.CurrentUsage = 0
	sub.BillingPeriodStart = sub.BillingPeriodEnd
	sub.BillingPeriodEnd = sub.BillingPeriodEnd.AddDate(0, 1, 0)
	if u, ok := f.usersByID[userID]; ok {
		u.Status = models.UserStatusActive
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeStore) RecentUsage(_ context.Context, userID string, limit int) ([]models.APIUsageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.APIUsageLog
	for i := len(f.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if f.usage[i].UserID == userID {
			out = append(out, f.usage[i])
		}
	}
	return out, nil
}

func (f *fakeStore) InsertWebhookEvent(_ context.Context, ev *models.WebhookEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return ev.ID, nil
}

func (f *fakeStore) CompleteWebhookEvent(_ context.Context, id int64, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.Processed = errMessage == ""
			ev.ErrorMessage = errMessage
			now := time.Now().UTC()
			ev.ProcessedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func newTestService(store Store) *Service {
	return NewService(store, NewRateLimiter(cache.NewMemoryStore()), "unit-test-salt-0123456789abcdef")
}

func registerTenant(t *testing.T, svc *Service, email string) *NewTenant {
	t.Helper()
	created, err := svc.Register(context.Background(), Registration{Email: email, Plan: "starter"})
	require.NoError(t, err)
	return created
}

func TestRegisterIssuesWorkingCredentials(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	created := registerTenant(t, svc, "Dev@Example.COM")
	require.Equal(t, "dev@example.com", created.User.Email)
	require.Equal(t, "starter", created.Subscription.Plan)
	require.EqualValues(t, 1000, created.Subscription.MonthlyQuota)
	require.True(t, ValidKeyFormat(created.RawKey))
	require.Equal(t, created.RawKey[:16], created.Key.KeyPrefix)
	require.True(t, strings.HasPrefix(created.Key.KeyPrefix, "tfa_live_"))

	cred, err := svc.Authenticate(context.Background(), created.RawKey)
	require.NoError(t, err)
	require.Equal(t, created.User.ID, cred.User.ID)
	require.Equal(t, created.Key.ID, cred.Key.ID)

	select {
	case keyID := <-store.touched:
		require.Equal(t, created.Key.ID, keyID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected background LastUsedAt touch")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc := newTestService(newFakeStore())
	registerTenant(t, svc, "dup@example.com")

	_, err := svc.Register(context.Background(), Registration{Email: "DUP@example.com"})
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	svc := newTestService(newFakeStore())

	_, err := svc.Register(context.Background(), Registration{Email: "not-an-email"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Register(context.Background(), Registration{Email: "ok@example.com", Plan: "platinum"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticatePadsNegativeOutcomes(t *testing.T) {
	svc := newTestService(newFakeStore())
	var padded time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) { padded = d }

	_, err := svc.Authenticate(context.Background(), "not-a-key")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.Greater(t, padded, 40*time.Millisecond, "malformed key should be padded to the floor")

	padded = 0
	unknown, genErr := GenerateKey()
	require.NoError(t, genErr)
	_, err = svc.Authenticate(context.Background(), unknown)
	require.ErrorIs(t, err, ErrInvalidKey)
	require.Greater(t, padded, 40*time.Millisecond, "unknown key should be padded to the floor")
}

func TestAuthenticateRejectsRevokedKey(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	created := registerTenant(t, svc, "revoke@example.com")

	require.NoError(t, svc.RevokeKey(context.Background(), created.User.ID, created.Key.ID))
	// Revoking again stays a no-op success.
	require.NoError(t, svc.RevokeKey(context.Background(), created.User.ID, created.Key.ID))

	_, err := svc.Authenticate(context.Background(), created.RawKey)
	require.ErrorIs(t, err, ErrInvalidKey)

	err = svc.RevokeKey(context.Background(), created.User.ID, "no-such-key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdmitChecksSubscriptionStateFirst(t *testing.T) {
	svc := newTestService(newFakeStore())
	cred := &Credentials{
		Subscription: models.Subscription{
			ID:                 "sub-1",
			Status:             models.SubscriptionCancelled,
			MonthlyQuota:       1000,
			CurrentUsage:       1000, // quota also exhausted; status must win
			RateLimitPerMinute: 10,
		},
		Key: models.APIKey{ID: "key-1"},
	}

	adm, err := svc.Admit(context.Background(), cred)
	require.ErrorIs(t, err, ErrSubscriptionInactive)
	require.Equal(t, 10, adm.RateLimit)
	require.EqualValues(t, 1000, adm.QuotaLimit)
}

func TestAdmitEnforcesQuota(t *testing.T) {
	svc := newTestService(newFakeStore())
	cred := &Credentials{
		Subscription: models.Subscription{
			ID:                 "sub-1",
			Status:             models.SubscriptionActive,
			MonthlyQuota:       5,
			CurrentUsage:       5,
			RateLimitPerMinute: 10,
			BillingPeriodEnd:   time.Now().Add(12 * time.Hour),
		},
		Key: models.APIKey{ID: "key-1"},
	}

	adm, err := svc.Admit(context.Background(), cred)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.EqualValues(t, 0, adm.QuotaRemaining)
}

func TestAdmitEnforcesRateWindow(t *testing.T) {
	svc := newTestService(newFakeStore())
	cred := &Credentials{
		Subscription: models.Subscription{
			ID:                 "sub-1",
			Status:             models.SubscriptionActive,
			MonthlyQuota:       1000,
			RateLimitPerMinute: 2,
			BillingPeriodEnd:   time.Now().Add(12 * time.Hour),
		},
		Key: models.APIKey{ID: "key-rate"},
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.Admit(ctx, cred)
		require.NoError(t, err, "request %d should be admitted", i+1)
	}
	adm, err := svc.Admit(ctx, cred)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 0, adm.RateRemaining)
	require.GreaterOrEqual(t, adm.RetryAfter, time.Second)
	require.False(t, adm.RateReset.IsZero())
}

func TestRecordRequestBooksUsageAsynchronously(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	created := registerTenant(t, svc, "meter@example.com")

	cred, err := svc.Authenticate(context.Background(), created.RawKey)
	require.NoError(t, err)

	svc.RecordRequest(cred, models.APIUsageLog{
		Endpoint:       "/api/v1/analyze/path",
		Method:         "POST",
		StatusCode:     200,
		ResponseTimeMs: 41,
	})

	select {
	case entry := <-store.recorded:
		require.Equal(t, created.User.ID, entry.UserID)
		require.Equal(t, created.Key.ID, entry.APIKeyID)
		require.Equal(t, "/api/v1/analyze/path", entry.Endpoint)
		require.False(t, entry.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected async usage record")
	}

	sub, err := store.ActiveSubscription(context.Background(), created.User.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sub.CurrentUsage)
}

func TestUsageReport(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	created := registerTenant(t, svc, "report@example.com")

	cred, err := svc.Authenticate(context.Background(), created.RawKey)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordUsage(context.Background(), cred.Subscription.ID, models.APIUsageLog{
			UserID:     created.User.ID,
			APIKeyID:   created.Key.ID,
			Endpoint:   fmt.Sprintf("/api/v1/risk/addr%d", i),
			StatusCode: 200,
			Timestamp:  time.Now().UTC(),
		}))
	}

	cred, err = svc.Authenticate(context.Background(), created.RawKey)
	require.NoError(t, err)
	report, err := svc.Usage(context.Background(), cred, 10)
	require.NoError(t, err)
	require.EqualValues(t, 3, report.CurrentUsage)
	require.EqualValues(t, 997, report.Remaining)
	require.Len(t, report.RecentRequests, 3)
}

func TestChangePlanAndCancel(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	created := registerTenant(t, svc, "lifecycle@example.com")

	sub, err := svc.ChangePlan(context.Background(), created.User.ID, "pro")
	require.NoError(t, err)
	require.Equal(t, "pro", sub.Plan)
	require.EqualValues(t, 10000, sub.MonthlyQuota)
	require.Equal(t, 60, sub.RateLimitPerMinute)

	_, err = svc.ChangePlan(context.Background(), created.User.ID, "imaginary")
	require.ErrorIs(t, err, ErrInvalidInput)

	cancelled, err := svc.Cancel(context.Background(), created.User.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	// Key still authenticates but admission now refuses it.
	cred, err := svc.Authenticate(context.Background(), created.RawKey)
	require.NoError(t, err)
	_, err = svc.Admit(context.Background(), cred)
	require.ErrorIs(t, err, ErrSubscriptionInactive)
}

func TestServiceWithoutStore(t *testing.T) {
	svc := NewService(nil, NewRateLimiter(cache.NewNoop()), "salt")
	require.False(t, svc.Ready())

	_, err := svc.Authenticate(context.Background(), "tfa_live_whatever")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.Register(context.Background(), Registration{Email: "x@example.com"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/internal/classifier"
	"github.com/tokenflow/analytics-engine/internal/entities"
	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

func init() { gin.SetMode(gin.TestMode) }

// Deterministic base58 fixtures: 43-char addresses decode to 32 bytes,
// 87-char signatures to 64 bytes.
const (
	testWallet  = "US517G5965aydkZ46HS38QLi7UQiSojurfbQfKCELFx"
	testWallet2 = "cGfHiC6Kgg3FpFZvgwGcswsCRtp4aBP2fzuXRQPizuN"
	testMintFix = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testSig     = "4VZdodJgBy6dxMgm45zusmRzrPvKtiumu5YrK9RLPJADpzeJzgebxHsoQD4B58FCFS6aGUufKZka56xFiBGpB94"
	testSig2    = "6pc4LiB8KHAPvbUbkozrTcPL5zXspYBdATv5raNDyVbhiKjrKokLb9o111kxTD5KkPVd7UBSCcFcnWFkrJ82Hu6"

	testAdminKey      = "admin-test-key-0123456789abcdef012345678"
	testWebhookSecret = "webhook-test-secret-0123456789abcdef0123"
	testSalt          = "salt-test-0123456789abcdef0123456789abcd"
)

// memStore is an in-memory tenant.Store with the Postgres semantics
// the gate depends on: unique emails, one subscription per user, a
// credentials view refreshed on lookup.
type memStore struct {
	mu              sync.Mutex
	usersByID       map[string]*models.User
	usersByEmail    map[string]*models.User
	usersByExternal map[string]*models.User
	credsByHash     map[string]*tenant.Credentials
	keysByUser      map[string][]models.APIKey
	subsByUser      map[string]*models.Subscription
	usage           []models.APIUsageLog
	events          []*models.WebhookEvent

	recorded chan models.APIUsageLog
}

func newMemStore() *memStore {
	return &memStore{
		usersByID:       map[string]*models.User{},
		usersByEmail:    map[string]*models.User{},
		usersByExternal: map[string]*models.User{},
		credsByHash:     map[string]*tenant.Credentials{},
		keysByUser:      map[string][]models.APIKey{},
		subsByUser:      map[string]*models.Subscription{},
		recorded:        make(chan models.APIUsageLog, 32),
	}
}

func (m *memStore) CreateTenant(_ context.Context, user *models.User, sub *models.Subscription, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.usersByEmail[user.Email]; exists {
		return tenant.ErrDuplicateEmail
	}
	u := *user
	m.usersByID[u.ID] = &u
	m.usersByEmail[u.Email] = &u
	if u.ExternalUserID != "" {
		m.usersByExternal[u.ExternalUserID] = &u
	}
	s := *sub
	m.subsByUser[u.ID] = &s
	k := *key
	m.keysByUser[u.ID] = append(m.keysByUser[u.ID], k)
	m.credsByHash[k.KeyHash] = &tenant.Credentials{User: u, Subscription: s, Key: k}
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usersByEmail[email]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usersByExternal[externalID]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) LinkExternalUser(_ context.Context, userID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[userID]
	if !ok {
		return tenant.ErrNotFound
	}
	u.ExternalUserID = externalID
	m.usersByExternal[externalID] = u
	return nil
}

func (m *memStore) LookupByKeyHash(_ context.Context, keyHash string) (*tenant.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credsByHash[keyHash]
	if !ok || !cred.Key.Active {
		return nil, nil
	}
	if sub, ok := m.subsByUser[cred.User.ID]; ok {
		cred.Subscription = *sub
	}
	if u, ok := m.usersByID[cred.User.ID]; ok {
		cred.User = *u
	}
	copied := *cred
	return &copied, nil
}

func (m *memStore) TouchKey(_ context.Context, _ string, _ time.Time) error { return nil }

func (m *memStore) RecordUsage(_ context.Context, subscriptionID string, entry models.APIUsageLog) error {
	m.mu.Lock()
	for _, sub := range m.subsByUser {
		if sub.ID == subscriptionID {
			sub.CurrentUsage++
		}
	}
	m.usage = append(m.usage, entry)
	m.mu.Unlock()
	select {
	case m.recorded <- entry:
	default:
	}
	return nil
}

func (m *memStore) InsertAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := *key
	m.keysByUser[k.UserID] = append(m.keysByUser[k.UserID], k)
	if u, ok := m.usersByID[k.UserID]; ok {
		if sub, ok := m.subsByUser[k.UserID]; ok {
			m.credsByHash[k.KeyHash] = &tenant.Credentials{User: *u, Subscription: *sub, Key: k}
		}
	}
	return nil
}

func (m *memStore) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.APIKey, len(m.keysByUser[userID]))
	copy(out, m.keysByUser[userID])
	return out, nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, userID, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keysByUser[userID]
	for i := range keys {
		if keys[i].ID == keyID {
			if keys[i].Active {
				keys[i].Active = false
				keys[i].RevokedAt = &at
				if cred, ok := m.credsByHash[keys[i].KeyHash]; ok {
					cred.Key.Active = false
				}
			}
			return nil
		}
	}
	return tenant.ErrNotFound
}

func (m *memStore) ActiveSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subsByUser[userID]; ok && sub.Status == models.SubscriptionActive {
		copied := *sub
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) UpdateSubscriptionPlan(_ context.Context, userID string, plan tenant.Plan) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subsByUser[userID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	sub.Plan = plan.Name
	sub.MonthlyQuota = plan.MonthlyQuota
	sub.RateLimitPerMinute = plan.RateLimitPerMinute
	sub.PriceCents = plan.PriceCents
	if u, ok := m.usersByID[userID]; ok {
		u.Plan = plan.Name
	}
	copied := *sub
	return &copied, nil
}

func (m *memStore) CancelSubscription(_ context.Context, userID string, at time.Time) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subsByUser[userID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	sub.Status = models.SubscriptionCancelled
	sub.CancelledAt = &at
	if u, ok := m.usersByID[userID]; ok {
		u.Status = models.UserStatusCancelled
	}
	copied := *sub
	return &copied, nil
}

func (m *memStore) RenewSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subsByUser[userID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	sub.Status = models.SubscriptionActive
	sub.CancelledAt = nil
	sub.CurrentUsage = 0
	sub.BillingPeriodStart = sub.BillingPeriodEnd
	sub.BillingPeriodEnd = sub.BillingPeriodEnd.AddDate(0, 1, 0)
	if u, ok := m.usersByID[userID]; ok {
		u.Status = models.UserStatusActive
	}
	copied := *sub
	return &copied, nil
}

func (m *memStore) RecentUsage(_ context.Context, userID string, limit int) ([]models.APIUsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.APIUsageLog
	for i := len(m.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if m.usage[i].UserID == userID {
			out = append(out, m.usage[i])
		}
	}
	return out, nil
}

func (m *memStore) InsertWebhookEvent(_ context.Context, ev *models.WebhookEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *memStore) CompleteWebhookEvent(_ context.Context, id int64, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Processed = errMessage == ""
			ev.ErrorMessage = errMessage
		}
	}
	return nil
}

func (m *memStore) setQuota(userID string, quota int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsByUser[userID].MonthlyQuota = quota
}

func (m *memStore) setRateLimit(userID string, perMinute int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsByUser[userID].RateLimitPerMinute = perMinute
}

// Stubs for the analytics subsystems behind the metered routes.

type stubFlows struct {
	paths    []models.FlowPath
	err      error
	lastCall string
	depth    int
	window   time.Duration
}

func (s *stubFlows) BuildForwardPaths(_ context.Context, start, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error) {
	s.lastCall, s.depth, s.window = models.DirectionForward, maxDepth, window
	return s.paths, s.err
}

func (s *stubFlows) BuildBackwardPaths(_ context.Context, end, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error) {
	s.lastCall, s.depth, s.window = models.DirectionBackward, maxDepth, window
	return s.paths, s.err
}

type stubRisks struct {
	assessment *models.RiskAssessment
	err        error
}

func (s *stubRisks) AssessRisk(_ context.Context, address, tokenMint string) (*models.RiskAssessment, error) {
	if s.err != nil {
		return nil, s.err
	}
	a := *s.assessment
	a.Address = address
	a.TokenMint = tokenMint
	return &a, nil
}

type stubIntents struct {
	prediction models.IntentPrediction
}

func (s stubIntents) Predict(_ context.Context, _ *models.ParsedTransaction) models.IntentPrediction {
	return s.prediction
}
func (s stubIntents) Enabled() bool                  { return true }
func (s stubIntents) Healthy(_ context.Context) bool { return true }

type stubUpstream struct {
	txs      map[string]*models.ParsedTransaction
	activity []models.Transfer
	legs     map[string][]models.Transfer
	err      error
}

func (s *stubUpstream) GetTransaction(_ context.Context, signature string) (*models.ParsedTransaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.txs[signature], nil
}

func (s *stubUpstream) GetTransactionsBatch(_ context.Context, signatures []string) ([]*models.ParsedTransaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.ParsedTransaction
	for _, sig := range signatures {
		if tx, ok := s.txs[sig]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *stubUpstream) GetRecentTokenActivity(_ context.Context, _ string, _ int) ([]models.Transfer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.activity, nil
}

func (s *stubUpstream) TransfersOf(tx *models.ParsedTransaction, _ string) []models.Transfer {
	return s.legs[tx.Signature]
}

func (s *stubUpstream) Health(_ context.Context) error { return nil }
func (s *stubUpstream) BreakerState() string           { return "closed" }

type stubAnalytics struct {
	mu    sync.Mutex
	saved []string
}

func (s *stubAnalytics) SaveTransactionWithTransfers(_ context.Context, tx *models.ParsedTransaction, _ string, _ []models.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, tx.Signature)
	return nil
}

func (s *stubAnalytics) Ping(_ context.Context) error { return nil }

func (s *stubAnalytics) savedSignatures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.saved))
	copy(out, s.saved)
	return out
}

// testBackend wires a full router over in-memory stores.
type testBackend struct {
	router   *gin.Engine
	store    *memStore
	tenants  *tenant.Service
	flows    *stubFlows
	risks    *stubRisks
	upstream *stubUpstream
	sink     *stubAnalytics
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	store := newMemStore()
	svc := tenant.NewService(store, tenant.NewRateLimiter(cache.NewMemoryStore()), testSalt)

	registry := entities.NewRegistry(nil)
	flows := &stubFlows{paths: []models.FlowPath{}}
	risks := &stubRisks{assessment: &models.RiskAssessment{
		RiskScore: 12,
		RiskLevel: models.RiskLevelLow,
		Flags:     []models.RiskFlag{},
	}}
	upstream := &stubUpstream{txs: map[string]*models.ParsedTransaction{}, legs: map[string][]models.Transfer{}}
	sink := &stubAnalytics{}

	cfg := Config{
		Environment:    "test",
		AllowedOrigins: "http://localhost:3000",
		AdminKey:       testAdminKey,
		WebhookSecret:  testWebhookSecret,
	}
	router := SetupRouter(cfg, Deps{
		Tenants:    svc,
		Registry:   registry,
		Classifier: classifier.New(registry),
		Upstream:   upstream,
		Flows:      flows,
		Risks:      risks,
		Intents:    stubIntents{prediction: models.IntentPrediction{Intent: "trading", Confidence: 0.93}},
		Analytics:  sink,
		CacheMode:  "noop",
	})
	return &testBackend{
		router:   router,
		store:    store,
		tenants:  svc,
		flows:    flows,
		risks:    risks,
		upstream: upstream,
		sink:     sink,
	}
}

type reqOpt func(*http.Request)

func withKey(key string) reqOpt {
	return func(r *http.Request) { r.Header.Set("x-api-key", key) }
}

func withHeader(name, value string) reqOpt {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func (b *testBackend) do(t *testing.T, method, path string, payload any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else if raw, ok := payload.([]byte); ok {
		body = bytes.NewReader(raw)
	} else {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rr := httptest.NewRecorder()
	b.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// registerTenant provisions a tenant through the public endpoint and
// returns the raw key plus the created user id.
func (b *testBackend) registerTenant(t *testing.T, email string) (rawKey, userID string) {
	t.Helper()
	rr := b.do(t, http.MethodPost, "/api/v1/users/register", map[string]any{
		"email": email, "fullName": "Test User",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	apiKey, ok := body["apiKey"].(map[string]any)
	require.True(t, ok)
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	return apiKey["key"].(string), user["id"].(string)
}

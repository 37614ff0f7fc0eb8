// Package tenant is the gate every metered request passes through:
// API-key authentication, subscription and quota admission, per-minute
// rate limiting, and the marketplace webhook lifecycle that creates and
// mutates users, subscriptions, and keys.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Contract-level error kinds. The HTTP layer maps these onto status
// codes; everything else stays wrapped underneath.
var (
	ErrInvalidKey           = errors.New("tenant: invalid api key")
	ErrSubscriptionInactive = errors.New("tenant: subscription not active")
	ErrQuotaExceeded        = errors.New("tenant: monthly quota exhausted")
	ErrRateLimited          = errors.New("tenant: rate limit exceeded")
	ErrDuplicateEmail       = errors.New("tenant: email already registered")
	ErrNotFound             = errors.New("tenant: not found")
	ErrInvalidInput         = errors.New("tenant: invalid input")
	ErrStoreUnavailable     = errors.New("tenant: store unavailable")
)

// authFloor is the minimum wall time of a failed authentication, so a
// probe cannot distinguish unknown keys from revoked ones by latency.
const authFloor = 50 * time.Millisecond

// backgroundWriteTimeout bounds the detached writes (lastUsedAt touch,
// usage accounting) that outlive the request.
const backgroundWriteTimeout = 10 * time.Second

// Credentials is the authenticated identity attached to a request.
type Credentials struct {
	User         models.User
	Subscription models.Subscription
	Key          models.APIKey
}

// Admission carries the rate and quota snapshot of one admission
// decision. Populated on rejections too, so handlers can always emit
// the limit headers.
type Admission struct {
	RateLimit      int
	RateRemaining  int
	RateReset      time.Time
	QuotaLimit     int64
	QuotaRemaining int64
	QuotaReset     time.Time
	RetryAfter     time.Duration // set on rate rejection
}

// Store is the persistence contract of the gate, implemented by the
// Postgres store. Implementations return ErrDuplicateEmail on a unique
// email violation and ErrNotFound when a targeted row does not exist;
// lookups answer (nil, nil) for a clean miss.
type Store interface {
	CreateTenant(ctx context.Context, user *models.User, sub *models.Subscription, key *models.APIKey) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	LinkExternalUser(ctx context.Context, userID, externalID string) error
	LookupByKeyHash(ctx context.Context, keyHash string) (*Credentials, error)
	TouchKey(ctx context.Context, keyID string, at time.Time) error
	RecordUsage(ctx context.Context, subscriptionID string, entry models.APIUsageLog) error
	InsertAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID string, at time.Time) error
	ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpdateSubscriptionPlan(ctx context.Context, userID string, plan Plan) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, userID string, at time.Time) (*models.Subscription, error)
	RenewSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	RecentUsage(ctx context.Context, userID string, limit int) ([]models.APIUsageLog, error)
	InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (int64, error)
	CompleteWebhookEvent(ctx context.Context, id int64, errMessage string) error
}

// Service owns the tenant state machine. Safe for concurrent use; all
// mutating paths go through the store.
type Service struct {
	store   Store
	limiter *RateLimiter
	salt    string
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
}

func NewService(store Store, limiter *RateLimiter, salt string) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		salt:    salt,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Ready reports whether tenant operations can be served. Without a
// store the analytics surface still works but every tenant path fails.
func (s *Service) Ready() bool { return s.store != nil }

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ─── Authentication ──────────────────────────────────────────────────

// Authenticate resolves a raw API key to its user and active
// subscription in one lookup by key hash. Negative outcomes are padded
// to the 50ms floor so response latency does not reveal whether a key
// exists. A hit touches LastUsedAt in the background.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*Credentials, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	start := s.now()

	if !ValidKeyFormat(rawKey) {
		s.padAuthLatency(ctx, start)
		return nil, ErrInvalidKey
	}

	cred, err := s.store.LookupByKeyHash(ctx, HashKey(s.salt, rawKey))
	if err != nil {
		return nil, fmt.Errorf("key lookup: %v: %w", err, ErrStoreUnavailable)
	}
	if cred == nil {
		s.padAuthLatency(ctx, start)
		return nil, ErrInvalidKey
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()
		if err := s.store.TouchKey(bg, cred.Key.ID, s.now()); err != nil {
			log.Printf("[Tenant] touch key %s: %v", cred.Key.ID, err)
		}
	}()
	return cred, nil
}

func (s *Service) padAuthLatency(ctx context.Context, start time.Time) {
	s.sleep(ctx, authFloor-s.now().Sub(start))
}

// ─── Admission ───────────────────────────────────────────────────────

// Admit runs the post-authentication checks in order: subscription
// status, monthly quota, then the per-minute rate window. The returned
// Admission is valid even when the error is non-nil.
func (s *Service) Admit(ctx context.Context, cred *Credentials) (Admission, error) {
	sub := cred.Subscription
	adm := Admission{
		RateLimit:  sub.RateLimitPerMinute,
		QuotaLimit: sub.MonthlyQuota,
		QuotaReset: sub.BillingPeriodEnd,
	}
	adm.QuotaRemaining = sub.MonthlyQuota - sub.CurrentUsage - 1
	if adm.QuotaRemaining < 0 {
		adm.QuotaRemaining = 0
	}

	if sub.Status != models.SubscriptionActive {
		return adm, ErrSubscriptionInactive
	}
	if sub.CurrentUsage >= sub.MonthlyQuota {
		return adm, ErrQuotaExceeded
	}

	ok, remaining, reset := s.limiter.Allow(ctx, cred.Key.ID, sub.RateLimitPerMinute)
	adm.RateRemaining = remaining
	adm.RateReset = reset
	if !ok {
		adm.RetryAfter = reset.Sub(s.now())
		if adm.RetryAfter < time.Second {
			adm.RetryAfter = time.Second
		}
		return adm, ErrRateLimited
	}
	return adm, nil
}

// RecordRequest books one admitted request: CurrentUsage and TotalCalls
// increments plus the usage-log row, detached from the request deadline
// so a client disconnect cannot lose the charge. Best effort by design;
// reconciliation tolerates the odd lost increment.
func (s *Service) RecordRequest(cred *Credentials, entry models.APIUsageLog) {
	if s.store == nil {
		return
	}
	entry.UserID = cred.User.ID
	entry.APIKeyID = cred.Key.ID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	subscriptionID := cred.Subscription.ID

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()
		if err := s.store.RecordUsage(bg, subscriptionID, entry); err != nil {
			log.Printf("[Tenant] usage record for %s: %v", entry.UserID, err)
		}
	}()
}

// ─── Registration and self-service ───────────────────────────────────

// Registration is the direct sign-up input.
type Registration struct {
	Email          string
	FullName       string
	CompanyName    string
	Plan           string
	ExternalUserID string
}

// NewTenant is the result of a successful registration. RawKey is the
// only copy of the key that will ever exist; it is not persisted.
type NewTenant struct {
	User         models.User
	Subscription models.Subscription
	Key          models.APIKey
	RawKey       string
}

// Register creates a user with an active subscription and their first
// API key, atomically. A taken email fails with ErrDuplicateEmail.
func (s *Service) Register(ctx context.Context, reg Registration) (*NewTenant, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	email, err := CanonicalEmail(reg.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	planName := reg.Plan
	if planName == "" {
		planName = DefaultPlan().Name
	}
	plan, ok := PlanByName(planName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, planName)
	}

	now := s.now().UTC()
	user := models.User{
		ID:             uuid.NewString(),
		Email:          email,
		FullName:       strings.TrimSpace(reg.FullName),
		CompanyName:    strings.TrimSpace(reg.CompanyName),
		Plan:           plan.Name,
		Status:         models.UserStatusActive,
		ExternalUserID: reg.ExternalUserID,
		CreatedAt:      now,
	}
	sub := models.Subscription{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		Plan:               plan.Name,
		Status:             models.SubscriptionActive,
		MonthlyQuota:       plan.MonthlyQuota,
		RateLimitPerMinute: plan.RateLimitPerMinute,
		PriceCents:         plan.PriceCents,
		BillingPeriodStart: now,
		BillingPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
	}

	rawKey, key, err := s.mintKey(user.ID, "default", now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTenant(ctx, &user, &sub, &key); err != nil {
		return nil, err
	}
	return &NewTenant{User: user, Subscription: sub, Key: key, RawKey: rawKey}, nil
}

func (s *Service) mintKey(userID, name string, now time.Time) (string, models.APIKey, error) {
	rawKey, err := GenerateKey()
	if err != nil {
		return "", models.APIKey{}, err
	}
	return rawKey, models.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   HashKey(s.salt, rawKey),
		KeyPrefix: KeyPrefix(rawKey),
		Name:      name,
		Active:    true,
		CreatedAt: now,
	}, nil
}

// CreateKey mints an additional key for an existing user. The raw key
// is returned exactly once.
func (s *Service) CreateKey(ctx context.Context, userID, name string) (string, *models.APIKey, error) {
	if s.store == nil {
		return "", nil, ErrStoreUnavailable
	}
	if name == "" {
		name = "unnamed"
	}
	rawKey, key, err := s.mintKey(userID, name, s.now().UTC())
	if err != nil {
		return "", nil, err
	}
	if err := s.store.InsertAPIKey(ctx, &key); err != nil {
		return "", nil, err
	}
	return rawKey, &key, nil
}

// Keys lists a user's keys, newest first. Raw keys are long gone; only
// prefixes identify them.
func (s *Service) Keys(ctx context.Context, userID string) ([]models.APIKey, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.store.ListAPIKeys(ctx, userID)
}

// RevokeKey soft-deletes a key. Revoking an already-revoked key is a
// no-op that still succeeds for the owning user; a key that does not
// belong to the user is ErrNotFound.
func (s *Service) RevokeKey(ctx context.Context, userID, keyID string) error {
	if s.store == nil {
		return ErrStoreUnavailable
	}
	return s.store.RevokeAPIKey(ctx, userID, keyID, s.now().UTC())
}

// ChangePlan moves the user's subscription to another catalog plan and
// mirrors the plan onto the user row.
func (s *Service) ChangePlan(ctx context.Context, userID, planName string) (*models.Subscription, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	plan, ok := PlanByName(planName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, planName)
	}
	return s.store.UpdateSubscriptionPlan(ctx, userID, plan)
}

// Cancel marks the subscription cancelled and mirrors the state onto
// the user. Keys stay in place so a later renewal restores service.
func (s *Service) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.store.CancelSubscription(ctx, userID, s.now().UTC())
}

// UsageReport bundles the subscription counters with recent request
// logs for the usage endpoint.
type UsageReport struct {
	Plan           string               `json:"plan"`
	MonthlyQuota   int64                `json:"monthlyQuota"`
	CurrentUsage   int64                `json:"currentUsage"`
	Remaining      int64                `json:"remaining"`
	PeriodStart    time.Time            `json:"periodStart"`
	PeriodEnd      time.Time            `json:"periodEnd"`
	RecentRequests []models.APIUsageLog `json:"recentRequests"`
}

// Usage assembles the caller's quota consumption and last requests.
func (s *Service) Usage(ctx context.Context, cred *Credentials, limit int) (*UsageReport, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	logs, err := s.store.RecentUsage(ctx, cred.User.ID, limit)
	if err != nil {
		return nil, err
	}
	sub := cred.Subscription
	remaining := sub.MonthlyQuota - sub.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	return &UsageReport{
		Plan:           sub.Plan,
		MonthlyQuota:   sub.MonthlyQuota,
		CurrentUsage:   sub.CurrentUsage,
		Remaining:      remaining,
		PeriodStart:    sub.BillingPeriodStart,
		PeriodEnd:      sub.BillingPeriodEnd,
		RecentRequests: logs,
	}, nil
}

// CanonicalEmail lowercases and validates an address. The canonical
// form is what uniqueness is enforced against.
func CanonicalEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", errors.New("email is required")
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", fmt.Errorf("malformed email %q", raw)
	}
	return email, nil
}

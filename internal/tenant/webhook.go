package tenant

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Marketplace webhook contract errors.
var (
	ErrUnknownEvent  = errors.New("tenant: unknown webhook event type")
	ErrInvalidEvent  = errors.New("tenant: invalid webhook payload")
	ErrStaleEvent    = errors.New("tenant: webhook timestamp too old")
	ErrBadSignature  = errors.New("tenant: webhook signature mismatch")
	ErrHandlerFailed = errors.New("tenant: webhook handler failed")
)

// maxEventAge rejects replayed deliveries; the marketplace retries
// failed hooks well inside this window.
const maxEventAge = 5 * time.Minute

// Event is one parsed marketplace delivery. Data keys arrive in
// whatever casing the sender felt like, so field access goes through
// Field and its casing fallbacks.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      map[string]any
	Raw       []byte
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against
// the shared secret. Comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	sig := strings.ToLower(strings.TrimSpace(signature))
	if sig == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// SignPayload produces the signature a sender would attach. Used by the
// outbound test harness and the webhook replay tooling.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent decodes a delivery strictly: exactly one JSON object,
// nothing trailing. The event type may arrive under "event" or "type";
// the timestamp as RFC3339, unix seconds, or unix milliseconds.
func ParseEvent(raw []byte) (*Event, error) {
	var envelope struct {
		Event     string          `json:"event"`
		Type      string          `json:"type"`
		Timestamp json.RawMessage `json:"timestamp"`
		Data      map[string]any  `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrInvalidEvent)
	}

	eventType := envelope.Event
	if eventType == "" {
		eventType = envelope.Type
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}

	ts, err := parseEventTime(envelope.Timestamp)
	if err != nil {
		return nil, err
	}

	data := envelope.Data
	if data == nil {
		data = map[string]any{}
	}
	return &Event{Type: eventType, Timestamp: ts, Data: data, Raw: raw}, nil
}

func parseEventTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if ts, err := time.Parse(time.RFC3339, asString); err == nil {
			return ts, nil
		}
		if n, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return unixFlexible(n), nil
		}
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidEvent, asString)
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return unixFlexible(asNumber), nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp", ErrInvalidEvent)
}

// unixFlexible treats values past the year-33658 mark as milliseconds.
func unixFlexible(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// CheckFreshness rejects events older than the replay window relative
// to now. Clock skew into the future is tolerated.
func (e *Event) CheckFreshness(now time.Time) error {
	if now.Sub(e.Timestamp) > maxEventAge {
		return fmt.Errorf("%w: sent %s", ErrStaleEvent, e.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Field fetches a string value from Data, trying the camelCase name,
// then snake_case, then PascalCase.
func (e *Event) Field(camel string) string {
	for _, key := range []string{camel, snakeCase(camel), pascalCase(camel)} {
		if v, ok := e.Data[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func snakeCase(camel string) string {
	var b strings.Builder
	for i, r := range camel {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pascalCase(camel string) string {
	if camel == "" {
		return camel
	}
	return strings.ToUpper(camel[:1]) + camel[1:]
}

// WebhookResult reports what an accepted delivery did, shaped for the
// HTTP response. Created distinguishes a first-time user.subscribed
// from an idempotent redelivery.
type WebhookResult struct {
	EventType    string
	Created      bool
	User         *models.User
	Subscription *models.Subscription
	KeyPrefix    string
}

// ProcessWebhook is the post-verification path: log the delivery,
// dispatch by type, then mark the audit row processed or record the
// failure on it. Callers verify the signature and freshness first; a
// payload that never authenticates is not logged.
func (s *Service) ProcessWebhook(ctx context.Context, source string, ev *Event) (*WebhookResult, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	eventID, err := s.store.InsertWebhookEvent(ctx, &models.WebhookEvent{
		Source:     source,
		EventType:  ev.Type,
		Payload:    ev.Raw,
		ReceivedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("logging webhook event: %w", err)
	}

	result, procErr := s.dispatchEvent(ctx, ev)
	if procErr != nil {
		if markErr := s.store.CompleteWebhookEvent(ctx, eventID, procErr.Error()); markErr != nil {
			log.Printf("[Tenant] webhook event %d failure mark: %v", eventID, markErr)
		}
		return nil, procErr
	}
	if err := s.store.CompleteWebhookEvent(ctx, eventID, ""); err != nil {
		// The state change already happened; redelivery is idempotent.
		log.Printf("[Tenant] webhook event %d success mark: %v", eventID, err)
	}
	return result, nil
}

func (s *Service) dispatchEvent(ctx context.Context, ev *Event) (*WebhookResult, error) {
	switch ev.Type {
	case "user.subscribed":
		return s.onSubscribed(ctx, ev)
	case "user.plan_changed":
		return s.onPlanChanged(ctx, ev)
	case "user.cancelled":
		return s.onCancelled(ctx, ev)
	case "user.renewed":
		return s.onRenewed(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// onSubscribed provisions a tenant from the marketplace. Redeliveries
// and marketplace sign-ups of an email that already registered
// directly both converge on the existing account.
func (s *Service) onSubscribed(ctx context.Context, ev *Event) (*WebhookResult, error) {
	externalID := ev.Field("externalUserId")
	if externalID == "" {
		return nil, fmt.Errorf("%w: user.subscribed without externalUserId", ErrInvalidEvent)
	}
	email, err := CanonicalEmail(ev.Field("email"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	planName := ev.Field("plan")
	if planName == "" {
		planName = DefaultPlan().Name
	}
	if _, ok := PlanByName(planName); !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, planName)
	}

	if existing, err := s.store.GetUserByExternalID(ctx, externalID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.existingTenantResult(ctx, ev.Type, existing, false)
	}

	// Same email registered directly: adopt the marketplace identity
	// instead of minting a parallel account.
	if existing, err := s.store.GetUserByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		if err := s.store.LinkExternalUser(ctx, existing.ID, externalID); err != nil {
			return nil, err
		}
		existing.ExternalUserID = externalID
		return s.existingTenantResult(ctx, ev.Type, existing, false)
	}

	created, err := s.Register(ctx, Registration{
		Email:          email,
		FullName:       ev.Field("fullName"),
		CompanyName:    ev.Field("companyName"),
		Plan:           planName,
		ExternalUserID: externalID,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			// Lost the race against a concurrent delivery; fall back to
			// the account that won.
			if existing, lookupErr := s.store.GetUserByEmail(ctx, email); lookupErr == nil && existing != nil {
				return s.existingTenantResult(ctx, ev.Type, existing, false)
			}
		}
		return nil, err
	}
	return &WebhookResult{
		EventType:    ev.Type,
		Created:      true,
		User:         &created.User,
		Subscription: &created.Subscription,
		KeyPrefix:    created.Key.KeyPrefix,
	}, nil
}

func (s *Service) existingTenantResult(ctx context.Context, eventType string, user *models.User, created bool) (*WebhookResult, error) {
	result := &WebhookResult{EventType: eventType, Created: created, User: user}
	if sub, err := s.store.ActiveSubscription(ctx, user.ID); err == nil && sub != nil {
		result.Subscription = sub
	}
	if keys, err := s.store.ListAPIKeys(ctx, user.ID); err == nil {
		for i := range keys {
			if keys[i].Active {
				result.KeyPrefix = keys[i].KeyPrefix
				break
			}
		}
	}
	return result, nil
}

func (s *Service) userForEvent(ctx context.Context, ev *Event) (*models.User, error) {
	externalID := ev.Field("externalUserId")
	if externalID == "" {
		return nil, fmt.Errorf("%w: %s without externalUserId", ErrInvalidEvent, ev.Type)
	}
	user, err := s.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: no user for external id %q", ErrNotFound, externalID)
	}
	return user, nil
}

func (s *Service) onPlanChanged(ctx context.Context, ev *Event) (*WebhookResult, error) {
	user, err := s.userForEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	planName := ev.Field("plan")
	if _, ok := PlanByName(planName); !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, planName)
	}
	sub, err := s.ChangePlan(ctx, user.ID, planName)
	if err != nil {
		return nil, err
	}
	user.Plan = sub.Plan
	return &WebhookResult{EventType: ev.Type, User: user, Subscription: sub}, nil
}

// onCancelled flips the subscription (and mirrored user status) to
// cancelled. Keys are left active so user.renewed restores service
// without re-issuing credentials.
func (s *Service) onCancelled(ctx context.Context, ev *Event) (*WebhookResult, error) {
	user, err := s.userForEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.CancelSubscription(ctx, user.ID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	user.Status = models.UserStatusCancelled
	return &WebhookResult{EventType: ev.Type, User: user, Subscription: sub}, nil
}

// onRenewed reactivates the subscription and opens the next billing
// month: the new period starts where the old one ended and usage
// resets to zero.
func (s *Service) onRenewed(ctx context.Context, ev *Event) (*WebhookResult, error) {
	user, err := s.userForEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.RenewSubscription(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Status = models.UserStatusActive
	return &WebhookResult{EventType: ev.Type, User: user, Subscription: sub}, nil
}

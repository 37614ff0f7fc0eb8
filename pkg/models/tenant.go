package models

import "time"

// User account states
const (
	UserStatusActive    = "active"
	UserStatusCancelled = "cancelled"
	UserStatusExpired   = "expired"
)

// Subscription states
const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionPastDue   = "past_due"
)

// User is a tenant account. Email is stored RFC-5322 canonical lowercase.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	FullName       string     `json:"fullName,omitempty"`
	CompanyName    string     `json:"companyName,omitempty"`
	Plan           string     `json:"plan"`   // mirrors the active subscription's plan
	Status         string     `json:"status"` // active/cancelled/expired
	ExternalUserID string     `json:"externalUserId,omitempty"` // marketplace identity, unique when present
	CreatedAt      time.Time  `json:"createdAt"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty"`
}

// Subscription is the billing window and entitlement row for a user.
// At most one active subscription exists per user.
type Subscription struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	Plan               string     `json:"plan"`
	Status             string     `json:"status"`
	MonthlyQuota       int64      `json:"monthlyQuota"`
	RateLimitPerMinute int        `json:"rateLimitPerMinute"`
	CurrentUsage       int64      `json:"currentUsage"`
	PriceCents         int64      `json:"priceCents"`
	BillingPeriodStart time.Time  `json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time  `json:"billingPeriodEnd"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// APIKey is a tenant credential. Only the HMAC hash and the display
// prefix are persisted; the raw key is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"keyPrefix"` // first 16 chars of the raw key
	Name       string     `json:"name,omitempty"`
	Active     bool       `json:"active"`
	TotalCalls int64      `json:"totalCalls"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// APIUsageLog is one metered request, appended asynchronously after the
// authorization decision.
type APIUsageLog struct {
	ID             int64     `json:"id,omitempty"`
	UserID         string    `json:"userId"`
	APIKeyID       string    `json:"apiKeyId"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	UserAgent      string    `json:"userAgent,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	RequestID      string    `json:"requestId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// WebhookEvent is the append-only audit row for every marketplace
// delivery; Processed flips only after the handler completes.
type WebhookEvent struct {
	ID           int64      `json:"id,omitempty"`
	Source       string     `json:"source"`
	EventType    string     `json:"eventType"`
	Payload      []byte     `json:"-"`
	ReceivedAt   time.Time  `json:"receivedAt"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

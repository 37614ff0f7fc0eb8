package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint breach.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateTenant inserts the user, subscription, and first API key as one
// transaction, so a half-provisioned account can never authenticate.
func (s *PostgresStore) CreateTenant(ctx context.Context, user *models.User, sub *models.Subscription, key *models.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertUserSQL := `
		INSERT INTO users (id, email, full_name, company_name, plan, status, external_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8);
	`
	_, err = tx.Exec(ctx, insertUserSQL,
		user.ID, user.Email, user.FullName, user.CompanyName,
		user.Plan, user.Status, user.ExternalUserID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %v", err)
	}

	insertSubSQL := `
		INSERT INTO subscriptions
			(id, user_id, plan, status, monthly_quota, rate_limit_per_minute,
			 current_usage, price_cents, billing_period_start, billing_period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err = tx.Exec(ctx, insertSubSQL,
		sub.ID, sub.UserID, sub.Plan, sub.Status, sub.MonthlyQuota, sub.RateLimitPerMinute,
		sub.CurrentUsage, sub.PriceCents, sub.BillingPeriodStart, sub.BillingPeriodEnd, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %v", err)
	}

	if err := insertAPIKey(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAPIKey(ctx context.Context, q execer, key *models.APIKey) error {
	sql := `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name, active, total_calls, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := q.Exec(ctx, sql,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.Name,
		key.Active, key.TotalCalls, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %v", err)
	}
	return nil
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, key *models.APIKey) error {
	return insertAPIKey(ctx, s.pool, key)
}

const userColumns = `id, email, full_name, company_name, plan, status, COALESCE(external_user_id, ''), created_at, last_login_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.CompanyName, &u.Plan,
		&u.Status, &u.ExternalUserID, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	sql := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(s.pool.QueryRow(ctx, sql, email))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	sql := `SELECT ` + userColumns + ` FROM users WHERE external_user_id = $1`
	return scanUser(s.pool.QueryRow(ctx, sql, externalID))
}

func (s *PostgresStore) LinkExternalUser(ctx context.Context, userID, externalID string) error {
	sql := `UPDATE users SET external_user_id = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, sql, userID, externalID)
	if err != nil {
		return fmt.Errorf("failed to link external user: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// LookupByKeyHash resolves a key hash to its full credential set in one
// round trip. The lateral join picks the user's single subscription row
// whatever its status, so admission can distinguish cancelled from
// unknown.
func (s *PostgresStore) LookupByKeyHash(ctx context.Context, keyHash string) (*tenant.Credentials, error) {
	sql := `
		SELECT
			k.id, k.user_id, k.key_hash, k.key_prefix, k.name, k.active,
			k.total_calls, k.created_at, k.last_used_at, k.revoked_at, k.expires_at,
			u.id, u.email, u.full_name, u.company_name, u.plan, u.status,
			COALESCE(u.external_user_id, ''), u.created_at, u.last_login_at,
			s.id, s.user_id, s.plan, s.status, s.monthly_quota, s.rate_limit_per_minute,
			s.current_usage, s.price_cents, s.billing_period_start, s.billing_period_end,
			s.cancelled_at, s.created_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		JOIN LATERAL (
			SELECT * FROM subscriptions
			WHERE user_id = u.id
			ORDER BY created_at DESC
			LIMIT 1
		) s ON TRUE
		WHERE k.key_hash = $1
			AND k.active
			AND (k.expires_at IS NULL OR k.expires_at > NOW());
	`
	var cred tenant.Credentials
	err := s.pool.QueryRow(ctx, sql, keyHash).Scan(
		&cred.Key.ID, &cred.Key.UserID, &cred.Key.KeyHash, &cred.Key.KeyPrefix,
		&cred.Key.Name, &cred.Key.Active, &cred.Key.TotalCalls, &cred.Key.CreatedAt,
		&cred.Key.LastUsedAt, &cred.Key.RevokedAt, &cred.Key.ExpiresAt,
		&cred.User.ID, &cred.User.Email, &cred.User.FullName, &cred.User.CompanyName,
		&cred.User.Plan, &cred.User.Status, &cred.User.ExternalUserID,
		&cred.User.CreatedAt, &cred.User.LastLoginAt,
		&cred.Subscription.ID, &cred.Subscription.UserID, &cred.Subscription.Plan,
		&cred.Subscription.Status, &cred.Subscription.MonthlyQuota,
		&cred.Subscription.RateLimitPerMinute, &cred.Subscription.CurrentUsage,
		&cred.Subscription.PriceCents, &cred.Subscription.BillingPeriodStart,
		&cred.Subscription.BillingPeriodEnd, &cred.Subscription.CancelledAt,
		&cred.Subscription.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (s *PostgresStore) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	sql := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, sql, keyID, at)
	return err
}

// RecordUsage books one admitted request: subscription usage, key call
// counter, and the audit row move together or not at all.
func (s *PostgresStore) RecordUsage(ctx context.Context, subscriptionID string, entry models.APIUsageLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET current_usage = current_usage + 1 WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %v", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE api_keys SET total_calls = total_calls + 1 WHERE id = $1`, entry.APIKeyID)
	if err != nil {
		return fmt.Errorf("failed to increment key calls: %v", err)
	}

	insertLogSQL := `
		INSERT INTO api_usage_logs
			(user_id, api_key_id, endpoint, method, status_code, response_time_ms,
			 user_agent, ip_address, request_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	_, err = tx.Exec(ctx, insertLogSQL,
		entry.UserID, entry.APIKeyID, entry.Endpoint, entry.Method, entry.StatusCode,
		entry.ResponseTimeMs, entry.UserAgent, entry.IPAddress, entry.RequestID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %v", err)
	}
	return tx.Commit(ctx)
}

const keyColumns = `id, user_id, key_hash, key_prefix, name, active, total_calls, created_at, last_used_at, revoked_at, expires_at`

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	sql := `SELECT ` + keyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Active,
			&k.TotalCalls, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt, &k.ExpiresAt)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key owned by the user. Repeat revocations
// succeed without moving revoked_at; a key the user does not own is
// ErrNotFound.
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, userID, keyID string, at time.Time) error {
	sql := `
		UPDATE api_keys
		SET active = FALSE, revoked_at = COALESCE(revoked_at, $3)
		WHERE id = $2 AND user_id = $1;
	`
	tag, err := s.pool.Exec(ctx, sql, userID, keyID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

const subColumns = `id, user_id, plan, status, monthly_quota, rate_limit_per_minute, current_usage, price_cents, billing_period_start, billing_period_end, cancelled_at, created_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.MonthlyQuota,
		&sub.RateLimitPerMinute, &sub.CurrentUsage, &sub.PriceCents,
		&sub.BillingPeriodStart, &sub.BillingPeriodEnd, &sub.CancelledAt, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sql := `SELECT ` + subColumns + ` FROM subscriptions WHERE user_id = $1 AND status = 'active'`
	return scanSubscription(s.pool.QueryRow(ctx, sql, userID))
}

// UpdateSubscriptionPlan rewrites the entitlement columns from the
// catalog row and mirrors the plan name onto the user.
func (s *PostgresStore) UpdateSubscriptionPlan(ctx context.Context, userID string, plan tenant.Plan) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateSQL := `
		UPDATE subscriptions
		SET plan = $2, monthly_quota = $3, rate_limit_per_minute = $4, price_cents = $5
		WHERE user_id = $1
		RETURNING ` + subColumns + `;
	`
	sub, err := scanSubscription(tx.QueryRow(ctx, updateSQL,
		userID, plan.Name, plan.MonthlyQuota, plan.RateLimitPerMinute, plan.PriceCents))
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription plan: %v", err)
	}
	if sub == nil {
		return nil, tenant.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET plan = $2 WHERE id = $1`, userID, plan.Name); err != nil {
		return nil, fmt.Errorf("failed to mirror plan onto user: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelSubscription flips the subscription and the mirrored user
// status to cancelled. API keys are untouched so a renewal restores
// service with the same credentials.
func (s *PostgresStore) CancelSubscription(ctx context.Context, userID string, at time.Time) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateSQL := `
		UPDATE subscriptions
		SET status = 'cancelled', cancelled_at = $2
		WHERE user_id = $1
		RETURNING ` + subColumns + `;
	`
	sub, err := scanSubscription(tx.QueryRow(ctx, updateSQL, userID, at))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %v", err)
	}
	if sub == nil {
		return nil, tenant.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET status = 'cancelled' WHERE id = $1`, userID); err != nil {
		return nil, fmt.Errorf("failed to mirror cancellation onto user: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// RenewSubscription reactivates the subscription and opens the next
// billing month: the new period starts where the previous one ended
// and usage returns to zero.
func (s *PostgresStore) RenewSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateSQL := `
		UPDATE subscriptions
		SET status = 'active',
			cancelled_at = NULL,
			current_usage = 0,
			billing_period_start = billing_period_end,
			billing_period_end = billing_period_end + INTERVAL '1 month'
		WHERE user_id = $1
		RETURNING ` + subColumns + `;
	`
	sub, err := scanSubscription(tx.QueryRow(ctx, updateSQL, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription: %v", err)
	}
	if sub == nil {
		return nil, tenant.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET status = 'active' WHERE id = $1`, userID); err != nil {
		return nil, fmt.Errorf("failed to mirror renewal onto user: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) RecentUsage(ctx context.Context, userID string, limit int) ([]models.APIUsageLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT id, user_id, api_key_id, endpoint, method, status_code,
			response_time_ms, user_agent, ip_address, request_id, timestamp
		FROM api_usage_logs
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.APIUsageLog{}
	for rows.Next() {
		var l models.APIUsageLog
		err := rows.Scan(&l.ID, &l.UserID, &l.APIKeyID, &l.Endpoint, &l.Method, &l.StatusCode,
			&l.ResponseTimeMs, &l.UserAgent, &l.IPAddress, &l.RequestID, &l.Timestamp)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (int64, error) {
	sql := `
		INSERT INTO webhook_events (source, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id;
	`
	var payload any
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	var id int64
	err := s.pool.QueryRow(ctx, sql, ev.Source, ev.EventType, payload, ev.ReceivedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert webhook event: %v", err)
	}
	return id, nil
}

func (s *PostgresStore) CompleteWebhookEvent(ctx context.Context, id int64, errMessage string) error {
	sql := `
		UPDATE webhook_events
		SET processed = ($2 = ''), processed_at = NOW(), error_message = $2
		WHERE id = $1;
	`
	_, err := s.pool.Exec(ctx, sql, id, errMessage)
	return err
}

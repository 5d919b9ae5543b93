package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ajmather/captureq/internal/capture"
)

// SubscriptionStore implements capture.SubscriptionStore on Postgres. The
// dispatcher only reads subscriptions; the CRUD layer owns mutation.
type SubscriptionStore struct {
	db DB
}

const subscriptionColumns = `id, user_id, user_email, event_type, callback_url, signing_key, signing_key_algorithm`

// GetSubscription fetches a subscription by id.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, id int64) (capture.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.WebhookSubscription{}, capture.ErrSubscriptionNotFound
	}
	if err != nil {
		return capture.WebhookSubscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns the user's subscriptions for an event type.
func (s *SubscriptionStore) ListSubscriptions(ctx context.Context, userID int64, eventType string) ([]capture.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE user_id = $1 AND event_type = $2 ORDER BY id`
	rows, err := s.db.Query(ctx, query, userID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []capture.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (capture.WebhookSubscription, error) {
	var sub capture.WebhookSubscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.UserEmail,
		&sub.EventType,
		&sub.CallbackURL,
		&sub.SigningKey,
		&sub.SigningKeyAlgorithm,
	)
	return sub, err
}

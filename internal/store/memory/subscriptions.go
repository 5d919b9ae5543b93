package memory

import (
	"context"
	"sync"

	"github.com/ajmather/captureq/internal/capture"
)

// SubscriptionStore is an in-memory capture.SubscriptionStore.
type SubscriptionStore struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]capture.WebhookSubscription
}

// NewSubscriptionStore constructs a SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[int64]capture.WebhookSubscription)}
}

// Add registers a subscription and returns its assigned id. Subscriptions are
// otherwise read-only; the CRUD layer owns them in production.
func (s *SubscriptionStore) Add(sub capture.WebhookSubscription) capture.WebhookSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		s.nextID++
		sub.ID = s.nextID
	}
	s.subs[sub.ID] = sub
	return sub
}

// GetSubscription fetches a subscription by id.
func (s *SubscriptionStore) GetSubscription(_ context.Context, id int64) (capture.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return capture.WebhookSubscription{}, capture.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions returns the user's subscriptions for an event type.
func (s *SubscriptionStore) ListSubscriptions(_ context.Context, userID int64, eventType string) ([]capture.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capture.WebhookSubscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.EventType == eventType {
			out = append(out, sub)
		}
	}
	return out, nil
}

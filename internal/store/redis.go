package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/estateshare/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users and properties. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// Reads made through a transaction always go to the primary so row locks
// are taken.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// WithTx delegates to the primary and drops cached properties the
// transaction touched once it commits.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	for id := range tracked.properties {
		s.rdb.Del(ctx, propertyKey(id))
	}
	return nil
}

// trackingTx records which properties were written inside a transaction.
type trackingTx struct {
	Tx
	properties map[string]struct{}
}

func (t *trackingTx) UpdateProperty(ctx context.Context, p *model.Property) error {
	if err := t.Tx.UpdateProperty(ctx, p); err != nil {
		return err
	}
	if t.properties == nil {
		t.properties = make(map[string]struct{})
	}
	t.properties[p.ID] = struct{}{}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cache(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) CreateProperty(ctx context.Context, p *model.Property) error {
	if err := s.primary.CreateProperty(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, propertyKey(p.ID), p)
	return nil
}

func (s *CachedStore) UpdateProperty(ctx context.Context, p *model.Property) error {
	if err := s.primary.UpdateProperty(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, propertyKey(p.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	var p model.Property
	if s.lookup(ctx, propertyKey(id), &p) {
		return &p, nil
	}

	got, err := s.primary.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, propertyKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, propertyID)
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	return s.primary.SavePosition(ctx, p)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) FindCounterOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	return s.primary.FindCounterOrder(ctx, o)
}

func (s *CachedStore) PendingSellQuantity(ctx context.Context, userID, propertyID string) (int64, error) {
	return s.primary.PendingSellQuantity(ctx, userID, propertyID)
}

func (s *CachedStore) ListUnsettledOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListUnsettledOrders(ctx)
}

func (s *CachedStore) ListMatchedOrdersByChannel(ctx context.Context, channelID string) ([]model.Order, error) {
	return s.primary.ListMatchedOrdersByChannel(ctx, channelID)
}

func (s *CachedStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error) {
	return s.primary.ListExpiredOrders(ctx, now)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListOrdersByProperty(ctx context.Context, propertyID string) ([]model.Order, error) {
	return s.primary.ListOrdersByProperty(ctx, propertyID)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error) {
	return s.primary.ListPositionsByProperty(ctx, propertyID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string     { return fmt.Sprintf("user:%s", id) }
func propertyKey(id string) string { return fmt.Sprintf("property:%s", id) }

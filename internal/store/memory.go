package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/estateshare/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the store-wide write lock for their duration and keep
// an undo log; a failed transaction replays the log in reverse. Transactions
// on unrelated properties therefore serialize. The engine keeps network calls
// out of transactions, so the lock only covers map updates; production
// deployments use PostgresStore, which locks per row.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	properties map[string]*model.Property
	positions  map[positionKey]*model.Position
	orders     map[string]*model.Order
}

type positionKey struct {
	userID     string
	propertyID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*model.User),
		properties: make(map[string]*model.Property),
		positions:  make(map[positionKey]*model.Position),
		orders:     make(map[string]*model.Order),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, journal: true}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// --- Tx methods outside a transaction (each call is its own unit) ---

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).GetUser(ctx, id)
}

func (s *MemoryStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).GetProperty(ctx, id)
}

func (s *MemoryStore) UpdateProperty(ctx context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).UpdateProperty(ctx, p)
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).GetPosition(ctx, userID, propertyID)
}

func (s *MemoryStore) SavePosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).SavePosition(ctx, p)
}

func (s *MemoryStore) CreateOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).CreateOrder(ctx, o)
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).GetOrder(ctx, id)
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).UpdateOrder(ctx, o)
}

func (s *MemoryStore) FindCounterOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).FindCounterOrder(ctx, o)
}

func (s *MemoryStore) PendingSellQuantity(ctx context.Context, userID, propertyID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{s: s}).PendingSellQuantity(ctx, userID, propertyID)
}

// --- Collaborator records ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("%w: user %s", model.ErrAlreadyExists, u.ID)
	}
	for _, existing := range s.users {
		if existing.WalletAddress == u.WalletAddress {
			return fmt.Errorf("%w: wallet %s", model.ErrAlreadyExists, u.WalletAddress)
		}
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) CreateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.properties[p.ID]; exists {
		return fmt.Errorf("%w: property %s", model.ErrAlreadyExists, p.ID)
	}
	copy := *p
	s.properties[p.ID] = &copy
	return nil
}

// --- Queries ---

func (s *MemoryStore) ListUnsettledOrders(_ context.Context) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.Unsettled()
	}, oldestFirst), nil
}

func (s *MemoryStore) ListMatchedOrdersByChannel(_ context.Context, channelID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.ChannelID == channelID && o.Unsettled()
	}, oldestFirst), nil
}

func (s *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.Status == model.OrderPending && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
	}, oldestFirst), nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.UserID == userID
	}, newestFirst), nil
}

func (s *MemoryStore) ListOrdersByProperty(_ context.Context, propertyID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.PropertyID == propertyID
	}, newestFirst), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

func (s *MemoryStore) ListPositionsByProperty(_ context.Context, propertyID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.PropertyID == propertyID }), nil
}

const (
	oldestFirst = false
	newestFirst = true
)

func (s *MemoryStore) filterOrders(keep func(*model.Order) bool, desc bool) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if keep(o) {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		if desc {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PropertyID < result[j].PropertyID })
	return result
}

// memTx operates on the maps with the store lock already held by the caller.
type memTx struct {
	s       *MemoryStore
	journal bool
	undo    []func()
}

func (t *memTx) record(fn func()) {
	if t.journal {
		t.undo = append(t.undo, fn)
	}
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (t *memTx) GetProperty(_ context.Context, id string) (*model.Property, error) {
	p, ok := t.s.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPropertyNotFound, id)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) UpdateProperty(_ context.Context, p *model.Property) error {
	prev, ok := t.s.properties[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPropertyNotFound, p.ID)
	}
	t.record(func() { t.s.properties[p.ID] = prev })

	copy := *p
	t.s.properties[p.ID] = &copy
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, propertyID string) (*model.Position, error) {
	p, ok := t.s.positions[positionKey{userID, propertyID}]
	if !ok {
		return nil, fmt.Errorf("%w: user %s property %s", model.ErrPositionNotFound, userID, propertyID)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	key := positionKey{p.UserID, p.PropertyID}
	if prev, ok := t.s.positions[key]; ok {
		t.record(func() { t.s.positions[key] = prev })
	} else {
		t.record(func() { delete(t.s.positions, key) })
	}

	copy := *p
	t.s.positions[key] = &copy
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, o *model.Order) error {
	if _, exists := t.s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s", model.ErrAlreadyExists, o.ID)
	}
	t.record(func() { delete(t.s.orders, o.ID) })

	copy := *o
	t.s.orders[o.ID] = &copy
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	copy := *o
	return &copy, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	prev, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	t.record(func() { t.s.orders[o.ID] = prev })

	copy := *o
	t.s.orders[o.ID] = &copy
	return nil
}

func (t *memTx) FindCounterOrder(_ context.Context, o *model.Order) (*model.Order, error) {
	var best *model.Order
	for _, c := range t.s.orders {
		if c.Status != model.OrderPending || !o.Compatible(c) {
			continue
		}
		if best == nil || c.CreatedAt.Before(best.CreatedAt) ||
			(c.CreatedAt.Equal(best.CreatedAt) && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no counter order for %s", model.ErrOrderNotFound, o.ID)
	}
	copy := *best
	return &copy, nil
}

func (t *memTx) PendingSellQuantity(_ context.Context, userID, propertyID string) (int64, error) {
	var total int64
	for _, o := range t.s.orders {
		if o.UserID == userID && o.PropertyID == propertyID &&
			o.Type == model.OrderSell && o.Status == model.OrderPending {
			total += o.Quantity
		}
	}
	return total, nil
}

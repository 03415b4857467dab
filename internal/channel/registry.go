// Package channel tracks off-chain payment channel state: balances and nonces
// per bilateral channel. The Registry is the single in-memory source of truth
// for open channels; the network adapter only mirrors it.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
)

// ErrNotParticipant is returned when a transfer names a party that is not
// one of the channel's two participants.
var ErrNotParticipant = errors.New("channel: not a participant")

// Registry holds every known channel keyed by id.
//
// The map lock guards only lookups and inserts. Each channel carries its own
// mutex so updates on one channel never block another.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	ordered  []string // ids in open order; the first match wins pair lookups

	defaultCollateral decimal.Decimal
}

type entry struct {
	mu    sync.Mutex
	state model.ChannelState
}

// NewRegistry creates an empty registry. GetOrCreate funds new channels with
// defaultCollateral on both sides.
func NewRegistry(defaultCollateral decimal.Decimal) *Registry {
	return &Registry{
		channels:          make(map[string]*entry),
		defaultCollateral: defaultCollateral,
	}
}

// Open creates a channel between a and b, both funded with collateral.
func (r *Registry) Open(a, b string, collateral decimal.Decimal) string {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(id, a, b, collateral)
	return id
}

// Register records a channel the network already opened under id. If an open
// channel between the pair exists, its id is returned instead and nothing is
// inserted.
func (r *Registry) Register(id, a, b string, collateral decimal.Decimal) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.findLocked(a, b); ok {
		return existing, nil
	}
	if _, taken := r.channels[id]; taken {
		return "", fmt.Errorf("channel: id %s already registered", id)
	}
	r.insertLocked(id, a, b, collateral)
	return id, nil
}

// GetOrCreate returns the open channel between the pair, opening one with
// the default collateral if none exists. Participant order does not matter.
func (r *Registry) GetOrCreate(a, b string) (id string, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.findLocked(a, b); ok {
		return existing, false
	}
	id = uuid.New().String()
	r.insertLocked(id, a, b, r.defaultCollateral)
	return id, true
}

// Find returns the earliest-opened open channel between the pair.
func (r *Registry) Find(a, b string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(a, b)
}

// DefaultCollateral is the per-side funding used for new channels.
func (r *Registry) DefaultCollateral() decimal.Decimal {
	return r.defaultCollateral
}

// Update moves amount from one participant to the other and bumps the nonce.
// On error the channel is left unchanged.
func (r *Registry) Update(id, from, to string, amount decimal.Decimal) (model.ChannelState, error) {
	e, err := r.lookup(id)
	if err != nil {
		return model.ChannelState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != model.ChannelOpen {
		return model.ChannelState{}, fmt.Errorf("%w: %s is %s", model.ErrChannelNotOpen, id, e.state.Status)
	}
	fromBal, okFrom := e.state.Balances[from]
	toBal, okTo := e.state.Balances[to]
	if !okFrom || !okTo || from == to {
		return model.ChannelState{}, fmt.Errorf("%w: %s -> %s on %s", ErrNotParticipant, from, to, id)
	}
	if !amount.IsPositive() {
		return model.ChannelState{}, fmt.Errorf("%w: transfer amount %s", model.ErrInvalidOrder, amount)
	}
	if fromBal.LessThan(amount) {
		return model.ChannelState{}, fmt.Errorf("%w: %s holds %s, needs %s",
			model.ErrInsufficientBalance, from, fromBal, amount)
	}

	e.state.Balances[from] = fromBal.Sub(amount)
	e.state.Balances[to] = toBal.Add(amount)
	e.state.Nonce++
	return snapshot(&e.state), nil
}

// Get returns a copy of the channel's current state.
func (r *Registry) Get(id string) (model.ChannelState, error) {
	e, err := r.lookup(id)
	if err != nil {
		return model.ChannelState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.state), nil
}

// Close moves the channel to closing and returns its final balances. Further
// updates are rejected. Closing an already closing channel returns the same
// final state.
func (r *Registry) Close(id string) (*model.Closure, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == model.ChannelClosed {
		return nil, fmt.Errorf("%w: %s is closed", model.ErrChannelNotOpen, id)
	}
	e.state.Status = model.ChannelClosing
	s := snapshot(&e.state)
	return &model.Closure{ChannelID: id, FinalBalances: s.Balances, Nonce: s.Nonce}, nil
}

// MarkClosed records that the network confirmed the closure.
func (r *Registry) MarkClosed(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Status = model.ChannelClosed
	e.mu.Unlock()
	return nil
}

// Len reports how many channels are currently open.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.channels {
		e.mu.Lock()
		if e.state.Status == model.ChannelOpen {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrChannelNotFound, id)
	}
	return e, nil
}

// insertLocked requires r.mu held for writing.
func (r *Registry) insertLocked(id, a, b string, collateral decimal.Decimal) {
	r.channels[id] = &entry{state: model.ChannelState{
		ChannelID:    id,
		Participants: [2]string{a, b},
		Balances: map[string]decimal.Decimal{
			a: collateral,
			b: collateral,
		},
		Status: model.ChannelOpen,
	}}
	r.ordered = append(r.ordered, id)
}

// findLocked requires r.mu held.
func (r *Registry) findLocked(a, b string) (string, bool) {
	for _, id := range r.ordered {
		e := r.channels[id]
		e.mu.Lock()
		p, status := e.state.Participants, e.state.Status
		e.mu.Unlock()

		if status != model.ChannelOpen {
			continue
		}
		if (p[0] == a && p[1] == b) || (p[0] == b && p[1] == a) {
			return id, true
		}
	}
	return "", false
}

func snapshot(s *model.ChannelState) model.ChannelState {
	out := *s
	out.Balances = make(map[string]decimal.Decimal, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}

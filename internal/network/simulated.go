package network

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
)

// Simulated is an in-memory settlement network for local development and
// tests. No blockchain or channel node is required.
type Simulated struct {
	mu       sync.Mutex
	channels map[string]*simChannel
	block    uint64

	failOpen   error
	failUpdate error
	failSettle map[string]error
}

type simChannel struct {
	participants [2]string
	nonce        uint64
	settledTx    string
	closed       bool
}

// NewSimulated creates an empty simulated network.
func NewSimulated() *Simulated {
	return &Simulated{
		channels:   make(map[string]*simChannel),
		failSettle: make(map[string]error),
	}
}

func (s *Simulated) Name() string { return "simulated" }

// FailOpen makes every subsequent Open return err. Pass nil to clear.
func (s *Simulated) FailOpen(err error) {
	s.mu.Lock()
	s.failOpen = err
	s.mu.Unlock()
}

// FailUpdate makes every subsequent Update return err. Pass nil to clear.
func (s *Simulated) FailUpdate(err error) {
	s.mu.Lock()
	s.failUpdate = err
	s.mu.Unlock()
}

// FailSettle makes Settle on channelID return err. Pass nil to clear.
func (s *Simulated) FailSettle(channelID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failSettle, channelID)
		return
	}
	s.failSettle[channelID] = err
}

func (s *Simulated) Open(ctx context.Context, participants [2]string, collateral decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOpen != nil {
		return "", s.failOpen
	}
	id := uuid.New().String()
	s.channels[id] = &simChannel{participants: participants}

	slog.Debug("simulated channel opened", "channel_id", id, "collateral", collateral.String())
	return id, nil
}

func (s *Simulated) Update(ctx context.Context, channelID string, payload UpdatePayload, nonce uint64) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdate != nil {
		return nil, s.failUpdate
	}
	ch, ok := s.channels[channelID]
	if !ok {
		// Channels opened directly on the registry are mirrored lazily.
		ch = &simChannel{participants: [2]string{payload.From, payload.To}}
		s.channels[channelID] = ch
	}
	if ch.closed {
		return nil, fmt.Errorf("%w: %s", model.ErrChannelNotOpen, channelID)
	}
	// Updates can arrive out of order across goroutines; keep the highest.
	if nonce > ch.nonce {
		ch.nonce = nonce
	}

	return &UpdateResult{
		ChannelID: channelID,
		Nonce:     nonce,
		TxID:      "sim-tx-" + uuid.New().String(),
	}, nil
}

func (s *Simulated) Settle(ctx context.Context, channelID string, finalBalances map[string]decimal.Decimal, nonce uint64) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failSettle[channelID]; err != nil {
		return nil, err
	}
	ch, ok := s.channels[channelID]
	if !ok {
		ch = &simChannel{}
		s.channels[channelID] = ch
	}

	hash := randomHash()
	ch.settledTx = hash
	s.block++
	block := s.block

	slog.Debug("simulated channel settled", "channel_id", channelID, "tx_hash", hash, "nonce", nonce)
	return NewSubmission(hash, func(ctx context.Context) (*Receipt, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Receipt{Hash: hash, BlockNumber: block, Confirmations: 1}, nil
	}), nil
}

func (s *Simulated) Close(ctx context.Context, channelID string, final *model.Closure) (*model.Closure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[channelID]; ok {
		ch.closed = true
	}
	return final, nil
}

func randomHash() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "0x" + hex.EncodeToString(b)
}

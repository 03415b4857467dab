// Package network abstracts the external settlement network that mirrors
// payment channels and commits their final state. The engine only talks to
// an Adapter; Simulated runs entirely in memory, Networked speaks JSON over
// HTTP to a channel node.
package network

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
)

// Adapter is the capability set the engine and settlement scheduler need
// from a settlement network.
type Adapter interface {
	// Name identifies the implementation in logs and metrics.
	Name() string

	// Open mirrors a new channel between two participants and returns the
	// network-assigned channel id.
	Open(ctx context.Context, participants [2]string, collateral decimal.Decimal) (string, error)

	// Update records an off-chain state transition at the given nonce.
	Update(ctx context.Context, channelID string, payload UpdatePayload, nonce uint64) (*UpdateResult, error)

	// Settle submits final balances for commitment. The returned Submission
	// must be waited on for the receipt.
	Settle(ctx context.Context, channelID string, finalBalances map[string]decimal.Decimal, nonce uint64) (*Submission, error)

	// Close submits a channel's final state and tears it down.
	Close(ctx context.Context, channelID string, final *model.Closure) (*model.Closure, error)
}

// UpdatePayload describes a single transfer applied to a channel.
type UpdatePayload struct {
	OrderID string          `json:"order_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
}

// UpdateResult is the network's acknowledgement of an Update.
type UpdateResult struct {
	ChannelID string `json:"channel_id"`
	Nonce     uint64 `json:"nonce"`
	TxID      string `json:"tx_id"`
}

// Receipt confirms a settlement was committed.
type Receipt struct {
	Hash          string `json:"hash"`
	BlockNumber   uint64 `json:"block_number"`
	Confirmations int    `json:"confirmations"`
}

// Submission is a settlement accepted by the network but not yet confirmed.
type Submission struct {
	Hash string
	wait func(ctx context.Context) (*Receipt, error)
}

// NewSubmission builds a Submission whose Wait calls wait.
func NewSubmission(hash string, wait func(ctx context.Context) (*Receipt, error)) *Submission {
	return &Submission{Hash: hash, wait: wait}
}

// Wait blocks until the settlement is confirmed or ctx is done.
func (s *Submission) Wait(ctx context.Context) (*Receipt, error) {
	if s.wait == nil {
		return &Receipt{Hash: s.Hash}, nil
	}
	return s.wait(ctx)
}

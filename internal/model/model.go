// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal; never float64 for money.
// Share counts are whole numbers and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the minimal investor record the engine needs: the wallet address
// is the user's participant key in payment channels.
type User struct {
	ID            string    `json:"id" db:"id"`
	WalletAddress string    `json:"wallet_address" db:"wallet_address"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PropertyStatus is the funding lifecycle of a property.
type PropertyStatus string

const (
	PropertyPending     PropertyStatus = "pending"
	PropertyActive      PropertyStatus = "active"
	PropertyFullyFunded PropertyStatus = "fully_funded"
	PropertySold        PropertyStatus = "sold"
	PropertyInactive    PropertyStatus = "inactive"
)

// Property is a tokenized building and its primary share pool.
type Property struct {
	ID                 string          `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	TotalShares        int64           `json:"total_shares" db:"total_shares"`
	AvailableShares    int64           `json:"available_shares" db:"available_shares"`
	PricePerShare      decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	ContractAddress    string          `json:"contract_address" db:"contract_address"`
	Status             PropertyStatus  `json:"status" db:"status"`
	FundingCompletedAt *time.Time      `json:"funding_completed_at,omitempty" db:"funding_completed_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Tradable reports whether orders may execute against this property.
func (p *Property) Tradable() bool {
	switch p.Status {
	case PropertySold, PropertyInactive:
		return false
	}
	return true
}

// Reserve takes qty shares out of the pool for a buyer.
func (p *Property) Reserve(qty int64, now time.Time) error {
	if qty <= 0 || qty > p.AvailableShares {
		return ErrInsufficientShares
	}
	p.AvailableShares -= qty
	if p.AvailableShares == 0 {
		p.Status = PropertyFullyFunded
		t := now
		p.FundingCompletedAt = &t
	}
	return nil
}

// Release returns qty shares from a seller to the pool.
func (p *Property) Release(qty int64) error {
	if qty <= 0 || p.AvailableShares+qty > p.TotalShares {
		return ErrInsufficientShares
	}
	p.AvailableShares += qty
	if p.Status == PropertyFullyFunded {
		p.Status = PropertyActive
	}
	return nil
}

// Portfolio aggregates all positions for a user.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Positions       []Position      `json:"positions"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	RealizedGains   decimal.Decimal `json:"realized_gains"`
	UnrealizedGains decimal.Decimal `json:"unrealized_gains"`
	TotalProperties int             `json:"total_properties"`
}

// ChannelStatus is the lifecycle of a payment channel.
type ChannelStatus string

const (
	ChannelOpen    ChannelStatus = "open"
	ChannelClosing ChannelStatus = "closing"
	ChannelClosed  ChannelStatus = "closed"
)

// ChannelState is a point-in-time copy of a payment channel. The registry
// owns the live state; callers only ever receive snapshots.
type ChannelState struct {
	ChannelID    string                     `json:"channel_id"`
	Participants [2]string                  `json:"participants"`
	Balances     map[string]decimal.Decimal `json:"balances"`
	Nonce        uint64                     `json:"nonce"`
	Status       ChannelStatus              `json:"status"`
}

// Closure describes the final state submitted when a channel is closed.
type Closure struct {
	ChannelID     string                     `json:"channel_id"`
	FinalBalances map[string]decimal.Decimal `json:"final_balances"`
	Nonce         uint64                     `json:"nonce"`
}

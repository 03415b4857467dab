package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one investor's holding in one property, with cost-basis
// accounting. Shares never go negative; once they reach zero every derived
// amount except RealizedGains resets to zero.
type Position struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	PropertyID      string          `json:"property_id" db:"property_id"`
	Shares          int64           `json:"shares" db:"shares"`
	AveragePrice    decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested   decimal.Decimal `json:"total_invested" db:"total_invested"`
	CurrentValue    decimal.Decimal `json:"current_value" db:"current_value"`
	RealizedGains   decimal.Decimal `json:"realized_gains" db:"realized_gains"`
	UnrealizedGains decimal.Decimal `json:"unrealized_gains" db:"unrealized_gains"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ApplyBuy adds qty shares bought at price and marks the position to
// markPrice (the property's current price per share).
func (p *Position) ApplyBuy(qty int64, price, markPrice decimal.Decimal, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: buy quantity %d", ErrInvalidOrder, qty)
	}
	q := decimal.NewFromInt(qty)
	p.TotalInvested = p.TotalInvested.Add(q.Mul(price))
	p.Shares += qty
	p.AveragePrice = p.TotalInvested.Div(decimal.NewFromInt(p.Shares))
	p.mark(markPrice)
	p.UpdatedAt = now
	return nil
}

// ApplySell removes qty shares sold at price and returns the realized gain.
// The cost basis uses the pre-sale average price.
func (p *Position) ApplySell(qty int64, price, markPrice decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, fmt.Errorf("%w: sell quantity %d", ErrInvalidOrder, qty)
	}
	if p.Shares < qty {
		return decimal.Zero, fmt.Errorf("%w: holding %d, selling %d", ErrInsufficientShares, p.Shares, qty)
	}
	q := decimal.NewFromInt(qty)
	costBasis := p.TotalInvested.Div(decimal.NewFromInt(p.Shares)).Mul(q)
	realized := q.Mul(price).Sub(costBasis)

	p.Shares -= qty
	p.TotalInvested = p.TotalInvested.Sub(costBasis)
	p.RealizedGains = p.RealizedGains.Add(realized)
	p.UpdatedAt = now

	if p.Shares == 0 {
		p.TotalInvested = decimal.Zero
		p.AveragePrice = decimal.Zero
		p.CurrentValue = decimal.Zero
		p.UnrealizedGains = decimal.Zero
		return realized, nil
	}
	p.mark(markPrice)
	return realized, nil
}

func (p *Position) mark(markPrice decimal.Decimal) {
	p.CurrentValue = decimal.NewFromInt(p.Shares).Mul(markPrice)
	p.UnrealizedGains = p.CurrentValue.Sub(p.TotalInvested)
}

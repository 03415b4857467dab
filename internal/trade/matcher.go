package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/estateshare/trade-engine/internal/metrics"
	"github.com/estateshare/trade-engine/internal/model"
	"github.com/estateshare/trade-engine/internal/store"
)

// Policy decides how a new order finds liquidity.
type Policy string

const (
	// PolicyPrimaryPool fills every order in full against the property's
	// share pool the moment it is placed.
	PolicyPrimaryPool Policy = "primary"

	// PolicyCounterOrder matches against at most one resting opposite order
	// on the same property, earliest first. Unmatched orders stay PENDING.
	PolicyCounterOrder Policy = "counter"
)

// ParsePolicy converts a config value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyPrimaryPool, PolicyCounterOrder:
		return p, nil
	}
	return "", fmt.Errorf("trade: unknown matching policy %q", s)
}

// match applies the policy to the not-yet-persisted order o and returns every
// order that became MATCHED, sells first so released shares are back in the
// pool before a buy reserves them. A counter order is persisted here; o is
// left to the caller.
func match(ctx context.Context, tx store.Tx, policy Policy, o *model.Order, now time.Time) ([]*model.Order, error) {
	switch policy {
	case PolicyPrimaryPool:
		if err := o.Match(o.Quantity, "", now); err != nil {
			return nil, err
		}
		return []*model.Order{o}, nil

	case PolicyCounterOrder:
		c, err := findCounter(ctx, tx, o, now)
		if err != nil || c == nil {
			return nil, err
		}

		fill := min(o.Quantity, c.Quantity)
		if err := o.Match(fill, c.ID, now); err != nil {
			return nil, err
		}
		if err := c.Match(fill, o.ID, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrder(ctx, c); err != nil {
			return nil, err
		}

		if o.Type == model.OrderSell {
			return []*model.Order{o, c}, nil
		}
		return []*model.Order{c, o}, nil
	}
	return nil, fmt.Errorf("trade: unknown matching policy %q", policy)
}

// findCounter returns the earliest resting order that can still execute
// against o, or nil. A resting sell whose owner no longer holds the shares
// is expired and the next candidate is tried, so one stale listing cannot
// block the book.
func findCounter(ctx context.Context, tx store.Tx, o *model.Order, now time.Time) (*model.Order, error) {
	for {
		c, err := tx.FindCounterOrder(ctx, o)
		if errors.Is(err, model.ErrOrderNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if c.Type != model.OrderSell {
			return c, nil
		}

		held, err := heldShares(ctx, tx, c.UserID, c.PropertyID)
		if err != nil {
			return nil, err
		}
		if held >= min(o.Quantity, c.Quantity) {
			return c, nil
		}

		if err := c.Transition(model.OrderExpired, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrder(ctx, c); err != nil {
			return nil, err
		}
		metrics.OrdersTotal.WithLabelValues(string(c.Type), "expired").Inc()
		slog.Warn("expired resting sell the seller can no longer cover",
			"order_id", c.ID, "user", c.UserID, "property", c.PropertyID, "held", held, "qty", c.Quantity)
	}
}

// heldShares is the user's position size, zero when they hold none.
func heldShares(ctx context.Context, tx store.Tx, userID, propertyID string) (int64, error) {
	pos, err := tx.GetPosition(ctx, userID, propertyID)
	if errors.Is(err, model.ErrPositionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos.Shares, nil
}

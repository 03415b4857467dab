package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/estateshare/trade-engine/internal/model"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("network: channel node unavailable")

// NetworkedConfig configures the HTTP channel-node client.
type NetworkedConfig struct {
	BaseURL      string
	Timeout      time.Duration // per request
	RateLimit    float64       // requests per second; 0 disables limiting
	Burst        int
	PollInterval time.Duration // settlement receipt polling
}

// Networked talks to a channel node over JSON/HTTP. Every call passes
// through a token-bucket limiter and a circuit breaker.
type Networked struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	poll    time.Duration
}

// NewNetworked creates a client for the channel node at cfg.BaseURL.
func NewNetworked(cfg NetworkedConfig) *Networked {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "channel-node",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// A 4xx is the node rejecting our request, not the node failing.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Networked{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cb:      cb,
		poll:    cfg.PollInterval,
	}
}

func (n *Networked) Name() string { return "networked" }

// StatusError is a non-2xx response from the channel node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("network: channel node returned %d: %s", e.Code, e.Body)
}

type openRequest struct {
	Participants [2]string       `json:"participants"`
	Collateral   decimal.Decimal `json:"collateral"`
}

type openResponse struct {
	ChannelID string `json:"channel_id"`
}

func (n *Networked) Open(ctx context.Context, participants [2]string, collateral decimal.Decimal) (string, error) {
	var resp openResponse
	if err := n.do(ctx, http.MethodPost, "/v1/channels", openRequest{participants, collateral}, &resp); err != nil {
		return "", err
	}
	if resp.ChannelID == "" {
		return "", errors.New("network: open returned no channel id")
	}
	return resp.ChannelID, nil
}

type updateRequest struct {
	Payload UpdatePayload `json:"payload"`
	Nonce   uint64        `json:"nonce"`
}

func (n *Networked) Update(ctx context.Context, channelID string, payload UpdatePayload, nonce uint64) (*UpdateResult, error) {
	var resp UpdateResult
	path := "/v1/channels/" + url.PathEscape(channelID) + "/updates"
	if err := n.do(ctx, http.MethodPost, path, updateRequest{payload, nonce}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type settleRequest struct {
	FinalBalances map[string]decimal.Decimal `json:"final_balances"`
	Nonce         uint64                     `json:"nonce"`
}

type settleResponse struct {
	Hash string `json:"hash"`
}

type settlementStatus struct {
	Status  string   `json:"status"` // pending | confirmed | failed
	Reason  string   `json:"reason,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

func (n *Networked) Settle(ctx context.Context, channelID string, finalBalances map[string]decimal.Decimal, nonce uint64) (*Submission, error) {
	var resp settleResponse
	path := "/v1/channels/" + url.PathEscape(channelID) + "/settlements"
	if err := n.do(ctx, http.MethodPost, path, settleRequest{finalBalances, nonce}, &resp); err != nil {
		return nil, err
	}
	if resp.Hash == "" {
		return nil, errors.New("network: settlement returned no hash")
	}
	return NewSubmission(resp.Hash, func(ctx context.Context) (*Receipt, error) {
		return n.waitReceipt(ctx, resp.Hash)
	}), nil
}

// waitReceipt polls the node until the settlement is confirmed or failed.
func (n *Networked) waitReceipt(ctx context.Context, hash string) (*Receipt, error) {
	ticker := time.NewTicker(n.poll)
	defer ticker.Stop()

	path := "/v1/settlements/" + url.PathEscape(hash)
	for {
		var st settlementStatus
		if err := n.do(ctx, http.MethodGet, path, nil, &st); err != nil {
			return nil, err
		}
		switch st.Status {
		case "confirmed":
			if st.Receipt == nil {
				return &Receipt{Hash: hash}, nil
			}
			return st.Receipt, nil
		case "failed":
			return nil, fmt.Errorf("network: settlement %s rejected: %s", hash, st.Reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Networked) Close(ctx context.Context, channelID string, final *model.Closure) (*model.Closure, error) {
	var resp model.Closure
	path := "/v1/channels/" + url.PathEscape(channelID) + "/close"
	if err := n.do(ctx, http.MethodPost, path, final, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one JSON request through the limiter and breaker and decodes a
// 2xx body into out.
func (n *Networked) do(ctx context.Context, method, path string, in, out any) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := n.cb.Execute(func() (interface{}, error) {
		var body io.Reader
		if in != nil {
			data, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, n.base+path, body)
		if err != nil {
			return nil, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("network: decode %s %s: %w", method, path, err)
			}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Package credit calls the trusted token-credit endpoint. Clients never
// write premium units directly.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/TGDeckBot/internal/auth"
	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/retry"
)

const creditPath = "/api/v1/tokens/credit"

// Request is the wire body of a credit call.
type Request struct {
	UserID     string `json:"userId"`
	Tokens     int    `json:"tokens"`
	PurchaseID string `json:"purchaseId"`
}

// Response is the wire reply of a credit call.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

var ErrRejected = errors.New("credit rejected")

type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	policy     retry.Policy
	metrics    *metrics.Metrics
	log        *slog.Logger
}

type Options struct {
	BaseURL string
	Tokens  auth.TokenSource
	Timeout time.Duration
	// Retries is the number of extra attempts after the first one.
	Retries int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := retry.Single(time.Second)
	policy.MaxAttempts = opts.Retries + 1
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tokens:     opts.Tokens,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

// Credit asks the server to add units to userID's premium balance. The server
// deduplicates on (userID, purchaseID), so a retry cannot double-credit.
func (c *Client) Credit(ctx context.Context, userID, purchaseID string, units int) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.metrics.Credit("no_credential")
		return fmt.Errorf("credit token: %w", err)
	}

	body, err := json.Marshal(Request{UserID: userID, Tokens: units, PurchaseID: purchaseID})
	if err != nil {
		return fmt.Errorf("marshal credit request: %w", err)
	}
	requestID := uuid.NewString()

	err = c.policy.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, token, requestID, body)
	}, func(err error, wait time.Duration) {
		c.log.Warn("retry credit request", "user_id", userID, "purchase_id", purchaseID, "wait", wait, "err", err)
	})
	if err != nil {
		c.metrics.Credit("error")
		return err
	}
	c.metrics.Credit("ok")
	return nil
}

func (c *Client) post(ctx context.Context, token, requestID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+creditPath, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post credit: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("credit error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	case resp.StatusCode >= 300:
		return retry.Permanent(fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, truncateBody(rawBody)))
	}

	var out Response
	if err := json.Unmarshal(rawBody, &out); err != nil {
		return retry.Permanent(fmt.Errorf("decode credit response: %w (body=%s)", err, truncateBody(rawBody)))
	}
	if !out.Success {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, out.Error))
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

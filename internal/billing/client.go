package billing

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

	"github.com/google/uuid"

	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/retry"
)

var ErrProviderAuth = errors.New("purchase provider rejected api key")

type Client struct {
	baseURL    string
	apiKey     string
	platform   string
	httpClient *http.Client
	policy     retry.Policy
	log        *slog.Logger
}

func NewClient(baseURL, apiKey, platform string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		platform:   platform,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.DefaultPolicy(),
		log:        log,
	}
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]struct {
			ExpiresDate       *time.Time `json:"expires_date"`
			ProductIdentifier string     `json:"product_identifier"`
		} `json:"entitlements"`
		Subscriptions map[string]struct {
			ExpiresDate *time.Time `json:"expires_date"`
		} `json:"subscriptions"`
		NonSubscriptions map[string][]struct {
			ID string `json:"id"`
		} `json:"non_subscriptions"`
	} `json:"subscriber"`
}

// CustomerInfo returns the active entitlements, subscriptions and one-time
// purchases of userID.
func (c *Client) CustomerInfo(ctx context.Context, userID string) (models.CustomerInfo, error) {
	var resp subscriberResponse
	endpoint := c.baseURL + "/v1/subscribers/" + url.PathEscape(userID)
	if err := c.call(ctx, http.MethodGet, endpoint, nil, "", &resp); err != nil {
		return models.CustomerInfo{}, fmt.Errorf("get subscriber: %w", err)
	}

	now := time.Now()
	info := models.CustomerInfo{UserID: userID}
	for name, ent := range resp.Subscriber.Entitlements {
		if ent.ExpiresDate == nil || ent.ExpiresDate.After(now) {
			info.ActiveEntitlements = append(info.ActiveEntitlements, name)
		}
	}
	for productID, sub := range resp.Subscriber.Subscriptions {
		if sub.ExpiresDate == nil || sub.ExpiresDate.After(now) {
			info.ActiveSubscriptions = append(info.ActiveSubscriptions, productID)
		}
	}
	for productID := range resp.Subscriber.NonSubscriptions {
		info.OwnedProducts = append(info.OwnedProducts, productID)
	}
	return info, nil
}

func (c *Client) Product(ctx context.Context, productID string) (models.Product, error) {
	var product models.Product
	endpoint := c.baseURL + "/v1/products/" + url.PathEscape(productID)
	if err := c.call(ctx, http.MethodGet, endpoint, nil, "", &product); err != nil {
		return models.Product{}, fmt.Errorf("get product: %w", err)
	}
	if product.ID == "" {
		product.ID = productID
	}
	return product, nil
}

type purchaseRequest struct {
	AppUserID string `json:"app_user_id"`
	ProductID string `json:"product_id"`
}

type purchaseResponse struct {
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PurchaseDate  time.Time `json:"purchase_date"`
}

// Purchase places an order. Retries reuse one idempotency key so the
// provider charges at most once.
func (c *Client) Purchase(ctx context.Context, userID, productID string) (models.PurchaseReceipt, error) {
	body, err := json.Marshal(purchaseRequest{AppUserID: userID, ProductID: productID})
	if err != nil {
		return models.PurchaseReceipt{}, fmt.Errorf("marshal purchase: %w", err)
	}

	var resp purchaseResponse
	if err := c.call(ctx, http.MethodPost, c.baseURL+"/v1/purchases", body, uuid.NewString(), &resp); err != nil {
		return models.PurchaseReceipt{}, fmt.Errorf("purchase %s: %w", productID, err)
	}

	switch strings.ToLower(resp.Status) {
	case "cancelled", "canceled":
		return models.PurchaseReceipt{}, models.ErrPurchaseCancelled
	case "already_owned":
		return models.PurchaseReceipt{}, models.ErrAlreadyOwned
	}
	if resp.TransactionID == "" {
		return models.PurchaseReceipt{}, fmt.Errorf("purchase %s: empty transaction id", productID)
	}
	if resp.ProductID == "" {
		resp.ProductID = productID
	}
	return models.PurchaseReceipt{
		TransactionID: resp.TransactionID,
		ProductID:     resp.ProductID,
		PurchasedAt:   resp.PurchaseDate,
	}, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body []byte, idempotencyKey string, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return retry.Permanent(fmt.Errorf("new request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Platform", c.platform)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, endpoint, err)
		}
		defer resp.Body.Close()

		rawBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return retry.Permanent(ErrProviderAuth)
		case resp.StatusCode == http.StatusConflict:
			return retry.Permanent(models.ErrAlreadyOwned)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
		case resp.StatusCode >= 300:
			return retry.Permanent(fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody)))
		}

		if err := json.Unmarshal(rawBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode provider response: %w (body=%s)", err, truncateBody(rawBody)))
		}
		return nil
	}, func(err error, wait time.Duration) {
		c.log.Warn("retry purchase provider call", "method", method, "wait", wait, "err", err)
	})
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/repository"
	"github.com/digkill/TGDeckBot/internal/service"
	"github.com/digkill/TGDeckBot/pkg/logger"
)

type fakeBalances struct {
	balances map[string]models.TokenBalance
	seen     map[string]bool
	err      error
}

func (f *fakeBalances) Get(_ context.Context, userID string) (models.TokenBalance, error) {
	if f.err != nil {
		return models.TokenBalance{}, f.err
	}
	b, ok := f.balances[userID]
	if !ok {
		return models.TokenBalance{}, repository.ErrBalanceNotFound
	}
	return b, nil
}

func (f *fakeBalances) ApplyCredit(_ context.Context, userID, purchaseID string, units int) (models.TokenBalance, bool, error) {
	if userID == "" || purchaseID == "" || units <= 0 {
		return models.TokenBalance{}, false, service.ErrInvalidCredit
	}
	if f.err != nil {
		return models.TokenBalance{}, false, f.err
	}
	b := f.balances[userID]
	if f.seen[purchaseID] {
		return b, false, nil
	}
	f.seen[purchaseID] = true
	b.PremiumUnits += units
	f.balances[userID] = b
	return b, true, nil
}

type fakeSessions struct {
	resumed []string
	live    bool
}

func (f *fakeSessions) Resume(_ context.Context, userID string) (models.Entitlement, bool, error) {
	f.resumed = append(f.resumed, userID)
	return models.Entitlement{IsPro: f.live}, f.live, nil
}

type fakePending struct {
	limit int
	items []models.PendingCredit
}

func (f *fakePending) List(_ context.Context, limit int) ([]models.PendingCredit, error) {
	f.limit = limit
	return f.items, nil
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type fixture struct {
	balances *fakeBalances
	sessions *fakeSessions
	pending  *fakePending
	server   *Server
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		balances: &fakeBalances{
			balances: map[string]models.TokenBalance{"u1": {FreeUnits: 1}},
			seen:     map[string]bool{},
		},
		sessions: &fakeSessions{live: true},
		pending:  &fakePending{},
	}
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	m.Credit("ok")
	opts := Options{
		Username:    "admin",
		Password:    "secret",
		CreditToken: "credit-token",
		Balances:    f.balances,
		Sessions:    f.sessions,
		Pending:     f.pending,
		DB:          fakePinger{},
		Gatherer:    registry,
		Logger:      logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.server = NewServer(opts)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func creditCall(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens/credit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestCreditEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"userId":"u1","tokens":3,"purchaseId":"tx-1"}`

	rec := f.do(creditCall(body, "credit-token"))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp creditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Applied)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, models.TokenBalance{FreeUnits: 1, PremiumUnits: 3}, *resp.Balance)

	rec = f.do(creditCall(body, "credit-token"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = creditResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Applied)
	assert.Equal(t, 3, resp.Balance.PremiumUnits)
}

func TestCreditEndpointRejects(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		token  string
		status int
	}{
		{"missing token", `{"userId":"u1","tokens":1,"purchaseId":"a"}`, "", http.StatusUnauthorized},
		{"wrong token", `{"userId":"u1","tokens":1,"purchaseId":"a"}`, "nope", http.StatusUnauthorized},
		{"bad json", `{`, "credit-token", http.StatusBadRequest},
		{"zero tokens", `{"userId":"u1","tokens":0,"purchaseId":"a"}`, "credit-token", http.StatusBadRequest},
		{"no purchase id", `{"userId":"u1","tokens":2}`, "credit-token", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(creditCall(tt.body, tt.token))
			assert.Equal(t, tt.status, rec.Code)
			var resp creditResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Equal(t, 0, f.balances.balances["u1"].PremiumUnits)
}

func TestCreditEndpointStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.balances.err = errors.New("db down")

	rec := f.do(creditCall(`{"userId":"u1","tokens":1,"purchaseId":"a"}`, "credit-token"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPurchaseWebhook(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.WebhookSecret = "hook" })

	send := func(auth, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/purchases", strings.NewReader(body))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return f.do(req)
	}

	rec := send("", `{"event":{"type":"INITIAL_PURCHASE","app_user_id":"u1"}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send("Bearer hook", `{"event":{"type":"INITIAL_PURCHASE"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send("Bearer hook", `{"event":{"type":"RENEWAL","app_user_id":"u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"refreshed":true}`, rec.Body.String())
	assert.Equal(t, []string{"u1"}, f.sessions.resumed)

	f.sessions.live = false
	rec = send("hook", `{"event":{"type":"RENEWAL","app_user_id":"u2"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"refreshed":false}`, rec.Body.String())
}

func TestBalanceLookup(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balances/u1", nil)
	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/balances/u1", nil)
	req.SetBasicAuth("admin", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"u1","freeTokens":1,"premiumToken":0,"total":1}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/balances/ghost", nil)
	req.SetBasicAuth("admin", "secret")
	rec = f.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPendingCredits(t *testing.T) {
	f := newFixture(t, nil)
	f.pending.items = []models.PendingCredit{{ID: 1, UserID: "u1", PurchaseID: "tx", Tokens: 3}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pending-credits?limit=1000", nil)
	req.SetBasicAuth("admin", "secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxPendingLimit, f.pending.limit)

	var items []models.PendingCredit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "tx", items[0].PurchaseID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/pending-credits?limit=abc", nil)
	req.SetBasicAuth("admin", "secret")
	rec = f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deckbot_credit_requests_total")

	down := newFixture(t, func(o *Options) { o.DB = fakePinger{err: errors.New("gone")} })
	rec = down.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/repository"
	"github.com/digkill/TGDeckBot/internal/service"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
)

type Balances interface {
	Get(ctx context.Context, userID string) (models.TokenBalance, error)
	ApplyCredit(ctx context.Context, userID, purchaseID string, units int) (models.TokenBalance, bool, error)
}

type Sessions interface {
	Resume(ctx context.Context, userID string) (models.Entitlement, bool, error)
}

type PendingCredits interface {
	List(ctx context.Context, limit int) ([]models.PendingCredit, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Options struct {
	Addr          string
	Username      string
	Password      string
	CreditToken   string
	WebhookSecret string

	Balances Balances
	Sessions Sessions
	Pending  PendingCredits
	DB       Pinger
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server hosts the trusted token credit endpoint, the provider webhook and the
// operator API.
type Server struct {
	addr          string
	username      string
	password      string
	creditToken   string
	webhookSecret string
	balances      Balances
	sessions      Sessions
	pending       PendingCredits
	db            Pinger
	log           *slog.Logger
	router        *chi.Mux
}

func NewServer(opts Options) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:          opts.Addr,
		username:      opts.Username,
		password:      opts.Password,
		creditToken:   opts.CreditToken,
		webhookSecret: opts.WebhookSecret,
		balances:      opts.Balances,
		sessions:      opts.Sessions,
		pending:       opts.Pending,
		db:            opts.DB,
		log:           opts.Logger,
		router:        r,
	}

	r.Get("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/webhook/purchases", s.handlePurchaseWebhook)
	r.With(s.bearerAuthMiddleware()).Post("/api/v1/tokens/credit", s.handleCredit)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/api/v1/balances/{userID}", s.handleGetBalance)
		protected.Get("/api/v1/pending-credits", s.handleListPending)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

type creditRequest struct {
	UserID     string `json:"userId"`
	Tokens     int    `json:"tokens"`
	PurchaseID string `json:"purchaseId"`
}

type creditResponse struct {
	Success bool                 `json:"success"`
	Applied bool                 `json:"applied,omitempty"`
	Balance *models.TokenBalance `json:"balance,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// handleCredit is the only path that adds premium units. A repeated purchaseId
// succeeds without crediting again.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, creditResponse{Error: "invalid json"})
		return
	}

	balance, applied, err := s.balances.ApplyCredit(r.Context(), req.UserID, req.PurchaseID, req.Tokens)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredit) {
			s.writeJSON(w, http.StatusBadRequest, creditResponse{Error: err.Error()})
			return
		}
		s.log.Error("apply credit", "user_id", req.UserID, "purchase_id", req.PurchaseID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, creditResponse{Error: "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, creditResponse{Success: true, Applied: applied, Balance: &balance})
}

type webhookPayload struct {
	Event struct {
		Type      string `json:"type"`
		AppUserID string `json:"app_user_id"`
	} `json:"event"`
}

// handlePurchaseWebhook is the public endpoint the purchase provider calls on
// subscription and purchase changes. Only live sessions are refreshed; others
// pick the change up on their next sign-in.
func (s *Server) handlePurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" && !s.webhookAuthorized(r.Header.Get("Authorization")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(payload.Event.AppUserID)
	if userID == "" {
		http.Error(w, "event.app_user_id required", http.StatusBadRequest)
		return
	}

	ent, live, err := s.sessions.Resume(r.Context(), userID)
	if err != nil {
		s.log.Warn("webhook entitlement refresh", "user_id", userID, "event", payload.Event.Type, "err", err)
	}
	s.log.Info("purchase webhook", "user_id", userID, "event", payload.Event.Type, "live", live, "is_pro", ent.IsPro)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"refreshed": live && err == nil,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.balances.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			http.Error(w, "balance not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"userId":       userID,
		"freeTokens":   balance.FreeUnits,
		"premiumToken": balance.PremiumUnits,
		"total":        balance.Total(),
	})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.badRequest(w, err)
		return
	}
	items, err := s.pending.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if items == nil {
		items = []models.PendingCredit{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.log.Error("health check", "err", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) webhookAuthorized(header string) bool {
	header = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(header), []byte(s.webhookSecret)) == 1
}

func (s *Server) bearerAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || s.creditToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.creditToken)) != 1 {
				s.writeJSON(w, http.StatusUnauthorized, creditResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="deckbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultPendingLimit, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", value)
	}
	return min(n, maxPendingLimit), nil
}

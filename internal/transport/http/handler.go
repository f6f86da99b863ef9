package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"bankbridge/internal/bank"
	"bankbridge/internal/consent/models"
	"bankbridge/internal/consent/service"
	"bankbridge/internal/platform/config"
	"bankbridge/internal/platform/middleware"
	dErrors "bankbridge/pkg/domain-errors"
)

// ConsentService is the slice of the orchestrator this handler needs.
type ConsentService interface {
	CreateConsent(ctx context.Context, clientID, bankName string) (*models.Consent, error)
	Status(ctx context.Context, ref string) (*models.Consent, error)
	RevokeConsent(ctx context.Context, ref string) (*models.Consent, error)
	ListConsents(ctx context.Context, clientID string) ([]*models.Consent, error)
	Accounts(ctx context.Context, clientID, bankName string) ([]bank.Account, error)
	Transactions(ctx context.Context, clientID, bankName, accountID string, page, limit int, filter service.TxFilter) (bank.TransactionPage, error)
	ConnectedAccounts(ctx context.Context, clientID string) ([]service.BankAccounts, error)
}

// ApprovalPoller blocks until a consent resolves or the attempt budget ends.
type ApprovalPoller interface {
	Run(ctx context.Context, ref string) (*models.Consent, error)
}

// Sessions issues and verifies client session tokens.
type Sessions interface {
	Issue(clientID string) (string, error)
	Verify(token string) (string, error)
}

// Handler serves the aggregation API.
type Handler struct {
	consents ConsentService
	poller   ApprovalPoller
	sessions Sessions
	banks    map[string]config.Bank
	logger   *slog.Logger
}

// NewHandler wires the API handler.
func NewHandler(consents ConsentService, poller ApprovalPoller, sessions Sessions, banks map[string]config.Bank, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{consents: consents, poller: poller, sessions: sessions, banks: banks, logger: logger}
}

// Register mounts the API routes. Everything except authenticate and the
// bank directory requires a session token.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/authenticate", h.handleAuthenticate)
	r.Get("/api/banks", h.handleListBanks)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Post("/api/consents", h.handleCreateConsent)
		r.Get("/api/consents", h.handleListConsents)
		r.Get("/api/consents/{id}/status", h.handleConsentStatus)
		r.Post("/api/consents/{id}/wait", h.handleWaitForApproval)
		r.Delete("/api/consents/{id}", h.handleRevokeConsent)

		r.Get("/v1/accounts", h.handleAccounts)
		r.Get("/v1/accounts/{accountID}/transactions", h.handleTransactions)
	})
}

type clientIDKey struct{}

func clientIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey{}).(string); ok {
		return id
	}
	return ""
}

// requireSession validates the bearer session token and stashes the client
// id in the request context.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeError(w, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token"))
			return
		}
		clientID, err := h.sessions.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), clientIDKey{}, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type authenticateRequest struct {
	ClientID string `json:"client_id"`
}

type authenticateResponse struct {
	Token string `json:"token"`
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "client_id is required"))
		return
	}

	token, err := h.sessions.Issue(strings.TrimSpace(req.ClientID))
	if err != nil {
		h.logger.Error("session issue failed",
			"request_id", middleware.GetRequestID(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authenticateResponse{Token: token})
}

type bankInfo struct {
	Name         string `json:"name"`
	ApprovalMode string `json:"approval_mode"`
}

func (h *Handler) handleListBanks(w http.ResponseWriter, _ *http.Request) {
	infos := make([]bankInfo, 0, len(h.banks))
	for _, name := range []string{"abank", "vbank", "sbank"} {
		if cfg, ok := h.banks[name]; ok {
			infos = append(infos, bankInfo{Name: name, ApprovalMode: string(cfg.ApprovalMode)})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": infos})
}

type createConsentRequest struct {
	Bank string `json:"bank"`
}

func (h *Handler) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	record, err := h.consents.CreateConsent(ctx, clientIDFrom(ctx), req.Bank)
	if err != nil {
		h.logger.Warn("consent creation failed",
			"request_id", middleware.GetRequestID(ctx), "bank", req.Bank, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleListConsents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consents, err := h.consents.ListConsents(ctx, clientIDFrom(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": consents})
}

func (h *Handler) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	record, err := h.consents.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleWaitForApproval(w http.ResponseWriter, r *http.Request) {
	record, err := h.poller.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if record != nil && dErrors.HasCode(err, dErrors.CodeTimeout) {
			// The budget ran out; report where the consent got stuck.
			writeJSON(w, http.StatusGatewayTimeout, record)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	record, err := h.consents.RevokeConsent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := clientIDFrom(ctx)

	if bankName := r.URL.Query().Get("bank"); bankName != "" {
		accounts, err := h.consents.Accounts(ctx, clientID, bankName)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
		return
	}

	results, err := h.consents.ConnectedAccounts(ctx, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": results})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	bankName := query.Get("bank")
	if bankName == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "bank query parameter is required"))
		return
	}

	page := intParam(query.Get("page"), 1)
	limit := intParam(query.Get("limit"), 50)

	var filter service.TxFilter
	if v := query.Get("amount_min"); v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeInvalidInput, "amount_min must be a number"))
			return
		}
		filter.AmountMin = &amount
	}
	if v := query.Get("amount_max"); v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeInvalidInput, "amount_max must be a number"))
			return
		}
		filter.AmountMax = &amount
	}
	filter.DateFrom = query.Get("date_from")
	filter.DateTo = query.Get("date_to")

	result, err := h.consents.Transactions(ctx, clientIDFrom(ctx), bankName,
		chi.URLParam(r, "accountID"), page, limit, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]any{
		"transactions": result.Transactions,
		"page":         result.Page,
		"limit":        result.Limit,
		"from_cache":   result.FromCache,
	}
	if result.FromCache {
		response["cache_age_seconds"] = int(result.CacheAge.Seconds())
	}
	writeJSON(w, http.StatusOK, response)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return fallback
}

package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bankbridge/internal/platform/config"
	dErrors "bankbridge/pkg/domain-errors"
	"bankbridge/pkg/platform/circuit"
)

const defaultTxCacheTTL = 15 * time.Minute

var consentPermissions = []string{
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadTransactionsDetail",
}

// Gateway is the uniform client over all supported providers. It owns the
// token cache and the transaction response cache; nothing outside this
// package touches either directly.
type Gateway struct {
	banks           map[Name]config.Bank
	client          *http.Client
	tokens          *TokenCache
	txCache         *ttlCache[txKey, TransactionPage]
	txTTL           time.Duration
	breakers        map[Name]*circuit.Breaker
	tracer          trace.Tracer
	logger          *slog.Logger
	requestingParty string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithTxCacheTTL overrides the transaction cache TTL.
func WithTxCacheTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		if ttl > 0 {
			g.txTTL = ttl
		}
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayClock overrides the transaction cache time source for tests.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.txCache = newTTLCache[txKey, TransactionPage](now)
		}
	}
}

// WithRequestingParty sets the party identifier sent on consent requests.
func WithRequestingParty(party string) GatewayOption {
	return func(g *Gateway) {
		if party != "" {
			g.requestingParty = party
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(g *Gateway) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// NewGateway builds a Gateway over the configured banks.
func NewGateway(banks map[string]config.Bank, tokens *TokenCache, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		banks:           make(map[Name]config.Bank, len(banks)),
		client:          &http.Client{Timeout: 10 * time.Second},
		tokens:          tokens,
		txCache:         newTTLCache[txKey, TransactionPage](nil),
		txTTL:           defaultTxCacheTTL,
		breakers:        make(map[Name]*circuit.Breaker, len(banks)),
		tracer:          otel.Tracer("bankbridge/bank"),
		logger:          slog.Default(),
		requestingParty: "team286",
	}
	for rawName, bankCfg := range banks {
		if name, err := ParseName(rawName); err == nil {
			g.banks[name] = bankCfg
			g.breakers[name] = circuit.New(string(name))
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ApprovalMode reports the statically configured approval flow of a bank.
func (g *Gateway) ApprovalMode(bank Name) (config.ApprovalMode, error) {
	cfg, ok := g.banks[bank]
	if !ok {
		return "", dErrors.New(dErrors.CodeInvalidBank, "unsupported bank: "+string(bank))
	}
	return cfg.ApprovalMode, nil
}

// consentEnvelope tolerates the response shape variance between providers:
// some nest under "Data" with UK-style field names, some answer flat.
type consentEnvelope struct {
	Data struct {
		ConsentID string `json:"ConsentId"`
		Status    string `json:"Status"`
	} `json:"Data"`
	ConsentID   string     `json:"consent_id"`
	RequestID   string     `json:"request_id"`
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	RedirectURL string     `json:"redirect_url"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (e consentEnvelope) consentID() string {
	if e.ConsentID != "" {
		return e.ConsentID
	}
	if e.Data.ConsentID != "" {
		return e.Data.ConsentID
	}
	return e.ID
}

func (e consentEnvelope) requestID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.ID
}

func (e consentEnvelope) status() string {
	if e.Status != "" {
		return e.Status
	}
	return e.Data.Status
}

// CreateConsent issues the provider's consent-creation call with the
// auto_approved flag set from static configuration. The result is either
// AutoApproved (final consent id) or PendingManual (request id + redirect).
func (g *Gateway) CreateConsent(ctx context.Context, clientID string, bank Name) (ConsentOutcome, error) {
	cfg, ok := g.banks[bank]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidBank, "unsupported bank: "+string(bank))
	}
	auto := cfg.ApprovalMode == config.ApprovalAuto

	payload := map[string]any{
		"permissions":     consentPermissions,
		"client_id":       clientID,
		"auto_approved":   auto,
		"reason":          "account and transaction aggregation",
		"requesting_bank": g.requestingParty,
	}

	var envelope consentEnvelope
	err := g.doJSON(ctx, bank, clientID, "create_consent",
		http.MethodPost, "/account-consents/request", nil, "", payload, &envelope)
	if err != nil {
		return nil, err
	}

	if auto {
		if envelope.consentID() == "" {
			return nil, dErrors.New(dErrors.CodeInternal, "auto-approve response carried no consent id")
		}
		return AutoApproved{ConsentID: envelope.consentID(), ExpiresAt: envelope.ExpiresAt}, nil
	}

	requestID := envelope.requestID()
	if requestID == "" {
		return nil, dErrors.New(dErrors.CodeInternal, "manual-approve response carried no request id")
	}
	redirect := envelope.RedirectURL
	if redirect == "" {
		redirect = cfg.BaseURL + "/client/consents.html?request_id=" + url.QueryEscape(requestID)
	}
	return PendingManual{RequestID: requestID, RedirectURI: redirect}, nil
}

// ResolveRequestID asks a manual-approve bank whether the user has signed.
// "Not yet" is a valid result, not an error.
func (g *Gateway) ResolveRequestID(ctx context.Context, bank Name, clientID, requestID string) (ResolveResult, error) {
	var envelope consentEnvelope
	err := g.doJSON(ctx, bank, clientID, "resolve_request",
		http.MethodGet, "/account-consents/requests/"+url.PathEscape(requestID), nil, "", nil, &envelope)
	if err != nil {
		return ResolveResult{}, err
	}

	switch envelope.status() {
	case "authorized", "Authorised", "approved":
		if envelope.consentID() == "" {
			return ResolveResult{}, dErrors.New(dErrors.CodeInternal, "approved request carried no consent id")
		}
		return ResolveResult{Approved: true, ConsentID: envelope.consentID()}, nil
	default:
		return ResolveResult{Approved: false}, nil
	}
}

// ConsentStatus fetches the provider's current view of a consent.
func (g *Gateway) ConsentStatus(ctx context.Context, bank Name, clientID, consentID string) (string, error) {
	var envelope consentEnvelope
	err := g.doJSON(ctx, bank, clientID, "consent_status",
		http.MethodGet, "/account-consents/"+url.PathEscape(consentID), nil, "", nil, &envelope)
	if err != nil {
		return "", err
	}
	return envelope.status(), nil
}

// RevokeConsent deletes a consent at the provider.
func (g *Gateway) RevokeConsent(ctx context.Context, bank Name, clientID, consentID string) error {
	return g.doJSON(ctx, bank, clientID, "revoke_consent",
		http.MethodDelete, "/account-consents/"+url.PathEscape(consentID), nil, "", nil, nil)
}

// ListAccounts fetches the accounts visible under an authorized consent.
func (g *Gateway) ListAccounts(ctx context.Context, bank Name, clientID, consentID string) ([]Account, error) {
	query := url.Values{}
	query.Set("client_id", clientID)

	var raw json.RawMessage
	err := g.doJSON(ctx, bank, clientID, "list_accounts",
		http.MethodGet, "/accounts", query, consentID, nil, &raw)
	if err != nil {
		return nil, err
	}

	// Some banks answer {"accounts": [...]}, others a bare array.
	var wrapped struct {
		Accounts []Account `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Accounts != nil {
		return wrapped.Accounts, nil
	}
	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode accounts response")
	}
	return accounts, nil
}

// ListTransactions returns one page of transactions, served from the
// short-TTL response cache when fresh.
func (g *Gateway) ListTransactions(ctx context.Context, bank Name, clientID, consentID, accountID string, page, limit int) (TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	key := txKey{bank: bank, accountID: accountID, page: page, limit: limit}
	if cached, age, ok := g.txCache.get(key); ok {
		txCacheHits.Inc()
		cached.FromCache = true
		cached.CacheAge = age
		return cached, nil
	}
	txCacheMisses.Inc()

	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var raw json.RawMessage
	err := g.doJSON(ctx, bank, clientID, "list_transactions",
		http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/transactions", query, consentID, nil, &raw)
	if err != nil {
		return TransactionPage{}, err
	}

	var wrapped struct {
		Transactions []Transaction `json:"transactions"`
	}
	transactions := wrapped.Transactions
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Transactions != nil {
		transactions = wrapped.Transactions
	} else if err := json.Unmarshal(raw, &transactions); err != nil {
		return TransactionPage{}, dErrors.Wrap(err, dErrors.CodeInternal, "decode transactions response")
	}

	result := TransactionPage{Transactions: transactions, Page: page, Limit: limit}
	g.txCache.set(key, result, g.txTTL)
	return result, nil
}

// doJSON performs one upstream call with token injection, a single 401
// retry after token refresh, circuit breaker accounting, and error
// classification into domain codes.
func (g *Gateway) doJSON(ctx context.Context, bank Name, clientID, operation, method, path string, query url.Values, consentID string, body, out any) error {
	cfg, ok := g.banks[bank]
	if !ok {
		return dErrors.New(dErrors.CodeInvalidBank, "unsupported bank: "+string(bank))
	}

	breaker := g.breakers[bank]
	if breaker.IsOpen() {
		return dErrors.New(dErrors.CodeUpstreamUnavailable, "bank circuit open: "+string(bank))
	}

	ctx, span := g.tracer.Start(ctx, "bank."+operation,
		trace.WithAttributes(
			attribute.String("bank.name", string(bank)),
			attribute.String("bank.operation", operation),
		))
	var spanErr error
	defer func() {
		if spanErr != nil {
			span.RecordError(spanErr)
			span.SetStatus(codes.Error, spanErr.Error())
		}
		span.End()
	}()

	upstreamRequests.WithLabelValues(string(bank), operation).Inc()

	token, err := g.tokens.Token(ctx, clientID, bank)
	if err != nil {
		spanErr = err
		return err
	}

	status, respBody, err := g.issue(ctx, cfg.BaseURL, method, path, query, token, clientID, consentID, body)
	if err == nil && status == http.StatusUnauthorized {
		// The bank disagreed with our cache about token freshness.
		// Refresh once and retry the single call.
		g.tokens.Invalidate(clientID, bank)
		token, err = g.tokens.Token(ctx, clientID, bank)
		if err == nil {
			status, respBody, err = g.issue(ctx, cfg.BaseURL, method, path, query, token, clientID, consentID, body)
		}
	}

	if err != nil {
		upstreamErrors.WithLabelValues(string(bank), operation).Inc()
		if opened := breaker.RecordFailure(); opened {
			circuitOpens.WithLabelValues(string(bank)).Inc()
			g.logger.Warn("bank circuit opened", "bank", bank)
		}
		spanErr = err
		return err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		breaker.RecordSuccess()
		spanErr = dErrors.New(dErrors.CodeAuthenticationFailed, "bank rejected token")
		return spanErr
	case status == http.StatusNotFound:
		breaker.RecordSuccess()
		spanErr = dErrors.New(dErrors.CodeNotFound, "bank resource not found")
		return spanErr
	case status >= 500:
		upstreamErrors.WithLabelValues(string(bank), operation).Inc()
		if opened := breaker.RecordFailure(); opened {
			circuitOpens.WithLabelValues(string(bank)).Inc()
			g.logger.Warn("bank circuit opened", "bank", bank)
		}
		spanErr = dErrors.New(dErrors.CodeUpstreamUnavailable, "bank server error")
		return spanErr
	case status >= 300:
		breaker.RecordSuccess()
		spanErr = dErrors.New(dErrors.CodeInternal, "unexpected bank response status "+strconv.Itoa(status))
		return spanErr
	}

	breaker.RecordSuccess()

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		spanErr = dErrors.Wrap(err, dErrors.CodeInternal, "decode bank response")
		return spanErr
	}
	return nil
}

// issue sends one HTTP request and reads the body. Network-level failures
// come back as UpstreamUnavailable; HTTP status handling is the caller's.
func (g *Gateway) issue(ctx context.Context, baseURL, method, path string, query url.Values, token, clientID, consentID string, body any) (int, []byte, error) {
	endpoint := baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, dErrors.Wrap(err, dErrors.CodeInternal, "build bank request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Requesting-Bank", g.requestingParty)
	req.Header.Set("client_id", clientID)
	if consentID != "" {
		req.Header.Set("X-Consent-Id", consentID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "bank unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "read bank response")
	}
	return resp.StatusCode, respBody, nil
}

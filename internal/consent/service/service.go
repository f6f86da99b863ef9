package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bankbridge/internal/bank"
	"bankbridge/internal/consent/metrics"
	"bankbridge/internal/consent/models"
	"bankbridge/internal/consent/store"
	dErrors "bankbridge/pkg/domain-errors"
)

// Gateway is the slice of the bank client this service needs.
type Gateway interface {
	CreateConsent(ctx context.Context, clientID string, bankName bank.Name) (bank.ConsentOutcome, error)
	ResolveRequestID(ctx context.Context, bankName bank.Name, clientID, requestID string) (bank.ResolveResult, error)
	ConsentStatus(ctx context.Context, bankName bank.Name, clientID, consentID string) (string, error)
	RevokeConsent(ctx context.Context, bankName bank.Name, clientID, consentID string) error
	ListAccounts(ctx context.Context, bankName bank.Name, clientID, consentID string) ([]bank.Account, error)
	ListTransactions(ctx context.Context, bankName bank.Name, clientID, consentID, accountID string, page, limit int) (bank.TransactionPage, error)
}

// Service orchestrates the consent lifecycle across banks and the store.
type Service struct {
	gateway        Gateway
	store          store.Store
	metrics        *metrics.Metrics
	logger         *slog.Logger
	degradedCreate bool
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches lifecycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDegradedCreate enables the placeholder-consent fallback when a bank is
// unreachable during creation. Off by default; the default behavior is to
// fail the create and let the caller retry.
func WithDegradedCreate(enabled bool) Option {
	return func(s *Service) { s.degradedCreate = enabled }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the consent orchestration service.
func New(gateway Gateway, consentStore store.Store, opts ...Option) *Service {
	s := &Service{
		gateway: gateway,
		store:   consentStore,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateConsent creates a consent for the pair, or returns the existing
// authorized one. Creation is idempotent per (clientID, bank): two concurrent
// creators converge on a single record via the store's uniqueness guarantee.
func (s *Service) CreateConsent(ctx context.Context, clientID, bankName string) (*models.Consent, error) {
	name, err := bank.ParseName(bankName)
	if err != nil {
		return nil, err
	}
	start := s.now()

	if existing, err := s.store.FindActive(ctx, clientID, string(name)); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up active consent")
	}

	outcome, err := s.gateway.CreateConsent(ctx, clientID, name)
	if err != nil {
		if s.degradedCreate && dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable) {
			return s.createDegraded(ctx, clientID, name, err)
		}
		return nil, err
	}

	now := s.now().UTC()
	record := &models.Consent{
		ID:        models.NewID(),
		ClientID:  clientID,
		BankName:  string(name),
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch result := outcome.(type) {
	case bank.AutoApproved:
		record.ConsentID = result.ConsentID
		record.Status = models.StatusAuthorized
		record.ExpiresAt = result.ExpiresAt
		s.metrics.IncConsentsCreated(string(name), "auto")
		s.metrics.IncConsentsAuthorized(string(name))
	case bank.PendingManual:
		record.ConsentID = models.NewPlaceholderConsentID()
		record.RequestID = result.RequestID
		record.RedirectURI = result.RedirectURI
		record.Status = models.StatusPending
		s.metrics.IncConsentsCreated(string(name), "manual")
	default:
		return nil, dErrors.New(dErrors.CodeInternal, "unknown consent outcome")
	}

	if err := s.store.Save(ctx, record); err != nil {
		if errors.Is(err, store.ErrActiveConsentExists) {
			// Lost the race to a concurrent creator; their record wins.
			return s.store.FindActive(ctx, clientID, string(name))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist consent")
	}

	s.metrics.ObserveCreateLatency(s.now().Sub(start).Seconds())
	s.logger.Info("consent created",
		"client_id", clientID, "bank", name, "status", record.Status, "id", record.ID)
	return record, nil
}

// createDegraded persists a placeholder pending record when the bank could
// not be reached. Resolution later replays the creation against the bank.
func (s *Service) createDegraded(ctx context.Context, clientID string, name bank.Name, cause error) (*models.Consent, error) {
	now := s.now().UTC()
	record := &models.Consent{
		ID:        models.NewID(),
		ClientID:  clientID,
		BankName:  string(name),
		ConsentID: models.NewPlaceholderConsentID(),
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Save(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist degraded consent")
	}
	s.metrics.IncDegradedCreates(string(name))
	s.logger.Warn("bank unreachable during consent creation, stored placeholder",
		"client_id", clientID, "bank", name, "id", record.ID, "error", cause)
	return record, nil
}

// Status returns the current status of a consent, resolving pending manual
// approvals against the bank on the way. The ref argument may be the record
// id, the provider consent id, or the manual-approval request id.
//
// A transient upstream failure during resolution does not surface as an
// error; the last known status comes back so polling callers survive blips.
func (s *Service) Status(ctx context.Context, ref string) (*models.Consent, error) {
	record, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	if record.Status.IsTerminal() || record.Status.IsActive() {
		return record, nil
	}
	if record.RequestID == "" {
		// Degraded placeholder with no request handle; nothing to resolve yet.
		return record, nil
	}

	name, err := bank.ParseName(record.BankName)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.ResolveRequestID(ctx, name, record.ClientID, record.RequestID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable) || dErrors.HasCode(err, dErrors.CodeTimeout) {
			s.metrics.IncResolveAttempts(string(name), "transient_failure")
			s.logger.Warn("consent resolution failed transiently, returning last known status",
				"id", record.ID, "bank", name, "error", err)
			return record, nil
		}
		s.metrics.IncResolveAttempts(string(name), "error")
		return nil, err
	}

	if !result.Approved {
		s.metrics.IncResolveAttempts(string(name), "awaiting")
		if record.Status == models.StatusPending {
			updated, err := s.store.UpdateStatus(ctx, record.ID, models.StatusAwaitingAuthorization, "")
			if err == nil {
				return updated, nil
			}
			s.logger.Warn("status bump to awaiting failed", "id", record.ID, "error", err)
		}
		return record, nil
	}

	updated, err := s.store.UpdateStatus(ctx, record.ID, models.StatusAuthorized, result.ConsentID)
	if err != nil {
		if errors.Is(err, store.ErrActiveConsentExists) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "another consent is already active for this pair")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record authorization")
	}
	s.metrics.IncResolveAttempts(string(name), "authorized")
	s.metrics.IncConsentsAuthorized(string(name))
	s.logger.Info("consent authorized", "id", updated.ID, "bank", name)
	return updated, nil
}

// RevokeConsent revokes an authorized consent at the bank and records the
// transition. Placeholder consents never went upstream, so only the local
// record changes for them.
func (s *Service) RevokeConsent(ctx context.Context, ref string) (*models.Consent, error) {
	record, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if record.Status != models.StatusAuthorized {
		return nil, dErrors.New(dErrors.CodeConflict, "only authorized consents can be revoked")
	}

	name, err := bank.ParseName(record.BankName)
	if err != nil {
		return nil, err
	}

	if !models.IsPlaceholderConsentID(record.ConsentID) {
		err := s.gateway.RevokeConsent(ctx, name, record.ClientID, record.ConsentID)
		switch {
		case err == nil:
		case dErrors.HasCode(err, dErrors.CodeNotFound):
			// The bank already forgot the consent; local revocation proceeds.
			s.logger.Warn("consent already gone upstream", "id", record.ID, "bank", name)
		case dErrors.HasCode(err, dErrors.CodeAuthenticationFailed),
			dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable):
			return nil, err
		default:
			// Odd but completed upstream responses do not block revocation.
			s.logger.Warn("upstream revoke returned unexpected result, revoking locally",
				"id", record.ID, "bank", name, "error", err)
		}
	}

	updated, err := s.store.UpdateStatus(ctx, record.ID, models.StatusRevoked, "")
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record revocation")
	}
	s.metrics.IncConsentsRevoked(string(name))
	s.logger.Info("consent revoked", "id", updated.ID, "bank", name)
	return updated, nil
}

// ListConsents returns every consent record of a client, newest first not
// guaranteed; callers sort if they care.
func (s *Service) ListConsents(ctx context.Context, clientID string) ([]*models.Consent, error) {
	consents, err := s.store.ListByClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list consents")
	}
	return consents, nil
}

// Accounts lists the accounts of one bank under the client's active consent.
func (s *Service) Accounts(ctx context.Context, clientID, bankName string) ([]bank.Account, error) {
	name, record, err := s.activeConsent(ctx, clientID, bankName)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListAccounts(ctx, name, clientID, record.ConsentID)
}

// Transactions returns one filtered page of transactions for an account.
func (s *Service) Transactions(ctx context.Context, clientID, bankName, accountID string, page, limit int, filter TxFilter) (bank.TransactionPage, error) {
	name, record, err := s.activeConsent(ctx, clientID, bankName)
	if err != nil {
		return bank.TransactionPage{}, err
	}
	result, err := s.gateway.ListTransactions(ctx, name, clientID, record.ConsentID, accountID, page, limit)
	if err != nil {
		return bank.TransactionPage{}, err
	}
	result.Transactions = filter.apply(result.Transactions)
	return result, nil
}

// BankAccounts is one bank's slice of a cross-bank account listing.
type BankAccounts struct {
	Bank        string         `json:"bank"`
	Accounts    []bank.Account `json:"accounts,omitempty"`
	Unavailable bool           `json:"unavailable,omitempty"`
}

// ConnectedAccounts fetches accounts from every bank the client holds an
// authorized consent with, in parallel. A bank that fails is reported as
// unavailable rather than failing the whole aggregation.
func (s *Service) ConnectedAccounts(ctx context.Context, clientID string) ([]BankAccounts, error) {
	consents, err := s.store.ListByClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list consents")
	}

	var targets []*models.Consent
	for _, record := range consents {
		if record.Status.IsActive() && !models.IsPlaceholderConsentID(record.ConsentID) {
			targets = append(targets, record)
		}
	}

	results := make([]BankAccounts, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, record := range targets {
		i, record := i, record
		group.Go(func() error {
			name, err := bank.ParseName(record.BankName)
			if err != nil {
				results[i] = BankAccounts{Bank: record.BankName, Unavailable: true}
				return nil
			}
			accounts, err := s.gateway.ListAccounts(groupCtx, name, clientID, record.ConsentID)
			if err != nil {
				s.logger.Warn("bank unavailable during aggregation", "bank", name, "error", err)
				results[i] = BankAccounts{Bank: record.BankName, Unavailable: true}
				return nil
			}
			results[i] = BankAccounts{Bank: record.BankName, Accounts: accounts}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) activeConsent(ctx context.Context, clientID, bankName string) (bank.Name, *models.Consent, error) {
	name, err := bank.ParseName(bankName)
	if err != nil {
		return "", nil, err
	}
	record, err := s.store.FindActive(ctx, clientID, string(name))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, dErrors.New(dErrors.CodeUnauthorized, "no authorized consent for this bank")
	}
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up active consent")
	}
	if models.IsPlaceholderConsentID(record.ConsentID) {
		return "", nil, dErrors.New(dErrors.CodeUnauthorized, "consent is not finalized with the bank yet")
	}
	return name, record, nil
}

// lookup resolves a caller-supplied reference that may be a record id, a
// provider consent id, or a manual-approval request id.
func (s *Service) lookup(ctx context.Context, ref string) (*models.Consent, error) {
	for _, find := range []func(context.Context, string) (*models.Consent, error){
		s.store.FindByID,
		s.store.FindByConsentID,
		s.store.FindByRequestID,
	} {
		record, err := find(ctx, ref)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up consent")
		}
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "consent not found")
}

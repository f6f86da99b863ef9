package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bankbridge/internal/bank"
	"bankbridge/internal/consent/models"
	"bankbridge/internal/consent/store"
	dErrors "bankbridge/pkg/domain-errors"
)

type fakeGateway struct {
	createFn  func(ctx context.Context, clientID string, name bank.Name) (bank.ConsentOutcome, error)
	resolveFn func(ctx context.Context, name bank.Name, clientID, requestID string) (bank.ResolveResult, error)
	statusFn  func(ctx context.Context, name bank.Name, clientID, consentID string) (string, error)
	revokeFn  func(ctx context.Context, name bank.Name, clientID, consentID string) error
	accountsFn func(ctx context.Context, name bank.Name, clientID, consentID string) ([]bank.Account, error)
	txFn      func(ctx context.Context, name bank.Name, clientID, consentID, accountID string, page, limit int) (bank.TransactionPage, error)

	createCalls  atomic.Int64
	resolveCalls atomic.Int64
	revokeCalls  atomic.Int64
}

func (f *fakeGateway) CreateConsent(ctx context.Context, clientID string, name bank.Name) (bank.ConsentOutcome, error) {
	f.createCalls.Add(1)
	return f.createFn(ctx, clientID, name)
}

func (f *fakeGateway) ResolveRequestID(ctx context.Context, name bank.Name, clientID, requestID string) (bank.ResolveResult, error) {
	f.resolveCalls.Add(1)
	return f.resolveFn(ctx, name, clientID, requestID)
}

func (f *fakeGateway) ConsentStatus(ctx context.Context, name bank.Name, clientID, consentID string) (string, error) {
	if f.statusFn == nil {
		return "authorized", nil
	}
	return f.statusFn(ctx, name, clientID, consentID)
}

func (f *fakeGateway) RevokeConsent(ctx context.Context, name bank.Name, clientID, consentID string) error {
	f.revokeCalls.Add(1)
	if f.revokeFn == nil {
		return nil
	}
	return f.revokeFn(ctx, name, clientID, consentID)
}

func (f *fakeGateway) ListAccounts(ctx context.Context, name bank.Name, clientID, consentID string) ([]bank.Account, error) {
	if f.accountsFn == nil {
		return nil, nil
	}
	return f.accountsFn(ctx, name, clientID, consentID)
}

func (f *fakeGateway) ListTransactions(ctx context.Context, name bank.Name, clientID, consentID, accountID string, page, limit int) (bank.TransactionPage, error) {
	if f.txFn == nil {
		return bank.TransactionPage{}, nil
	}
	return f.txFn(ctx, name, clientID, consentID, accountID, page, limit)
}

func autoOutcome(consentID string) func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
	return func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
		return bank.AutoApproved{ConsentID: consentID}, nil
	}
}

func manualOutcome(requestID string) func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
	return func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
		return bank.PendingManual{RequestID: requestID, RedirectURI: "https://sbank.example/sign?request_id=" + requestID}, nil
	}
}

type ServiceSuite struct {
	suite.Suite
	ctx context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *ServiceSuite) TestCreateConsentAutoApprove() {
	gw := &fakeGateway{createFn: autoOutcome("consent-1")}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)
	s.Equal(models.StatusAuthorized, record.Status)
	s.Equal("consent-1", record.ConsentID)
	s.Empty(record.RedirectURI)
}

func (s *ServiceSuite) TestCreateConsentIdempotent() {
	gw := &fakeGateway{createFn: autoOutcome("consent-1")}
	svc := New(gw, store.NewInMemory())

	first, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	second, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(int64(1), gw.createCalls.Load(), "second create must not go upstream")
}

func (s *ServiceSuite) TestCreateConsentManualPending() {
	gw := &fakeGateway{createFn: manualOutcome("req-1")}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "sbank")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, record.Status)
	s.Equal("req-1", record.RequestID)
	s.NotEmpty(record.RedirectURI)
	s.True(models.IsPlaceholderConsentID(record.ConsentID),
		"the real consent id is unknown until the user signs")
}

func (s *ServiceSuite) TestCreateConsentInvalidBank() {
	svc := New(&fakeGateway{}, store.NewInMemory())
	_, err := svc.CreateConsent(s.ctx, "client-a", "nobank")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidBank))
}

func (s *ServiceSuite) TestCreateConsentBankUnreachableFailsByDefault() {
	gw := &fakeGateway{createFn: func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
		return nil, dErrors.New(dErrors.CodeUpstreamUnavailable, "down")
	}}
	svc := New(gw, store.NewInMemory())

	_, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable))
}

func (s *ServiceSuite) TestCreateConsentDegradedFallback() {
	gw := &fakeGateway{createFn: func(context.Context, string, bank.Name) (bank.ConsentOutcome, error) {
		return nil, dErrors.New(dErrors.CodeUpstreamUnavailable, "down")
	}}
	svc := New(gw, store.NewInMemory(), WithDegradedCreate(true))

	record, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, record.Status)
	s.True(models.IsPlaceholderConsentID(record.ConsentID))
	s.Empty(record.RequestID)
}

func (s *ServiceSuite) TestStatusResolvesManualApproval() {
	gw := &fakeGateway{createFn: manualOutcome("req-1")}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "sbank")
	s.Require().NoError(err)

	s.Run("not yet approved moves to awaiting", func() {
		gw.resolveFn = func(context.Context, bank.Name, string, string) (bank.ResolveResult, error) {
			return bank.ResolveResult{Approved: false}, nil
		}
		got, err := svc.Status(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusAwaitingAuthorization, got.Status)
	})

	s.Run("transient failure returns last known status", func() {
		gw.resolveFn = func(context.Context, bank.Name, string, string) (bank.ResolveResult, error) {
			return bank.ResolveResult{}, dErrors.New(dErrors.CodeUpstreamUnavailable, "blip")
		}
		got, err := svc.Status(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusAwaitingAuthorization, got.Status)
	})

	s.Run("approval finalizes the consent id", func() {
		gw.resolveFn = func(context.Context, bank.Name, string, string) (bank.ResolveResult, error) {
			return bank.ResolveResult{Approved: true, ConsentID: "consent-final"}, nil
		}
		got, err := svc.Status(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusAuthorized, got.Status)
		s.Equal("consent-final", got.ConsentID)
	})

	s.Run("authorized status is served without another upstream call", func() {
		before := gw.resolveCalls.Load()
		got, err := svc.Status(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusAuthorized, got.Status)
		s.Equal(before, gw.resolveCalls.Load())
	})
}

func (s *ServiceSuite) TestStatusLookupByRequestID() {
	gw := &fakeGateway{
		createFn: manualOutcome("req-9"),
		resolveFn: func(context.Context, bank.Name, string, string) (bank.ResolveResult, error) {
			return bank.ResolveResult{Approved: false}, nil
		},
	}
	svc := New(gw, store.NewInMemory())

	_, err := svc.CreateConsent(s.ctx, "client-a", "sbank")
	s.Require().NoError(err)

	got, err := svc.Status(s.ctx, "req-9")
	s.Require().NoError(err)
	s.Equal("req-9", got.RequestID)
}

func (s *ServiceSuite) TestStatusUnknownRef() {
	svc := New(&fakeGateway{}, store.NewInMemory())
	_, err := svc.Status(s.ctx, "nope")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestRevokeConsent() {
	gw := &fakeGateway{createFn: autoOutcome("consent-1")}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	revoked, err := svc.RevokeConsent(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, revoked.Status)
	s.Equal(int64(1), gw.revokeCalls.Load())

	s.Run("revoked is terminal", func() {
		_, err := svc.RevokeConsent(s.ctx, record.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("pair can be re-created after revocation", func() {
		fresh, err := svc.CreateConsent(s.ctx, "client-a", "abank")
		s.Require().NoError(err)
		s.NotEqual(record.ID, fresh.ID)

		old, err := svc.Status(s.ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRevoked, old.Status)
	})
}

func (s *ServiceSuite) TestRevokePendingConsentRejected() {
	gw := &fakeGateway{createFn: manualOutcome("req-1")}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "sbank")
	s.Require().NoError(err)

	_, err = svc.RevokeConsent(s.ctx, record.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Equal(int64(0), gw.revokeCalls.Load())
}

func (s *ServiceSuite) TestRevokeToleratesUpstreamNotFound() {
	gw := &fakeGateway{
		createFn: autoOutcome("consent-1"),
		revokeFn: func(context.Context, bank.Name, string, string) error {
			return dErrors.New(dErrors.CodeNotFound, "gone")
		},
	}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	revoked, err := svc.RevokeConsent(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, revoked.Status)
}

func (s *ServiceSuite) TestRevokePropagatesUnreachableBank() {
	gw := &fakeGateway{
		createFn: autoOutcome("consent-1"),
		revokeFn: func(context.Context, bank.Name, string, string) error {
			return dErrors.New(dErrors.CodeUpstreamUnavailable, "down")
		},
	}
	svc := New(gw, store.NewInMemory())

	record, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	_, err = svc.RevokeConsent(s.ctx, record.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable))

	current, err := svc.Status(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusAuthorized, current.Status, "local state stays authorized when the bank call fails")
}

func (s *ServiceSuite) TestAccountsRequireActiveConsent() {
	gw := &fakeGateway{createFn: manualOutcome("req-1")}
	svc := New(gw, store.NewInMemory())

	s.Run("no consent at all", func() {
		_, err := svc.Accounts(s.ctx, "client-a", "abank")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("pending consent does not grant access", func() {
		_, err := svc.CreateConsent(s.ctx, "client-a", "sbank")
		s.Require().NoError(err)
		_, err = svc.Accounts(s.ctx, "client-a", "sbank")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *ServiceSuite) TestAccountsWithActiveConsent() {
	gw := &fakeGateway{
		createFn: autoOutcome("consent-1"),
		accountsFn: func(_ context.Context, _ bank.Name, _ string, consentID string) ([]bank.Account, error) {
			s.Equal("consent-1", consentID)
			return []bank.Account{{ID: "acc-1"}}, nil
		},
	}
	svc := New(gw, store.NewInMemory())

	_, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	accounts, err := svc.Accounts(s.ctx, "client-a", "abank")
	s.Require().NoError(err)
	s.Len(accounts, 1)
}

func (s *ServiceSuite) TestTransactionsFiltering() {
	gw := &fakeGateway{
		createFn: autoOutcome("consent-1"),
		txFn: func(context.Context, bank.Name, string, string, string, int, int) (bank.TransactionPage, error) {
			return bank.TransactionPage{Transactions: []bank.Transaction{
				{ID: "t1", Amount: 50, Date: "2026-08-01"},
				{ID: "t2", Amount: 150, Date: "2026-08-10"},
				{ID: "t3", Amount: 500, Date: "2026-08-20"},
			}, Page: 1, Limit: 50}, nil
		},
	}
	svc := New(gw, store.NewInMemory())

	_, err := svc.CreateConsent(s.ctx, "client-a", "abank")
	s.Require().NoError(err)

	min, max := 100.0, 400.0
	page, err := svc.Transactions(s.ctx, "client-a", "abank", "acc-1", 1, 50, TxFilter{
		AmountMin: &min, AmountMax: &max, DateFrom: "2026-08-05",
	})
	s.Require().NoError(err)
	s.Require().Len(page.Transactions, 1)
	s.Equal("t2", page.Transactions[0].ID)
}

func (s *ServiceSuite) TestConnectedAccountsAggregation() {
	gw := &fakeGateway{
		createFn: autoOutcome("consent-x"),
		accountsFn: func(_ context.Context, name bank.Name, _ string, _ string) ([]bank.Account, error) {
			if name == bank.Vbank {
				return nil, dErrors.New(dErrors.CodeUpstreamUnavailable, "down")
			}
			return []bank.Account{{ID: string(name) + "-acc"}}, nil
		},
	}
	memory := store.NewInMemory()
	svc := New(gw, memory)

	now := time.Now().UTC()
	for _, bankName := range []string{"abank", "vbank"} {
		s.Require().NoError(memory.Save(s.ctx, &models.Consent{
			ID: models.NewID(), ClientID: "client-a", BankName: bankName,
			ConsentID: "consent-" + bankName, Status: models.StatusAuthorized,
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	results, err := svc.ConnectedAccounts(s.ctx, "client-a")
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	byBank := map[string]BankAccounts{}
	for _, r := range results {
		byBank[r.Bank] = r
	}
	s.Len(byBank["abank"].Accounts, 1)
	s.False(byBank["abank"].Unavailable)
	s.True(byBank["vbank"].Unavailable)
}

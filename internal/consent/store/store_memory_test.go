package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankbridge/internal/consent/models"
)

func newRecord(clientID, bankName string, status models.Status) *models.Consent {
	now := time.Now().UTC()
	return &models.Consent{
		ID:        models.NewID(),
		ClientID:  clientID,
		BankName:  bankName,
		ConsentID: models.NewPlaceholderConsentID(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInMemoryStore_SaveAndLookups(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	record := newRecord("client-a", "sbank", models.StatusPending)
	record.RequestID = "req-1"
	record.RedirectURI = "https://sbank.example/client/consents.html?request_id=req-1"
	require.NoError(t, s.Save(ctx, record))

	byID, err := s.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.RequestID, byID.RequestID)

	byRequest, err := s.FindByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, byRequest.ID)

	byConsent, err := s.FindByConsentID(ctx, record.ConsentID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, byConsent.ID)

	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindActive(ctx, "client-a", "sbank")
	assert.ErrorIs(t, err, ErrNotFound, "pending consent is not active")
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	record := newRecord("client-a", "abank", models.StatusAuthorized)
	require.NoError(t, s.Save(ctx, record))

	fetched, err := s.FindByID(ctx, record.ID)
	require.NoError(t, err)
	fetched.Status = models.StatusRevoked

	again, err := s.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, again.Status, "mutating a returned record must not touch the store")
}

func TestInMemoryStore_OneActivePerPair(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first := newRecord("client-a", "abank", models.StatusAuthorized)
	require.NoError(t, s.Save(ctx, first))

	second := newRecord("client-a", "abank", models.StatusAuthorized)
	assert.ErrorIs(t, s.Save(ctx, second), ErrActiveConsentExists)

	// A different bank or client is unaffected.
	require.NoError(t, s.Save(ctx, newRecord("client-a", "vbank", models.StatusAuthorized)))
	require.NoError(t, s.Save(ctx, newRecord("client-b", "abank", models.StatusAuthorized)))

	active, err := s.FindActive(ctx, "client-a", "abank")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func TestInMemoryStore_ConcurrentActivationSingleWinner(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	const racers = 20
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Save(ctx, newRecord("client-a", "abank", models.StatusAuthorized))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrActiveConsentExists)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestInMemoryStore_UpdateStatusTransitions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	record := newRecord("client-a", "sbank", models.StatusPending)
	record.RequestID = "req-1"
	record.RedirectURI = "https://sbank.example/sign"
	require.NoError(t, s.Save(ctx, record))

	waiting, err := s.UpdateStatus(ctx, record.ID, models.StatusAwaitingAuthorization, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingAuthorization, waiting.Status)

	authorized, err := s.UpdateStatus(ctx, record.ID, models.StatusAuthorized, "consent-final")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, authorized.Status)
	assert.Equal(t, "consent-final", authorized.ConsentID)
	assert.Empty(t, authorized.RedirectURI, "redirect uri is cleared once the consent is authorized")

	active, err := s.FindActive(ctx, "client-a", "sbank")
	require.NoError(t, err)
	assert.Equal(t, record.ID, active.ID)

	byConsent, err := s.FindByConsentID(ctx, "consent-final")
	require.NoError(t, err)
	assert.Equal(t, record.ID, byConsent.ID)
}

func TestInMemoryStore_IllegalTransitions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	pending := newRecord("client-a", "sbank", models.StatusPending)
	require.NoError(t, s.Save(ctx, pending))
	_, err := s.UpdateStatus(ctx, pending.ID, models.StatusRevoked, "")
	assert.ErrorIs(t, err, ErrIllegalTransition, "pending never jumps straight to revoked")

	revoked := newRecord("client-b", "abank", models.StatusAuthorized)
	require.NoError(t, s.Save(ctx, revoked))
	_, err = s.UpdateStatus(ctx, revoked.ID, models.StatusRevoked, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, revoked.ID, models.StatusAuthorized, "")
	assert.ErrorIs(t, err, ErrIllegalTransition, "revoked is terminal")
}

func TestInMemoryStore_RevokeFreesActiveSlot(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first := newRecord("client-a", "abank", models.StatusAuthorized)
	require.NoError(t, s.Save(ctx, first))

	_, err := s.UpdateStatus(ctx, first.ID, models.StatusRevoked, "")
	require.NoError(t, err)

	_, err = s.FindActive(ctx, "client-a", "abank")
	assert.ErrorIs(t, err, ErrNotFound)

	// A new consent for the pair may now activate; the old record stays revoked.
	second := newRecord("client-a", "abank", models.StatusAuthorized)
	require.NoError(t, s.Save(ctx, second))

	old, err := s.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, old.Status)
}

func TestInMemoryStore_ListByClient(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newRecord("client-a", "abank", models.StatusAuthorized)))
	require.NoError(t, s.Save(ctx, newRecord("client-a", "sbank", models.StatusPending)))
	require.NoError(t, s.Save(ctx, newRecord("client-b", "abank", models.StatusAuthorized)))

	consents, err := s.ListByClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Len(t, consents, 2)
}

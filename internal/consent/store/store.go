package store

import (
	"context"
	"errors"

	"bankbridge/internal/consent/models"
)

// Error contract: every method returns ErrNotFound when the record does not
// exist, ErrActiveConsentExists when a write would leave two authorized
// consents for one (client, bank) pair, and ErrIllegalTransition for a status
// change the state machine forbids. Infrastructure failures come back wrapped.
var (
	ErrNotFound            = errors.New("consent not found")
	ErrActiveConsentExists = errors.New("an authorized consent already exists for this client and bank")
	ErrIllegalTransition   = errors.New("illegal consent status transition")
)

// Store persists consent records. The one-active-consent-per-pair invariant
// is enforced here, atomically with the write, so concurrent creators cannot
// race past an application-level check.
type Store interface {
	Save(ctx context.Context, consent *models.Consent) error
	FindByID(ctx context.Context, id string) (*models.Consent, error)
	FindActive(ctx context.Context, clientID, bankName string) (*models.Consent, error)
	FindByConsentID(ctx context.Context, consentID string) (*models.Consent, error)
	FindByRequestID(ctx context.Context, requestID string) (*models.Consent, error)
	ListByClient(ctx context.Context, clientID string) ([]*models.Consent, error)

	// UpdateStatus moves a record to newStatus, recording the provider
	// consent id when one is supplied. It returns the updated record.
	UpdateStatus(ctx context.Context, id string, newStatus models.Status, consentID string) (*models.Consent, error)
}

func pairKey(clientID, bankName string) string {
	return clientID + "/" + bankName
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the consent state-machine position. Only the four values below
// are valid anywhere in the system.
type Status string

const (
	// StatusPending means the consent was created but the user has not yet
	// acted. Auto-approve banks never pass through this state.
	StatusPending Status = "pending"
	// StatusAwaitingAuthorization means the bank confirmed the request exists
	// and the user has been sent to sign.
	StatusAwaitingAuthorization Status = "awaitingAuthorization"
	// StatusAuthorized means the bank issued a final consent id.
	StatusAuthorized Status = "authorized"
	// StatusRevoked is terminal. No record ever transitions out of it.
	StatusRevoked Status = "revoked"
)

// CanTransition reports whether moving from s to next is a legal step.
// Legal sequences are pending -> awaitingAuthorization -> authorized and
// authorized -> revoked. A record never jumps from pending to revoked.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAwaitingAuthorization || next == StatusAuthorized
	case StatusAwaitingAuthorization:
		return next == StatusAuthorized
	case StatusAuthorized:
		return next == StatusRevoked
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusRevoked
}

// IsActive reports whether the consent can serve account and transaction
// reads.
func (s Status) IsActive() bool {
	return s == StatusAuthorized
}

// Consent is one persisted consent record. ConsentID holds the provider's
// identifier once known; until then it carries a local placeholder that is
// never sent upstream.
type Consent struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	BankName    string    `json:"bank_name"`
	ConsentID   string    `json:"consent_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Status      Status    `json:"status"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const placeholderPrefix = "local-"

// NewPlaceholderConsentID mints a local stand-in consent id for records whose
// provider id is not yet known.
func NewPlaceholderConsentID() string {
	return placeholderPrefix + uuid.NewString()
}

// IsPlaceholderConsentID reports whether id was minted locally rather than
// issued by a bank. Placeholder ids must never reach an upstream call.
func IsPlaceholderConsentID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// NewID mints a record id.
func NewID() string {
	return uuid.NewString()
}

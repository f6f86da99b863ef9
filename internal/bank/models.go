package bank

import (
	"strings"
	"time"

	dErrors "bankbridge/pkg/domain-errors"
)

// Name identifies a supported provider.
type Name string

const (
	Abank Name = "abank"
	Vbank Name = "vbank"
	Sbank Name = "sbank"
)

// ParseName validates a caller-supplied bank identifier.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case Abank, Vbank, Sbank:
		return n, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidBank, "unsupported bank: "+s)
	}
}

// ConsentOutcome is the normalized result of a consent-creation call.
// Exactly one concrete type comes back per call; callers switch on it instead
// of inspecting raw provider payloads.
type ConsentOutcome interface {
	consentOutcome()
}

// AutoApproved is returned by banks that grant consent synchronously:
// the consent id is final and usable immediately.
type AutoApproved struct {
	ConsentID string
	ExpiresAt *time.Time
}

// PendingManual is returned by banks that require the user to sign at the
// bank's own UI. The request id is a temporary handle; the final consent id
// is unknown until the request resolves.
type PendingManual struct {
	RequestID   string
	RedirectURI string
}

func (AutoApproved) consentOutcome()  {}
func (PendingManual) consentOutcome() {}

// ResolveResult is the outcome of a request-id resolution call.
// Approved is false while the user has not signed yet; that is a valid state,
// not an error.
type ResolveResult struct {
	Approved  bool
	ConsentID string
}

// Account is a normalized account record.
type Account struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Balance  float64 `json:"balance,omitempty"`
}

// Transaction is a normalized transaction record.
type Transaction struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Description string  `json:"description,omitempty"`
	Date        string  `json:"date,omitempty"`
}

// TransactionPage is one page of transactions, tagged with cache provenance.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	Limit        int           `json:"limit"`
	FromCache    bool          `json:"from_cache"`
	CacheAge     time.Duration `json:"-"`
}

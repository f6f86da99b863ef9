package service

import (
	"bankbridge/internal/bank"
)

// TxFilter narrows a transaction page after it is fetched. Filtering happens
// on our side because the providers do not support these query parameters.
// Dates are ISO-8601 strings and compare lexicographically.
type TxFilter struct {
	AmountMin *float64
	AmountMax *float64
	DateFrom  string
	DateTo    string
}

func (f TxFilter) empty() bool {
	return f.AmountMin == nil && f.AmountMax == nil && f.DateFrom == "" && f.DateTo == ""
}

func (f TxFilter) apply(transactions []bank.Transaction) []bank.Transaction {
	if f.empty() {
		return transactions
	}
	filtered := make([]bank.Transaction, 0, len(transactions))
	for _, tx := range transactions {
		if f.AmountMin != nil && tx.Amount < *f.AmountMin {
			continue
		}
		if f.AmountMax != nil && tx.Amount > *f.AmountMax {
			continue
		}
		if f.DateFrom != "" && tx.Date != "" && tx.Date < f.DateFrom {
			continue
		}
		if f.DateTo != "" && tx.Date != "" && tx.Date > f.DateTo {
			continue
		}
		filtered = append(filtered, tx)
	}
	return filtered
}

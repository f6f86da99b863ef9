package http

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "bankbridge/pkg/domain-errors"
	httpErrors "bankbridge/pkg/http-errors"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError maps a domain error to its HTTP status. Non-domain errors are
// masked as internal so infrastructure details never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if !errors.As(err, &domainErr) {
		domainErr = &dErrors.Error{Code: dErrors.CodeInternal, Message: "internal error"}
	}
	writeJSON(w, httpErrors.ToHTTPStatus(domainErr.Code), errorBody{
		Error:            string(domainErr.Code),
		ErrorDescription: domainErr.Message,
	})
}

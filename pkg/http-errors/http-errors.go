package httpErrors

import (
	"net/http"

	dErrors "bankbridge/pkg/domain-errors"
)

// ToHTTPStatus maps a domain error code to the HTTP status the route layer
// should answer with. Anything unrecognized is a 500.
func ToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeInvalidInput, dErrors.CodeInvalidBank:
		return http.StatusBadRequest
	case dErrors.CodeAuthenticationFailed, dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package bank

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"bankbridge/internal/platform/config"
	dErrors "bankbridge/pkg/domain-errors"
)

// HTTPAuthenticator obtains bank access tokens from each provider's
// auth endpoint. It makes exactly one call per invocation; caching and
// refresh serialization live in TokenCache.
type HTTPAuthenticator struct {
	banks        map[Name]config.Bank
	clientSecret string
	client       *http.Client
}

// NewHTTPAuthenticator builds an authenticator over the configured banks.
func NewHTTPAuthenticator(banks map[Name]config.Bank, clientSecret string, client *http.Client) *HTTPAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthenticator{banks: banks, clientSecret: clientSecret, client: client}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Detail      string `json:"detail,omitempty"`
}

// Authenticate exchanges client credentials for a bearer token.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, bank Name, clientID string) (string, time.Duration, error) {
	cfg, ok := a.banks[bank]
	if !ok {
		return "", 0, dErrors.New(dErrors.CodeInvalidBank, "unsupported bank: "+string(bank))
	}

	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("client_secret", a.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.BaseURL+"/auth/bank-token?"+query.Encode(), nil)
	if err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeInternal, "build auth request")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "bank auth endpoint unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "read auth response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return "", 0, dErrors.New(dErrors.CodeAuthenticationFailed, "bank rejected credentials")
	case resp.StatusCode >= 500:
		return "", 0, dErrors.New(dErrors.CodeUpstreamUnavailable, "bank auth endpoint error")
	case resp.StatusCode >= 300:
		return "", 0, dErrors.New(dErrors.CodeInternal, "unexpected auth response status")
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeInternal, "decode auth response")
	}
	// Some providers answer 200 with the error in the body.
	if parsed.AccessToken == "" {
		return "", 0, dErrors.New(dErrors.CodeAuthenticationFailed, "auth response carried no token")
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}
	return parsed.AccessToken, expiresIn, nil
}

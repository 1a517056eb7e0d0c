package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SessionVerifier checks Basic credentials with GET /_session on the
// document database.
type SessionVerifier struct {
	endpoint string
	client   *http.Client
}

// NewSessionVerifier returns a verifier for the database at baseURL. A nil
// transport defaults to an otelhttp-instrumented http.DefaultTransport.
func NewSessionVerifier(baseURL string, transport http.RoundTripper) (*SessionVerifier, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("auth: invalid session url %q", baseURL)
	}
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &SessionVerifier{
		endpoint: u.JoinPath("_session").String(),
		client:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}, nil
}

// Verify implements BasicVerifier.
func (v *SessionVerifier) Verify(ctx context.Context, username, password string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth: session check: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("auth: session check: upstream status %d", resp.StatusCode)
	}
	var body struct {
		UserCtx struct {
			Name string `json:"name"`
		} `json:"userCtx"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("auth: session check: %w", err)
	}
	return body.UserCtx.Name == username, nil
}

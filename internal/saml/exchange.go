package saml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"orgstream/pkg/problems"
)

// GrantType is the OAuth grant used to trade a bearer assertion for an access token.
const GrantType = "urn:ietf:params:oauth:grant-type:saml2-bearer"

// Token is the subset of the token endpoint response the ingest pipeline needs.
type Token struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	Scope       string `json:"scope"`
	TokenType   string `json:"token_type"`
}

// Exchanger posts signed assertions to a tenant token endpoint.
type Exchanger struct {
	client *http.Client
}

func NewExchanger(timeout time.Duration) *Exchanger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Exchanger{client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}}
}

// NewExchangerWithClient is used when the caller owns the HTTP client (tests, proxies).
func NewExchangerWithClient(c *http.Client) *Exchanger { return &Exchanger{client: c} }

// Exchange trades the assertion for an access token. Every failure is an Auth problem.
func (e *Exchanger) Exchange(ctx context.Context, tenantID, tokenURL, assertion string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", GrantType)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange",
			fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange", fmt.Errorf("decode token response: %w", err))
	}
	if tok.AccessToken == "" {
		return Token{}, problems.New(problems.Auth, tenantID, "saml.exchange", errors.New("token response has no access_token"))
	}
	return tok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

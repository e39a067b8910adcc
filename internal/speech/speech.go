// Package speech fetches short-lived access tokens for the cloud speech
// service used by the master page. The server holds the long-lived
// subscription key; browsers only ever see tokens that expire within
// minutes.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tokenEndpointFmt = "https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken"

// subscriptionKeyHeader carries the long-lived key to the token endpoint.
const subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

// Option is a functional option for configuring the token Provider.
type Option func(*Provider)

// WithTimeout bounds each token fetch. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithEndpoint overrides the token endpoint URL. Used in tests.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Token is a short-lived speech service credential together with the region
// the browser must connect to.
type Token struct {
	Value  string `json:"token"`
	Region string `json:"region"`
}

// Provider exchanges the configured subscription key for short-lived tokens.
// It is safe for concurrent use.
type Provider struct {
	key        string
	region     string
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a token Provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" || region == "" {
		return nil, errors.New("speech: key and region must not be empty")
	}
	p := &Provider{
		key:        key,
		region:     region,
		endpoint:   fmt.Sprintf(tokenEndpointFmt, region),
		timeout:    10 * time.Second,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Fetch requests a fresh token from the service. The returned token is an
// opaque string the browser passes to the speech SDK.
func (p *Provider) Fetch(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("speech: build token request: %w", err)
	}
	req.Header.Set(subscriptionKeyHeader, p.key)
	req.Header.Set("Content-Length", "0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("speech: fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("speech: fetch token: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("speech: read token: %w", err)
	}
	if len(body) == 0 {
		return Token{}, errors.New("speech: token endpoint returned an empty body")
	}

	return Token{Value: string(body), Region: p.region}, nil
}

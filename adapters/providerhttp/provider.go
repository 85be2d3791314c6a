// Package providerhttp implements core/provider.Provider as a generic
// JSON webhook call: Execute POSTs the action's payload to a configured
// URL and classifies the response into the provider error taxonomy
// (spec §4.3). Built on net/http rather than a third-party HTTP client
// because the example pack carries none (DESIGN.md).
package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

// Provider calls one fixed webhook URL for every action handed to it.
type Provider struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// New builds a webhook Provider. timeout bounds each individual HTTP
// call; the executor additionally enforces its own per-action timeout
// around the whole Execute call (spec §4.3).
func New(name, url string, headers map[string]string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		name:       name,
		url:        url,
		headers:    headers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Execute(ctx context.Context, action types.Action) (provider.Response, error) {
	body, err := json.Marshal(action.Payload)
	if err != nil {
		return provider.Response{}, &provider.Error{Kind: provider.ErrSerialization, Provider: p.name, Message: "marshal payload", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return provider.Response{}, &provider.Error{Kind: provider.ErrConfiguration, Provider: p.name, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		kind := provider.ErrConnection
		if ctx.Err() != nil {
			kind = provider.ErrTimeout
		}
		return provider.Response{}, &provider.Error{Kind: kind, Provider: p.name, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter *int64
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := parseRetryAfter(ra); err == nil {
				retryAfter = &secs
			}
		}
		return provider.Response{}, &provider.Error{Kind: provider.ErrRateLimited, Provider: p.name, Message: "rate limited", RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return provider.Response{}, &provider.Error{Kind: provider.ErrUnauthorized, Provider: p.name, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return provider.Response{}, &provider.Error{Kind: provider.ErrTransient, Provider: p.name, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return provider.Response{}, &provider.Error{Kind: provider.ErrExecution, Provider: p.name, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var decoded any
	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &decoded)
	}
	status := provider.StatusSuccess
	if resp.StatusCode == http.StatusPartialContent {
		status = provider.StatusPartial
	}
	return provider.Response{Status: status, Body: decoded, Headers: flattenHeaders(resp.Header)}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseRetryAfter(v string) (int64, error) {
	var secs int64
	_, err := fmt.Sscanf(v, "%d", &secs)
	return secs, err
}

var _ provider.Provider = (*Provider)(nil)

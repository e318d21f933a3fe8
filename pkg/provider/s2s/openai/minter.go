package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// TokenMinter obtains short-lived Realtime session tokens.
type TokenMinter interface {
	Mint(ctx context.Context) (string, error)
}

// HTTPMinter mints tokens by POSTing to a backend endpoint that holds the
// long-lived API key. The endpoint may answer with either
// {"client_secret":{"value":"..."}} or {"value":"..."}.
type HTTPMinter struct {
	// URL of the minting endpoint.
	URL string

	// Client performs the request. Default: a client with a 10s timeout.
	Client *http.Client

	// Header is added to every request, e.g. for backend authentication.
	Header http.Header
}

var _ TokenMinter = (*HTTPMinter)(nil)

type mintResponse struct {
	Value        string `json:"value"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// Mint implements [TokenMinter]. A blank token in a successful response is
// reported as s2s.ErrMissingCredential.
func (m *HTTPMinter) Mint(ctx context.Context) (string, error) {
	if m.URL == "" {
		return "", fmt.Errorf("openai: minter url: %w", s2s.ErrMissingCredential)
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("openai: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range m.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: mint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("openai: read mint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: mint endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var mr mintResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("openai: decode mint response: %w", err)
	}
	tok := mr.Value
	if mr.ClientSecret != nil && mr.ClientSecret.Value != "" {
		tok = mr.ClientSecret.Value
	}
	if strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("openai: mint response: %w", s2s.ErrMissingCredential)
	}
	return tok, nil
}

// StaticToken is a TokenMinter that always returns the same bearer token.
// Server-side deployments use it with a long-lived API key that never reaches
// a client.
type StaticToken string

var _ TokenMinter = StaticToken("")

// Mint implements [TokenMinter].
func (s StaticToken) Mint(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("openai: static token: %w", s2s.ErrMissingCredential)
	}
	return string(s), nil
}

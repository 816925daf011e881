// Package canister implements the stateless RPC client (C1) the gateway
// uses to reach backend replicas. It issues call (update) and query
// requests and returns raw response bytes — it never signs, verifies, or
// otherwise interprets envelope content.
package canister

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues HTTP requests against a subnet's replica endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given subnet base URL
// (e.g. http://127.0.0.1:4943).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Call issues an update call to <backend>/call with the given pre-signed
// envelope body, forwarded byte-for-byte (I5, P4). method is not used in
// the request — which backend method is invoked is determined entirely
// by the envelope the caller passes in.
func (c *Client) Call(ctx context.Context, backendID, method string, body []byte) ([]byte, error) {
	return c.post(ctx, fmt.Sprintf("%s/%s/call", c.baseURL, backendID), body)
}

// Query issues a query call to <backend>/query, e.g. ws_get_messages.
func (c *Client) Query(ctx context.Context, backendID string, body []byte) ([]byte, error) {
	return c.post(ctx, fmt.Sprintf("%s/%s/query", c.baseURL, backendID), body)
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

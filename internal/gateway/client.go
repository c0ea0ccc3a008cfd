package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

// Client is the JSON-over-HTTP transport shared by adapters. It never retries:
// retrying a payment creation could double-submit it.
type Client struct {
	Gateway string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(gateway, baseURL string, timeout time.Duration) *Client {
	return &Client{
		Gateway: gateway,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Do sends body (already encoded, may be nil) and decodes a 2xx reply into out.
// A 404 maps to ErrPaymentNotFound.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.Gateway, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", c.Gateway, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrPaymentNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error("Gateway error", logger.Fields{
			logger.GatewayKey: c.Gateway,
			"status_code":     resp.StatusCode,
			"path":            path,
			"body":            string(respBody),
		})
		return &UpstreamError{Gateway: c.Gateway, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", c.Gateway, err)
	}
	return nil
}

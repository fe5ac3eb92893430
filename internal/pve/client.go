// Package pve is a minimal Proxmox VE REST client authenticated with an API
// token. Operations that PVE runs asynchronously return a job.Handle that the
// job package can poll.
package pve

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned by every call when the host or the token
	// credentials are missing.
	ErrNotConfigured = errors.New("PVE client is not configured: host, token id and token secret are required")
	// ErrUnexpectedResponse is returned when PVE answers 2xx with a body that
	// does not carry the expected shape.
	ErrUnexpectedResponse = errors.New("unexpected PVE response")
)

// APIError is a non-2xx answer from the PVE API.
type APIError struct {
	StatusCode int
	URL        string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP error %d for %s. Details: %s. Check if API Token is valid and has sufficient permissions.",
		e.StatusCode, e.URL, e.Detail)
}

// Options configures a Client.
type Options struct {
	Host        string
	Port        int
	TokenID     string // e.g. root@pam!pvepilot
	TokenSecret string
	VerifyTLS   bool
	Timeout     time.Duration

	// BaseURL overrides the URL derived from Host and Port.
	BaseURL string
}

// Client talks to one PVE cluster endpoint.
type Client struct {
	baseURL    string
	authHeader string
	configured bool
	http       *http.Client
}

// NewClient creates a Client. A client built from incomplete options is
// usable but every call fails with ErrNotConfigured.
func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		port := opts.Port
		if port == 0 {
			port = 8006
		}
		base = fmt.Sprintf("https://%s:%d/api2/json", opts.Host, port)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !opts.VerifyTLS, //nolint:gosec // PVE ships self-signed certificates by default
	}

	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		authHeader: fmt.Sprintf("PVEAPIToken=%s=%s", opts.TokenID, opts.TokenSecret),
		configured: (opts.Host != "" || opts.BaseURL != "") && opts.TokenID != "" && opts.TokenSecret != "",
		http:       &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Configured reports whether credentials were provided.
func (c *Client) Configured() bool {
	return c.configured
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs one API call and decodes the "data" member of the answer into
// out, when out is non-nil. form is sent url-encoded for POST and PUT.
func (c *Client) Do(ctx context.Context, method, path string, form url.Values, out any) error {
	if !c.configured {
		return ErrNotConfigured
	}

	u := c.baseURL + path
	var body io.Reader
	if len(form) > 0 {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	slog.Debug("pve request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (connection/timeout) for %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", u, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, URL: u, Detail: errorDetail(resp.Status, raw)}
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrUnexpectedResponse, u, err)
	}
	if dst, ok := out.(*json.RawMessage); ok {
		*dst = envelope.Data
		return nil
	}
	if len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return fmt.Errorf("%w: %s returned no data", ErrUnexpectedResponse, u)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decoding data from %s: %v", ErrUnexpectedResponse, u, err)
	}
	return nil
}

// errorDetail extracts the most useful message from an error body. PVE puts
// parameter errors under "errors" and the reason phrase in the status line.
func errorDetail(status string, raw []byte) string {
	var body struct {
		Data    json.RawMessage   `json:"data"`
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text
		}
		return status
	}

	parts := []string{status}
	if body.Message != "" {
		parts = append(parts, strings.TrimSpace(body.Message))
	}
	for _, field := range slices.Sorted(maps.Keys(body.Errors)) {
		parts = append(parts, field+": "+strings.TrimSpace(body.Errors[field]))
	}
	if len(parts) == 1 && len(body.Data) > 0 && !bytes.Equal(body.Data, []byte("null")) {
		parts = append(parts, string(body.Data))
	}
	return strings.Join(parts, "; ")
}

func vmPath(node string, vmid int, suffix string) string {
	return "/nodes/" + url.PathEscape(node) + "/qemu/" + strconv.Itoa(vmid) + suffix
}

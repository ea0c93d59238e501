package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// DefaultHTTPTimeout bounds a request when no client is supplied.
const DefaultHTTPTimeout = 10 * time.Second

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// signing secret is set.
const SignatureHeader = "X-Eventflow-Signature"

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// HTTP delivers events as JSON POST requests.
type HTTP struct {
	client  *http.Client
	baseURL string
	headers http.Header
	secret  []byte
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithBaseURL resolves targets that are not absolute URLs against base.
func WithBaseURL(base string) HTTPOption {
	return func(h *HTTP) {
		h.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) {
		h.headers.Add(key, value)
	}
}

// WithSignature signs every request body with HMAC-SHA256 using secret.
// Receivers verify it with Sign.
func WithSignature(secret string) HTTPOption {
	return func(h *HTTP) {
		h.secret = []byte(secret)
	}
}

// Sign returns the signature WithSignature attaches to body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// URL returns the request URL for target.
func (h *HTTP) URL(target string) string {
	if h.baseURL == "" || strings.Contains(target, "://") {
		return target
	}
	return h.baseURL + "/" + strings.TrimLeft(target, "/")
}

// Deliver posts evt to target. Any non-2xx status is returned as
// *errors.HTTPError so that retry categorization can inspect the status.
func (h *HTTP) Deliver(ctx context.Context, target string, evt event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	url := h.URL(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eferrors.Permanent(fmt.Errorf("build request: %w", err), "http transport")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", evt.CorrelationID)
	req.Header.Set("X-Event-Type", evt.Type)
	for k, vs := range h.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(h.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(h.secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &eferrors.HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   url,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

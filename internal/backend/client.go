// Package backend implements the one outbound operation the gateway performs against the content-management
// backend: posting a message and confirming the shared service key on inbound admin calls.
package backend

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config carries everything the Client needs to reach the backend.
type Config struct {
	Scheme       string // "http" or "https"
	Host         string
	Port         int
	BasePath     string // e.g. "/nodejs/"
	MessagePath  string // e.g. "message"
	ServiceKey   string
	BasicAuth    string // "user:pass"; empty disables basic auth
	StrictTLS    bool
	RequestTimeout time.Duration
}

// URL returns the full backend message endpoint, e.g. http://localhost:80/nodejs/message.
func (c Config) URL() string {
	base := strings.TrimSuffix(c.BasePath, "/")
	return fmt.Sprintf("%s://%s:%d%s/%s", c.Scheme, c.Host, c.Port, base, c.MessagePath)
}

// Client posts messages to the backend and checks the service key presented on inbound admin requests.
type Client struct {
	cfg    Config
	http   *http.Client
	log    zerolog.Logger
}

// New constructs a Client. If cfg.Scheme is "https" and StrictTLS is false, certificate verification is disabled —
// this mirrors the source system's configurable "strict SSL" flag for self-signed backend deployments.
func New(cfg Config, logger zerolog.Logger) *Client {
	transport := &http.Transport{}
	if cfg.Scheme == "https" && !cfg.StrictTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator-configured escape hatch, see Config.StrictTLS
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: timeout},
		log:  logger.With().Str("component", "backend").Logger(),
	}
}

// Response is the decoded JSON body the backend returned, along with the raw HTTP status.
type Response struct {
	Status int
	Body   map[string]any
}

// ValidAuthToken reports whether the backend's response authorizes the request: 2xx status and a truthy
// nodejsValidAuthToken field.
func (r Response) ValidAuthToken() bool {
	if r.Status < 200 || r.Status >= 300 {
		return false
	}
	v, ok := r.Body["nodejsValidAuthToken"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// HasError reports whether the backend's response body carries an "error" key.
func (r Response) HasError() bool {
	_, ok := r.Body["error"]
	return ok
}

// SendToBackend POSTs message as application/x-www-form-urlencoded with fields messageJson (the JSON encoding of
// message) and serviceKey. It never retries; the caller decides whether to. A non-nil error means the request
// could not be completed or the body was not valid JSON — callers treat both the same way, as a failed backend
// round-trip.
func (c *Client) SendToBackend(ctx context.Context, message map[string]any) (Response, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return Response{}, fmt.Errorf("encode message: %w", err)
	}

	form := url.Values{}
	form.Set("messageJson", string(encoded))
	form.Set("serviceKey", c.cfg.ServiceKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL(), strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.BasicAuth != "" {
		user, pass, ok := strings.Cut(c.cfg.BasicAuth, ":")
		if ok {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", c.cfg.URL()).Msg("backend request failed")
		return Response{}, fmt.Errorf("post to backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read backend response: %w", err)
	}

	// 301/404 are the backend's way of explicitly rejecting the request; treat as "no JSON to parse" rather than
	// erroring, so the caller can branch uniformly on status + body.
	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusNotFound {
		return Response{Status: resp.StatusCode}, nil
	}

	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return Response{Status: resp.StatusCode}, fmt.Errorf("decode backend response: %w", err)
		}
	}

	return Response{Status: resp.StatusCode, Body: body}, nil
}

// CheckServiceKey performs a constant-time comparison of presented against the configured service key. If no
// service key is configured, every presented value is accepted (source behaviour preserved deliberately — an
// operator who hasn't set a key has opted out of this check). subtle.ConstantTimeCompare already refuses
// differing-length inputs without leaking which byte differs; it is the standard library's purpose-built answer
// to exactly this primitive, which is why it is used here rather than a third-party dependency (see DESIGN.md).
func (c *Client) CheckServiceKey(presented string) bool {
	if c.cfg.ServiceKey == "" {
		return true
	}
	if len(presented) != len(c.cfg.ServiceKey) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(c.cfg.ServiceKey)) == 1
}

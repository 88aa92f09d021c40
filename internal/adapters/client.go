// Package adapters implements chms.Provider for Rock RMS, Planning Center
// and Church Community Builder.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Napageneral/chms/internal/chms"
)

const defaultTimeout = 30 * time.Second

// Option customises an adapter.
type Option func(*options)

type options struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
	rpm        int
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEndpoint overrides the provider host for hosted providers. Tests point
// this at a local server.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = strings.TrimRight(url, "/") }
}

// WithLogger sets the logger used for per-record write-back failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRequestsPerMinute paces requests under a per-minute ceiling, backing
// off when the provider answers 429 or 5xx. Zero leaves requests unpaced.
func WithRequestsPerMinute(n int) Option {
	return func(o *options) { o.rpm = n }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// apiClient is the HTTP plumbing shared by every adapter.
type apiClient struct {
	provider  chms.ProviderName
	http      *http.Client
	logger    *slog.Logger
	authorize func(*http.Request)
	pacer     *pacer
	authed    atomic.Bool
	calls     atomic.Int64
}

func newAPIClient(provider chms.ProviderName, o options, authorize func(*http.Request)) *apiClient {
	return &apiClient{
		provider:  provider,
		http:      o.httpClient,
		logger:    o.logger.With("provider", string(provider)),
		authorize: authorize,
		pacer:     newPacer(o.rpm),
	}
}

// CallCount returns the number of HTTP requests issued so far.
func (c *apiClient) CallCount() int64 { return c.calls.Load() }

func (c *apiClient) requireAuth() error {
	if !c.authed.Load() {
		return chms.ErrNotAuthenticated
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", acceptFor(c.provider))
	if c.authorize != nil {
		c.authorize(req)
	}

	if err := c.pacer.wait(ctx); err != nil {
		return nil, err
	}
	c.calls.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.pacer.observe(0)
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	c.pacer.observe(resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &chms.HTTPError{Method: method, URL: url, Status: resp.StatusCode, Body: string(b)}
	}
	return b, nil
}

func (c *apiClient) getJSON(ctx context.Context, url string, out any) error {
	b, err := c.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *apiClient) sendJSON(ctx context.Context, method, url string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	b, err := c.do(ctx, method, url, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// authError classifies a failed authentication check.
func (c *apiClient) authError(err error) error {
	var he *chms.HTTPError
	if errors.As(err, &he) {
		switch he.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &chms.AuthenticationError{Provider: c.provider, Reason: "credentials rejected", Err: err}
		default:
			return &chms.AuthenticationError{Provider: c.provider, Reason: "unexpected response", Err: err}
		}
	}
	return &chms.AuthenticationError{Provider: c.provider, Reason: "endpoint unreachable", Err: err}
}

func (c *apiClient) testConnection(ctx context.Context, authenticate func(context.Context) error) chms.ConnectionStatus {
	if err := authenticate(ctx); err != nil {
		return chms.ConnectionStatus{OK: false, Error: err.Error()}
	}
	return chms.ConnectionStatus{OK: true}
}

func acceptFor(p chms.ProviderName) string {
	switch p {
	case chms.ProviderCCB:
		return "application/xml"
	case chms.ProviderPlanningCenter:
		return "application/vnd.api+json, application/json"
	default:
		return "application/json"
	}
}

// dedupe keeps the first occurrence of each non-empty value.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// chunk splits ids into slices of at most n.
func chunk(ids []string, n int) [][]string {
	var out [][]string
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// recordFailure appends one write-back failure and logs it.
func (c *apiClient) recordFailure(res *chms.WriteResult, personID, field string, err error) {
	res.Failed = append(res.Failed, chms.WriteFailure{ExternalPersonID: personID, Field: field, Error: err.Error()})
	c.logger.Warn("activity write-back failed", "external_person_id", personID, "field", field, "error", err)
}

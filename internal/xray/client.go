// Package xray is a hardened client layer for the Xray Cloud GraphQL
// API. It covers credential exchange and token refresh, query
// validation, bounded-memory response reading, authenticated query
// execution, and resolution of Jira-style keys to internal ids.
package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/qamesh/xrayql/internal/errs"
)

// graphqlEndpoint is the Xray Cloud GraphQL endpoint, relative to the
// base URL.
const graphqlEndpoint = "/api/v2/graphql"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	defaultConnectTimeout  = 10 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxIdleConns    = 20
	defaultMaxConnsPerHost = 10
)

// HTTPClientConfig bounds the shared connection pool and the per-call
// timeouts. Zero values select the defaults.
type HTTPClientConfig struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient builds the pooled HTTP client shared by the gateway and
// the authenticator. Every call is bounded by a connect timeout and a
// total request timeout; neither is ever left to hang.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = defaultMaxConnsPerHost
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       cfg.RequestTimeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// TokenProvider supplies a valid bearer token for outgoing requests.
// Implemented by Authenticator.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

type graphqlRequest struct {
	Query string `json:"query"`
	// Variables is omitted entirely when absent or empty, so the
	// server-side query shape is not altered.
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Client is the secure query gateway: the single entry point for all
// remote GraphQL calls. Individual Execute calls are independent and
// may run fully in parallel over one shared connection pool.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       TokenProvider
	validator  *Validator
	guard      *Guard
	logger     *slog.Logger
}

// NewClient creates a gateway for the given base URL. A nil httpClient
// selects a default pooled client; a nil guard selects default limits.
// The validator is required: no query reaches the wire unvalidated.
func NewClient(baseURL string, auth TokenProvider, validator *Validator, guard *Guard, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(HTTPClientConfig{})
	}

	if guard == nil {
		guard = NewGuard(Limits{})
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		auth:       auth,
		validator:  validator,
		guard:      guard,
		logger:     logger,
	}
}

// Execute validates the query, attaches a bearer token, posts the call,
// and returns the full parsed response body. Mutations are
// transport-identical to queries. Any GraphQL errors array in a 200
// response is authoritative: it fails the call even when data is also
// present.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if err := c.validator.Validate(query, variables); err != nil {
		return nil, err
	}

	token, err := c.auth.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "marshalling request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+graphqlEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "creating request", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, describeTransportFailure("GraphQL request", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := c.guard.ReadText(resp, c.guard.Limits().TextBytes)
		if readErr != nil {
			body = fmt.Sprintf("(unreadable body: %v)", readErr)
		}

		return nil, errs.Newf(errs.KindRemote, "GraphQL endpoint returned status %d: %s", resp.StatusCode, body).
			WithStatus(resp.StatusCode)
	}

	raw, err := c.guard.ReadJSON(resp, c.guard.Limits().JSONBytes)
	if err != nil {
		return nil, err
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindRemote, "decoding GraphQL response envelope", err)
	}

	if len(parsed.Errors) > 0 {
		messages := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			messages = append(messages, e.Message)
		}

		return nil, errs.Newf(errs.KindRemote, "GraphQL errors: %s", strings.Join(messages, "; "))
	}

	return raw, nil
}

// describeTransportFailure builds a message that flags timeouts
// explicitly; the underlying error stays reachable via Unwrap.
func describeTransportFailure(op string, err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return op + " timed out"
	}

	if errors.Is(err, context.Canceled) {
		return op + " cancelled"
	}

	return op + " failed"
}

package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/qamesh/xrayql/internal/errs"
)

const (
	// authEndpoint is the Xray Cloud credential exchange endpoint.
	authEndpoint = "/api/v2/authenticate"

	// expiryBuffer is how long before the real expiry a token is
	// treated as expired. Avoids tokens expiring mid-call due to clock
	// skew or call latency.
	expiryBuffer = 5 * time.Minute

	// fallbackValidity is the assumed token lifetime when the JWT
	// claims cannot be decoded.
	fallbackValidity = time.Hour
)

// Credentials is the client identity for the Xray API. Immutable once
// constructed.
type Credentials struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
}

// AuthToken is a bearer token and its validity window. Expiry is
// derived from the token's own claims, or a conservative fallback when
// the claims are unreadable.
type AuthToken struct {
	Token  string
	Expiry time.Time
}

// Authenticator owns JWT acquisition, expiry tracking, and
// concurrency-safe refresh against the Xray authentication endpoint.
// It never retries: retry policy belongs to the caller.
type Authenticator struct {
	creds      Credentials
	httpClient *http.Client
	guard      *Guard
	logger     *slog.Logger

	// refresh serializes token refresh: concurrent callers finding an
	// expired token share a single authentication call and its result,
	// success or failure.
	refresh singleflight.Group

	mu    sync.Mutex
	token AuthToken

	// now is stubbed in tests.
	now func() time.Time
}

// NewAuthenticator creates an Authenticator for the given credentials.
// If httpClient is nil, a default pooled client is used. If guard is
// nil, default response limits apply.
func NewAuthenticator(creds Credentials, httpClient *http.Client, guard *Guard, logger *slog.Logger) *Authenticator {
	if httpClient == nil {
		httpClient = NewHTTPClient(HTTPClientConfig{})
	}

	if guard == nil {
		guard = NewGuard(Limits{})
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Authenticator{
		creds:      creds,
		httpClient: httpClient,
		guard:      guard,
		logger:     logger,
		now:        time.Now,
	}
}

type authRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Authenticate exchanges the credentials for a fresh token. The Xray
// endpoint returns the JWT as a JSON-encoded (quoted) string; the
// quotes are stripped before use.
func (a *Authenticator) Authenticate(ctx context.Context) (AuthToken, error) {
	payload, err := json.Marshal(authRequest{
		ClientID:     a.creds.ClientID,
		ClientSecret: a.creds.ClientSecret,
	})
	if err != nil {
		return AuthToken{}, errs.Wrap(errs.KindAuth, "marshalling authentication request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.creds.BaseURL+authEndpoint, bytes.NewReader(payload))
	if err != nil {
		return AuthToken{}, errs.Wrap(errs.KindAuth, "creating authentication request", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return AuthToken{}, errs.Wrap(errs.KindAuth, describeTransportFailure("authentication request", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AuthToken{}, a.authStatusError(resp)
	}

	body, err := a.guard.ReadText(resp, a.guard.Limits().TextBytes)
	if err != nil {
		return AuthToken{}, errs.Wrap(errs.KindAuth, "reading authentication response", err)
	}

	token := strings.Trim(strings.TrimSpace(body), `"`)
	if token == "" {
		return AuthToken{}, errs.New(errs.KindAuth, "authentication succeeded but returned an empty token")
	}

	expiry := a.expiryFromClaims(token)

	a.logger.Debug("authenticated with Xray", slog.Time("expiry", expiry))

	return AuthToken{Token: token, Expiry: expiry}, nil
}

// authStatusError maps a non-200 authentication response to an
// auth-kind error. The body is read through the guard so even error
// responses are size-capped.
func (a *Authenticator) authStatusError(resp *http.Response) error {
	body, readErr := a.guard.ReadText(resp, a.guard.Limits().TextBytes)
	if readErr != nil {
		body = fmt.Sprintf("(unreadable body: %v)", readErr)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errs.Newf(errs.KindAuth, "authentication rejected as malformed (400): %s", body).WithStatus(resp.StatusCode)
	case http.StatusUnauthorized:
		return errs.Newf(errs.KindAuth, "invalid Xray credentials (401): %s", body).WithStatus(resp.StatusCode)
	case http.StatusInternalServerError:
		return errs.Newf(errs.KindAuth, "Xray authentication server fault (500): %s", body).WithStatus(resp.StatusCode)
	default:
		return errs.Newf(errs.KindAuth, "authentication failed with status %d: %s", resp.StatusCode, body).WithStatus(resp.StatusCode)
	}
}

// expiryFromClaims decodes the token's exp claim without verifying the
// signature (the signing key is not available to the client). When the
// claims cannot be decoded, a conservative one-hour window applies.
func (a *Authenticator) expiryFromClaims(token string) time.Time {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		a.logger.Debug("could not decode token claims, assuming 1h validity", slog.String("error", err.Error()))
		return a.now().Add(fallbackValidity)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		a.logger.Debug("token has no readable exp claim, assuming 1h validity")
		return a.now().Add(fallbackValidity)
	}

	return exp.Time
}

// GetValidToken returns the cached token when it is still outside the
// expiry buffer; otherwise it refreshes. N concurrent callers racing an
// expired token produce exactly one authentication call, and all N
// receive the same token or the same failure.
func (a *Authenticator) GetValidToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if !a.isExpiredLocked() {
		token := a.token.Token
		a.mu.Unlock()

		return token, nil
	}
	a.mu.Unlock()

	v, err, _ := a.refresh.Do("token", func() (any, error) {
		// A caller that waited on an in-flight refresh finds the fresh
		// token here instead of starting a second refresh.
		a.mu.Lock()
		if !a.isExpiredLocked() {
			token := a.token.Token
			a.mu.Unlock()

			return token, nil
		}
		a.mu.Unlock()

		fresh, err := a.Authenticate(ctx)
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		a.token = fresh
		a.mu.Unlock()

		return fresh.Token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// IsExpired reports whether the current token is missing, past its
// expiry, or within the expiry buffer of it.
func (a *Authenticator) IsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.isExpiredLocked()
}

func (a *Authenticator) isExpiredLocked() bool {
	if a.token.Token == "" || a.token.Expiry.IsZero() {
		return true
	}

	// A token expiring exactly at the buffer boundary counts as expired.
	return !a.token.Expiry.After(a.now().Add(expiryBuffer))
}

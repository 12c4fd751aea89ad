package dropbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "dropbox-go/0.1"
)

// Production Dropbox Core API servers.
const (
	DefaultAPIServer     = "https://api.dropbox.com/1"
	DefaultContentServer = "https://api-content.dropbox.com/1"
	DefaultAuthServer    = "https://www.dropbox.com/1"
	DefaultNotifyServer  = "https://api-notify.dropbox.com/1"
)

// ServerConfig overrides the API endpoints, typically for tests or
// enterprise proxies. Zero fields keep the production defaults.
type ServerConfig struct {
	API     string
	Content string
	Auth    string
	Notify  string
}

func defaultServers() ServerConfig {
	return ServerConfig{
		API:     DefaultAPIServer,
		Content: DefaultContentServer,
		Auth:    DefaultAuthServer,
		Notify:  DefaultNotifyServer,
	}
}

func (sc *ServerConfig) applyDefaults() {
	defaults := defaultServers()

	if sc.API == "" {
		sc.API = defaults.API
	}

	if sc.Content == "" {
		sc.Content = defaults.Content
	}

	if sc.Auth == "" {
		sc.Auth = defaults.Auth
	}

	if sc.Notify == "" {
		sc.Notify = defaults.Notify
	}
}

// Config carries the client construction options.
type Config struct {
	// Key is the Dropbox application key. Required.
	Key string

	// Secret is the application secret. Omit for public clients.
	Secret string

	// Driver integrates the authorize redirect; required for interactive
	// authentication.
	Driver Driver

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	Servers ServerConfig
}

// Client is an authenticated Dropbox Core API client. It owns a
// CredentialStore, drives the authorization state machine (Authenticate),
// and dispatches signed requests with retry and error classification.
type Client struct {
	creds      *CredentialStore
	driver     Driver
	httpClient *http.Client
	logger     *slog.Logger

	// OnAuthStepChange fires with the client whenever the auth step
	// changes. OnError fires with the classification of every failed
	// dispatch. OnRequest fires with the prepared request immediately
	// before send; any listener returning false blocks the send.
	OnAuthStepChange Event[*Client]
	OnError          Event[*AuthError]
	OnRequest        CancelableEvent[*http.Request]

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// authInFlight is the re-entrancy guard: at most one step-dispatch
	// loop may be active per client.
	authInFlight atomic.Bool

	// stepMu guards the forced-step override and the stored auth error.
	// When forced is set, the step is not derivable from the credential
	// fields (terminal StepError, transitional StepSignedOff).
	stepMu     sync.Mutex
	forced     bool
	forcedStep AuthStep
	authErr    *AuthError
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		creds:      NewCredentialStore(cfg.Key, cfg.Secret, cfg.Servers),
		driver:     cfg.Driver,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// CredentialStore returns the client's credential store.
func (c *Client) CredentialStore() *CredentialStore {
	return c.creds
}

// Credentials returns the current credential snapshot.
func (c *Client) Credentials() Credentials {
	return c.creds.Credentials()
}

// SetCredentials replaces the client's credentials, clears any forced
// step, and fires the step-change event if the derived step changed.
func (c *Client) SetCredentials(creds Credentials) error {
	prev := c.Step()

	if err := c.creds.SetCredentials(creds); err != nil {
		return err
	}

	c.stepMu.Lock()
	c.forced = false
	c.authErr = nil
	c.stepMu.Unlock()

	if c.Step() != prev {
		c.OnAuthStepChange.Dispatch(c)
	}

	return nil
}

// Step returns the current authorization step: the forced step after an
// explicit transition to StepError or StepSignedOff, otherwise the step
// derived from the credential fields.
func (c *Client) Step() AuthStep {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	if c.forced {
		return c.forcedStep
	}

	return c.creds.Step()
}

// IsAuthenticated reports whether the client holds a usable access token.
func (c *Client) IsAuthenticated() bool {
	return c.Step() == StepDone
}

// UID returns the authenticated user's Dropbox ID, if known.
func (c *Client) UID() string {
	return c.creds.UID()
}

// AuthError returns the error that moved the client to StepError, if any.
func (c *Client) AuthError() *AuthError {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	return c.authErr
}

// Reset clears the credentials (keeping application key and secret) and
// any forced step, returning the client to StepReset. This is the only way
// out of StepError. Fires the step-change event if the step changed.
func (c *Client) Reset() {
	prev := c.Step()

	c.creds.Reset()

	c.stepMu.Lock()
	c.forced = false
	c.authErr = nil
	c.stepMu.Unlock()

	if c.Step() != prev {
		c.OnAuthStepChange.Dispatch(c)
	}
}

// forceStep overrides the derived step, stores the triggering error for
// StepError, fires the step-change event, and runs the driver's
// StepObserver hook. The credential fields are left untouched; the machine
// or a Reset resolves the override later.
func (c *Client) forceStep(ctx context.Context, step AuthStep, authErr *AuthError) {
	c.stepMu.Lock()
	c.forced = true
	c.forcedStep = step
	c.authErr = authErr
	c.stepMu.Unlock()

	c.logger.Debug("auth step forced",
		slog.String("step", step.String()),
	)

	c.OnAuthStepChange.Dispatch(c)

	if obs, ok := c.driver.(StepObserver); ok {
		if err := obs.OnAuthStepChange(ctx, c); err != nil {
			c.logger.Warn("driver step-change hook failed",
				slog.String("step", step.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// clearForced drops the forced-step override. Used by the machine when it
// consumes StepSignedOff.
func (c *Client) clearForced() {
	c.stepMu.Lock()
	c.forced = false
	c.stepMu.Unlock()
}

// Request describes one API call for Dispatch. Params are form-encoded
// into the query string for GET/HEAD and into the body otherwise. Body, if
// set, is streamed as-is and disables retries (it cannot be replayed).
type Request struct {
	Method string
	URL    string
	Params url.Values
	Header http.Header
	Body   io.Reader

	// AllowCache signs via the query string so intermediate caches can
	// serve repeated reads. Leave false for polling-safe requests.
	AllowCache bool
}

// Dispatch signs req, publishes the cancelable pre-send event, sends with
// retry and backoff, and classifies the outcome. A blocked request returns
// ErrRequestBlocked without invoking any transport. An InvalidToken
// response while the client is at StepDone forces the auth step to
// StepError before OnError fires and the error returns.
// The caller owns the response body on success.
func (c *Client) Dispatch(ctx context.Context, req *Request) (*http.Response, error) {
	var attempt int
	for {
		resp, err := c.dispatchOnce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dropbox: request canceled: %w", ctx.Err())
			}

			if err == ErrRequestBlocked {
				c.logger.Debug("request blocked by listener",
					slog.String("method", req.Method),
					slog.String("url", req.URL),
				)

				return nil, err
			}

			// Transport errors are retryable unless the body is a stream.
			if req.Body == nil && attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.Method),
					slog.String("url", req.URL),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("dropbox: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, c.fail(ctx, &AuthError{Response: err.Error(), Err: ErrNetwork})
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.Method),
				slog.String("url", req.URL),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && req.Body == nil && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.Method),
				slog.String("url", req.URL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("dropbox: request canceled: %w", err)
			}

			attempt++

			continue
		}

		authErr := &AuthError{
			StatusCode: resp.StatusCode,
			Response:   string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", req.Method),
				slog.String("url", req.URL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, c.fail(ctx, authErr)
	}
}

// fail applies the failure side effects in their required order: an
// invalidated token first forces the machine into StepError (so credential
// state is authoritative), then the error notification fires, then the
// error surfaces to the caller.
func (c *Client) fail(ctx context.Context, authErr *AuthError) error {
	if authErr.Err == ErrInvalidToken && c.Step() == StepDone {
		c.forceStep(ctx, StepError, authErr)
	}

	c.OnError.Dispatch(authErr)

	return authErr
}

// dispatchOnce builds, signs, and sends a single request (no retry).
func (c *Client) dispatchOnce(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	c.creds.Sign(httpReq, req.AllowCache)

	if !c.OnRequest.Dispatch(httpReq) {
		return nil, ErrRequestBlocked
	}

	return c.httpClient.Do(httpReq)
}

// buildRequest constructs the http.Request for one attempt. Params go into
// the query string for bodyless methods and into a form body otherwise,
// except when a content stream is supplied.
func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	urlStr := req.URL
	body := req.Body
	contentType := ""

	params := req.Params

	switch {
	case len(params) == 0:
	case req.Method == http.MethodGet || req.Method == http.MethodHead || req.Body != nil:
		sep := "?"
		if strings.Contains(urlStr, "?") {
			sep = "&"
		}

		urlStr += sep + params.Encode()
	default:
		body = strings.NewReader(params.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("dropbox: creating request: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	return httpReq, nil
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

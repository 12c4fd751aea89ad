package dropbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenExchangeJSON is the canonical token endpoint response for tests.
const tokenExchangeJSON = `{"access_token": "tok", "token_type": "bearer", "uid": "42"}`

// scriptedDriver implements Driver with pluggable behavior. Optional
// capabilities are added by the embedding types below.
type scriptedDriver struct {
	authType   string
	redirect   string
	authorize  func(authorizeURL, state string) (url.Values, error)
	authorizes int
}

func (d *scriptedDriver) AuthType() string {
	if d.authType == "" {
		return AuthTypeCode
	}

	return d.authType
}

func (d *scriptedDriver) URL() string {
	if d.redirect == "" {
		return "https://app.example.com/oauth"
	}

	return d.redirect
}

func (d *scriptedDriver) DoAuthorize(_ context.Context, authorizeURL, state string, _ *Client) (url.Values, error) {
	d.authorizes++

	if d.authorize == nil {
		return url.Values{"code": {"abc"}, "uid": {"42"}, "state": {state}}, nil
	}

	return d.authorize(authorizeURL, state)
}

// observerDriver additionally records step-change notifications.
type observerDriver struct {
	scriptedDriver

	steps   []AuthStep
	stepErr error
}

func (d *observerDriver) OnAuthStepChange(_ context.Context, client *Client) error {
	d.steps = append(d.steps, client.Step())

	return d.stepErr
}

// resumingDriver additionally supports resuming a loaded redirect.
type resumingDriver struct {
	scriptedDriver

	resume  func(state string) (url.Values, error)
	resumes int
}

func (d *resumingDriver) ResumeAuthorize(_ context.Context, state string, _ *Client) (url.Values, error) {
	d.resumes++

	return d.resume(state)
}

// sourcedDriver additionally mints its own state parameter.
type sourcedDriver struct {
	scriptedDriver

	state string
}

func (d *sourcedDriver) StateParam(_ context.Context, _ *Client) (string, error) {
	return d.state, nil
}

// newAuthTestClient builds a client whose API server is a mock token
// endpoint. tokenHandler defaults to returning tokenExchangeJSON.
func newAuthTestClient(t *testing.T, driver Driver, tokenHandler http.HandlerFunc) (*Client, *int) {
	t.Helper()

	var tokenCalls int

	handler := tokenHandler
	if handler == nil {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(tokenExchangeJSON))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		handler(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{
		Key:    "app-key",
		Secret: "app-secret",
		Driver: driver,
		Servers: ServerConfig{
			API:     srv.URL,
			Content: srv.URL,
			Auth:    srv.URL,
			Notify:  srv.URL,
		},
	})
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c, &tokenCalls
}

func TestAuthenticate_NonInteractiveFreshClient(t *testing.T) {
	driver := &observerDriver{}
	c, tokenCalls := newAuthTestClient(t, driver, nil)

	var events int
	c.OnAuthStepChange.AddListener(func(*Client) { events++ })

	err := c.Authenticate(context.Background(), &AuthOptions{Interactive: false})
	require.NoError(t, err)

	assert.Equal(t, StepReset, c.Step())
	assert.Zero(t, driver.authorizes, "no driver authorize calls")
	assert.Empty(t, driver.steps, "no driver step notifications")
	assert.Zero(t, *tokenCalls, "no network calls")
	assert.Zero(t, events)
}

func TestAuthenticate_FullCodeFlow(t *testing.T) {
	driver := &observerDriver{}
	c, tokenCalls := newAuthTestClient(t, driver, nil)

	var eventSteps []AuthStep
	c.OnAuthStepChange.AddListener(func(cl *Client) { eventSteps = append(eventSteps, cl.Step()) })

	err := c.Authenticate(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StepDone, c.Step())
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, "42", c.UID())
	assert.Equal(t, "tok", c.Credentials().Token)
	assert.Equal(t, 1, driver.authorizes)
	assert.Equal(t, 1, *tokenCalls)

	// Reset → ParamSet → Authorized → Done, observed by both the event
	// and the driver hook.
	assert.Equal(t, []AuthStep{StepParamSet, StepAuthorized, StepDone}, eventSteps)
	assert.Equal(t, eventSteps, driver.steps)
}

func TestAuthenticate_ImplicitGrant(t *testing.T) {
	driver := &scriptedDriver{
		authType: AuthTypeToken,
		authorize: func(_, state string) (url.Values, error) {
			return url.Values{"access_token": {"tok2"}, "uid": {"7"}, "state": {state}}, nil
		},
	}
	c, tokenCalls := newAuthTestClient(t, driver, nil)

	require.NoError(t, c.Authenticate(context.Background(), nil))
	assert.Equal(t, StepDone, c.Step())
	assert.Equal(t, "tok2", c.Credentials().Token)
	assert.Equal(t, "7", c.UID())
	assert.Zero(t, *tokenCalls, "implicit grant skips the token exchange")
}

func TestAuthenticate_IdempotentWhenDone(t *testing.T) {
	driver := &scriptedDriver{}
	c, tokenCalls := newAuthTestClient(t, driver, nil)

	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", Token: "tok", UID: "42"}))
	require.Equal(t, StepDone, c.Step())

	require.NoError(t, c.Authenticate(context.Background(), nil))
	assert.Zero(t, driver.authorizes)
	assert.Zero(t, *tokenCalls)
}

func TestAuthenticate_NoDriver(t *testing.T) {
	c := New(Config{Key: "app-key"})

	err := c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoDriver)
}

func TestAuthenticate_NoDriverButDone(t *testing.T) {
	c := New(Config{Key: "app-key"})
	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", Token: "tok"}))

	assert.NoError(t, c.Authenticate(context.Background(), nil))
}

func TestAuthenticate_ErrorStateRequiresReset(t *testing.T) {
	driver := &scriptedDriver{
		authorize: func(_, _ string) (url.Values, error) {
			return url.Values{"error": {"access_denied"}}, nil
		},
	}
	c, _ := newAuthTestClient(t, driver, nil)

	err := c.Authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserCanceled)
	assert.Equal(t, StepError, c.Step())

	// A second call is synchronous misuse until Reset.
	err = c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAuthErrorState)

	c.Reset()
	assert.Equal(t, StepReset, c.Step())
	assert.Nil(t, c.AuthError())
}

func TestAuthenticate_RedirectUserCanceled(t *testing.T) {
	driver := &observerDriver{}
	driver.authorize = func(_, _ string) (url.Values, error) {
		return url.Values{"error": {"access_denied"}, "error_description": {"user said no"}}, nil
	}
	c, _ := newAuthTestClient(t, driver, nil)

	err := c.Authenticate(context.Background(), nil)
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, authErr, ErrUserCanceled)
	assert.Contains(t, authErr.Response, "user said no")

	// The driver observed the forced transition to StepError.
	require.NotEmpty(t, driver.steps)
	assert.Equal(t, StepError, driver.steps[len(driver.steps)-1])
}

func TestAuthenticate_StateMismatch(t *testing.T) {
	driver := &scriptedDriver{
		authorize: func(_, _ string) (url.Values, error) {
			return url.Values{"code": {"abc"}, "state": {"forged"}}, nil
		},
	}
	c, _ := newAuthTestClient(t, driver, nil)

	err := c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StepError, c.Step())
}

func TestAuthenticate_TokenExchangeFailure(t *testing.T) {
	driver := &scriptedDriver{}
	c, _ := newAuthTestClient(t, driver, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant"}`))
	})

	err := c.Authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Equal(t, StepError, c.Step())

	stored := c.AuthError()
	require.NotNil(t, stored)
	assert.Equal(t, http.StatusBadRequest, stored.StatusCode)
}

func TestAuthenticate_DriverStateParamSource(t *testing.T) {
	driver := &sourcedDriver{state: "driver-chosen-state"}

	var sawState string
	driver.authorize = func(_, state string) (url.Values, error) {
		sawState = state

		return url.Values{"code": {"abc"}, "state": {state}}, nil
	}

	c, _ := newAuthTestClient(t, driver, nil)

	require.NoError(t, c.Authenticate(context.Background(), nil))
	assert.Equal(t, "driver-chosen-state", sawState)
}

func TestAuthenticate_ParamLoadedDemotesWithoutResumer(t *testing.T) {
	driver := &scriptedDriver{}
	c, _ := newAuthTestClient(t, driver, nil)

	// Credentials with a state parameter restored from persistence.
	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", StateParam: "persisted"}))
	require.Equal(t, StepParamLoaded, c.Step())

	require.NoError(t, c.Authenticate(context.Background(), nil))
	assert.Equal(t, StepDone, c.Step())
	assert.Equal(t, 1, driver.authorizes, "demoted to the normal redirect path")
}

func TestAuthenticate_ParamLoadedResumes(t *testing.T) {
	driver := &resumingDriver{}
	driver.resume = func(state string) (url.Values, error) {
		return url.Values{"code": {"resumed"}, "uid": {"42"}, "state": {state}}, nil
	}

	c, _ := newAuthTestClient(t, driver, nil)

	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", StateParam: "persisted"}))

	require.NoError(t, c.Authenticate(context.Background(), nil))
	assert.Equal(t, StepDone, c.Step())
	assert.Equal(t, 1, driver.resumes)
	assert.Zero(t, driver.authorizes, "resume path skips DoAuthorize")
}

func TestAuthenticate_ReentrancyGuard(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})

	driver := &scriptedDriver{}
	driver.authorize = func(_, state string) (url.Values, error) {
		close(blocked)
		<-release

		return url.Values{"code": {"abc"}, "state": {state}}, nil
	}

	c, _ := newAuthTestClient(t, driver, nil)

	done := make(chan error, 1)
	go func() { done <- c.Authenticate(context.Background(), nil) }()

	<-blocked

	// Second call while the first sits inside the redirect.
	err := c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAuthInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StepDone, c.Step())
}

func TestAuthenticate_DriverHookErrorAborts(t *testing.T) {
	driver := &observerDriver{stepErr: errors.New("persist failed")}
	c, _ := newAuthTestClient(t, driver, nil)

	err := c.Authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist failed")
}

func TestSignOut_ReentersResetOnNextRun(t *testing.T) {
	driver := &scriptedDriver{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /disable_access_token", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{}")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{
		Key:     "app-key",
		Driver:  driver,
		Servers: ServerConfig{API: srv.URL, Content: srv.URL, Auth: srv.URL, Notify: srv.URL},
	})

	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", Token: "tok"}))

	var events int
	c.OnAuthStepChange.AddListener(func(*Client) { events++ })

	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, StepSignedOff, c.Step())
	assert.Equal(t, 1, events, "sign-off fires one step change")

	// Non-interactive re-entry falls through SignedOff→Reset silently.
	require.NoError(t, c.Authenticate(context.Background(), &AuthOptions{Interactive: false}))
	assert.Equal(t, StepReset, c.Step())
	assert.Equal(t, 1, events, "the SignedOff→Reset hop is suppressed")
	assert.Empty(t, c.Credentials().Token)
}

func TestReset_FromDone(t *testing.T) {
	c := New(Config{Key: "app-key"})
	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", Token: "tok", UID: "42"}))
	require.Equal(t, StepDone, c.Step())

	var events int
	c.OnAuthStepChange.AddListener(func(*Client) { events++ })

	c.Reset()

	assert.Equal(t, StepReset, c.Step())
	assert.Equal(t, 1, events)
	assert.Empty(t, c.Credentials().Token)
	assert.Equal(t, "app-key", c.Credentials().Key, "application key survives reset")
}

func TestAuthorizeURL(t *testing.T) {
	driver := &scriptedDriver{redirect: "https://app.example.com/cb"}
	c := New(Config{Key: "app-key", Driver: driver})

	u, err := url.Parse(c.AuthorizeURL("state-123"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "app-key", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "https://app.example.com/cb", q.Get("redirect_uri"))
	assert.Contains(t, u.Path, "/oauth2/authorize")
}

package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// AuthOptions configures an Authenticate run. A nil *AuthOptions means
// interactive authentication.
type AuthOptions struct {
	// Interactive permits the driver to send the user through the
	// authorize redirect. When false, Authenticate only uses credentials
	// already held: it returns successfully without advancing past
	// StepReset or StepParamSet, performing no driver or network calls.
	Interactive bool
}

// stepUnknown marks "no previous iteration" inside the dispatch loop.
const stepUnknown AuthStep = -1

// Authenticate drives the authorization state machine until the client is
// authenticated (StepDone), the run stops early (non-interactive), or a
// step fails (StepError, returning the captured error).
//
// Misuse is reported synchronously: ErrNoDriver when no driver is set and
// the client is not already authenticated, ErrAuthErrorState while the
// client sits at StepError (call Reset first), and ErrAuthInFlight when
// another run is active on this client.
func (c *Client) Authenticate(ctx context.Context, opts *AuthOptions) error {
	interactive := opts == nil || opts.Interactive

	step := c.Step()
	if step == StepError {
		return ErrAuthErrorState
	}

	if c.driver == nil && step != StepDone {
		return ErrNoDriver
	}

	if !c.authInFlight.CompareAndSwap(false, true) {
		return ErrAuthInFlight
	}
	defer c.authInFlight.Store(false)

	return c.runSteps(ctx, interactive)
}

// runSteps is the step-dispatch loop. Each iteration recomputes the step,
// notifies on changes since the previous iteration, and acts. Successor
// steps are recomputed rather than table-driven because the redirect and
// the token exchange must complete before the next step is knowable.
func (c *Client) runSteps(ctx context.Context, interactive bool) error {
	prev := stepUnknown

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dropbox: authentication canceled: %w", err)
		}

		step := c.Step()

		if step != prev {
			// The synthetic SignedOff→Reset hop is silent; reporting it
			// would double-fire the step-change notifications.
			silent := prev == stepUnknown || (prev == StepSignedOff && step == StepReset)

			if !silent {
				c.OnAuthStepChange.Dispatch(c)

				if err := c.notifyDriverStep(ctx); err != nil {
					return err
				}
			}

			prev = step

			c.logger.Debug("auth step", slog.String("step", step.String()))
		}

		switch step {
		case StepReset:
			if !interactive {
				return nil
			}

			if err := c.stepReset(ctx); err != nil {
				return err
			}

		case StepParamSet:
			if !interactive {
				return nil
			}

			c.stepParamSet(ctx)

		case StepParamLoaded:
			if !interactive {
				return nil
			}

			c.stepParamLoaded(ctx)

		case StepAuthorized:
			c.stepAuthorized(ctx)

		case StepDone:
			return nil

		case StepSignedOff:
			// Reset the credentials without reporting the transient
			// StepReset, then re-enter the loop from StepReset.
			c.clearForced()
			c.creds.Reset()

		case StepError:
			if authErr := c.AuthError(); authErr != nil {
				return authErr
			}

			return ErrAuthErrorState
		}
	}
}

// notifyDriverStep hands control to the driver's step observer, if any, so
// it can persist credentials before the next network action.
func (c *Client) notifyDriverStep(ctx context.Context) error {
	obs, ok := c.driver.(StepObserver)
	if !ok {
		return nil
	}

	if err := obs.OnAuthStepChange(ctx, c); err != nil {
		return fmt.Errorf("dropbox: driver step-change hook: %w", err)
	}

	return nil
}

// stepReset obtains a CSRF state parameter, preferring the driver's own
// source, and stores it, advancing the derived step to StepParamSet.
func (c *Client) stepReset(ctx context.Context) error {
	var (
		state string
		err   error
	)

	if src, ok := c.driver.(StateParamSource); ok {
		state, err = src.StateParam(ctx, c)
	} else {
		state, err = c.creds.RandomStateParam()
	}

	if err != nil {
		return fmt.Errorf("dropbox: obtaining state parameter: %w", err)
	}

	c.creds.SetStateParam(state)

	return nil
}

// stepParamSet sends the user through the authorize redirect and consumes
// the returned parameters.
func (c *Client) stepParamSet(ctx context.Context) {
	state := c.creds.StateParam()
	values, err := c.driver.DoAuthorize(ctx, c.AuthorizeURL(state), state, c)
	c.consumeRedirect(state, values, err)
}

// stepParamLoaded handles a state parameter restored from persisted
// credentials. Drivers that cannot resume get the parameter re-set, which
// demotes the step to StepParamSet and forces the normal redirect path.
func (c *Client) stepParamLoaded(ctx context.Context) {
	resumer, ok := c.driver.(AuthorizeResumer)
	if !ok {
		c.creds.SetStateParam(c.creds.StateParam())

		return
	}

	state := c.creds.StateParam()
	values, err := resumer.ResumeAuthorize(ctx, state, c)
	c.consumeRedirect(state, values, err)
}

// consumeRedirect folds the authorize redirect outcome into the machine:
// a driver failure or an error parameter forces StepError; otherwise the
// authorization code (or implicit-grant token) and user ID advance the
// derived step.
func (c *Client) consumeRedirect(state string, values url.Values, err error) {
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			authErr = &AuthError{Response: err.Error(), Err: ErrOther}
		}

		c.setForcedError(authErr)

		return
	}

	if errParam := values.Get("error"); errParam != "" {
		c.setForcedError(&AuthError{
			Response: errParam + ": " + values.Get("error_description"),
			Err:      ErrUserCanceled,
		})

		return
	}

	if echoed := values.Get("state"); echoed != "" && echoed != state {
		c.setForcedError(&AuthError{
			Response: "state parameter mismatch",
			Err:      ErrInvalidState,
		})

		return
	}

	uid := values.Get("uid")

	if token := values.Get("access_token"); token != "" {
		c.creds.setToken(token, uid)

		return
	}

	code := values.Get("code")
	if code == "" {
		c.setForcedError(&AuthError{
			Response: "redirect carried neither code nor token",
			Err:      ErrInvalidParam,
		})

		return
	}

	c.creds.setAuthCode(code, uid)
}

// stepAuthorized exchanges the authorization code for an access token
// through the dispatcher. Failure captures the error and forces StepError.
func (c *Client) stepAuthorized(ctx context.Context) {
	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {c.creds.authCodeValue()},
		"client_id":    {c.creds.appKey()},
		"redirect_uri": {c.driver.URL()},
	}

	if secret := c.creds.appSecret(); secret != "" {
		params.Set("client_secret", secret)
	}

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.creds.servers.API + "/oauth2/token",
		Params: params,
	})
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			authErr = &AuthError{Response: err.Error(), Err: ErrOther}
		}

		c.setForcedError(authErr)

		return
	}

	defer resp.Body.Close()

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		UID         string `json:"uid"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.setForcedError(&AuthError{
			Response: "decoding token response: " + err.Error(),
			Err:      ErrOther,
		})

		return
	}

	c.creds.setToken(parsed.AccessToken, parsed.UID)
}

// setForcedError records authErr and forces the derived step override to
// StepError without firing notifications; the dispatch loop's change
// detection fires them exactly once.
func (c *Client) setForcedError(authErr *AuthError) {
	c.stepMu.Lock()
	c.forced = true
	c.forcedStep = StepError
	c.authErr = authErr
	c.stepMu.Unlock()
}

// AuthorizeURL builds the authorize endpoint URL for the given state
// parameter, using the driver's response type and redirect target.
func (c *Client) AuthorizeURL(stateParam string) string {
	params := url.Values{
		"client_id":     {c.creds.appKey()},
		"response_type": {c.driver.AuthType()},
		"state":         {stateParam},
		"redirect_uri":  {c.driver.URL()},
	}

	return c.creds.servers.Auth + "/oauth2/authorize?" + params.Encode()
}

// SignOut invalidates the access token server-side and moves the client to
// StepSignedOff; the next Authenticate run falls through to StepReset.
func (c *Client) SignOut(ctx context.Context) error {
	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.creds.servers.API + "/disable_access_token",
	})
	if err != nil {
		return err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.forceStep(ctx, StepSignedOff, nil)

	return nil
}

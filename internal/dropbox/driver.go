package dropbox

import (
	"context"
	"net/url"
)

// OAuth response types requested from the authorize endpoint.
const (
	// AuthTypeCode requests an authorization code that the client
	// exchanges for a token (confidential or PKCE-style applications).
	AuthTypeCode = "code"

	// AuthTypeToken requests a bearer token directly in the redirect
	// fragment (legacy implicit grant).
	AuthTypeToken = "token"
)

// Driver integrates the authorize redirect with the embedding application.
// The client references a driver supplied by the application; it never
// constructs one.
//
// DoAuthorize sends the user to authorizeURL and blocks until the redirect
// back completes, returning the redirect's query values (code or token,
// uid, state, or error/error_description). Cancellation is the context's
// responsibility.
//
// Optional capabilities are expressed as separate interfaces: a driver
// that can mint its own state parameter implements StateParamSource, one
// that can pick up a redirect started by a previous session implements
// AuthorizeResumer, and one that wants to persist credentials between
// steps implements StepObserver.
type Driver interface {
	// AuthType returns the OAuth response type, AuthTypeCode or
	// AuthTypeToken.
	AuthType() string

	// URL returns the redirect target registered for the application.
	URL() string

	DoAuthorize(ctx context.Context, authorizeURL, stateParam string, client *Client) (url.Values, error)
}

// StateParamSource is implemented by drivers that supply their own CSRF
// state parameter, for example one persisted across a page reload. Drivers
// without it get a randomly generated parameter.
type StateParamSource interface {
	StateParam(ctx context.Context, client *Client) (string, error)
}

// AuthorizeResumer is implemented by drivers that can resume an authorize
// redirect started in a previous session, identified by its state
// parameter. Without it, a loaded state parameter is demoted to the normal
// redirect path.
type AuthorizeResumer interface {
	ResumeAuthorize(ctx context.Context, stateParam string, client *Client) (url.Values, error)
}

// StepObserver is implemented by drivers that react to auth step changes,
// typically to persist credentials before the next network action. It is
// called after the step-change event and before the machine acts on the
// new step; returning an error aborts the authentication run.
type StepObserver interface {
	OnAuthStepChange(ctx context.Context, client *Client) error
}

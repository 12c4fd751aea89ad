package dropbox

// AuthStep is the client's position in the OAuth authorization flow.
// Except immediately after a forced transition to StepError or
// StepSignedOff, it is fully derived from the credential fields.
type AuthStep int

const (
	// StepError is the terminal failure state. Left only via Reset.
	StepError AuthStep = iota

	// StepReset means no credentials beyond the application key are held.
	StepReset

	// StepParamSet means a CSRF state parameter was generated this session
	// and the authorize redirect has not completed yet.
	StepParamSet

	// StepParamLoaded means a CSRF state parameter was restored from
	// persisted credentials, so the redirect may be resumable.
	StepParamLoaded

	// StepAuthorized means an authorization code is held and has not been
	// exchanged for an access token yet.
	StepAuthorized

	// StepDone is the terminal success state: an access token is held.
	StepDone

	// StepSignedOff is a transitional state after sign-off; the flow
	// immediately re-enters StepReset without a separate notification.
	StepSignedOff
)

func (s AuthStep) String() string {
	switch s {
	case StepError:
		return "error"
	case StepReset:
		return "reset"
	case StepParamSet:
		return "param_set"
	case StepParamLoaded:
		return "param_loaded"
	case StepAuthorized:
		return "authorized"
	case StepDone:
		return "done"
	case StepSignedOff:
		return "signed_off"
	default:
		return "unknown"
	}
}

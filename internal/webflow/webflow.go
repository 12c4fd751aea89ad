// Package webflow implements the authorization driver for command-line use:
// a localhost HTTP server receives the authorize redirect while the user
// approves the application in a browser.
package webflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/credfile"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// callbackPath is the HTTP path the authorize redirect hits on the local
// server. It must match the redirect URI registered for the application.
const callbackPath = "/callback"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// callbackResult carries the redirect query values or an error from the
// callback handler.
type callbackResult struct {
	values url.Values
	err    error
}

// Options configures a Driver. The zero value is usable.
type Options struct {
	// AuthType selects the OAuth response type, dropbox.AuthTypeCode
	// (default) or dropbox.AuthTypeToken.
	AuthType string

	// OpenURL is called with the authorize URL so the application can
	// launch a browser. When nil, or when it returns an error, the URL is
	// printed to stderr for the user to open manually.
	OpenURL func(string) error

	// CredentialsPath, when set, persists the client's credentials to disk
	// on every auth step change so an interrupted flow can resume.
	CredentialsPath string

	Logger *slog.Logger
}

// Driver runs the authorization code flow over a localhost redirect. It
// binds its listener at construction time so the redirect URL is known
// before the flow starts. The listener serves a single authorize run;
// Close releases it if the flow never ran.
type Driver struct {
	listener net.Listener
	authType string
	openURL  func(string) error
	credPath string
	logger   *slog.Logger
}

// New binds a localhost listener on a random port and returns the driver.
func New(opts *Options) (*Driver, error) {
	if opts == nil {
		opts = &Options{}
	}

	authType := opts.AuthType
	if authType == "" {
		authType = dropbox.AuthTypeCode
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lc := net.ListenConfig{}

	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("webflow: binding localhost listener: %w", err)
	}

	logger.Debug("callback listener bound", slog.String("addr", listener.Addr().String()))

	return &Driver{
		listener: listener,
		authType: authType,
		openURL:  opts.OpenURL,
		credPath: opts.CredentialsPath,
		logger:   logger,
	}, nil
}

// Close releases the callback listener.
func (d *Driver) Close() error {
	return d.listener.Close()
}

// AuthType returns the configured OAuth response type.
func (d *Driver) AuthType() string {
	return d.authType
}

// URL returns the redirect target for the bound listener.
func (d *Driver) URL() string {
	return fmt.Sprintf("http://%s%s", d.listener.Addr().String(), callbackPath)
}

// DoAuthorize opens the browser at authorizeURL and blocks until the
// redirect back arrives or ctx is canceled.
func (d *Driver) DoAuthorize(ctx context.Context, authorizeURL, stateParam string, client *dropbox.Client) (url.Values, error) {
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		d.handleCallback(w, r, stateParam, resultCh)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(d.listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("webflow: callback server error: %w", serveErr)}
		}
	}()

	defer d.shutdownServer(srv)

	d.launchBrowser(authorizeURL)

	return waitForCallback(ctx, resultCh)
}

// OnAuthStepChange persists the client's credentials when a path is
// configured, so an interrupted flow resumes where it left off.
func (d *Driver) OnAuthStepChange(ctx context.Context, client *dropbox.Client) error {
	if d.credPath == "" {
		return nil
	}

	step := client.Step()
	d.logger.Debug("persisting credentials", slog.String("step", step.String()))

	if step == dropbox.StepReset || step == dropbox.StepSignedOff {
		return credfile.Remove(d.credPath)
	}

	if err := credfile.Save(d.credPath, client.Credentials()); err != nil {
		return fmt.Errorf("webflow: persisting credentials: %w", err)
	}

	return nil
}

// fragmentForwarder re-issues the redirect with the URL fragment turned
// into a query string. The implicit grant puts the token after '#', which
// browsers never send to the server, so a page of script has to bounce it
// back.
const fragmentForwarder = `<html><body><script>
location.replace(location.pathname + "?" + location.hash.slice(1));
</script></body></html>`

// handleCallback validates the state echo enough to ignore stray requests,
// then forwards the full query to the waiting flow. Detailed validation
// (code extraction, error params) is the client's job.
func (d *Driver) handleCallback(w http.ResponseWriter, r *http.Request, stateParam string, resultCh chan<- callbackResult) {
	query := r.URL.Query()

	if d.authType == dropbox.AuthTypeToken && len(query) == 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, fragmentForwarder)

		return
	}

	if query.Get("state") != stateParam {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	if errParam := query.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
	} else {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authorization complete</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")
	}

	select {
	case resultCh <- callbackResult{values: query}:
	default:
		// A result is already pending; drop the duplicate redirect.
	}
}

func (d *Driver) shutdownServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the authorize URL. If it fails, prints
// the URL to stderr as a fallback so the user can copy-paste it.
func (d *Driver) launchBrowser(authorizeURL string) {
	d.logger.Info("opening browser for authorization")

	if d.openURL == nil {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authorizeURL)
		return
	}

	if openErr := d.openURL(authorizeURL); openErr != nil {
		d.logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authorizeURL)
	}
}

// waitForCallback blocks until the redirect lands or the context is canceled.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (url.Values, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}

		return result.values, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("webflow: authorization canceled: %w", ctx.Err())
	}
}

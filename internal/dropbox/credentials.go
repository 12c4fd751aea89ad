package dropbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
)

// stateParamBytes is the number of random bytes in a generated CSRF state
// parameter. Using crypto/rand prevents CSRF attacks on the redirect.
const stateParamBytes = 16

// Credentials is a serializable snapshot of a client's OAuth identity.
// It round-trips through SetCredentials / Credentials without loss.
type Credentials struct {
	Key        string `json:"key"`
	Secret     string `json:"secret,omitempty"`
	Token      string `json:"token,omitempty"`
	UID        string `json:"uid,omitempty"`
	StateParam string `json:"oauth_state,omitempty"`

	// Server overrides, present only when they differ from the defaults.
	APIServer     string `json:"api_server,omitempty"`
	ContentServer string `json:"content_server,omitempty"`
	AuthServer    string `json:"auth_server,omitempty"`
	NotifyServer  string `json:"notify_server,omitempty"`
}

// CredentialStore owns the OAuth key/secret/token state for one client,
// signs outgoing requests, and derives the current AuthStep from its
// fields. Snapshots returned by Credentials are recomputed lazily and the
// cache is invalidated on every mutation.
type CredentialStore struct {
	mu sync.Mutex

	key    string
	secret string
	token  string
	uid    string

	// stateParam is the CSRF parameter for an in-flight authorize
	// redirect. stateLoaded records whether it was restored from persisted
	// credentials rather than generated this session.
	stateParam  string
	stateLoaded bool

	// authCode is a pending authorization code awaiting token exchange.
	authCode string

	servers ServerConfig

	cached *Credentials
}

// NewCredentialStore creates a store for the given application key and
// optional secret. servers supplies non-default API endpoints; zero fields
// fall back to the production Dropbox servers.
func NewCredentialStore(key, secret string, servers ServerConfig) *CredentialStore {
	servers.applyDefaults()

	return &CredentialStore{
		key:     key,
		secret:  secret,
		servers: servers,
	}
}

// Sign attaches OAuth authorization to req. By default the bearer token
// travels in the Authorization header, which also defeats intermediate
// HTTP caches because the header varies per user. With allowCache the
// token moves into the query string instead, so repeated reads of the
// same URL can be served from a cache.
func (s *CredentialStore) Sign(req *http.Request, allowCache bool) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token == "" {
		return
	}

	if allowCache {
		q := req.URL.Query()
		q.Set("authorization", "Bearer "+token)
		req.URL.RawQuery = q.Encode()

		return
	}

	req.Header.Set("Authorization", "Bearer "+token)
}

// Credentials returns a snapshot of the store's state. The snapshot is
// cached until the next mutation.
func (s *CredentialStore) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		s.cached = s.computeCredentials()
	}

	return *s.cached
}

// computeCredentials builds a fresh snapshot. Caller holds s.mu.
func (s *CredentialStore) computeCredentials() *Credentials {
	c := &Credentials{
		Key:        s.key,
		Secret:     s.secret,
		Token:      s.token,
		UID:        s.uid,
		StateParam: s.stateParam,
	}

	defaults := defaultServers()
	if s.servers.API != defaults.API {
		c.APIServer = s.servers.API
	}

	if s.servers.Content != defaults.Content {
		c.ContentServer = s.servers.Content
	}

	if s.servers.Auth != defaults.Auth {
		c.AuthServer = s.servers.Auth
	}

	if s.servers.Notify != defaults.Notify {
		c.NotifyServer = s.servers.Notify
	}

	return c
}

// SetCredentials atomically replaces the store's fields from a snapshot.
// The snapshot must carry the same application key the store was built
// with; a missing or different key returns ErrKeyMismatch.
func (s *CredentialStore) SetCredentials(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Key == "" || (s.key != "" && c.Key != s.key) {
		return fmt.Errorf("%w: got %q", ErrKeyMismatch, c.Key)
	}

	s.key = c.Key
	if c.Secret != "" {
		s.secret = c.Secret
	}

	s.token = c.Token
	s.uid = c.UID
	s.stateParam = c.StateParam
	// An externally supplied state parameter was by definition not
	// generated this session.
	s.stateLoaded = c.StateParam != ""
	s.authCode = ""

	if c.APIServer != "" {
		s.servers.API = c.APIServer
	}

	if c.ContentServer != "" {
		s.servers.Content = c.ContentServer
	}

	if c.AuthServer != "" {
		s.servers.Auth = c.AuthServer
	}

	if c.NotifyServer != "" {
		s.servers.Notify = c.NotifyServer
	}

	s.cached = nil

	return nil
}

// Reset clears the token, state parameter, pending authorization code, and
// user ID. The application key and secret are kept.
func (s *CredentialStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	s.uid = ""
	s.stateParam = ""
	s.stateLoaded = false
	s.authCode = ""
	s.cached = nil
}

// Step derives the authorization step from the current fields. It has no
// side effects.
func (s *CredentialStore) Step() AuthStep {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.token != "":
		return StepDone
	case s.authCode != "":
		return StepAuthorized
	case s.stateParam != "" && s.stateLoaded:
		return StepParamLoaded
	case s.stateParam != "":
		return StepParamSet
	default:
		return StepReset
	}
}

// SetStateParam records value as the CSRF state parameter for the current
// authorize attempt. The parameter counts as generated this session, so
// the derived step becomes StepParamSet.
func (s *CredentialStore) SetStateParam(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateParam = value
	s.stateLoaded = false
	s.cached = nil
}

// StateParam returns the current CSRF state parameter, if any.
func (s *CredentialStore) StateParam() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stateParam
}

// RandomStateParam generates a cryptographically random state parameter.
// It does not store the value.
func (s *CredentialStore) RandomStateParam() (string, error) {
	b := make([]byte, stateParamBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("dropbox: generating state parameter: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// AppHash returns a stable identifier derived from the application key.
// Drivers use it to namespace persisted credentials without exposing the
// key itself.
func (s *CredentialStore) AppHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256([]byte(s.key))

	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// UID returns the authenticated user's Dropbox ID, if known.
func (s *CredentialStore) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.uid
}

// setUID records the authenticated user's ID from an API response.
func (s *CredentialStore) setUID(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uid == "" || uid == s.uid {
		return
	}

	s.uid = uid
	s.cached = nil
}

// setAuthCode records an authorization code returned by the redirect and
// clears the consumed state parameter.
func (s *CredentialStore) setAuthCode(code, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCode = code
	s.stateParam = ""
	s.stateLoaded = false

	if uid != "" {
		s.uid = uid
	}

	s.cached = nil
}

// authCodeValue returns the pending authorization code.
func (s *CredentialStore) authCodeValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.authCode
}

// setToken records an access token obtained from the token endpoint and
// clears the consumed authorization code.
func (s *CredentialStore) setToken(token, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.authCode = ""
	s.stateParam = ""
	s.stateLoaded = false

	if uid != "" {
		s.uid = uid
	}

	s.cached = nil
}

// appKey returns the configured application key.
func (s *CredentialStore) appKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.key
}

// appSecret returns the configured application secret.
func (s *CredentialStore) appSecret() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.secret
}

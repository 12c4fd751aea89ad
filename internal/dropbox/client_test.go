package dropbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDispatchTestClient builds an authenticated client pointed at a test
// server running handler. Retries run without real delays.
func newDispatchTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		Key:     "app-key",
		Servers: ServerConfig{API: srv.URL, Content: srv.URL, Auth: srv.URL, Notify: srv.URL},
	})
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	require.NoError(t, c.SetCredentials(Credentials{Key: "app-key", Token: "tok", UID: "42"}))

	return c, srv
}

func TestDispatch_SignsWithBearerHeader(t *testing.T) {
	var gotAuth string
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/account/info"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestDispatch_CacheableSignsViaQuery(t *testing.T) {
	var gotAuth, gotQuery string
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("authorization")
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Dispatch(context.Background(), &Request{
		Method:     http.MethodGet,
		URL:        srv.URL + "/thumbnails/auto/a.png",
		AllowCache: true,
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, gotAuth)
	assert.Equal(t, "Bearer tok", gotQuery)
}

func TestDispatch_InvalidTokenForcesErrorStep(t *testing.T) {
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "The given OAuth 2 access token doesn't exist"}`))
	}))

	// Record the step observed at each notification so ordering is
	// checkable: the forced transition must land before OnError fires
	// and before Dispatch returns.
	var sequence []string
	c.OnAuthStepChange.AddListener(func(cl *Client) {
		sequence = append(sequence, "step:"+cl.Step().String())
	})
	c.OnError.AddListener(func(e *AuthError) {
		sequence = append(sequence, "error:"+c.Step().String())
	})

	require.Equal(t, StepDone, c.Step())

	_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/account/info"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, StepError, c.Step())
	assert.Equal(t, []string{"step:error", "error:error"}, sequence)

	stored := c.AuthError()
	require.NotNil(t, stored)
	assert.Equal(t, http.StatusUnauthorized, stored.StatusCode)
}

func TestDispatch_InvalidTokenOutsideDoneLeavesStep(t *testing.T) {
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	c.Reset()
	require.Equal(t, StepReset, c.Step())

	_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, StepReset, c.Step(), "only StepDone is demoted")
}

func TestDispatch_VetoBlocksSend(t *testing.T) {
	var sends int
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sends++
		w.WriteHeader(http.StatusOK)
	}))

	var errorEvents int
	c.OnError.AddListener(func(*AuthError) { errorEvents++ })

	c.OnRequest.AddListener(func(*http.Request) bool { return false })

	// The upstream implementation silently dropped vetoed requests;
	// surfacing ErrRequestBlocked instead is the documented deviation.
	_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
	assert.ErrorIs(t, err, ErrRequestBlocked)
	assert.Zero(t, sends, "the transport is never reached")
	assert.Zero(t, errorEvents, "a veto is not a request failure")
}

func TestDispatch_VetoShortCircuitsListeners(t *testing.T) {
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var later int
	c.OnRequest.AddListener(func(*http.Request) bool { return false })
	c.OnRequest.AddListener(func(*http.Request) bool { later++; return true })

	_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
	assert.ErrorIs(t, err, ErrRequestBlocked)
	assert.Zero(t, later, "listeners after the veto never run")
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatch_NoRetryForStreamedBody(t *testing.T) {
	var calls atomic.Int32
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Dispatch(context.Background(), &Request{
		Method: http.MethodPut,
		URL:    srv.URL + "/files_put/auto/a.txt",
		Body:   strings.NewReader("content"),
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a consumed stream cannot be replayed")
}

func TestDispatch_ClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, ErrInvalidParam},
		{"unauthorized", http.StatusUnauthorized, ErrInvalidToken},
		{"forbidden", http.StatusForbidden, ErrInvalidState},
		{"not found", http.StatusNotFound, ErrOther},
		{"conflict", http.StatusConflict, ErrOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			c.Reset() // keep classification side-effect free for this test

			_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDispatch_NetworkErrorAfterRetries(t *testing.T) {
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close()

	var reported *AuthError
	c.OnError.AddListener(func(e *AuthError) { reported = e })

	_, err := c.Dispatch(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	require.NotNil(t, reported)
	assert.ErrorIs(t, reported, ErrNetwork)
}

func TestDispatch_FormParamsInBody(t *testing.T) {
	var gotContentType, gotBody string
	c, srv := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		gotBody = r.PostForm.Get("path")
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Dispatch(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/fileops/delete",
		Params: map[string][]string{"path": {"/report.pdf"}},
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "/report.pdf", gotBody)
}

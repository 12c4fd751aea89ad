package dropbox

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelta_InitialPull(t *testing.T) {
	c, _ := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Empty(t, r.PostForm.Get("cursor"))

		fmt.Fprint(w, `{
			"reset": true,
			"cursor": "cursor-1",
			"has_more": true,
			"entries": [
				["/photos", {"path": "/Photos", "is_dir": true, "rev": "1"}],
				["/photos/old.jpg", null]
			]
		}`)
	}))

	page, err := c.Delta(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, page.Reset)
	assert.True(t, page.HasMore)
	assert.Equal(t, "cursor-1", page.Cursor)
	require.Len(t, page.Changes, 2)

	assert.Equal(t, "/photos", page.Changes[0].Path)
	require.NotNil(t, page.Changes[0].Entry)
	assert.Equal(t, "/Photos", page.Changes[0].Entry.Path)
	assert.True(t, page.Changes[0].Entry.IsDir)

	assert.Equal(t, "/photos/old.jpg", page.Changes[1].Path)
	assert.Nil(t, page.Changes[1].Entry, "null metadata means removed")
}

func TestDelta_CursorRoundTrip(t *testing.T) {
	var gotCursor string
	c, _ := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotCursor = r.PostForm.Get("cursor")
		fmt.Fprint(w, `{"cursor": "cursor-2", "has_more": false, "entries": []}`)
	}))

	page, err := c.Delta(context.Background(), "cursor-1")
	require.NoError(t, err)

	assert.Equal(t, "cursor-1", gotCursor)
	assert.Equal(t, "cursor-2", page.Cursor)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.Changes)
}

func TestDelta_MalformedEntry(t *testing.T) {
	c, _ := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cursor": "c", "entries": [["only-path"]]}`)
	}))

	_, err := c.Delta(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed delta entry")
}

func TestLongpoll(t *testing.T) {
	c, _ := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/longpoll_delta", r.URL.Path)
		assert.Equal(t, "cursor-1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "60", r.URL.Query().Get("timeout"))
		fmt.Fprint(w, `{"changes": true, "backoff": 30}`)
	}))

	changes, backoff, err := c.Longpoll(context.Background(), "cursor-1", 60*time.Second)
	require.NoError(t, err)

	assert.True(t, changes)
	assert.Equal(t, 30*time.Second, backoff)
}

func TestLongpoll_ClampsTimeout(t *testing.T) {
	var gotTimeout string
	c, _ := newDispatchTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimeout = r.URL.Query().Get("timeout")
		fmt.Fprint(w, `{"changes": false}`)
	}))

	_, _, err := c.Longpoll(context.Background(), "c", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "30", gotTimeout, "below-minimum timeouts are raised to the floor")

	_, _, err = c.Longpoll(context.Background(), "c", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "480", gotTimeout, "above-maximum timeouts are clamped")
}

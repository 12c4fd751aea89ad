package dropbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_DispatchOrder(t *testing.T) {
	var e Event[int]
	var got []int

	e.AddListener(func(v int) { got = append(got, v*10) })
	e.AddListener(func(v int) { got = append(got, v*100) })

	e.Dispatch(1)
	e.Dispatch(2)

	assert.Equal(t, []int{10, 100, 20, 200}, got)
}

func TestEvent_RemoveListener(t *testing.T) {
	var e Event[string]
	var calls int

	remove := e.AddListener(func(string) { calls++ })
	e.Dispatch("a")

	remove()
	e.Dispatch("b")

	assert.Equal(t, 1, calls)

	// Removing twice is harmless.
	remove()
	e.Dispatch("c")
	assert.Equal(t, 1, calls)
}

func TestCancelableEvent_AllAllow(t *testing.T) {
	var e CancelableEvent[int]

	e.AddListener(func(int) bool { return true })
	e.AddListener(func(int) bool { return true })

	assert.True(t, e.Dispatch(1))
}

func TestCancelableEvent_VetoShortCircuits(t *testing.T) {
	var e CancelableEvent[int]
	var ranLater bool

	e.AddListener(func(int) bool { return false })
	e.AddListener(func(int) bool { ranLater = true; return true })

	assert.False(t, e.Dispatch(1))
	assert.False(t, ranLater, "listeners after the veto never run")
}

func TestCancelableEvent_EmptyAllows(t *testing.T) {
	var e CancelableEvent[struct{}]
	assert.True(t, e.Dispatch(struct{}{}))
}

func TestEvent_ListenerAddedDuringDispatch(t *testing.T) {
	var e Event[int]
	var calls int

	e.AddListener(func(int) {
		e.AddListener(func(int) { calls += 100 })
		calls++
	})

	// The listener added mid-dispatch only runs on the next dispatch.
	e.Dispatch(0)
	assert.Equal(t, 1, calls)

	e.Dispatch(0)
	assert.Equal(t, 102, calls)
}

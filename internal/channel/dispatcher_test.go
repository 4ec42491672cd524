package channel

import (
	"testing"

	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_BroadcastsInRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.OnEvent(func(ev protocol.Event) { calls = append(calls, "a:"+ev.EventName()) })
	d.OnEvent(func(ev protocol.Event) { calls = append(calls, "b:"+ev.EventName()) })

	require.NoError(t, d.Dispatch([]byte(`{"event":"task_list","tasks":[]}`)))
	require.NoError(t, d.Dispatch([]byte(`{"event":"task_created","task":{"id":1}}`)))

	assert.Equal(t, []string{
		"a:task_list", "b:task_list",
		"a:task_created", "b:task_created",
	}, calls)
}

func TestDispatcher_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher()
	delivered := 0
	d.OnEvent(func(protocol.Event) { panic("boom") })
	d.OnEvent(func(protocol.Event) { delivered++ })

	require.NoError(t, d.Dispatch([]byte(`{"event":"task_list"}`)))
	assert.Equal(t, 1, delivered)
}

func TestDispatcher_MalformedFrameIsDropped(t *testing.T) {
	d := NewDispatcher()
	delivered := 0
	d.OnEvent(func(protocol.Event) { delivered++ })

	assert.Error(t, d.Dispatch([]byte(`{broken`)))
	assert.Equal(t, 0, delivered)

	require.NoError(t, d.Dispatch([]byte(`{"event":"task_list"}`)))
	assert.Equal(t, 1, delivered)
}

func TestDispatcher_UnknownEventIsDelivered(t *testing.T) {
	d := NewDispatcher()
	var got protocol.Event
	d.OnEvent(func(ev protocol.Event) { got = ev })

	require.NoError(t, d.Dispatch([]byte(`{"event":"presence","user":3}`)))
	assert.Equal(t, protocol.Unknown{Name: "presence"}, got)
}

func TestDispatcher_RemoveHandler(t *testing.T) {
	d := NewDispatcher()
	var a, b int
	idA := d.OnEvent(func(protocol.Event) { a++ })
	d.OnEvent(func(protocol.Event) { b++ })

	assert.True(t, d.RemoveHandler(idA))
	assert.False(t, d.RemoveHandler(idA))
	assert.Equal(t, 1, d.Len())

	require.NoError(t, d.Dispatch([]byte(`{"event":"task_list"}`)))
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

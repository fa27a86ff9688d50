package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeByType(t *testing.T) {
	bus := NewEventBus()
	runs := bus.Subscribe(TypeRunCompleted)
	approvals := bus.Subscribe(TypeApprovalRequested)

	bus.Emit(TypeRunCompleted, "/orchestrator", "run-1", map[string]interface{}{"status": "completed"})

	e := recvEvent(t, runs)
	assert.Equal(t, TypeRunCompleted, e.Type)
	assert.Equal(t, "run-1", e.Subject)
	assert.Equal(t, "1.0", e.SpecVersion)
	assert.NotEmpty(t, e.ID)

	select {
	case <-approvals:
		t.Fatal("approval subscriber received a run event")
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	all := bus.Subscribe()

	bus.Emit(TypeRunCreated, "/orchestrator", "run-1", nil)
	bus.Emit(TypeKillswitchTripped, "/policy", "deploy", nil)

	assert.Equal(t, TypeRunCreated, recvEvent(t, all).Type)
	assert.Equal(t, TypeKillswitchTripped, recvEvent(t, all).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeRunFailed)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestFullBufferDoesNotBlockPublisher(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeStateWritten)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeStateWritten, "/state", "k", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, TypeStateWritten, recvEvent(t, ch).Type)
}

func TestSSEFormat(t *testing.T) {
	e := NewEvent(TypeRunStarted, "/orchestrator", "run-9", map[string]interface{}{"mode": "deep"})
	frame, err := e.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: run.started\n")
	assert.Contains(t, string(frame), "id: "+e.ID)
	assert.Contains(t, string(frame), `"mode":"deep"`)
}

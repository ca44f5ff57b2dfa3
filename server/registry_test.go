package server

import (
	"sync"
	"testing"
	"time"

	"cpgw/internal"
	"cpgw/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(internal.NewLogger(time.UTC), 300*time.Second)
}

func fakeSocket(id string) (*WebSocket, *fakeConn) {
	conn := newFakeConn()
	return &WebSocket{conn: conn, id: id, protocol: types.SubProtocol16}, conn
}

func TestRegistryAdmitReplacesOlderSession(t *testing.T) {
	registry := newTestRegistry()
	ws1, conn1 := fakeSocket("CP001")
	ws2, conn2 := fakeSocket("CP001")

	replaced := registry.Admit("CP001", ws1)
	assert.False(t, replaced)

	replaced = registry.Admit("CP001", ws2)
	assert.True(t, replaced)
	assert.True(t, conn1.isClosed())
	assert.False(t, conn2.isClosed())

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	assert.Same(t, ws2, client.socket())
	assert.Equal(t, 1, registry.countLive())
}

func TestRegistryLookupUnknown(t *testing.T) {
	registry := newTestRegistry()
	_, err := registry.Lookup("CP001")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRegistryRemoveIgnoresStaleSocket(t *testing.T) {
	registry := newTestRegistry()
	ws1, _ := fakeSocket("CP001")
	ws2, conn2 := fakeSocket("CP001")
	registry.Admit("CP001", ws1)
	registry.Admit("CP001", ws2)

	// disconnect callback of the displaced socket arrives late
	registry.Remove("CP001", ws1)

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	assert.Same(t, ws2, client.socket())
	assert.False(t, conn2.isClosed())
}

func TestRegistryRemoveFailsPendingAndGoesOffline(t *testing.T) {
	registry := newTestRegistry()

	var mux sync.Mutex
	var notified []ChargerState
	registry.SetStateListener(func(id string, state ChargerState) {
		mux.Lock()
		defer mux.Unlock()
		notified = append(notified, state)
	})

	ws, conn := fakeSocket("CP001")
	registry.Admit("CP001", ws)
	registry.SetState("CP001", StateCharging)

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	call := newPendingCall("req-1", "RemoteStopTransaction")
	require.NoError(t, client.addPending(call))

	registry.Remove("CP001", ws)

	assert.True(t, conn.isClosed())
	assert.Equal(t, StateOffline, registry.State("CP001"))
	_, err = registry.Lookup("CP001")
	assert.ErrorIs(t, err, ErrNoSession)

	select {
	case outcome := <-call.Done():
		assert.Equal(t, OutcomeConnectionLost, outcome.Kind)
	default:
		t.Fatal("pending call was not resolved on disconnect")
	}

	mux.Lock()
	defer mux.Unlock()
	assert.Equal(t, []ChargerState{StateCharging, StateOffline}, notified)
}

func TestClientAddPendingRejectsDuplicateId(t *testing.T) {
	registry := newTestRegistry()
	ws, _ := fakeSocket("CP001")
	registry.Admit("CP001", ws)

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	require.NoError(t, client.addPending(newPendingCall("req-1", "Reset")))
	assert.Error(t, client.addPending(newPendingCall("req-1", "Reset")))
}

func TestClientAddPendingWhileOffline(t *testing.T) {
	registry := newTestRegistry()
	ws, _ := fakeSocket("CP001")
	registry.Admit("CP001", ws)
	registry.Remove("CP001", ws)

	client, ok := registry.lookup("CP001")
	require.True(t, ok)
	assert.ErrorIs(t, client.addPending(newPendingCall("req-1", "Reset")), ErrNoSession)
}

func TestClientTakePending(t *testing.T) {
	registry := newTestRegistry()
	ws, _ := fakeSocket("CP001")
	registry.Admit("CP001", ws)

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	call := newPendingCall("req-1", "Reset")
	require.NoError(t, client.addPending(call))

	assert.Same(t, call, client.takePending("req-1"))
	assert.Nil(t, client.takePending("req-1"))
	assert.Nil(t, client.takePending("unknown"))
}

func TestPendingCallResolvesOnce(t *testing.T) {
	call := newPendingCall("req-1", "Reset")
	call.resolve(CallOutcome{Kind: OutcomeResult})
	call.resolve(CallOutcome{Kind: OutcomeTimedOut})
	call.resolve(CallOutcome{Kind: OutcomeConnectionLost})

	outcome := <-call.Done()
	assert.Equal(t, OutcomeResult, outcome.Kind)
	select {
	case <-call.Done():
		t.Fatal("call resolved more than once")
	default:
	}
}

func TestRegistrySweepRemovesSilentSessions(t *testing.T) {
	registry := newTestRegistry()
	ws, conn := fakeSocket("CP001")
	registry.Admit("CP001", ws)
	registry.SetInterval("CP001", 60*time.Second)

	// quiet for less than 2.5 intervals, still considered alive
	registry.Sweep(time.Now().Add(2 * time.Minute))
	_, err := registry.Lookup("CP001")
	assert.NoError(t, err)

	registry.Sweep(time.Now().Add(3 * time.Minute))
	_, err = registry.Lookup("CP001")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.True(t, conn.isClosed())
}

func TestRegistryTouchDefersSweep(t *testing.T) {
	registry := newTestRegistry()
	ws, _ := fakeSocket("CP001")
	registry.Admit("CP001", ws)
	registry.SetInterval("CP001", 60*time.Second)

	client, err := registry.Lookup("CP001")
	require.NoError(t, err)
	client.mux.Lock()
	client.lastSeen = time.Now().Add(-10 * time.Minute)
	client.mux.Unlock()

	registry.Touch("CP001")
	registry.Sweep(time.Now())
	_, err = registry.Lookup("CP001")
	assert.NoError(t, err)
}

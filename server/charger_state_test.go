package server

import (
	"testing"

	"cpgw/ocpp/core"

	"github.com/stretchr/testify/assert"
)

func TestStateFromStatus(t *testing.T) {
	cases := []struct {
		status core.ChargePointStatus
		state  ChargerState
		ok     bool
	}{
		{core.ChargePointStatusAvailable, StateAvailable, true},
		{core.ChargePointStatusPreparing, StatePreparing, true},
		{core.ChargePointStatusCharging, StateCharging, true},
		{core.ChargePointStatusFinishing, StateFinishing, true},
		{core.ChargePointStatusUnavailable, StateUnavailable, true},
		{core.ChargePointStatusFaulted, StateFaulted, true},
		{core.ChargePointStatus("SuspendedEV"), "", false},
		{core.ChargePointStatus(""), "", false},
	}
	for _, tc := range cases {
		state, ok := stateFromStatus(tc.status)
		assert.Equal(t, tc.ok, ok, "status %v", tc.status)
		assert.Equal(t, tc.state, state, "status %v", tc.status)
	}
}

func TestNextAfterRemoteStart(t *testing.T) {
	state, ok := nextAfterRemoteStart(StateAvailable)
	assert.True(t, ok)
	assert.Equal(t, StatePreparing, state)

	state, ok = nextAfterRemoteStart(StatePreparing)
	assert.True(t, ok)
	assert.Equal(t, StatePreparing, state)

	for _, from := range []ChargerState{StateOffline, StateCharging, StateFinishing, StateFaulted, StateUnavailable} {
		state, ok = nextAfterRemoteStart(from)
		assert.False(t, ok, "from %v", from)
		assert.Equal(t, from, state)
	}
}

func TestNextAfterRemoteStop(t *testing.T) {
	state, ok := nextAfterRemoteStop(StateCharging)
	assert.True(t, ok)
	assert.Equal(t, StateFinishing, state)

	for _, from := range []ChargerState{StateOffline, StateAvailable, StatePreparing, StateFinishing, StateFaulted, StateUnavailable} {
		state, ok = nextAfterRemoteStop(from)
		assert.False(t, ok, "from %v", from)
		assert.Equal(t, from, state)
	}
}

package server

import "cpgw/ocpp/core"

// ChargerState is the operational state of a charge point as tracked by the
// gateway. It is driven by inbound StatusNotification reports, by the outcome
// of remote commands, and by the session registry dropping the connection.
type ChargerState string

const (
	StateOffline     ChargerState = "Offline"
	StateAvailable   ChargerState = "Available"
	StatePreparing   ChargerState = "Preparing"
	StateCharging    ChargerState = "Charging"
	StateFinishing   ChargerState = "Finishing"
	StateFaulted     ChargerState = "Faulted"
	StateUnavailable ChargerState = "Unavailable"
)

// stateFromStatus maps a reported status onto the state machine. A status
// outside the table yields ok=false and the caller keeps the current state.
func stateFromStatus(status core.ChargePointStatus) (ChargerState, bool) {
	switch status {
	case core.ChargePointStatusAvailable:
		return StateAvailable, true
	case core.ChargePointStatusPreparing:
		return StatePreparing, true
	case core.ChargePointStatusCharging:
		return StateCharging, true
	case core.ChargePointStatusFinishing:
		return StateFinishing, true
	case core.ChargePointStatusFaulted:
		return StateFaulted, true
	case core.ChargePointStatusUnavailable:
		return StateUnavailable, true
	default:
		return "", false
	}
}

// nextAfterRemoteStart advances the state once a RemoteStartTransaction has
// been accepted by the charge point.
func nextAfterRemoteStart(state ChargerState) (ChargerState, bool) {
	if state == StateAvailable || state == StatePreparing {
		return StatePreparing, true
	}
	return state, false
}

// nextAfterRemoteStop advances the state once a RemoteStopTransaction has been
// accepted by the charge point.
func nextAfterRemoteStop(state ChargerState) (ChargerState, bool) {
	if state == StateCharging {
		return StateFinishing, true
	}
	return state, false
}

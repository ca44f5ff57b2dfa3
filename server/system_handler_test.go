package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"cpgw/internal"
	"cpgw/ocpp"
	"cpgw/ocpp/core"
	"cpgw/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEvents captures the event fan-out for assertions.
type recordingEvents struct {
	mux      sync.Mutex
	statuses []*internal.EventMessage
	starts   []*internal.EventMessage
	stops    []*internal.EventMessage
	offline  []*internal.EventMessage
}

func (r *recordingEvents) OnStatusNotification(event *internal.EventMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.statuses = append(r.statuses, event)
}

func (r *recordingEvents) OnTransactionStart(event *internal.EventMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.starts = append(r.starts, event)
}

func (r *recordingEvents) OnTransactionStop(event *internal.EventMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.stops = append(r.stops, event)
}

func (r *recordingEvents) OnChargePointOffline(event *internal.EventMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.offline = append(r.offline, event)
}

func newTestHandler() (*SystemHandler, *Registry, *Ledger, *recordingEvents) {
	logger := internal.NewLogger(time.UTC)
	registry := NewRegistry(logger, 300*time.Second)
	ledger := NewLedger()
	events := &recordingEvents{}
	handler := NewSystemHandler(registry, ledger)
	handler.SetLogger(logger)
	handler.SetEventHandler(events)
	return handler, registry, ledger, events
}

func TestOnBootNotification(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	handler.SetHeartbeatInterval(60)

	response, err := handler.OnBootNotification("CP001", &core.BootNotificationRequest{
		ChargePointVendor: "VendorX",
		ChargePointModel:  "SingleSocketCharger",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, 60, response.Interval)
	assert.NotNil(t, response.CurrentTime)
	assert.Equal(t, StateAvailable, registry.State("CP001"))
}

func TestOnBootNotificationKeepsKnownState(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	registry.SetState("CP001", StateCharging)

	_, err := handler.OnBootNotification("CP001", &core.BootNotificationRequest{
		ChargePointVendor: "VendorX",
		ChargePointModel:  "SingleSocketCharger",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCharging, registry.State("CP001"))
}

func TestOnAuthorize(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	response, err := handler.OnAuthorize("CP001", &core.AuthorizeRequest{IdTag: "tag-1"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
}

func TestOnAuthorizeEmptyTag(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	_, err := handler.OnAuthorize("CP001", &core.AuthorizeRequest{})
	require.Error(t, err)
	var frameError *ocpp.FrameError
	require.True(t, errors.As(err, &frameError))
	assert.Equal(t, ocpp.ErrorFormationViolation, frameError.Code)
}

func TestOnStatusNotification(t *testing.T) {
	handler, registry, _, events := newTestHandler()

	response, err := handler.OnStatusNotification("CP001", &core.StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   core.NoError,
		Status:      core.ChargePointStatusCharging,
	})
	require.NoError(t, err)
	assert.NotNil(t, response)
	assert.Equal(t, StateCharging, registry.State("CP001"))

	events.mux.Lock()
	defer events.mux.Unlock()
	require.Len(t, events.statuses, 1)
	assert.Equal(t, "CP001", events.statuses[0].ChargePointId)
	assert.Equal(t, string(core.ChargePointStatusCharging), events.statuses[0].Status)
}

func TestOnStatusNotificationUnknownStatusIsAcknowledged(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	registry.SetState("CP001", StateAvailable)

	response, err := handler.OnStatusNotification("CP001", &core.StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   core.NoError,
		Status:      core.ChargePointStatus("SuspendedEVSE"),
	})
	require.NoError(t, err)
	assert.NotNil(t, response)
	assert.Equal(t, StateAvailable, registry.State("CP001"))
}

func TestOnStartTransaction(t *testing.T) {
	handler, _, ledger, events := newTestHandler()

	response, err := handler.OnStartTransaction("CP001", &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "tag-1",
		MeterStart:  100,
		Timestamp:   types.NewDateTime(time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)

	transaction, ok := ledger.Get(response.TransactionId)
	require.True(t, ok)
	assert.Equal(t, "tag-1", transaction.IdTag)
	assert.Equal(t, 100, transaction.MeterStart)

	events.mux.Lock()
	defer events.mux.Unlock()
	require.Len(t, events.starts, 1)
	assert.Equal(t, response.TransactionId, events.starts[0].TransactionId)
}

func TestOnStartTransactionBusyConnector(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	request := &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "tag-1",
		MeterStart:  100,
		Timestamp:   types.NewDateTime(time.Now()),
	}
	_, err := handler.OnStartTransaction("CP001", request)
	require.NoError(t, err)

	_, err = handler.OnStartTransaction("CP001", request)
	require.Error(t, err)
	var frameError *ocpp.FrameError
	require.True(t, errors.As(err, &frameError))
	assert.Equal(t, ocpp.ErrorPropertyConstraintViolation, frameError.Code)
}

func TestOnStopTransaction(t *testing.T) {
	handler, _, ledger, events := newTestHandler()

	started, err := handler.OnStartTransaction("CP001", &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "tag-1",
		MeterStart:  100,
		Timestamp:   types.NewDateTime(time.Now()),
	})
	require.NoError(t, err)

	response, err := handler.OnStopTransaction("CP001", &core.StopTransactionRequest{
		TransactionId: started.TransactionId,
		MeterStop:     2600,
		Timestamp:     types.NewDateTime(time.Now()),
		Reason:        core.ReasonLocal,
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)

	transaction, ok := ledger.Get(started.TransactionId)
	require.True(t, ok)
	assert.True(t, transaction.IsFinished)
	assert.Equal(t, 2600, transaction.MeterStop)

	events.mux.Lock()
	defer events.mux.Unlock()
	require.Len(t, events.stops, 1)
	assert.Contains(t, events.stops[0].Info, "2.5 kW")
}

func TestOnStopTransactionReadsTransactionEndSample(t *testing.T) {
	handler, _, ledger, _ := newTestHandler()

	started, err := handler.OnStartTransaction("CP001", &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "tag-1",
		MeterStart:  100,
		Timestamp:   types.NewDateTime(time.Now()),
	})
	require.NoError(t, err)

	_, err = handler.OnStopTransaction("CP001", &core.StopTransactionRequest{
		TransactionId: started.TransactionId,
		MeterStop:     2600,
		Timestamp:     types.NewDateTime(time.Now()),
		TransactionData: []types.MeterValue{
			{
				Timestamp: types.NewDateTime(time.Now()),
				SampledValue: []types.SampledValue{
					{Value: "3100", Context: types.ReadingContextTransactionEnd},
				},
			},
		},
	})
	require.NoError(t, err)

	transaction, ok := ledger.Get(started.TransactionId)
	require.True(t, ok)
	assert.Equal(t, 3100, transaction.MeterStop)
}

func TestOnStopTransactionUnknownId(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	_, err := handler.OnStopTransaction("CP001", &core.StopTransactionRequest{
		TransactionId: 99,
		Timestamp:     types.NewDateTime(time.Now()),
	})
	require.Error(t, err)
	var frameError *ocpp.FrameError
	require.True(t, errors.As(err, &frameError))
	assert.Equal(t, ocpp.ErrorGenericError, frameError.Code)
}

func TestOnHeartbeat(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	response, err := handler.OnHeartbeat("CP001", &core.HeartbeatRequest{})
	require.NoError(t, err)
	assert.NotNil(t, response.CurrentTime)
}

func TestOnMeterValues(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	response, err := handler.OnMeterValues("CP001", &core.MeterValuesRequest{ConnectorId: 1})
	require.NoError(t, err)
	assert.NotNil(t, response)
}

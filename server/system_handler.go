package server

import (
	"fmt"
	"time"

	"cpgw/internal"
	"cpgw/metrics/counters"
	"cpgw/models"
	"cpgw/ocpp"
	"cpgw/ocpp/core"
	"cpgw/types"
	"cpgw/utility"
)

// SystemHandler implements the per-action handlers behind the dispatch table.
// It owns the transaction ledger and drives the charger state machine through
// the registry.
type SystemHandler struct {
	registry          *Registry
	ledger            *Ledger
	logger            internal.LogHandler
	eventHandler      internal.EventHandler
	database          internal.Database
	heartbeatInterval int
}

func NewSystemHandler(registry *Registry, ledger *Ledger) *SystemHandler {
	return &SystemHandler{
		registry:          registry,
		ledger:            ledger,
		heartbeatInterval: 300,
	}
}

func (h *SystemHandler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *SystemHandler) SetEventHandler(eventHandler internal.EventHandler) {
	h.eventHandler = eventHandler
}

func (h *SystemHandler) SetDatabase(database internal.Database) {
	h.database = database
}

// SetHeartbeatInterval sets the period, in seconds, advertised in the
// BootNotification response.
func (h *SystemHandler) SetHeartbeatInterval(seconds int) {
	if seconds > 0 {
		h.heartbeatInterval = seconds
	}
}

func (h *SystemHandler) OnBootNotification(chargePointId string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	h.registry.SetInterval(chargePointId, time.Duration(h.heartbeatInterval)*time.Second)
	if h.registry.State(chargePointId) == StateOffline {
		h.registry.SetState(chargePointId, StateAvailable)
	}
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("boot confirmed (vendor: %s; model: %s; serial number: %s)",
		request.ChargePointVendor, request.ChargePointModel, request.ChargePointSerialNumber))
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), h.heartbeatInterval, core.RegistrationStatusAccepted), nil
}

func (h *SystemHandler) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	if request.IdTag == "" {
		return nil, &ocpp.FrameError{Code: ocpp.ErrorFormationViolation, Description: "cannot authorize empty id tag"}
	}
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("authorization accepted for %s", request.IdTag))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

func (h *SystemHandler) OnHeartbeat(chargePointId string, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("%v", time.Now()))
	return core.NewHeartbeatResponse(types.NewDateTime(time.Now())), nil
}

func (h *SystemHandler) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	state, ok := stateFromStatus(request.Status)
	if ok {
		h.registry.SetState(chargePointId, state)
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated connector #%v status to %v", request.ConnectorId, request.Status))
	} else {
		// the protocol still requires an acknowledgement
		h.logger.Warn(fmt.Sprintf("unrecognized status %v reported by %s; state kept", request.Status, chargePointId))
	}

	if h.eventHandler != nil {
		h.eventHandler.OnStatusNotification(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			Time:          time.Now(),
			Status:        string(request.Status),
			Info:          request.Info,
			Payload:       request,
		})
	}
	return core.NewStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	timeStart := time.Now()
	if request.Timestamp != nil {
		timeStart = request.Timestamp.Time
	}
	transaction, err := h.ledger.Open(chargePointId, request.ConnectorId, request.IdTag, request.MeterStart, timeStart)
	if err != nil {
		return nil, &ocpp.FrameError{
			Code:        ocpp.ErrorPropertyConstraintViolation,
			Description: fmt.Sprintf("connector %d is busy with an open transaction", request.ConnectorId),
		}
	}
	counters.ObserveTransactions(len(h.ledger.Active()))

	if h.database != nil {
		if err = h.database.AddTransaction(&transaction); err != nil {
			h.logger.Error("add transaction", err)
		}
	}
	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStart(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          transaction.TimeStart,
			IdTag:         transaction.IdTag,
			TransactionId: transaction.Id,
			Status:        string(h.registry.State(chargePointId)),
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("started transaction #%v for connector %v", transaction.Id, transaction.ConnectorId))
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transaction.Id), nil
}

func (h *SystemHandler) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	meterStop := request.MeterStop
	timeStop := time.Now()
	if request.Timestamp != nil {
		timeStop = request.Timestamp.Time
	}
	// request data may carry the end-of-transaction meter reading
	for _, data := range request.TransactionData {
		for _, value := range data.SampledValue {
			if value.Context == types.ReadingContextTransactionEnd {
				meterStop = utility.ToInt(value.Value)
				if data.Timestamp != nil {
					timeStop = data.Timestamp.Time
				}
			}
		}
	}

	transaction, err := h.ledger.Close(chargePointId, request.TransactionId, meterStop, timeStop, string(request.Reason))
	if err != nil {
		return nil, &ocpp.FrameError{
			Code:        ocpp.ErrorGenericError,
			Description: fmt.Sprintf("no open transaction #%v for this charge point", request.TransactionId),
		}
	}
	counters.ObserveTransactions(len(h.ledger.Active()))

	if h.database != nil {
		if err = h.database.UpdateTransaction(&transaction); err != nil {
			h.logger.Error("update transaction", err)
		}
	}
	if h.eventHandler != nil {
		consumed := float64(transaction.MeterStop-transaction.MeterStart) / 1000
		h.eventHandler.OnTransactionStop(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          transaction.TimeStop,
			IdTag:         transaction.IdTag,
			TransactionId: transaction.Id,
			Status:        string(h.registry.State(chargePointId)),
			Info:          fmt.Sprintf("consumed %0.1f kW", consumed),
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("stopped transaction %v %v", request.TransactionId, request.Reason))
	return core.NewStopTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

func (h *SystemHandler) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("received meter values for connector #%v", request.ConnectorId))
	return core.NewMeterValuesResponse(), nil
}

// PushChargerStatus reports a state change to the external availability
// record; fire-and-forget, the gateway never blocks on it.
func (h *SystemHandler) PushChargerStatus(chargePointId string, state ChargerState) {
	if h.database == nil {
		return
	}
	status := &models.ChargerStatus{
		ChargePointId: chargePointId,
		State:         string(state),
		Time:          time.Now(),
	}
	go func() {
		if err := h.database.UpdateChargerStatus(status); err != nil {
			h.logger.Error("update charger status", err)
		}
	}()
}

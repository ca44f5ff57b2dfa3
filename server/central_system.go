package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cpgw/internal"
	"cpgw/internal/config"
	"cpgw/metrics/counters"
	"cpgw/ocpp"
	"cpgw/ocpp/core"
	"cpgw/telegram"
	"cpgw/types"
	"cpgw/utility"
)

type CentralSystem struct {
	server       *Server
	api          *Api
	registry     *Registry
	ledger       *Ledger
	logger       internal.LogHandler
	coreHandler  *SystemHandler
	eventHandler internal.EventHandler
	location     *time.Location
	callTimeout  time.Duration
}

func (cs *CentralSystem) SetCoreHandler(handler *SystemHandler) {
	cs.coreHandler = handler
}

func (cs *CentralSystem) handleConnect(ws *WebSocket) {
	replaced := cs.registry.Admit(ws.ID(), ws)
	if replaced {
		cs.logger.Debug(fmt.Sprintf("%s reconnected, previous session dropped", ws.ID()))
	}
}

func (cs *CentralSystem) handleDisconnect(ws *WebSocket) {
	cs.registry.Remove(ws.ID(), ws)
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	chargePointId := ws.ID()
	cs.registry.Touch(chargePointId)

	frame, err := ocpp.DecodeFrame(data)
	if err != nil {
		var frameError *ocpp.FrameError
		if errors.As(err, &frameError) {
			counters.CountFrameError(string(frameError.Code))
			if frameError.UniqueId != "" {
				// answer the offending message per protocol, keep the connection
				return cs.server.SendFrame(ws, ocpp.NewCallError(frameError.UniqueId, frameError.Code, frameError.Description))
			}
		}
		return err
	}

	switch frame.Type {
	case ocpp.CallTypeResult:
		cs.handleCallReply(chargePointId, frame.UniqueId, CallOutcome{Kind: OutcomeResult, Payload: frame.Payload})
		return nil
	case ocpp.CallTypeError:
		cs.handleCallReply(chargePointId, frame.UniqueId, CallOutcome{
			Kind:             OutcomeRemoteError,
			ErrorCode:        frame.ErrorCode,
			ErrorDescription: frame.ErrorDescription,
		})
		return nil
	default:
		return cs.handleCallRequest(ws, frame)
	}
}

// handleCallReply correlates an inbound CallResult/CallError with the
// outstanding call it answers. An unmatched reply is dropped; it is most
// likely a late answer to a call that already timed out.
func (cs *CentralSystem) handleCallReply(chargePointId, uniqueId string, outcome CallOutcome) {
	client, err := cs.registry.Lookup(chargePointId)
	if err != nil {
		return
	}
	call := client.takePending(uniqueId)
	if call == nil {
		counters.CountFrameError(string(ocpp.ErrorProtocolViolation))
		cs.logger.Warn(fmt.Sprintf("dropped reply from %s with unmatched unique id %s", chargePointId, uniqueId))
		return
	}
	call.resolve(outcome)
}

func (cs *CentralSystem) handleCallRequest(ws *WebSocket, frame *ocpp.Frame) error {
	chargePointId := ws.ID()
	request, err := parseInboundRequest(frame)
	if err != nil {
		var frameError *ocpp.FrameError
		if errors.As(err, &frameError) {
			counters.CountFrameError(string(frameError.Code))
			return cs.server.SendFrame(ws, ocpp.NewCallError(frame.UniqueId, frameError.Code, frameError.Description))
		}
		return err
	}

	var confirmation ocpp.Response
	switch request.GetFeatureName() {
	case core.BootNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnBootNotification(chargePointId, request.(*core.BootNotificationRequest))
	case core.AuthorizeFeatureName:
		confirmation, err = cs.coreHandler.OnAuthorize(chargePointId, request.(*core.AuthorizeRequest))
	case core.HeartbeatFeatureName:
		confirmation, err = cs.coreHandler.OnHeartbeat(chargePointId, request.(*core.HeartbeatRequest))
	case core.StartTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStartTransaction(chargePointId, request.(*core.StartTransactionRequest))
	case core.StopTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStopTransaction(chargePointId, request.(*core.StopTransactionRequest))
	case core.MeterValuesFeatureName:
		confirmation, err = cs.coreHandler.OnMeterValues(chargePointId, request.(*core.MeterValuesRequest))
	case core.StatusNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnStatusNotification(chargePointId, request.(*core.StatusNotificationRequest))
	default:
		err = ocpp.NewFrameError(ocpp.ErrorNotImplemented, fmt.Sprintf("feature not supported: %s", request.GetFeatureName()))
	}
	if err != nil {
		var frameError *ocpp.FrameError
		if !errors.As(err, &frameError) {
			frameError = ocpp.NewFrameError(ocpp.ErrorInternalError, err.Error())
		}
		counters.CountFrameError(string(frameError.Code))
		cs.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("rejected: %s", frameError.Error()))
		return cs.server.SendFrame(ws, ocpp.NewCallError(frame.UniqueId, frameError.Code, frameError.Description))
	}
	return cs.server.SendFrame(ws, ocpp.NewCallResult(frame.UniqueId, confirmation))
}

// Send issues an outbound CALL to the charge point and suspends the caller
// until the matching reply arrives, the timeout elapses, or the session goes
// away. The wait never blocks the connection's own reader loop.
func (cs *CentralSystem) Send(chargePointId string, request ocpp.Request, timeout time.Duration) CallOutcome {
	client, err := cs.registry.Lookup(chargePointId)
	if err != nil {
		return CallOutcome{Kind: OutcomeConnectionLost}
	}
	ws := client.socket()
	if ws == nil {
		return CallOutcome{Kind: OutcomeConnectionLost}
	}

	call := newPendingCall(utility.NewUUID(), request.GetFeatureName())
	if err = client.addPending(call); err != nil {
		return CallOutcome{Kind: OutcomeConnectionLost}
	}
	frame := ocpp.NewCall(call.UniqueId, call.Action, request)
	if err = cs.server.SendFrame(ws, frame); err != nil {
		client.removePending(call.UniqueId)
		return CallOutcome{Kind: OutcomeConnectionLost}
	}

	select {
	case outcome := <-call.Done():
		return outcome
	case <-time.After(timeout):
		// the charge point's eventual late reply will match nothing
		client.removePending(call.UniqueId)
		cs.logger.Warn(fmt.Sprintf("timeout waiting for %s reply from %s", call.Action, chargePointId))
		return CallOutcome{Kind: OutcomeTimedOut}
	}
}

// RemoteStart asks the charge point to begin a charging session on the given
// connector for the given tag.
func (cs *CentralSystem) RemoteStart(chargePointId string, connectorId int, idTag string) CommandStatus {
	request := core.NewRemoteStartTransactionRequest(connectorId, idTag)
	status := cs.remoteCommand(chargePointId, request, func() {
		cs.registry.advance(chargePointId, nextAfterRemoteStart)
	})
	cs.logger.FeatureEvent(core.RemoteStartTransactionFeatureName, chargePointId, string(status))
	return status
}

// RemoteStop asks the charge point to end the given transaction.
func (cs *CentralSystem) RemoteStop(chargePointId string, transactionId int) CommandStatus {
	request := core.NewRemoteStopTransactionRequest(transactionId)
	status := cs.remoteCommand(chargePointId, request, func() {
		cs.registry.advance(chargePointId, nextAfterRemoteStop)
	})
	cs.logger.FeatureEvent(core.RemoteStopTransactionFeatureName, chargePointId, string(status))
	return status
}

func (cs *CentralSystem) remoteCommand(chargePointId string, request ocpp.Request, onAccepted func()) CommandStatus {
	outcome := cs.Send(chargePointId, request, cs.callTimeout)
	status := CommandRejected
	switch outcome.Kind {
	case OutcomeConnectionLost:
		status = CommandConnectionLost
	case OutcomeTimedOut:
		status = CommandTimedOut
	case OutcomeRemoteError:
		cs.logger.Warn(fmt.Sprintf("%s rejected by %s: %s (%s)", request.GetFeatureName(), chargePointId, outcome.ErrorCode, outcome.ErrorDescription))
	case OutcomeResult:
		var response struct {
			Status types.RemoteStartStopStatus `json:"status"`
		}
		if err := parseResultPayload(outcome.Payload, &response); err != nil {
			cs.logger.Error(fmt.Sprintf("invalid %s reply from %s", request.GetFeatureName(), chargePointId), err)
			break
		}
		if response.Status == types.RemoteStartStopStatusAccepted {
			onAccepted()
			status = CommandAccepted
		}
	}
	counters.CountCommand(request.GetFeatureName(), string(status))
	return status
}

// handleOperatorCommand maps an api command onto the operator surface.
func (cs *CentralSystem) handleOperatorCommand(command Command) (CommandStatus, error) {
	if command.ChargePointId == "" {
		return "", fmt.Errorf("charge point id is empty")
	}
	switch command.FeatureName {
	case core.RemoteStartTransactionFeatureName:
		if command.IdTag == "" {
			return "", fmt.Errorf("id tag is empty")
		}
		return cs.RemoteStart(command.ChargePointId, command.ConnectorId, command.IdTag), nil
	case core.RemoteStopTransactionFeatureName:
		return cs.RemoteStop(command.ChargePointId, command.TransactionId), nil
	default:
		return "", fmt.Errorf("feature not supported: %s", command.FeatureName)
	}
}

func parseResultPayload(payload interface{}, out interface{}) error {
	if payload == nil {
		return utility.Err("empty result payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (cs *CentralSystem) Start() {
	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	go func() {
		if err := cs.api.Start(); err != nil {
			cs.logger.Error("api server failed", err)
		}
	}()

	select {}
}

func NewCentralSystem(conf *config.Config) (*CentralSystem, error) {
	cs := &CentralSystem{}
	cs.callTimeout = time.Duration(conf.CallTimeout) * time.Second

	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}
	cs.location = location

	var database internal.Database
	if conf.Mongo.Enabled {
		mongo, err := internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		database = mongo
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	if database != nil {
		logService.SetDatabase(database)
	}
	cs.logger = logService

	cs.registry = NewRegistry(logService, time.Duration(conf.HeartbeatInterval)*time.Second)
	cs.ledger = NewLedger()

	systemHandler := NewSystemHandler(cs.registry, cs.ledger)
	systemHandler.SetLogger(logService)
	systemHandler.SetDatabase(database)
	systemHandler.SetHeartbeatInterval(conf.HeartbeatInterval)

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		cs.eventHandler = telegramBot
		systemHandler.SetEventHandler(telegramBot)
	}

	// every state change is pushed to the external availability record;
	// going offline additionally notifies the event listeners
	cs.registry.SetStateListener(func(id string, state ChargerState) {
		systemHandler.PushChargerStatus(id, state)
		if state == StateOffline && cs.eventHandler != nil {
			cs.eventHandler.OnChargePointOffline(&internal.EventMessage{
				ChargePointId: id,
				Time:          time.Now(),
				Status:        string(StateOffline),
			})
		}
	})

	wsServer := NewServer(conf, logService)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetConnectHandler(cs.handleConnect)
	wsServer.SetDisconnectHandler(cs.handleDisconnect)
	cs.server = wsServer

	cs.SetCoreHandler(systemHandler)

	cs.registry.StartSweeper(time.Duration(conf.SweepInterval) * time.Second)

	apiServer := NewServerApi(conf, logService)
	apiServer.SetCommandHandler(cs.handleOperatorCommand)
	cs.api = apiServer

	return cs, nil
}

package server

import (
	"fmt"
	"reflect"

	"cpgw/ocpp"
	"cpgw/ocpp/core"
)

func getRequestType(action string) (requestType reflect.Type, err error) {
	switch action {
	case core.BootNotificationFeatureName:
		requestType = reflect.TypeOf(core.BootNotificationRequest{})
	case core.AuthorizeFeatureName:
		requestType = reflect.TypeOf(core.AuthorizeRequest{})
	case core.HeartbeatFeatureName:
		requestType = reflect.TypeOf(core.HeartbeatRequest{})
	case core.StartTransactionFeatureName:
		requestType = reflect.TypeOf(core.StartTransactionRequest{})
	case core.StopTransactionFeatureName:
		requestType = reflect.TypeOf(core.StopTransactionRequest{})
	case core.MeterValuesFeatureName:
		requestType = reflect.TypeOf(core.MeterValuesRequest{})
	case core.StatusNotificationFeatureName:
		requestType = reflect.TypeOf(core.StatusNotificationRequest{})
	default:
		return nil, fmt.Errorf("unsupported action requested: %s", action)
	}
	return requestType, nil
}

// parseInboundRequest decodes the payload of an inbound Call into its typed
// request. Failures come back as *ocpp.FrameError carrying the message id, so
// the dispatcher can answer with a CallError.
func parseInboundRequest(frame *ocpp.Frame) (ocpp.Request, error) {
	requestType, err := getRequestType(frame.Action)
	if err != nil {
		return nil, &ocpp.FrameError{
			UniqueId:    frame.UniqueId,
			Code:        ocpp.ErrorNotImplemented,
			Description: err.Error(),
		}
	}
	request, err := ocpp.ParseRawJsonRequest(frame.Payload, requestType)
	if err != nil {
		return nil, &ocpp.FrameError{
			UniqueId:    frame.UniqueId,
			Code:        ocpp.ErrorFormationViolation,
			Description: fmt.Sprintf("invalid payload for action %s", frame.Action),
		}
	}
	return request, nil
}

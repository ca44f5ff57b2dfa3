package ocpp

import (
	"encoding/json"
	"fmt"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// ErrorCode is the error discriminator carried in a CallError frame.
type ErrorCode string

const (
	ErrorNotImplemented              ErrorCode = "NotImplemented"
	ErrorFormationViolation          ErrorCode = "FormationViolation"
	ErrorPropertyConstraintViolation ErrorCode = "PropertyConstraintViolation"
	ErrorProtocolViolation           ErrorCode = "ProtocolViolation"
	ErrorGenericError                ErrorCode = "GenericError"
	ErrorInternalError               ErrorCode = "InternalError"
)

// FrameError is returned when an inbound frame fails shape validation, or by a
// handler that must be answered with a CallError. UniqueId holds the message id
// recovered from the offending frame, if any; a frame whose id could not be
// recovered cannot be answered per protocol and is dropped by the caller.
type FrameError struct {
	UniqueId    string
	Code        ErrorCode
	Description string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func NewFrameError(code ErrorCode, description string) *FrameError {
	return &FrameError{Code: code, Description: description}
}

// Frame is a single OCPP-J message of any of the three wire shapes:
// [2, uniqueId, action, payload], [3, uniqueId, payload] and
// [4, uniqueId, errorCode, errorDescription, details].
type Frame struct {
	Type             CallType
	UniqueId         string
	Action           string      // Call only
	Payload          interface{} // Call and CallResult
	ErrorCode        string      // CallError only
	ErrorDescription string      // CallError only
	Details          interface{} // CallError only
}

func NewCall(uniqueId, action string, payload interface{}) *Frame {
	return &Frame{Type: CallTypeRequest, UniqueId: uniqueId, Action: action, Payload: payload}
}

func NewCallResult(uniqueId string, payload interface{}) *Frame {
	return &Frame{Type: CallTypeResult, UniqueId: uniqueId, Payload: payload}
}

func NewCallError(uniqueId string, code ErrorCode, description string) *Frame {
	return &Frame{
		Type:             CallTypeError,
		UniqueId:         uniqueId,
		ErrorCode:        string(code),
		ErrorDescription: description,
		Details:          map[string]interface{}{},
	}
}

func (f *Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case CallTypeRequest:
		return json.Marshal([]interface{}{int(f.Type), f.UniqueId, f.Action, payloadOrEmpty(f.Payload)})
	case CallTypeResult:
		return json.Marshal([]interface{}{int(f.Type), f.UniqueId, payloadOrEmpty(f.Payload)})
	case CallTypeError:
		return json.Marshal([]interface{}{int(f.Type), f.UniqueId, f.ErrorCode, f.ErrorDescription, payloadOrEmpty(f.Details)})
	default:
		return nil, fmt.Errorf("unsupported frame type id: %v", f.Type)
	}
}

// payload is a required element of every wire shape; a nil one is sent as {}
func payloadOrEmpty(payload interface{}) interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	return payload
}

// arity of the wire array for each frame type
func frameLength(t CallType) int {
	switch t {
	case CallTypeRequest:
		return 4
	case CallTypeResult:
		return 3
	case CallTypeError:
		return 5
	default:
		return 0
	}
}

// ParseFrame validates the shape of a decoded OCPP-J array. The failure is a
// *FrameError carrying the message id when one could be recovered, so the
// caller can answer the charge point per protocol.
func ParseFrame(fields []interface{}) (*Frame, error) {
	frameError := &FrameError{Code: ErrorProtocolViolation}
	if len(fields) >= 2 {
		if id, ok := fields[1].(string); ok {
			frameError.UniqueId = id
		}
	}
	if len(fields) == 0 {
		frameError.Description = "message is not an array or is empty"
		return nil, frameError
	}
	rawTypeId, ok := fields[0].(float64)
	if !ok || rawTypeId != float64(CallType(rawTypeId)) {
		frameError.Description = "invalid message type discriminator"
		return nil, frameError
	}
	typeId := CallType(rawTypeId)
	length := frameLength(typeId)
	if length == 0 {
		frameError.Description = fmt.Sprintf("unsupported message type id: %v", fields[0])
		return nil, frameError
	}
	if len(fields) != length {
		frameError.Description = fmt.Sprintf("unsupported message format; expected length: %d elements", length)
		return nil, frameError
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		frameError.UniqueId = ""
		frameError.Description = "invalid message unique id"
		return nil, frameError
	}

	frame := &Frame{Type: typeId, UniqueId: uniqueId}
	switch typeId {
	case CallTypeRequest:
		action, ok := fields[2].(string)
		if !ok {
			frameError.Description = "invalid action in request"
			return nil, frameError
		}
		frame.Action = action
		frame.Payload = fields[3]
	case CallTypeResult:
		frame.Payload = fields[2]
	case CallTypeError:
		errorCode, ok := fields[2].(string)
		if !ok {
			frameError.Description = "invalid error code"
			return nil, frameError
		}
		description, ok := fields[3].(string)
		if !ok {
			frameError.Description = "invalid error description"
			return nil, frameError
		}
		frame.ErrorCode = errorCode
		frame.ErrorDescription = description
		frame.Details = fields[4]
	}
	return frame, nil
}

// DecodeFrame parses raw socket data into a validated frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var fields []interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &FrameError{Code: ErrorProtocolViolation, Description: "message is not a json array"}
	}
	return ParseFrame(fields)
}

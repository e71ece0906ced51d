// Package protocol implements the framed local socket carrying the
// supervisor/guest request-response exchange (§6 of the spec this module
// implements): a single HTTP POST to http://<host>:<port>/<mountPath>
// carrying an input_event, answered by one output_event in the response
// body.
//
// Grounded on internal/vmm's ControlChannel contract ("callers never see
// the transport, only Send/Recv/Close") and internal/harness/rpc.go's
// JSON-RPC message shapes, narrowed from a bidirectional channel to the
// single request/response exchange this spec calls for.
package protocol

import (
	"encoding/json"

	"github.com/xfeldman/web3runner/internal/model"
)

// Action tags for input/output events.
const (
	ActionStart  = "start"
	ActionResult = "result"
	ActionError  = "error"
)

// InputEvent is the supervisor→guest message: exactly one per run.
type InputEvent struct {
	Action string        `json:"action"`
	Data   InputEventData `json:"data"`
}

// InputEventData carries the full context for a run.
type InputEventData struct {
	Context model.ContextData `json:"context"`
}

// NewStartEvent builds the single `start` input event for a run.
func NewStartEvent(ctx model.ContextData) InputEvent {
	return InputEvent{Action: ActionStart, Data: InputEventData{Context: ctx}}
}

// OutputEvent is the guest→supervisor message: exactly one per run, either
// a result or an error.
type OutputEvent struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ResultData is the payload of a `result` output event.
type ResultData struct {
	Result  model.Result        `json:"result"`
	Storage model.StorageDelta  `json:"storage"`
}

// ErrorInfo names a guest-thrown error.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ErrorData is the payload of an `error` output event.
type ErrorData struct {
	Error   ErrorInfo          `json:"error"`
	Storage model.StorageDelta `json:"storage"`
}

// NewResultEvent builds a `result` output event.
func NewResultEvent(result model.Result, storage model.StorageDelta) (OutputEvent, error) {
	data, err := json.Marshal(ResultData{Result: result, Storage: storage})
	if err != nil {
		return OutputEvent{}, err
	}
	return OutputEvent{Action: ActionResult, Data: data}, nil
}

// NewErrorEvent builds an `error` output event.
func NewErrorEvent(name, message string, storage model.StorageDelta) (OutputEvent, error) {
	data, err := json.Marshal(ErrorData{Error: ErrorInfo{Name: name, Message: message}, Storage: storage})
	if err != nil {
		return OutputEvent{}, err
	}
	return OutputEvent{Action: ActionError, Data: data}, nil
}

// AsResult decodes the output event as a ResultData. Call only when
// Action == ActionResult.
func (o OutputEvent) AsResult() (ResultData, error) {
	var rd ResultData
	err := json.Unmarshal(o.Data, &rd)
	return rd, err
}

// AsError decodes the output event as an ErrorData. Call only when
// Action == ActionError.
func (o OutputEvent) AsError() (ErrorData, error) {
	var ed ErrorData
	err := json.Unmarshal(o.Data, &ed)
	return ed, err
}

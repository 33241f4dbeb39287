package statewire

import (
	"encoding/json"
)

// wire format. Two JSON shapes, field names are fixed:
//
//	{"type": "dispatch", "action": <string>, "args": [<any>...]}
//	{"type": "setState", "state": <object>, "isInitialize": <bool>}
//
// messages of any other type are ignored by all handlers so that
// new message types can be added without breaking old peers.

// channel identifier shared by both roles. Connections accepted under any
// other name are invisible to this protocol.
const ChannelName = "statewire"

const MessageTypeDispatch = "dispatch"
const MessageTypeSetState = "setState"

type DispatchMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Args   []any  `json:"args"`
}

type SetStateMessage struct {
	Type         string `json:"type"`
	State        State  `json:"state"`
	IsInitialize bool   `json:"isInitialize"`
}

func EncodeDispatchMessage(action string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(&DispatchMessage{
		Type:   MessageTypeDispatch,
		Action: action,
		Args:   args,
	})
}

func EncodeSetStateMessage(state State, isInitialize bool) ([]byte, error) {
	if state == nil {
		state = State{}
	}
	return json.Marshal(&SetStateMessage{
		Type:         MessageTypeSetState,
		State:        state,
		IsInitialize: isInitialize,
	})
}

// decode a minimal subset of the message needed to make a routing decision
type taggedMessage struct {
	Type string `json:"type"`
}

// FilterMessageType narrows a receive callback to one message type.
// This is the sole routing mechanism between message variants.
// Payloads of any shape are tolerated and dropped without an error.
func FilterMessageType(messageType string, receiveCallback ReceiveFunction) ReceiveFunction {
	return func(message []byte) {
		var tagged taggedMessage
		if err := json.Unmarshal(message, &tagged); err != nil {
			// not a protocol message
			return
		}
		if tagged.Type != messageType {
			return
		}
		receiveCallback(message)
	}
}

package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned by Decode for messages that carry neither an
// update nor a command.
var ErrEmptyMessage = errors.New("message carries neither an update nor a command")

// A Message is what devices and operators send to the twins:
//
//	{"update": {"object": "urn:sensor:power:1", "value": 7.2}}
//	{"command": {"target": "urn:twin:bulb:1", "command": "SwitchOn"}}
//
// A single message may carry both; the update is routed first.
type Message struct {
	Update  *Update  `json:"update,omitempty"`
	Command *Command `json:"command,omitempty"`
}

// An Update is a new reading of the device (sensor or actuator) named Object.
type Update struct {
	Object string `json:"object"`
	Value  any    `json:"value"`
}

// A Command asks the twin named Target to run one of its operations.
//
// Command is either the local address of the operation or its short name, if
// that is unique within the twin. Args holds the named input arguments, or a
// bare value for operations with a single input.
type Command struct {
	Target  string `json:"target"`
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

// Decode parses a JSON-encoded Message. Numbers are kept as json.Number so that
// integer and float properties can both be fed without loss.
func Decode(p []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("decode json: %w", err)
	}
	if m.Update == nil && m.Command == nil {
		return Message{}, ErrEmptyMessage
	}
	if m.Update != nil && m.Update.Object == "" {
		return Message{}, errors.New("update without an object")
	}
	if m.Command != nil && (m.Command.Target == "" || m.Command.Command == "") {
		return Message{}, errors.New("command without a target or a name")
	}
	return m, nil
}

// Encode returns the JSON encoding of m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

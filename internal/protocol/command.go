// Package protocol defines the wire envelope exchanged between the VTT
// client and server over the WebSocket transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Opcode identifies the purpose of a Command. Values are grouped by
// numeric range; gaps between groups are reserved.
type Opcode int32

// OpNone is the zero value and produces no handler action.
const OpNone Opcode = 0

// Authentication group.
const (
	OpAuthenticateRequest Opcode = iota + 100
	OpAuthenticateSend
	OpAuthenticateFail
	OpAuthenticateSuccess
)

// Broadcast group.
const (
	OpBroadcastRequest Opcode = iota + 200
	OpBroadcastResponse
	OpBroadcastGetRequest
)

// Scene group.
const (
	OpScene2DRequest Opcode = iota + 300
	OpScene2DResponse
)

// String returns the opcode name for logging.
func (o Opcode) String() string {
	switch o {
	case OpNone:
		return "None"
	case OpAuthenticateRequest:
		return "AuthenticateRequest"
	case OpAuthenticateSend:
		return "AuthenticateSend"
	case OpAuthenticateFail:
		return "AuthenticateFail"
	case OpAuthenticateSuccess:
		return "AuthenticateSuccess"
	case OpBroadcastRequest:
		return "BroadcastRequest"
	case OpBroadcastResponse:
		return "BroadcastResponse"
	case OpBroadcastGetRequest:
		return "BroadcastGetRequest"
	case OpScene2DRequest:
		return "Scene2DRequest"
	case OpScene2DResponse:
		return "Scene2DResponse"
	}
	return fmt.Sprintf("Opcode(%d)", int32(o))
}

// ErrMalformedCommand is returned when a frame payload cannot be decoded
// as a Command envelope.
var ErrMalformedCommand = errors.New("malformed command")

// Command is the wire envelope. The JSON field names are fixed by the
// deployed client and must not change.
//
// Id carries the target session handle on outbound commands and the source
// handle on inbound ones. BinaryData values are base64-encoded payloads.
type Command struct {
	ID         int64             `json:"Id"`
	Type       Opcode            `json:"Type"`
	Timestamp  int64             `json:"Timestamp"`
	Data       map[string]string `json:"Data"`
	BinaryData map[string]string `json:"BinaryData"`
}

// NewCommand builds a Command addressed to the given handle, stamped with
// the current time. Nil maps are replaced with empty ones so the envelope
// always serializes as objects, never null.
//
// Postcondition: Returns a Command with non-nil Data and BinaryData maps.
func NewCommand(handle int64, op Opcode, data, binaryData map[string]string) Command {
	if data == nil {
		data = map[string]string{}
	}
	if binaryData == nil {
		binaryData = map[string]string{}
	}
	return Command{
		ID:         handle,
		Type:       op,
		Timestamp:  time.Now().Unix(),
		Data:       data,
		BinaryData: binaryData,
	}
}

// Clone returns a deep copy of the Command. Commands fanned out to multiple
// mailboxes must not share map storage.
func (c Command) Clone() Command {
	out := c
	out.Data = make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		out.Data[k] = v
	}
	out.BinaryData = make(map[string]string, len(c.BinaryData))
	for k, v := range c.BinaryData {
		out.BinaryData[k] = v
	}
	return out
}

// Decode parses a single Command from a text frame payload.
//
// Postcondition: Returns the Command, or an error wrapping ErrMalformedCommand.
func Decode(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return cmd, nil
}

// DecodeBatch parses a flush frame: a JSON array of Commands.
//
// Postcondition: Returns the batch, or an error wrapping ErrMalformedCommand.
func DecodeBatch(payload []byte) ([]Command, error) {
	var batch []Command
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return batch, nil
}

// Encode serializes a single Command.
//
// Postcondition: Always succeeds for a well-formed Command.
func Encode(cmd Command) []byte {
	out, err := json.Marshal(cmd)
	if err != nil {
		// Command contains only marshallable types; this is unreachable
		// for values produced by NewCommand or Decode.
		panic(fmt.Sprintf("encoding command: %v", err))
	}
	return out
}

// EncodeBatch serializes a drained mailbox as a JSON array, the flush
// format the client expects. A nil slice encodes as an empty array.
func EncodeBatch(cmds []Command) []byte {
	if cmds == nil {
		cmds = []Command{}
	}
	out, err := json.Marshal(cmds)
	if err != nil {
		panic(fmt.Sprintf("encoding command batch: %v", err))
	}
	return out
}

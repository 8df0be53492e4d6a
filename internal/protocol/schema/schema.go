// Package schema pins the wire contract: message type IDs, field IDs,
// and the required fields for each message type. Unknown message types
// are a validation error; unknown fields inside a known message are
// ignored so older peers can skip additions they do not understand.
package schema

import (
	"fmt"

	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

// Message type IDs.
const (
	MsgHello           uint32 = 1
	MsgPong            uint32 = 2
	MsgCommandRequest  uint32 = 3
	MsgCommandResponse uint32 = 4
	MsgAck             uint32 = 5
)

// Field IDs.
const (
	FieldMessageID     uint16 = 1
	FieldSourceID      uint16 = 2
	FieldDestinationID uint16 = 3

	FieldDisplayName uint16 = 100
	FieldHostAddress uint16 = 101
	FieldCommandPort uint16 = 102

	FieldCommand    uint16 = 200
	FieldExecMode   uint16 = 201
	FieldUnattended uint16 = 202

	FieldSuccess uint16 = 300
	FieldOutput  uint16 = 301
	FieldErrors  uint16 = 302

	FieldTimestampMS uint16 = 400
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldMessageID, tlv.TypeString},
		{FieldSourceID, tlv.TypeString},
		{FieldHostAddress, tlv.TypeString},
		{FieldCommandPort, tlv.TypeU32},
	},
	MsgPong: {
		{FieldMessageID, tlv.TypeString},
		{FieldSourceID, tlv.TypeString},
		{FieldHostAddress, tlv.TypeString},
		{FieldCommandPort, tlv.TypeU32},
	},
	MsgCommandRequest: {
		{FieldMessageID, tlv.TypeString},
		{FieldSourceID, tlv.TypeString},
		{FieldCommand, tlv.TypeString},
		{FieldExecMode, tlv.TypeU8},
	},
	MsgCommandResponse: {
		{FieldMessageID, tlv.TypeString},
		{FieldSourceID, tlv.TypeString},
		{FieldSuccess, tlv.TypeBool},
	},
	MsgAck: {
		{FieldMessageID, tlv.TypeString},
		{FieldSourceID, tlv.TypeString},
	},
}

// Known reports whether a message type is part of the contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a
// message type. Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Package wire maps the protocol's typed messages onto framed TLV
// payloads. One encoder/decoder pair per message type; decode validates
// against the schema before interpreting fields, so malformed or
// truncated input surfaces as a typed error, never a panic.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/schema"
	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

var (
	ErrInvalidMessage = errors.New("wire: invalid message")
	ErrWrongType      = errors.New("wire: wrong message type")
)

// ExecMode selects how the receiving peer interprets a command string.
type ExecMode uint8

const (
	ExecuteStatement  ExecMode = 1
	ExecuteFile       ExecMode = 2
	EvaluateStatement ExecMode = 3
)

func (m ExecMode) Valid() bool {
	switch m {
	case ExecuteStatement, ExecuteFile, EvaluateStatement:
		return true
	}
	return false
}

func (m ExecMode) String() string {
	switch m {
	case ExecuteStatement:
		return "execute_statement"
	case ExecuteFile:
		return "execute_file"
	case EvaluateStatement:
		return "evaluate_statement"
	}
	return fmt.Sprintf("exec_mode(%d)", uint8(m))
}

// Hello announces a peer's presence. Broadcast on the discovery group
// and sent as the opening of the command channel handshake.
type Hello struct {
	MessageID string
	Identity  node.Identity
}

// Pong is the unicast reply to a Hello; same shape, no further reply.
type Pong struct {
	MessageID string
	Identity  node.Identity
}

// CommandRequest asks a peer to execute one opaque command.
type CommandRequest struct {
	MessageID     string
	SourceID      string
	DestinationID string
	Command       string
	ExecMode      ExecMode
	Unattended    bool
}

// CommandResponse carries a command result back; MessageID equals the
// request's and is the sole correlation key.
type CommandResponse struct {
	MessageID string
	SourceID  string
	Success   bool
	Output    string
	Errors    []string
}

// Ack is a stream-level receipt for an unattended request.
type Ack struct {
	MessageID   string
	SourceID    string
	TimestampMS uint64
}

func (m Hello) Validate() error { return validateAnnounce("hello", m.MessageID, m.Identity) }
func (m Pong) Validate() error  { return validateAnnounce("pong", m.MessageID, m.Identity) }

func validateAnnounce(kind, messageID string, identity node.Identity) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: %s missing message_id", ErrInvalidMessage, kind)
	}
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("%w: %s identity: %v", ErrInvalidMessage, kind, err)
	}
	return nil
}

func (m CommandRequest) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: command request missing message_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("%w: command request missing source_id", ErrInvalidMessage)
	}
	if m.Command == "" {
		return fmt.Errorf("%w: command request missing command", ErrInvalidMessage)
	}
	if !m.ExecMode.Valid() {
		return fmt.Errorf("%w: bad exec_mode %d", ErrInvalidMessage, uint8(m.ExecMode))
	}
	return nil
}

func (m CommandResponse) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: command response missing message_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("%w: command response missing source_id", ErrInvalidMessage)
	}
	return nil
}

func (m Ack) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: ack missing message_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("%w: ack missing source_id", ErrInvalidMessage)
	}
	return nil
}

// EncodeHello renders one Hello as a frame ready for the wire.
func EncodeHello(m Hello, limits frame.Limits) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encodeAnnounce(schema.MsgHello, m.MessageID, m.Identity, limits)
}

// EncodePong renders one Pong as a frame ready for the wire.
func EncodePong(m Pong, limits frame.Limits) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encodeAnnounce(schema.MsgPong, m.MessageID, m.Identity, limits)
}

func encodeAnnounce(messageType uint32, messageID string, identity node.Identity, limits frame.Limits) ([]byte, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, messageID),
		tlv.String(schema.FieldSourceID, identity.ID),
		tlv.String(schema.FieldHostAddress, identity.HostAddress),
		tlv.U32(schema.FieldCommandPort, identity.CommandPort),
	}
	if identity.DisplayName != "" {
		fields = append(fields, tlv.String(schema.FieldDisplayName, identity.DisplayName))
	}
	return encodeFrame(messageType, fields, limits)
}

// EncodeCommandRequest renders one request as a stream frame.
func EncodeCommandRequest(m CommandRequest, limits frame.Limits) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, m.MessageID),
		tlv.String(schema.FieldSourceID, m.SourceID),
		tlv.String(schema.FieldCommand, m.Command),
		tlv.U8(schema.FieldExecMode, uint8(m.ExecMode)),
		tlv.Bool(schema.FieldUnattended, m.Unattended),
	}
	if m.DestinationID != "" {
		fields = append(fields, tlv.String(schema.FieldDestinationID, m.DestinationID))
	}
	return encodeFrame(schema.MsgCommandRequest, fields, limits)
}

// EncodeCommandResponse renders one response as a stream frame. The
// error list travels as a JSON array so ordering is preserved.
func EncodeCommandResponse(m CommandResponse, limits frame.Limits) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, m.MessageID),
		tlv.String(schema.FieldSourceID, m.SourceID),
		tlv.Bool(schema.FieldSuccess, m.Success),
		tlv.String(schema.FieldOutput, m.Output),
	}
	if len(m.Errors) > 0 {
		raw, err := json.Marshal(m.Errors)
		if err != nil {
			return nil, err
		}
		fields = append(fields, tlv.Bytes(schema.FieldErrors, raw))
	}
	return encodeFrame(schema.MsgCommandResponse, fields, limits)
}

// EncodeAck renders one receipt as a stream frame.
func EncodeAck(m Ack, limits frame.Limits) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, m.MessageID),
		tlv.String(schema.FieldSourceID, m.SourceID),
	}
	if m.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, m.TimestampMS))
	}
	return encodeFrame(schema.MsgAck, fields, limits)
}

func encodeFrame(messageType uint32, fields []tlv.Field, limits frame.Limits) ([]byte, error) {
	return frame.Encode(frame.Frame{
		Header:  frame.Header{MessageType: messageType},
		Payload: tlv.EncodeFields(fields),
	}, limits)
}

// DecodeHello parses one Hello frame with schema validation.
func DecodeHello(f frame.Frame) (Hello, error) {
	if f.Header.MessageType != schema.MsgHello {
		return Hello{}, fmt.Errorf("%w: got %d want hello", ErrWrongType, f.Header.MessageType)
	}
	messageID, identity, err := decodeAnnounce(f)
	if err != nil {
		return Hello{}, err
	}
	return Hello{MessageID: messageID, Identity: identity}, nil
}

// DecodePong parses one Pong frame with schema validation.
func DecodePong(f frame.Frame) (Pong, error) {
	if f.Header.MessageType != schema.MsgPong {
		return Pong{}, fmt.Errorf("%w: got %d want pong", ErrWrongType, f.Header.MessageType)
	}
	messageID, identity, err := decodeAnnounce(f)
	if err != nil {
		return Pong{}, err
	}
	return Pong{MessageID: messageID, Identity: identity}, nil
}

func decodeAnnounce(f frame.Frame) (string, node.Identity, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return "", node.Identity{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return "", node.Identity{}, err
	}
	port, err := requiredU32(fields, schema.FieldCommandPort)
	if err != nil {
		return "", node.Identity{}, err
	}
	identity := node.Identity{
		ID:          mustString(fields, schema.FieldSourceID),
		DisplayName: optionalString(fields, schema.FieldDisplayName),
		HostAddress: mustString(fields, schema.FieldHostAddress),
		CommandPort: port,
	}
	return mustString(fields, schema.FieldMessageID), identity, nil
}

// DecodeCommandRequest parses one request frame with schema validation.
func DecodeCommandRequest(f frame.Frame) (CommandRequest, error) {
	if f.Header.MessageType != schema.MsgCommandRequest {
		return CommandRequest{}, fmt.Errorf("%w: got %d want command_request", ErrWrongType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return CommandRequest{}, err
	}
	if err := schema.Validate(schema.MsgCommandRequest, fields); err != nil {
		return CommandRequest{}, err
	}
	modeRaw, err := requiredU8(fields, schema.FieldExecMode)
	if err != nil {
		return CommandRequest{}, err
	}
	m := CommandRequest{
		MessageID:     mustString(fields, schema.FieldMessageID),
		SourceID:      mustString(fields, schema.FieldSourceID),
		DestinationID: optionalString(fields, schema.FieldDestinationID),
		Command:       mustString(fields, schema.FieldCommand),
		ExecMode:      ExecMode(modeRaw),
	}
	if fld, ok := tlv.GetField(fields, schema.FieldUnattended); ok {
		v, err := tlv.BoolValue(fld)
		if err != nil {
			return CommandRequest{}, err
		}
		m.Unattended = v
	}
	if err := m.Validate(); err != nil {
		return CommandRequest{}, err
	}
	return m, nil
}

// DecodeCommandResponse parses one response frame with schema validation.
func DecodeCommandResponse(f frame.Frame) (CommandResponse, error) {
	if f.Header.MessageType != schema.MsgCommandResponse {
		return CommandResponse{}, fmt.Errorf("%w: got %d want command_response", ErrWrongType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return CommandResponse{}, err
	}
	if err := schema.Validate(schema.MsgCommandResponse, fields); err != nil {
		return CommandResponse{}, err
	}
	success, err := requiredBool(fields, schema.FieldSuccess)
	if err != nil {
		return CommandResponse{}, err
	}
	m := CommandResponse{
		MessageID: mustString(fields, schema.FieldMessageID),
		SourceID:  mustString(fields, schema.FieldSourceID),
		Success:   success,
		Output:    optionalString(fields, schema.FieldOutput),
	}
	if fld, ok := tlv.GetField(fields, schema.FieldErrors); ok {
		raw, err := tlv.BytesValue(fld)
		if err != nil {
			return CommandResponse{}, err
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return CommandResponse{}, fmt.Errorf("%w: errors field: %v", ErrInvalidMessage, err)
		}
		m.Errors = list
	}
	return m, nil
}

// DecodeAck parses one receipt frame with schema validation.
func DecodeAck(f frame.Frame) (Ack, error) {
	if f.Header.MessageType != schema.MsgAck {
		return Ack{}, fmt.Errorf("%w: got %d want ack", ErrWrongType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Ack{}, err
	}
	if err := schema.Validate(schema.MsgAck, fields); err != nil {
		return Ack{}, err
	}
	m := Ack{
		MessageID: mustString(fields, schema.FieldMessageID),
		SourceID:  mustString(fields, schema.FieldSourceID),
	}
	if fld, ok := tlv.GetField(fields, schema.FieldTimestampMS); ok {
		v, err := tlv.U64Value(fld)
		if err != nil {
			return Ack{}, err
		}
		m.TimestampMS = v
	}
	return m, nil
}

// mustString reads a schema-required string field; schema.Validate has
// already guaranteed presence and type.
func mustString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func optionalString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U32Value(f)
}

func requiredU8(fields []tlv.Field, id uint16) (uint8, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U8Value(f)
}

func requiredBool(fields []tlv.Field, id uint16) (bool, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.BoolValue(f)
}

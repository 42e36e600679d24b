package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/kleeedolinux/gobansocket/socket"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrUnknownMessage = errors.New("unknown message type")

type MessageType string

const (
	TypeInit         MessageType = "init"
	TypeSend         MessageType = "send"
	TypeAuthenticate MessageType = "authenticate"
	TypeDisconnect   MessageType = "disconnect"
	TypePing         MessageType = "ping"
	TypeSetOptions   MessageType = "set_options"

	TypeEvent        MessageType = "event"
	TypeCallback     MessageType = "callback"
	TypePropertySync MessageType = "property_sync"
)

// Command is a message posted by the proxy to the worker.
type Command interface {
	MessageType() MessageType
	command()
}

// Notification is a message posted by the worker to the proxy.
type Notification interface {
	MessageType() MessageType
	notification()
}

type InitMessage struct {
	URL     string         `json:"url"`
	Options socket.Options `json:"options"`
}

type SendMessage struct {
	Command    string          `json:"command"`
	Data       json.RawMessage `json:"data,omitempty"`
	CallbackID int64           `json:"callbackId,omitempty"`
}

type AuthenticateMessage struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type DisconnectMessage struct{}

type PingMessage struct{}

type SetOptionsMessage struct {
	Options socket.OptionsPatch `json:"options"`
}

type EventMessage struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

type CallbackMessage struct {
	CallbackID int64           `json:"callbackId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type PropertySyncMessage struct {
	Connected  bool    `json:"connected"`
	Latency    float64 `json:"latency"`
	ClockDrift float64 `json:"clock_drift"`
}

func (InitMessage) MessageType() MessageType         { return TypeInit }
func (SendMessage) MessageType() MessageType         { return TypeSend }
func (AuthenticateMessage) MessageType() MessageType { return TypeAuthenticate }
func (DisconnectMessage) MessageType() MessageType   { return TypeDisconnect }
func (PingMessage) MessageType() MessageType         { return TypePing }
func (SetOptionsMessage) MessageType() MessageType   { return TypeSetOptions }
func (EventMessage) MessageType() MessageType        { return TypeEvent }
func (CallbackMessage) MessageType() MessageType     { return TypeCallback }
func (PropertySyncMessage) MessageType() MessageType { return TypePropertySync }

func (InitMessage) command()         {}
func (SendMessage) command()         {}
func (AuthenticateMessage) command() {}
func (DisconnectMessage) command()   {}
func (PingMessage) command()         {}
func (SetOptionsMessage) command()   {}

func (EventMessage) notification()        {}
func (CallbackMessage) notification()     {}
func (PropertySyncMessage) notification() {}

// HasError reports whether the callback carries an error. An absent error
// and the JSON values null, false, 0 and "" all mean success.
func (m CallbackMessage) HasError() bool {
	if len(m.Error) == 0 {
		return false
	}
	v := jsoniter.Get(m.Error)
	switch v.ValueType() {
	case jsoniter.InvalidValue, jsoniter.NilValue:
		return false
	case jsoniter.BoolValue:
		return v.ToBool()
	case jsoniter.NumberValue:
		return v.ToFloat64() != 0
	case jsoniter.StringValue:
		return v.ToString() != ""
	}
	return true
}

func EncodeCommand(m Command) ([]byte, error) {
	return encode(m.MessageType(), m)
}

func EncodeNotification(m Notification) ([]byte, error) {
	return encode(m.MessageType(), m)
}

// encode writes the message fields and its type tag into one JSON object.
func encode(t MessageType, m any) ([]byte, error) {
	body, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}

	fields := map[string]json.RawMessage{}
	if err := codec.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	tag, _ := codec.Marshal(t)
	fields["type"] = tag

	return codec.Marshal(fields)
}

func messageType(frame []byte) MessageType {
	return MessageType(jsoniter.Get(frame, "type").ToString())
}

func DecodeCommand(frame []byte) (Command, error) {
	switch t := messageType(frame); t {
	case TypeInit:
		return decodeAs[InitMessage](frame)
	case TypeSend:
		return decodeAs[SendMessage](frame)
	case TypeAuthenticate:
		return decodeAs[AuthenticateMessage](frame)
	case TypeDisconnect:
		return DisconnectMessage{}, nil
	case TypePing:
		return PingMessage{}, nil
	case TypeSetOptions:
		return decodeAs[SetOptionsMessage](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, t)
	}
}

func DecodeNotification(frame []byte) (Notification, error) {
	switch t := messageType(frame); t {
	case TypeEvent:
		return decodeAs[EventMessage](frame)
	case TypeCallback:
		return decodeAs[CallbackMessage](frame)
	case TypePropertySync:
		return decodeAs[PropertySyncMessage](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, t)
	}
}

func decodeAs[T any](frame []byte) (T, error) {
	var m T
	if err := codec.Unmarshal(frame, &m); err != nil {
		return m, fmt.Errorf("decode: %w", err)
	}
	return m, nil
}

// marshalPayload copies an arbitrary value into an encoded payload.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	return codec.Marshal(v)
}

package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a client frame: [command, data] or [command, data, id].
type Request struct {
	Command string
	Data    json.RawMessage
	ID      int64
}

// Frame is a server frame: either an event [name, data] or a response
// [id, data, error].
type Frame struct {
	Event      Event
	Data       json.RawMessage
	IsResponse bool
	ID         int64
	Error      json.RawMessage
}

func EncodeRequest(command string, data any, id int64) ([]byte, error) {
	if id > 0 {
		return codec.Marshal([]any{command, data, id})
	}
	return codec.Marshal([]any{command, data})
}

func DecodeRequest(b []byte) (Request, error) {
	var parts []json.RawMessage
	if err := codec.Unmarshal(b, &parts); err != nil || len(parts) < 1 {
		return Request{}, ErrInvalidMessage
	}
	var req Request
	if err := codec.Unmarshal(parts[0], &req.Command); err != nil {
		return Request{}, ErrInvalidMessage
	}
	if len(parts) > 1 {
		req.Data = parts[1]
	}
	if len(parts) > 2 {
		if err := codec.Unmarshal(parts[2], &req.ID); err != nil {
			return Request{}, ErrInvalidMessage
		}
	}
	return req, nil
}

func EncodeEvent(event Event, data any) ([]byte, error) {
	return codec.Marshal([]any{event, data})
}

func EncodeResponse(id int64, data any, errDesc any) ([]byte, error) {
	if errDesc != nil {
		return codec.Marshal([]any{id, data, errDesc})
	}
	return codec.Marshal([]any{id, data})
}

func DecodeFrame(b []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := codec.Unmarshal(b, &parts); err != nil || len(parts) < 1 {
		return Frame{}, ErrInvalidMessage
	}

	var f Frame
	if len(parts) > 1 {
		f.Data = parts[1]
	}

	if err := codec.Unmarshal(parts[0], &f.ID); err == nil {
		f.IsResponse = true
		if len(parts) > 2 && !isNull(parts[2]) {
			f.Error = parts[2]
		}
		return f, nil
	}

	if err := codec.Unmarshal(parts[0], &f.Event); err != nil {
		return Frame{}, ErrInvalidMessage
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// RemoteError is an error description received from the other side of a
// connection. Raw holds the description exactly as it was sent.
type RemoteError struct {
	Raw json.RawMessage
}

func (e *RemoteError) Error() string {
	var s string
	if err := codec.Unmarshal(e.Raw, &s); err == nil {
		return s
	}
	var rec struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := codec.Unmarshal(e.Raw, &rec); err == nil {
		switch {
		case rec.Message != "":
			return rec.Message
		case rec.Error != "":
			return rec.Error
		case rec.Code != "":
			return rec.Code
		}
	}
	return string(e.Raw)
}

// DescribeError normalizes err into a copyable description. RemoteErrors keep
// their original payload; anything else becomes its message string.
func DescribeError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) && len(re.Raw) > 0 {
		return re.Raw
	}
	raw, mErr := codec.Marshal(err.Error())
	if mErr != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return raw
}

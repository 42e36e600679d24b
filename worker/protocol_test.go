package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/gobansocket/socket"
)

func TestEncodeCommandTagsType(t *testing.T) {
	b, err := EncodeCommand(InitMessage{URL: "wss://online-go.com", Options: socket.Options{PingInterval: 3000}})
	require.Nil(t, err)
	assert.JSONEq(t, `{"type":"init","url":"wss://online-go.com","options":{"ping_interval":3000}}`, string(b))

	b, err = EncodeCommand(DisconnectMessage{})
	require.Nil(t, err)
	assert.JSONEq(t, `{"type":"disconnect"}`, string(b))
}

func TestSendMessageOmitsMissingCallback(t *testing.T) {
	b, err := EncodeCommand(SendMessage{Command: "game/move", Data: json.RawMessage(`{"move":"dd"}`)})
	require.Nil(t, err)
	assert.JSONEq(t, `{"type":"send","command":"game/move","data":{"move":"dd"}}`, string(b))

	cmd, err := DecodeCommand(b)
	require.Nil(t, err)
	send, ok := cmd.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, int64(0), send.CallbackID)
	assert.Equal(t, "game/move", send.Command)
}

func TestSetOptionsCarriesOnlyPatchedKeys(t *testing.T) {
	b, err := EncodeCommand(SetOptionsMessage{Options: socket.OptionsPatch{TimeoutDelay: socket.Int(2000)}})
	require.Nil(t, err)
	assert.JSONEq(t, `{"type":"set_options","options":{"timeout_delay":2000}}`, string(b))

	cmd, err := DecodeCommand(b)
	require.Nil(t, err)
	m := cmd.(SetOptionsMessage)
	assert.Nil(t, m.Options.PingInterval)
	if assert.NotNil(t, m.Options.TimeoutDelay) {
		assert.Equal(t, 2000, *m.Options.TimeoutDelay)
	}
}

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"type":"event","event":"latency","args":[120,-4]}`))
	require.Nil(t, err)
	ev := n.(EventMessage)
	assert.Equal(t, socket.EventLatency, ev.Event)
	require.Len(t, ev.Args, 2)
	assert.Equal(t, "120", string(ev.Args[0]))

	n, err = DecodeNotification([]byte(`{"type":"property_sync","connected":true,"latency":80,"clock_drift":12.5}`))
	require.Nil(t, err)
	assert.Equal(t, PropertySyncMessage{Connected: true, Latency: 80, ClockDrift: 12.5}, n)

	n, err = DecodeNotification([]byte(`{"type":"callback","callbackId":3,"error":null}`))
	require.Nil(t, err)
	assert.False(t, n.(CallbackMessage).HasError())
}

func TestDecodeRejectsWrongDirection(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"callback","callbackId":1}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeNotification([]byte(`{"type":"init","url":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeCommand([]byte(`{"url":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMarshalPayloadCopies(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	out, err := marshalPayload(raw)
	require.Nil(t, err)
	raw[2] = 'b'
	assert.Equal(t, `{"a":1}`, string(out))

	out, err = marshalPayload(nil)
	require.Nil(t, err)
	assert.Nil(t, out)

	_, err = marshalPayload(func() {})
	assert.NotNil(t, err)
}

func TestCallbackHasError(t *testing.T) {
	cases := map[string]bool{
		``:                   false,
		`null`:               false,
		`false`:              false,
		`0`:                  false,
		`""`:                 false,
		`true`:               true,
		`404`:                true,
		`"bad command"`:      true,
		`{"message":"nope"}`: true,
		`[]`:                 true,
	}
	for raw, want := range cases {
		m := CallbackMessage{CallbackID: 1, Error: json.RawMessage(raw)}
		assert.Equal(t, want, m.HasError(), raw)
	}
}

package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsApply(t *testing.T) {
	opts := Options{PingInterval: 10000, TimeoutDelay: 8000, Quiet: true}
	opts.Apply(OptionsPatch{TimeoutDelay: Int(4000), DontPing: Bool(true)})

	assert.Equal(t, Options{PingInterval: 10000, TimeoutDelay: 4000, DontPing: true, Quiet: true}, opts)
}

func TestOptionsApplyEmptyPatch(t *testing.T) {
	opts := Options{PingInterval: 10000}
	opts.Apply(OptionsPatch{})
	assert.Equal(t, Options{PingInterval: 10000}, opts)
}

func TestOptionsDiff(t *testing.T) {
	prev := Options{PingInterval: 10000, TimeoutDelay: 8000}

	patch := prev.Diff(prev)
	assert.True(t, patch.IsEmpty())

	patch = prev.Diff(Options{PingInterval: 3000, TimeoutDelay: 8000, Quiet: true})
	assert.False(t, patch.IsEmpty())
	if assert.NotNil(t, patch.PingInterval) {
		assert.Equal(t, 3000, *patch.PingInterval)
	}
	assert.Nil(t, patch.TimeoutDelay)
	assert.Nil(t, patch.DontPing)
	if assert.NotNil(t, patch.Quiet) {
		assert.True(t, *patch.Quiet)
	}
}

func TestOptionsPatchJSONCarriesOnlyPresentKeys(t *testing.T) {
	b, err := codec.Marshal(OptionsPatch{TimeoutDelay: Int(1500)})
	assert.Nil(t, err)
	assert.JSONEq(t, `{"timeout_delay":1500}`, string(b))

	b, err = codec.Marshal(OptionsPatch{DontPing: Bool(false)})
	assert.Nil(t, err)
	assert.JSONEq(t, `{"dont_ping":false}`, string(b))
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	assert.Equal(t, DefaultPingInterval, opts.pingInterval())
	assert.Equal(t, DefaultTimeoutDelay, opts.timeoutDelay())

	opts = Options{PingInterval: 500, TimeoutDelay: 250}
	assert.Equal(t, 500, opts.pingInterval())
	assert.Equal(t, 250, opts.timeoutDelay())
}

package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := c.Receive(ctx)
	require.Nil(t, err)
	return frame
}

func TestPipeOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	for _, f := range []string{"1", "2", "3"} {
		require.Nil(t, a.Send(context.Background(), []byte(f)))
	}

	assert.Equal(t, "1", string(receive(t, b)))
	assert.Equal(t, "2", string(receive(t, b)))
	assert.Equal(t, "3", string(receive(t, b)))

	require.Nil(t, b.Send(context.Background(), []byte("back")))
	assert.Equal(t, "back", string(receive(t, a)))
}

func TestPipeCopiesFrames(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	frame := []byte(`{"n":1}`)
	require.Nil(t, a.Send(context.Background(), frame))
	frame[5] = '2'

	assert.Equal(t, `{"n":1}`, string(receive(t, b)))
}

func TestPipeCloseDrains(t *testing.T) {
	a, b := Pipe()

	require.Nil(t, a.Send(context.Background(), []byte("last")))
	require.Nil(t, a.Close())

	assert.Equal(t, "last", string(receive(t, b)))

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrClosed)
	assert.ErrorIs(t, b.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestPipeReceiveContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func streamPair() (*StreamConn, *StreamConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return NewStreamConn(r2, w1, w1), NewStreamConn(r1, w2, w2)
}

func TestStreamConn(t *testing.T) {
	a, b := streamPair()
	defer b.Close()

	require.Nil(t, a.Send(context.Background(), []byte(`{"type":"ping"}`)))
	require.Nil(t, a.Send(context.Background(), []byte("{\n\"type\": \"disconnect\"\n}")))

	assert.Equal(t, `{"type":"ping"}`, string(receive(t, b)))
	assert.JSONEq(t, `{"type":"disconnect"}`, string(receive(t, b)))

	require.Nil(t, b.Send(context.Background(), []byte(`{"type":"event"}`)))
	assert.Equal(t, `{"type":"event"}`, string(receive(t, a)))

	require.Nil(t, a.Send(context.Background(), []byte(`{"type":"ping"}`)))
	require.Nil(t, a.Close())

	assert.Equal(t, `{"type":"ping"}`, string(receive(t, b)))
	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrClosed)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestStreamConnReportsWriteFailure(t *testing.T) {
	c := NewStreamConn(strings.NewReader(""), brokenWriter{}, nil)

	require.Nil(t, c.Send(context.Background(), []byte(`{"type":"ping"}`)))

	require.Eventually(t, func() bool {
		return c.Send(context.Background(), []byte(`{"type":"ping"}`)) != nil
	}, time.Second, 5*time.Millisecond)

	err := c.Send(context.Background(), []byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorContains(t, err, "broken pipe")
	assert.EqualError(t, c.Close(), "broken pipe")
}

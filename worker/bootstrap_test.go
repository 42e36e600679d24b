package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/gobansocket/socket"
)

func TestScriptLocationSameOrigin(t *testing.T) {
	loc, err := ScriptLocation(ScriptConfig{
		BundledURL: "/build/GobanSocketWorkerScript.js",
		PageOrigin: "https://online-go.com",
	})
	require.Nil(t, err)
	assert.True(t, loc.SameOrigin)
	assert.Equal(t, "https://online-go.com/build/GobanSocketWorkerScript.js", loc.URL)

	loc, err = ScriptLocation(ScriptConfig{
		BundledURL: "https://online-go.com:443/w.js",
		PageOrigin: "https://ONLINE-GO.com",
	})
	require.Nil(t, err)
	assert.True(t, loc.SameOrigin)
}

func TestScriptLocationRelativeToBase(t *testing.T) {
	loc, err := ScriptLocation(ScriptConfig{
		BundledURL: "worker.js",
		BaseURL:    "https://online-go.com/static/",
		PageOrigin: "https://online-go.com",
	})
	require.Nil(t, err)
	assert.True(t, loc.SameOrigin)
	assert.Equal(t, "https://online-go.com/static/worker.js", loc.URL)
}

func TestScriptLocationCrossOriginFallsBack(t *testing.T) {
	loc, err := ScriptLocation(ScriptConfig{
		BaseURL:    "https://cdn.online-go.com",
		PageOrigin: "https://online-go.com",
		Version:    "5.1.0",
	})
	require.Nil(t, err)
	assert.False(t, loc.SameOrigin)
	assert.Equal(t, "https://online-go.com/GobanSocketWorker/GobanSocketWorkerScript-5.1.0.js", loc.URL)

	loc, err = ScriptLocation(ScriptConfig{
		BundledURL: "http://online-go.com/w.js",
		PageOrigin: "https://online-go.com",
	})
	require.Nil(t, err)
	assert.False(t, loc.SameOrigin)
	assert.Equal(t, "https://online-go.com/GobanSocketWorker/GobanSocketWorkerScript-"+Version+".js", loc.URL)
}

func TestScriptLocationInvalidOrigin(t *testing.T) {
	_, err := ScriptLocation(ScriptConfig{PageOrigin: "online-go.com"})
	assert.ErrorIs(t, err, ErrInvalidOrigin)
}

func TestHTTPOrigin(t *testing.T) {
	o, err := httpOrigin("wss://online-go.com:443/socket")
	require.Nil(t, err)
	assert.Equal(t, "https://online-go.com", o)

	o, err = httpOrigin("ws://localhost:8080")
	require.Nil(t, err)
	assert.Equal(t, "http://localhost:8080", o)

	_, err = httpOrigin("/relative")
	assert.ErrorIs(t, err, socket.ErrInvalidURL)
}

func TestInProcessSpawner(t *testing.T) {
	ff := newFakeFactory()
	w, err := InProcessSpawner{Factory: ff.factory}.Spawn(context.Background(), Location{URL: "https://online-go.com/w.js"})
	require.Nil(t, err)
	assert.NotEmpty(t, w.ID())

	frame, err := EncodeCommand(InitMessage{URL: "wss://online-go.com"})
	require.Nil(t, err)
	require.Nil(t, w.Conn().Send(context.Background(), frame))
	s := ff.next(t)

	require.Nil(t, w.Terminate())

	select {
	case err, ok := <-w.Err():
		assert.False(t, ok, "unexpected worker error %v", err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.True(t, s.isDisconnected())
}

func TestInProcessSpawnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := InProcessSpawner{}.Spawn(ctx, Location{})
	assert.ErrorIs(t, err, context.Canceled)
}

func lookPath(t *testing.T, name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func TestProcessSpawnerStreams(t *testing.T) {
	sh := lookPath(t, "sh")

	// cat echoes every frame back, which is enough to exercise the framing.
	w, err := ProcessSpawner{Command: sh, Args: []string{"-c", "cat", "sh"}}.
		Spawn(context.Background(), Location{URL: "https://online-go.com/w.js"})
	require.Nil(t, err)

	require.Nil(t, w.Conn().Send(context.Background(), []byte(`{"type":"ping"}`)))
	assert.Equal(t, `{"type":"ping"}`, string(receive(t, w.Conn())))

	require.Nil(t, w.Terminate())
	select {
	case err, ok := <-w.Err():
		assert.False(t, ok, "unexpected worker error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestProcessSpawnerUnexpectedExit(t *testing.T) {
	sh := lookPath(t, "sh")

	w, err := ProcessSpawner{Command: sh, Args: []string{"-c", "exit 3", "sh"}}.
		Spawn(context.Background(), Location{})
	require.Nil(t, err)
	defer w.Terminate()

	select {
	case err := <-w.Err():
		assert.NotNil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("exit not reported")
	}
}

func TestProcessSpawnerMissingCommand(t *testing.T) {
	_, err := ProcessSpawner{Command: "/nonexistent/gobansocket"}.Spawn(context.Background(), Location{})
	assert.NotNil(t, err)
}

func TestDialFeedsWorkerFailureToProxy(t *testing.T) {
	sh := lookPath(t, "sh")

	fatal := make(chan error, 1)
	p, err := Dial(context.Background(), "wss://online-go.com", socket.Options{},
		WithSpawner(ProcessSpawner{Command: sh, Args: []string{"-c", "read line; exit 1", "sh"}}),
		WithProxyOptions(WithFatalNotifier(func(err error) { fatal <- err })),
	)
	require.Nil(t, err)
	defer p.Close()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrWorkerFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker failure not surfaced")
	}

	_, err = p.SendPromise(context.Background(), "hostinfo", nil)
	assert.ErrorIs(t, err, ErrWorkerFailed)
}

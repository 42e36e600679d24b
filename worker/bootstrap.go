package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kleeedolinux/gobansocket/socket"
)

// Version identifies the worker build. It is set at link time with
// -ldflags "-X github.com/kleeedolinux/gobansocket/worker.Version=...".
var Version = "dev"

const (
	// DefaultBundledScript is where the bundled worker is served relative
	// to its base URL.
	DefaultBundledScript = "/GobanSocketWorkerScript.js"

	versionedScriptPath = "/GobanSocketWorker/GobanSocketWorkerScript-%s.js"
)

var ErrInvalidOrigin = errors.New("invalid page origin")

// ScriptConfig describes where the worker script may be loaded from.
type ScriptConfig struct {
	// BundledURL is the bundler's script URL, possibly relative to BaseURL.
	BundledURL string
	// BaseURL defaults to PageOrigin.
	BaseURL    string
	PageOrigin string
	// Version defaults to the package Version.
	Version string
}

// Location is the resolved worker script URL.
type Location struct {
	URL        string
	SameOrigin bool
}

// ScriptLocation returns the bundled script when it is served from the page's
// own origin. Otherwise it falls back to a versioned same-origin path, so a
// cache never hands out a worker from an older deploy.
func ScriptLocation(cfg ScriptConfig) (Location, error) {
	page, err := url.Parse(cfg.PageOrigin)
	if err != nil || page.Scheme == "" || page.Host == "" {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidOrigin, cfg.PageOrigin)
	}

	base := page
	if cfg.BaseURL != "" {
		base, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return Location{}, fmt.Errorf("worker base url: %w", err)
		}
	}

	bundled := cfg.BundledURL
	if bundled == "" {
		bundled = DefaultBundledScript
	}
	resolved, err := base.Parse(bundled)
	if err != nil {
		return Location{}, fmt.Errorf("worker script url: %w", err)
	}

	if origin(resolved) == origin(page) {
		return Location{URL: resolved.String(), SameOrigin: true}, nil
	}

	version := cfg.Version
	if version == "" {
		version = Version
	}
	return Location{
		URL: origin(page) + fmt.Sprintf(versionedScriptPath, url.PathEscape(version)),
	}, nil
}

func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	switch {
	case port == "":
	case scheme == "http" && port == "80", scheme == "https" && port == "443":
		port = ""
	case scheme == "ws" && port == "80", scheme == "wss" && port == "443":
		port = ""
	}

	if port != "" {
		host = host + ":" + port
	}
	return scheme + "://" + host
}

// Worker is a running worker context.
type Worker interface {
	ID() string
	Conn() Conn
	// Err delivers at most one fatal error, then is closed.
	Err() <-chan error
	Terminate() error
}

type Spawner interface {
	Spawn(ctx context.Context, loc Location) (Worker, error)
}

// InProcessSpawner runs the host on a goroutine connected by a Pipe.
type InProcessSpawner struct {
	Factory SocketFactory
	Logger  *slog.Logger
}

type inProcessWorker struct {
	id     string
	conn   Conn
	errs   chan error
	cancel context.CancelFunc
}

func (s InProcessSpawner) Spawn(ctx context.Context, loc Location) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	factory := s.Factory
	if factory == nil {
		factory = ClientFactory()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proxyEnd, hostEnd := Pipe()
	wctx, cancel := context.WithCancel(context.Background())

	w := &inProcessWorker{
		id:     uuid.NewString(),
		conn:   proxyEnd,
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	logger.Debug("starting socket worker", "worker", w.id, "script", loc.URL)

	host := NewHost(hostEnd, factory, WithHostLogger(logger.With("worker", w.id)))
	go func() {
		defer close(w.errs)
		err := host.Serve(wctx)
		hostEnd.Close()
		if err != nil {
			w.errs <- err
		}
	}()

	return w, nil
}

func (w *inProcessWorker) ID() string        { return w.id }
func (w *inProcessWorker) Conn() Conn        { return w.conn }
func (w *inProcessWorker) Err() <-chan error { return w.errs }

func (w *inProcessWorker) Terminate() error {
	w.cancel()
	return w.conn.Close()
}

// ProcessSpawner runs the worker as a child process speaking the protocol
// over stdin and stdout, typically `gobansocket worker`.
type ProcessSpawner struct {
	Command string
	// Args precede the --script flag. Defaults to ["worker"].
	Args   []string
	Env    []string
	Stderr io.Writer
	// KillAfter bounds how long Terminate waits for a clean exit.
	KillAfter time.Duration
}

type processWorker struct {
	id         string
	cmd        *exec.Cmd
	conn       *StreamConn
	errs       chan error
	exited     chan struct{}
	terminated atomic.Bool
	killAfter  time.Duration
	once       sync.Once
}

func (s ProcessSpawner) Spawn(ctx context.Context, loc Location) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := s.Args
	if args == nil {
		args = []string{"worker"}
	}
	args = append(append([]string(nil), args...), "--script", loc.URL)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	cmd := exec.Command(s.Command, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = s.Stderr
	if s.Env != nil {
		cmd.Env = s.Env
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	stdinR.Close()
	stdoutW.Close()

	killAfter := s.KillAfter
	if killAfter <= 0 {
		killAfter = 5 * time.Second
	}

	w := &processWorker{
		id:        uuid.NewString(),
		cmd:       cmd,
		conn:      NewStreamConn(stdoutR, stdinW, closers{stdinW, stdoutR}),
		errs:      make(chan error, 1),
		exited:    make(chan struct{}),
		killAfter: killAfter,
	}

	go func() {
		defer close(w.errs)
		err := cmd.Wait()
		close(w.exited)
		if w.terminated.Load() {
			return
		}
		if err == nil {
			err = errors.New("worker exited")
		}
		w.errs <- err
	}()

	return w, nil
}

func (w *processWorker) ID() string        { return w.id }
func (w *processWorker) Conn() Conn        { return w.conn }
func (w *processWorker) Err() <-chan error { return w.errs }

// Terminate closes the worker's stdin and kills it if it does not exit in time.
func (w *processWorker) Terminate() error {
	var err error
	w.once.Do(func() {
		w.terminated.Store(true)
		err = w.conn.Close()

		select {
		case <-w.exited:
		case <-time.After(w.killAfter):
			if kErr := w.cmd.Process.Kill(); kErr != nil && err == nil {
				err = kErr
			}
			<-w.exited
		}
	})
	return err
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type dialConfig struct {
	script    ScriptConfig
	spawner   Spawner
	proxyOpts []ProxyOption
}

type DialOption func(*dialConfig)

func WithScript(cfg ScriptConfig) DialOption {
	return func(c *dialConfig) {
		c.script = cfg
	}
}

func WithSpawner(s Spawner) DialOption {
	return func(c *dialConfig) {
		c.spawner = s
	}
}

func WithProxyOptions(opts ...ProxyOption) DialOption {
	return func(c *dialConfig) {
		c.proxyOpts = append(c.proxyOpts, opts...)
	}
}

// Dial picks the worker script location, starts a worker there and returns
// a Proxy connected to socketURL through it. Without a configured page
// origin, the origin of socketURL is used.
func Dial(ctx context.Context, socketURL string, options socket.Options, opts ...DialOption) (*Proxy, error) {
	cfg := dialConfig{spawner: InProcessSpawner{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.script.PageOrigin == "" {
		pageOrigin, err := httpOrigin(socketURL)
		if err != nil {
			return nil, err
		}
		cfg.script.PageOrigin = pageOrigin
	}

	loc, err := ScriptLocation(cfg.script)
	if err != nil {
		return nil, err
	}

	w, err := cfg.spawner.Spawn(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("spawn socket worker: %w", err)
	}

	return NewProxy(w, socketURL, options, cfg.proxyOpts...), nil
}

func httpOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", socket.ErrInvalidURL, raw)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return origin(u), nil
}

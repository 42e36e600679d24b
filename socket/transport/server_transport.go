package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/gobansocket/debug"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrServerConnDone = errors.New("server connection closed")
)

// ServerTransport is the server end of one client connection as the
// termination server sees it: whole frames in, whole frames out.
type ServerTransport interface {
	Read() ([]byte, error)

	Write([]byte) error

	Close() error

	ID() string
}

type ServerConfig struct {
	// WriteTimeout bounds every frame write. Zero means no deadline.
	WriteTimeout time.Duration
	// QueueSize is how many outbound frames may wait for the write pump.
	QueueSize int
	// ReadLimit caps inbound frame size. Zero leaves gorilla's default.
	ReadLimit int64
	// CloseGrace bounds the close handshake frame.
	CloseGrace time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WriteTimeout: 10 * time.Second,
		QueueSize:    256,
		ReadLimit:    1 << 20,
		CloseGrace:   time.Second,
	}
}

// ServerConn carries game frames over a server-side websocket. Writes are
// queued for a single write pump; Close flushes whatever is still queued
// before the close frame goes out.
type ServerConn struct {
	id     string
	conn   *websocket.Conn
	config ServerConfig

	mu     sync.Mutex
	queue  chan []byte
	closed bool
	broken bool

	pumpDone chan struct{}
	once     sync.Once
	closeErr error
}

func NewServerConn(id string, conn *websocket.Conn, config ServerConfig) *ServerConn {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultServerConfig().QueueSize
	}
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	c := &ServerConn{
		id:       id,
		conn:     conn,
		config:   config,
		queue:    make(chan []byte, config.QueueSize),
		pumpDone: make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump writes queued frames until the queue is closed. After a write error
// the remaining frames are discarded and the socket is shut so Read returns.
func (c *ServerConn) pump() {
	defer close(c.pumpDone)

	for frame := range c.queue {
		if c.isBroken() {
			continue
		}
		if c.config.WriteTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			debug.Printf("ServerConn %s: write failed: %v", c.id, err)
			c.breakConn()
		}
	}
}

func (c *ServerConn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// breakConn shuts the socket without the close handshake.
func (c *ServerConn) breakConn() {
	c.mu.Lock()
	already := c.broken
	c.broken = true
	c.mu.Unlock()
	if !already {
		c.conn.Close()
	}
}

func (c *ServerConn) Read() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		debug.Printf("ServerConn %s: read ended: %v", c.id, err)
		return nil, err
	}
	debug.Printf("ServerConn %s: <- %s", c.id, frame)
	return frame, nil
}

// Write queues frame for the pump. A client too slow to keep the queue from
// filling up is cut off.
func (c *ServerConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken {
		return ErrServerConnDone
	}

	select {
	case c.queue <- frame:
		debug.Printf("ServerConn %s: -> %s", c.id, frame)
		return nil
	default:
		debug.Printf("ServerConn %s: queue full, dropping client", c.id)
		c.broken = true
		c.conn.Close()
		return ErrSendBufferFull
	}
}

// Close stops accepting writes, waits for the pump to flush the queue, then
// runs the close handshake. It is safe to call more than once.
func (c *ServerConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()

		<-c.pumpDone

		if !c.isBroken() {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.CloseGrace),
			)
		}
		c.closeErr = c.conn.Close()
		if c.isBroken() {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *ServerConn) ID() string {
	return c.id
}

// NewUpgrader returns the upgrader the termination server uses. Any origin
// may connect; the server is meant for development and tests.
func NewUpgrader(bufferSize int, compression bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    bufferSize,
		WriteBufferSize:   bufferSize,
		EnableCompression: compression,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
}

var _ ServerTransport = (*ServerConn)(nil)

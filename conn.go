package kelvin

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Connection owns a single TCP socket to the server: the handshake, the
// serialized writer, the read loop, and the response router. It is safe
// for concurrent use by multiple goroutines issuing queries.
type Connection struct {
	id     string
	socket net.Conn
	reader *frameReader

	writeMu sync.Mutex

	nextToken atomic.Uint64
	defaultDB string

	router *router
	log    *zap.Logger

	closed     chan struct{}
	closeOnce  sync.Once
	readLoopWG sync.WaitGroup
}

// Open dials host:port, performs the version/auth/protocol handshake, and
// starts the read loop. The connection is only returned once the server's
// banner equals exactly "SUCCESS".
func Open(ctx context.Context, opts ...Option) (*Connection, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	endpoint := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	socket, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("kelvin: dial %s: %w", endpoint, err)
	}

	if cfg.ConnectTimeout > 0 {
		_ = socket.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	if err := writeHandshake(socket, cfg.Version, cfg.AuthKey, cfg.Protocol); err != nil {
		_ = socket.Close()
		return nil, err
	}

	br := bufio.NewReader(socket)
	banner, err := readBanner(br)
	if err != nil {
		_ = socket.Close()
		return nil, err
	}
	if banner != successBanner {
		_ = socket.Close()
		return nil, &HandshakeError{Endpoint: endpoint, Banner: banner}
	}

	if cfg.ConnectTimeout > 0 {
		_ = socket.SetDeadline(time.Time{})
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	id := uuid.New().String()
	log = log.With(zap.String("conn_id", id))

	conn := &Connection{
		id:        id,
		socket:    socket,
		reader:    &frameReader{r: br},
		defaultDB: cfg.DefaultDB,
		router:    newRouter(log.Named("router")),
		log:       log.Named("conn"),
		closed:    make(chan struct{}),
	}
	conn.nextToken.Store(cfg.TokenSeed)

	conn.readLoopWG.Add(1)
	go conn.readLoop()

	conn.log.Info("connection established", zap.String("endpoint", endpoint))
	return conn, nil
}

// ID returns the client-generated identifier for this connection, used to
// correlate log lines across the router, dispatcher, and any cursors it
// produced. It has no meaning to the server.
func (c *Connection) ID() string { return c.id }

// newToken allocates the next 64-bit correlation token.
func (c *Connection) newToken() uint64 {
	return c.nextToken.Add(1) - 1
}

// writeFrame serializes one frame write against concurrent callers. A
// write failure is fatal to the connection: it fails the offending call
// and cascades the connection to closed.
func (c *Connection) writeFrame(token uint64, payload []byte) error {
	c.writeMu.Lock()
	err := writeFrame(c.socket, token, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// readLoop owns the inbound half of the socket exclusively. It decodes
// whole frames and hands each to the router, until the socket errors or
// half-closes, at which point it cascades the connection to closed.
func (c *Connection) readLoop() {
	defer c.readLoopWG.Done()
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			c.log.Debug("read loop exiting", zap.Error(err))
			c.fail(ErrConnectionClosed)
			return
		}
		c.router.dispatch(f)
	}
}

// fail cascades a fatal I/O condition to every in-flight caller: it closes
// the shared signal, drops every router sink, then closes the socket. It is
// idempotent and safe to call from both the read loop and a failed write.
func (c *Connection) fail(_ error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.router.closeAll()
		_ = c.socket.Close()
		c.log.Warn("connection closed")
	})
}

// Close issues a best-effort STOP for every in-flight token, fanned out
// with a bounded errgroup (the writes themselves still take writeMu one at
// a time, so a stuck write holds up the rest), then tears the connection
// down. Idempotent.
func (c *Connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	c.router.mu.Lock()
	tokens := make([]uint64, 0, len(c.router.sinks))
	for t := range c.router.sinks {
		tokens = append(tokens, t)
	}
	c.router.mu.Unlock()

	if len(tokens) > 0 {
		g := new(errgroup.Group)
		g.SetLimit(8)
		for _, t := range tokens {
			t := t
			g.Go(func() error {
				_ = c.stop(t)
				return nil
			})
		}
		_ = g.Wait()
	}

	c.fail(ErrConnectionClosed)
	c.readLoopWG.Wait()
	return nil
}

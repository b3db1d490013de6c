package kelvin

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

type cursorState int

const (
	cursorBuffered cursorState = iota
	cursorRequesting
	cursorExhausted
	cursorClosed
)

// Cursor is a lazy, single-consumer stream over a SUCCESS_PARTIAL or
// SUCCESS_FEED result. It holds the current batch in memory and issues a
// CONTINUE for the next one only once the caller has drained it. Next and
// Close are serialized by an internal mutex, so concurrent calls are safe;
// a Close issued while Next awaits a batch waits for that Next to return.
type Cursor struct {
	conn *Connection
	tok  uint64
	sink chan wireFrame

	mu    sync.Mutex
	buf   []any
	idx   int
	state cursorState
	final bool
}

func newCursor(conn *Connection, token uint64, sink chan wireFrame, initial []any) *Cursor {
	c := &Cursor{
		conn: conn,
		tok:  token,
		sink: sink,
		buf:  initial,
	}
	runtime.SetFinalizer(c, (*Cursor).finalize)
	return c
}

// Next returns the next value in the stream. It returns ok=false, err=nil
// exactly once, when the stream is naturally exhausted; any call after that
// returns ErrCursorExhausted. Calling Next on a closed cursor returns
// ErrCursorClosed.
func (c *Cursor) Next(ctx context.Context) (value any, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		switch c.state {
		case cursorClosed:
			return nil, false, ErrCursorClosed
		case cursorExhausted:
			return nil, false, ErrCursorExhausted
		}

		if c.idx < len(c.buf) {
			v := c.buf[c.idx]
			c.idx++
			return v, true, nil
		}

		if c.final {
			c.state = cursorExhausted
			c.conn.router.unregister(c.tok)
			runtime.SetFinalizer(c, nil)
			return nil, false, nil
		}

		c.state = cursorRequesting
		resp, err := c.conn.continueToken(ctx, c.tok, c.sink)
		if err != nil {
			c.state = cursorClosed
			runtime.SetFinalizer(c, nil)
			_ = c.conn.stop(c.tok)
			return nil, false, err
		}

		c.buf = resp.R
		c.idx = 0
		if resp.Type == respSuccessSequence {
			c.final = true
		}
		c.state = cursorBuffered
	}
}

// Close releases the cursor. If more batches were still possible it sends a
// best-effort STOP so the server abandons the query; if the terminal batch
// had already arrived, there is nothing left to tell the server. Close is
// idempotent.
func (c *Cursor) Close() error {
	c.mu.Lock()
	prev := c.state
	if prev == cursorClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = cursorClosed
	final := c.final
	c.mu.Unlock()

	runtime.SetFinalizer(c, nil)

	if prev == cursorExhausted {
		return nil
	}
	if final {
		// The terminal batch already arrived; only the registration remains.
		c.conn.router.unregister(c.tok)
		return nil
	}
	return c.conn.stop(c.tok)
}

// finalize is the abandonment backstop for callers that never call Close:
// the idiomatic Go analogue of scoped-acquisition for a resource owned on
// the other end of a socket, modeled on os.File's own finalizer. It is not
// a substitute for defer cursor.Close() — by the time it runs, an unknown
// amount of time has passed since the cursor became unreachable.
func (c *Cursor) finalize() {
	c.mu.Lock()
	prev := c.state
	c.state = cursorClosed
	final := c.final
	c.mu.Unlock()

	if prev == cursorClosed || prev == cursorExhausted {
		return
	}
	if final {
		c.conn.router.unregister(c.tok)
		return
	}
	c.conn.log.Warn("cursor abandoned without Close, stopping via finalizer", zap.Uint64("token", c.tok))
	go func() {
		_ = c.conn.stop(c.tok)
	}()
}

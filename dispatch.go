package kelvin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Run sends ast as a START query and classifies the server's first
// response:
//   - SUCCESS_ATOM returns the single decoded value.
//   - SUCCESS_SEQUENCE returns a Sequence.
//   - SUCCESS_PARTIAL / SUCCESS_FEED returns a *Cursor.
//   - an error response returns a *ServerError.
func (c *Connection) Run(ctx context.Context, ast any) (any, error) {
	token := c.newToken()

	payload, err := c.encodeStart(ast)
	if err != nil {
		return nil, err
	}

	sink, err := c.router.register(token)
	if err != nil {
		return nil, err
	}

	if err := c.writeFrame(token, payload); err != nil {
		c.router.unregister(token)
		return nil, err
	}

	f, err := c.awaitFrame(ctx, sink)
	if err != nil {
		if err == ErrConnectionClosed {
			c.router.unregister(token)
		} else {
			// Cancelled: unregister and tell the server to abandon the query.
			_ = c.stop(token)
		}
		return nil, err
	}

	return c.classify(token, sink, f, ast)
}

// NoReplyWait sends NOREPLY_WAIT ([4]) and blocks until the server
// acknowledges with a WAIT_COMPLETE (response type 4).
func (c *Connection) NoReplyWait(ctx context.Context) error {
	token := c.newToken()

	sink, err := c.router.register(token)
	if err != nil {
		return err
	}
	defer c.router.unregister(token)

	if err := c.writeFrame(token, []byte(`[4]`)); err != nil {
		return err
	}

	f, err := c.awaitFrame(ctx, sink)
	if err != nil {
		return err
	}

	resp, err := decodeResponse(f.Payload)
	if err != nil {
		return &ProtocolError{Token: token, Message: err.Error()}
	}
	if resp.Type != respWaitComplete {
		return &ProtocolError{Token: token, Message: fmt.Sprintf("expected WAIT_COMPLETE, got type %d", resp.Type)}
	}
	return nil
}

// continueToken sends CONTINUE ([2]) for an already-registered token and
// awaits the next frame. It is only ever called by a Cursor, which owns
// the token's sink and serializes calls onto it.
func (c *Connection) continueToken(ctx context.Context, token uint64, sink chan wireFrame) (wireResponse, error) {
	if err := c.writeFrame(token, []byte(`[2]`)); err != nil {
		// writeFrame has already cascaded the connection to closed, and this
		// token's query was live when it did.
		return wireResponse{}, ErrConnectionClosed
	}
	f, err := c.awaitFrame(ctx, sink)
	if err != nil {
		return wireResponse{}, err
	}
	resp, err := decodeResponse(f.Payload)
	if err != nil {
		return wireResponse{}, &ProtocolError{Token: token, Message: err.Error()}
	}
	switch resp.Type {
	case respSuccessPartial, respSuccessFeed, respSuccessSequence:
		return resp, nil
	default:
		return wireResponse{}, &ProtocolError{Token: token, Message: fmt.Sprintf("unexpected response type %d to CONTINUE", resp.Type)}
	}
}

// stop sends STOP ([3]) fire-and-forget: it unregisters the token from the
// router immediately after writing, regardless of write outcome, so a
// subsequent server response for it is treated as an unknown-token miss.
func (c *Connection) stop(token uint64) error {
	err := c.writeFrame(token, []byte(`[3]`))
	c.router.unregister(token)
	return err
}

// awaitFrame blocks for the next frame on sink, the connection closing, or
// ctx being done, whichever happens first. Teardown never closes a sink
// (router.closeAll only drops them), so it is the shared closed signal that
// unblocks a waiter; a sink reporting !ok is treated the same way.
func (c *Connection) awaitFrame(ctx context.Context, sink chan wireFrame) (wireFrame, error) {
	select {
	case f, ok := <-sink:
		if !ok {
			return wireFrame{}, ErrConnectionClosed
		}
		return f, nil
	case <-c.closed:
		return wireFrame{}, ErrConnectionClosed
	case <-ctx.Done():
		return wireFrame{}, ctx.Err()
	}
}

// encodeStart marshals ast and, if defaultDB is set and ast has exactly two
// top-level elements (no global options supplied by the caller), splices in
// a third element carrying the default database term.
func (c *Connection) encodeStart(ast any) ([]byte, error) {
	raw, err := json.Marshal(ast)
	if err != nil {
		return nil, fmt.Errorf("kelvin: marshal query: %w", err)
	}
	if c.defaultDB == "" {
		return raw, nil
	}
	if gjson.GetBytes(raw, "#").Int() != 2 {
		return raw, nil
	}
	dbTerm := fmt.Sprintf(`{"db":[%d,[%q]]}`, dbTermID, c.defaultDB)
	spliced, err := sjson.SetRawBytes(raw, "2", []byte(dbTerm))
	if err != nil {
		return nil, fmt.Errorf("kelvin: splice default db: %w", err)
	}
	return spliced, nil
}

// classify turns the first response frame of a START into the caller-
// visible Result: an atom, a Sequence, a *Cursor, or an error. ast is the
// query that produced f, carried through only to populate ServerError.Query
// on the error branches.
func (c *Connection) classify(token uint64, sink chan wireFrame, f wireFrame, ast any) (any, error) {
	tag := gjson.GetBytes(f.Payload, "t").Int()

	resp, err := decodeResponse(f.Payload)
	if err != nil {
		c.router.unregister(token)
		return nil, &ProtocolError{Token: token, Message: err.Error()}
	}

	switch int(tag) {
	case respSuccessAtom:
		c.router.unregister(token)
		if len(resp.R) == 0 {
			return nil, nil
		}
		return resp.R[0], nil

	case respSuccessSequence:
		c.router.unregister(token)
		return Sequence(resp.R), nil

	case respSuccessPartial, respSuccessFeed:
		return newCursor(c, token, sink, resp.R), nil

	case respClientError, respCompileError, respRuntimeError:
		c.router.unregister(token)
		var msg string
		if len(resp.R) > 0 {
			if s, ok := resp.R[0].(string); ok {
				msg = s
			}
		}
		return nil, &ServerError{
			Kind:      serverErrorKindFor(int(tag)),
			Message:   msg,
			Backtrace: resp.Backtrace,
			Query:     ast,
		}

	default:
		c.router.unregister(token)
		return nil, &ProtocolError{Token: token, Message: fmt.Sprintf("unrecognized response type %d", tag)}
	}
}

func decodeResponse(payload []byte) (wireResponse, error) {
	var resp wireResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

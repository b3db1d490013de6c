package kelvin

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// mockServer is a scripted, single-connection stand-in for the real
// database server: it performs the handshake, then hands the accepted
// net.Conn to handle so the test can script whatever frame exchange it
// needs, in the style of the teacher pack's newClientServerTCP helper.
func mockServer(t *testing.T, banner string, handle func(t *testing.T, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if err := readHandshakeFrame(conn); err != nil {
			_ = conn.Close()
			return
		}
		if _, err := conn.Write(append([]byte(banner), 0)); err != nil {
			_ = conn.Close()
			return
		}
		if banner != successBanner {
			_ = conn.Close()
			return
		}
		handle(t, conn)
	}()

	return ln.Addr().String()
}

// readHandshakeFrame consumes the client's version/auth/protocol handshake
// frame without validating its contents, mirroring the wire shape
// writeHandshake produces.
func readHandshakeFrame(r io.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	authLen := binary.LittleEndian.Uint32(hdr[4:8])
	if authLen > 0 {
		buf := make([]byte, authLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
	}
	var proto [4]byte
	_, err := io.ReadFull(r, proto[:])
	return err
}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func openTestConn(t *testing.T, addr string, opts ...Option) *Connection {
	t.Helper()
	host, port := hostPort(addr)
	base := []Option{
		WithHost(host),
		WithPort(port),
		WithConnectTimeout(2 * time.Second),
		WithLogger(zaptest.NewLogger(t)),
	}
	conn, err := Open(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// --- §8 scenario 1: atom ---

func TestScenarioAtom(t *testing.T) {
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		_ = writeFrame(conn, f.Token, []byte(`{"t":1,"r":["foo"]}`))
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{"foo"}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "foo" {
		t.Errorf("result = %v, want %q", result, "foo")
	}
}

// --- §8 scenario 2: full sequence ---

func TestScenarioFullSequence(t *testing.T) {
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		_ = writeFrame(conn, f.Token, []byte(`{"t":2,"r":[1,2,3]}`))
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{2, []any{}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seq, ok := result.(Sequence)
	if !ok {
		t.Fatalf("result type = %T, want Sequence", result)
	}
	if len(seq) != 3 {
		t.Fatalf("len(seq) = %d, want 3", len(seq))
	}
}

// --- §8 scenario 3: paged cursor ---

func TestScenarioPagedCursor(t *testing.T) {
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		token := f.Token
		_ = writeFrame(conn, token, []byte(`{"t":3,"r":[1,2]}`))

		if _, err := fr.ReadFrame(); err != nil {
			return
		}
		_ = writeFrame(conn, token, []byte(`{"t":3,"r":[3,4]}`))

		if _, err := fr.ReadFrame(); err != nil {
			return
		}
		_ = writeFrame(conn, token, []byte(`{"t":2,"r":[5]}`))
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cursor, ok := result.(*Cursor)
	if !ok {
		t.Fatalf("result type = %T, want *Cursor", result)
	}
	defer cursor.Close()

	var got []any
	for {
		v, ok, err := cursor.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("got %d values, want 5: %v", len(got), got)
	}
	for i, want := range []float64{1, 2, 3, 4, 5} {
		if got[i] != want {
			t.Errorf("value %d = %v, want %v", i, got[i], want)
		}
	}

	conn.router.mu.Lock()
	_, stillInflight := conn.router.sinks[cursor.tok]
	conn.router.mu.Unlock()
	if stillInflight {
		t.Error("token still registered after exhaustion")
	}
}

// --- §8 scenario 4: cursor stop ---

func TestScenarioCursorStop(t *testing.T) {
	stopped := make(chan uint64, 1)
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		token := f.Token
		_ = writeFrame(conn, token, []byte(`{"t":3,"r":[1,2]}`))

		stopFrame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if string(stopFrame.Payload) == "[3]" {
			stopped <- stopFrame.Token
		}
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cursor := result.(*Cursor)

	v, ok, err := cursor.Next(context.Background())
	if err != nil || !ok || v != float64(1) {
		t.Fatalf("first Next = (%v, %v, %v), want (1, true, nil)", v, ok, err)
	}

	if err := cursor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case tok := <-stopped:
		if tok != cursor.tok {
			t.Errorf("STOP token = %d, want %d", tok, cursor.tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a STOP frame")
	}

	_, ok, err = cursor.Next(context.Background())
	if ok || err != ErrCursorClosed {
		t.Errorf("Next after Close = (%v, %v, %v), want (_, false, ErrCursorClosed)", v, ok, err)
	}

	if err := cursor.Close(); err != nil {
		t.Errorf("second Close is not a no-op: %v", err)
	}
}

// --- §8 scenario 5: runtime error ---

func TestScenarioRuntimeErrorLeavesConnectionUsable(t *testing.T) {
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		_ = writeFrame(conn, f.Token, []byte(`{"t":18,"r":["No such table"],"b":[0]}`))

		f, err = fr.ReadFrame()
		if err != nil {
			return
		}
		_ = writeFrame(conn, f.Token, []byte(`{"t":1,"r":["ok"]}`))
	})

	conn := openTestConn(t, addr)
	ast := []any{1, []any{15, []any{"nope"}}}
	_, err := conn.Run(context.Background(), ast)
	if err == nil {
		t.Fatal("expected a server error")
	}
	serverErr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("error type = %T, want *ServerError", err)
	}
	if serverErr.Kind != RuntimeErrorKind {
		t.Errorf("kind = %v, want RuntimeErrorKind", serverErr.Kind)
	}
	if serverErr.Message != "No such table" {
		t.Errorf("message = %q, want %q", serverErr.Message, "No such table")
	}
	if got, ok := serverErr.Query.([]any); !ok || fmt.Sprint(got) != fmt.Sprint(ast) {
		t.Errorf("query = %v, want %v", serverErr.Query, ast)
	}

	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{"x"}}})
	if err != nil {
		t.Fatalf("Run after server error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}
}

// --- §8 scenario 6: connection closed mid-cursor ---

func TestScenarioConnectionClosedMidCursor(t *testing.T) {
	serverConn := make(chan net.Conn, 1)
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		_ = writeFrame(conn, f.Token, []byte(`{"t":3,"r":[1,2]}`))
		serverConn <- conn
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cursor := result.(*Cursor)

	v, ok, err := cursor.Next(context.Background())
	if err != nil || !ok || v != float64(1) {
		t.Fatalf("first Next = (%v, %v, %v)", v, ok, err)
	}

	sc := <-serverConn
	_ = sc.Close()

	v, ok, err = cursor.Next(context.Background())
	if err != nil || !ok || v != float64(2) {
		t.Fatalf("second Next (still buffered) = (%v, %v, %v), want (2, true, nil)", v, ok, err)
	}

	_, ok, err = cursor.Next(context.Background())
	if err != ErrConnectionClosed {
		t.Errorf("Next after server close = (%v, %v, %v), want (_, _, ErrConnectionClosed)", ok, ok, err)
	}

	conn.router.mu.Lock()
	n := len(conn.router.sinks)
	conn.router.mu.Unlock()
	if n != 0 {
		t.Errorf("inflight map has %d entries after close, want 0", n)
	}
}

// --- Handshake failure ---

func TestOpenHandshakeFailureNonSuccessBanner(t *testing.T) {
	addr := mockServer(t, "ERROR_WRONG_VERSION", func(t *testing.T, conn net.Conn) {})

	host, port := hostPort(addr)
	_, err := Open(context.Background(), WithHost(host), WithPort(port), WithConnectTimeout(2*time.Second))
	if err == nil {
		t.Fatal("expected handshake error")
	}
	hsErr, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("error type = %T, want *HandshakeError", err)
	}
	if hsErr.Banner != "ERROR_WRONG_VERSION" {
		t.Errorf("banner = %q, want %q", hsErr.Banner, "ERROR_WRONG_VERSION")
	}
}

// --- Token seeding ---

func TestTokenSeedOrdering(t *testing.T) {
	var gotTokens []uint64
	done := make(chan struct{})
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		for i := 0; i < 3; i++ {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			gotTokens = append(gotTokens, f.Token)
			_ = writeFrame(conn, f.Token, []byte(`{"t":1,"r":[0]}`))
		}
		close(done)
	})

	conn := openTestConn(t, addr, WithTokenSeed(100))
	for i := 0; i < 3; i++ {
		if _, err := conn.Run(context.Background(), []any{1, []any{1, []any{}}}); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	<-done
	want := []uint64{100, 101, 102}
	for i, w := range want {
		if gotTokens[i] != w {
			t.Errorf("token %d = %d, want %d", i, gotTokens[i], w)
		}
	}
}

// --- Close() issues STOP for inflight tokens ---

func TestConnectionCloseStopsInflightTokens(t *testing.T) {
	firstBatchSent := make(chan struct{})
	sawStop := make(chan uint64, 1)
	addr := mockServer(t, successBanner, func(t *testing.T, conn net.Conn) {
		fr := newFrameReader(conn)
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		token := f.Token
		_ = writeFrame(conn, token, []byte(`{"t":3,"r":[1]}`))
		close(firstBatchSent)

		next, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if string(next.Payload) == "[3]" {
			sawStop <- next.Token
		}
	})

	conn := openTestConn(t, addr)
	result, err := conn.Run(context.Background(), []any{1, []any{1, []any{}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cursor := result.(*Cursor)

	<-firstBatchSent
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case tok := <-sawStop:
		if tok != cursor.tok {
			t.Errorf("STOP token = %d, want %d", tok, cursor.tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a STOP after Close")
	}
}

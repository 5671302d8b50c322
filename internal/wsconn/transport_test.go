package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn feeds frames from reads and records writes.
type fakeConn struct {
	reads  chan []byte
	errs   chan error
	closed chan struct{}

	mu         sync.Mutex
	writes     []string
	closeCalls int
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.TextMessage, data, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

type ping struct {
	Cmd string `json:"cmd"`
}

func fastOptions() Options {
	return Options{
		MessageTimeout: 20 * time.Millisecond,
		PingTimeout:    20 * time.Millisecond,
		PingFrame:      ping{Cmd: "ping"},
	}
}

func TestNextReturnsFrames(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, fastOptions())
	defer tr.Close()

	conn.reads <- []byte(`{"code":"00002"}`)
	data, err := tr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(data) != `{"code":"00002"}` {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestPingTimeoutClosesOnce(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, fastOptions())

	_, err := tr.Next(context.Background())
	if !errors.Is(err, ErrPingTimeout) {
		t.Fatalf("expected ErrPingTimeout, got %v", err)
	}

	writes := conn.written()
	if len(writes) == 0 || writes[0] != `{"cmd":"ping"}` {
		t.Fatalf("ping frame not sent: %v", writes)
	}
	if tr.CloseCount() != 1 || conn.closes() != 1 {
		t.Fatalf("expected exactly one close, transport=%d conn=%d", tr.CloseCount(), conn.closes())
	}

	if _, err := tr.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after terminal error, got %v", err)
	}
	tr.Close()
	if conn.closes() != 1 {
		t.Fatalf("socket closed %d times", conn.closes())
	}
}

func TestFrameAfterPingKeepsConnection(t *testing.T) {
	conn := newFakeConn()
	opts := fastOptions()
	opts.PingTimeout = time.Second
	tr := New(conn, opts)
	defer tr.Close()

	go func() {
		deadline := time.After(time.Second)
		for {
			if len(conn.written()) > 0 {
				conn.reads <- []byte(`{"code":"0","msg":"Pong"}`)
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	data, err := tr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !strings.Contains(string(data), "Pong") {
		t.Fatalf("unexpected frame: %s", data)
	}
	if tr.CloseCount() != 0 {
		t.Fatalf("transport should still be open")
	}
}

func TestCancellationPropagates(t *testing.T) {
	conn := newFakeConn()
	opts := fastOptions()
	opts.MessageTimeout = time.Minute
	tr := New(conn, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.CloseCount() != 1 || conn.closes() != 1 {
		t.Fatalf("expected exactly one close")
	}
}

func TestRemoteCloseIsConnectionClosed(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, fastOptions())

	conn.errs <- &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"}
	_, err := tr.Next(context.Background())
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if tr.CloseCount() != 1 {
		t.Fatalf("transport not closed")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, fastOptions())
	tr.Close()
	if err := tr.Send(ping{Cmd: "ping"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialRequestAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, err := Dial(ctx, url, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	data, err := tr.Request(ctx, ping{Cmd: "subscribe"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(data) != `echo:{"cmd":"subscribe"}` {
		t.Fatalf("unexpected reply: %s", data)
	}
}

func TestDialInvalidLocalIP(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1", Options{LocalIP: "not-an-ip"}); err == nil {
		t.Fatalf("expected error for invalid local ip")
	}
}

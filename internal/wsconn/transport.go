// Package wsconn wraps one websocket connection as a pull-based frame
// sequence with idle ping detection. A Transport is single use: once it
// reports a terminal error it is closed and a new one must be dialled.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrPingTimeout      = errors.New("wsconn: no frame received after ping")
	ErrConnectionClosed = errors.New("wsconn: connection closed by remote")
	ErrClosed           = errors.New("wsconn: transport closed")
)

const (
	DefaultMessageTimeout   = 30 * time.Second
	DefaultPingTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Conn is the part of *websocket.Conn a Transport needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Options struct {
	// MessageTimeout is the idle time after which a ping is sent.
	MessageTimeout time.Duration
	// PingTimeout bounds the wait for any frame after a ping.
	PingTimeout time.Duration
	// PingFrame is JSON encoded and sent as a text message. Nil disables pings
	// and an idle connection then fails after MessageTimeout+PingTimeout.
	PingFrame interface{}
	// LocalIP binds the outgoing TCP connection to a local address.
	LocalIP          string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = DefaultMessageTimeout
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	return o
}

type frame struct {
	data []byte
	err  error
}

type Transport struct {
	conn Conn
	opts Options

	frames chan frame
	done   chan struct{}

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closeCount atomic.Int32
}

// Dial opens a websocket connection to url and wraps it.
func Dial(ctx context.Context, url string, opts Options) (*Transport, error) {
	opts = opts.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.LocalIP != "" {
		ip := net.ParseIP(opts.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid local ip %q", opts.LocalIP)
		}
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts its read pump. The
// Transport takes ownership of conn.
func New(conn Conn, opts Options) *Transport {
	t := &Transport{
		conn:   conn,
		opts:   opts.withDefaults(),
		frames: make(chan frame),
		done:   make(chan struct{}),
	}
	go t.readPump()
	return t
}

// readPump owns every ReadMessage call. Read deadlines are never set on the
// connection since a timed out gorilla read leaves it unusable.
func (t *Transport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		select {
		case t.frames <- frame{data: data, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next blocks until the next inbound frame. After MessageTimeout of silence
// it sends the ping frame; when nothing arrives within PingTimeout after that
// it closes the transport and returns ErrPingTimeout. Cancellation of ctx
// closes the transport and returns ctx.Err().
func (t *Transport) Next(ctx context.Context) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(t.opts.MessageTimeout)
	defer timer.Stop()
	pinged := false

	for {
		select {
		case <-ctx.Done():
			t.Close()
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrClosed
		case f := <-t.frames:
			if f.err != nil {
				t.Close()
				return nil, classifyReadError(f.err)
			}
			return f.data, nil
		case <-timer.C:
			if pinged {
				t.Close()
				return nil, ErrPingTimeout
			}
			pinged = true
			if t.opts.PingFrame != nil {
				if err := t.Send(t.opts.PingFrame); err != nil {
					t.Close()
					return nil, fmt.Errorf("send ping: %w", err)
				}
			}
			timer.Reset(t.opts.PingTimeout)
		}
	}
}

// Send JSON encodes v and writes it as a text frame.
func (t *Transport) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return t.SendRaw(data)
}

func (t *Transport) SendRaw(data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Request sends v and returns the next inbound frame.
func (t *Transport) Request(ctx context.Context, v interface{}) ([]byte, error) {
	if err := t.Send(v); err != nil {
		return nil, err
	}
	return t.Next(ctx)
}

// Close sends a close frame and closes the socket. Only the first call has
// any effect.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeCount.Add(1)

		t.writeMu.Lock()
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// CloseCount reports how many times the socket has been closed.
func (t *Transport) CloseCount() int {
	return int(t.closeCount.Load())
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return fmt.Errorf("read frame: %w", err)
}

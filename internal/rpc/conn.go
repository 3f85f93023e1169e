// Package rpc implements the Protocol Engine: Content-Length-framed JSON-RPC
// 2.0 over a pair of byte streams, with request/response correlation and
// notification dispatch. It knows nothing about LSP semantics beyond
// framing; method names and params are opaque to it.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a request that doesn't arrive with its own deadline.
// InitializeTimeout is shorter since a hung initialize handshake should be
// diagnosed quickly rather than tying up a server acquisition for 30s.
const (
	DefaultTimeout    = 30 * time.Second
	InitializeTimeout = 10 * time.Second
)

// Handler dispatches inbound requests and notifications from the remote
// peer. Request returns the result to send back (or an error, which is
// encoded as a JSON-RPC error object); Notify has no response to produce.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(method string, params json.RawMessage)
}

// NoopHandler answers every server-initiated request with "method not
// found" and drops every notification. Embed it and override the methods a
// particular server descriptor actually needs.
type NoopHandler struct{}

func (NoopHandler) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, &ResponseError{Code: -32601, Message: fmt.Sprintf("method not found: %s", method)}
}

func (NoopHandler) HandleNotification(string, json.RawMessage) {}

type pendingCall struct {
	result chan *Message
}

// Conn is a single framed JSON-RPC connection to one language server
// process. It is safe for concurrent use: writes are serialized under a
// mutex and each in-flight Call gets its own response channel.
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	r *bufio.Reader

	nextID  atomic.Int64
	pending sync.Map // int64 -> *pendingCall

	handler Handler
	log     *logrus.Entry

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex
}

// NewConn wraps r/w as a framed JSON-RPC connection and starts its read
// loop in a background goroutine. Conn has no Close method: the loop stops,
// and every pending Call is unblocked with a KindIO error, when reading from
// r fails (for example when the peer closes the stream). The caller remains
// responsible for closing the underlying process/pipes.
func NewConn(r io.Reader, w io.Writer, handler Handler, log *logrus.Entry) *Conn {
	if handler == nil {
		handler = NoopHandler{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Conn{
		w:       w,
		r:       bufio.NewReader(r),
		handler: handler,
		log:     log,
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and blocks until the matching response arrives, ctx
// is cancelled, or the connection closes. On success it unmarshals the
// response's result field into out (which may be nil to discard it). If ctx
// carries no deadline of its own, one is applied here (InitializeTimeout for
// "initialize", DefaultTimeout otherwise) so a hung server can't block a
// caller forever.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		timeout := DefaultTimeout
		if method == "initialize" {
			timeout = InitializeTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	raw, err := json.Marshal(params)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInternal, "rpc", "marshal params", err)
	}
	msg := &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}

	pc := &pendingCall{result: make(chan *Message, 1)}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.write(msg); err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "rpc", "write request", err)
	}

	select {
	case resp := <-pc.result:
		if resp == nil {
			return bridgeerr.New(bridgeerr.KindIO, "rpc", "connection closed while awaiting response", c.closeErr)
		}
		if resp.Error != nil {
			return bridgeerr.New(bridgeerr.KindProtocol, "rpc", fmt.Sprintf("server returned error for %s", method), resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return bridgeerr.New(bridgeerr.KindProtocol, "rpc", "unmarshal result", err)
			}
		}
		return nil
	case <-ctx.Done():
		return bridgeerr.New(bridgeerr.KindTimeout, "rpc", fmt.Sprintf("%s timed out", method), ctx.Err())
	case <-c.closed:
		return bridgeerr.New(bridgeerr.KindIO, "rpc", "connection closed while awaiting response", c.closeErr)
	}
}

// Notify sends a notification; there is no response to wait for.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInternal, "rpc", "marshal params", err)
	}
	msg := &Message{JSONRPC: "2.0", Method: method, Params: raw}
	if err := c.write(msg); err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "rpc", "write notification", err)
	}
	return nil
}

// respond sends a response to a server-initiated request.
func (c *Conn) respond(id int64, result any, callErr error) error {
	msg := &Message{JSONRPC: "2.0", ID: &id}
	if callErr != nil {
		if rerr, ok := callErr.(*ResponseError); ok {
			msg.Error = rerr
		} else {
			msg.Error = &ResponseError{Code: -32603, Message: callErr.Error()}
		}
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &ResponseError{Code: -32603, Message: err.Error()}
		} else {
			msg.Result = raw
		}
	}
	return c.write(msg)
}

func (c *Conn) write(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	_, err = c.w.Write(body)
	return err
}

// readLoop parses frames until the stream ends or is unreadable, dispatching
// each message to either a pending Call or the Handler. On exit, every
// still-pending Call is unblocked with a nil result so Call returns a
// KindIO "connection closed" error.
func (c *Conn) readLoop() {
	for {
		msg, fatal, err := c.readMessage()
		if err != nil {
			if !fatal {
				c.log.WithError(err).Warn("rpc: dropping malformed message, stream continues")
				continue
			}
			c.shutdown(err)
			return
		}
		switch {
		case msg.isResponse():
			c.deliverResponse(msg)
		case msg.isRequest():
			go c.dispatchRequest(msg)
		case msg.isNotification():
			c.handler.HandleNotification(msg.Method, msg.Params)
		default:
			c.log.WithField("raw", msg).Warn("rpc: message matched no known shape")
		}
	}
}

func (c *Conn) dispatchRequest(msg *Message) {
	ctx := context.Background()
	result, err := c.handler.HandleRequest(ctx, msg.Method, msg.Params)
	if werr := c.respond(*msg.ID, result, err); werr != nil {
		c.log.WithError(werr).WithField("method", msg.Method).Warn("rpc: failed to respond to server request")
	}
}

func (c *Conn) deliverResponse(msg *Message) {
	v, ok := c.pending.Load(*msg.ID)
	if !ok {
		c.log.WithField("id", *msg.ID).Warn("rpc: response for unknown or already-resolved id")
		return
	}
	pc := v.(*pendingCall)
	select {
	case pc.result <- msg:
	default:
	}
}

func (c *Conn) shutdown(err error) {
	c.closeMu.Lock()
	c.closeErr = err
	c.closeMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.pending.Range(func(key, value any) bool {
		pc := value.(*pendingCall)
		select {
		case pc.result <- nil:
		default:
		}
		return true
	})
}

// Done returns a channel closed once the read loop has exited (peer closed
// the stream, or an unrecoverable framing error occurred).
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that caused the connection to close, or io.EOF for
// a clean peer-initiated close.
func (c *Conn) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// readMessage parses one framed message. The bool return reports whether a
// non-nil error is fatal to the stream: I/O errors reading the underlying
// reader are fatal (the peer is gone), but a malformed header block or an
// unparseable JSON body are not — per spec, those cases discard just the one
// message and the stream keeps going.
func (c *Conn) readMessage() (*Message, bool, error) {
	length := -1
	malformed := false
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, true, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue // tolerate malformed header lines rather than aborting the connection
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				// Keep reading through the blank-line separator so the stream
				// resyncs on the next frame instead of desyncing permanently.
				malformed = true
				continue
			}
			length = n
		}
		// Other headers (Content-Type) are read and discarded.
	}
	if malformed || length < 0 {
		return nil, false, fmt.Errorf("rpc: message frame missing a valid Content-Length header")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, true, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, false, fmt.Errorf("rpc: malformed message body: %w", err)
	}
	return &msg, false, nil
}

package rpc

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback wires two Conns together over in-process pipes, standing in for
// a language server's stdin/stdout during tests.
type loopback struct {
	client, server *Conn
}

func newLoopback(t *testing.T, serverHandler Handler) *loopback {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := NewConn(serverReader, serverWriter, serverHandler, nil)
	client := NewConn(clientReader, clientWriter, nil, nil)
	return &loopback{client: client, server: server}
}

type echoHandler struct {
	requests chan string
}

func (h *echoHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, error) {
	if h.requests != nil {
		h.requests <- method
	}
	if method == "fail" {
		return nil, &ResponseError{Code: -32000, Message: "requested failure"}
	}
	var echoed any
	_ = json.Unmarshal(params, &echoed)
	return echoed, nil
}

func (h *echoHandler) HandleNotification(string, json.RawMessage) {}

func TestCallRoundTrip(t *testing.T) {
	lb := newLoopback(t, &echoHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result map[string]string
	err := lb.client.Call(ctx, "ping", map[string]string{"hello": "world"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "world", result["hello"])
}

func TestCallPropagatesServerError(t *testing.T) {
	lb := newLoopback(t, &echoHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := lb.client.Call(ctx, "fail", map[string]string{}, nil)
	require.Error(t, err)
}

func TestCallTimesOutOnNoResponse(t *testing.T) {
	blockingHandler := &blockForever{}
	lb := newLoopback(t, blockingHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := lb.client.Call(ctx, "slow", map[string]string{}, nil)
	require.Error(t, err)
}

type blockForever struct{}

func (blockForever) HandleRequest(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockForever) HandleNotification(string, json.RawMessage) {}

func TestNotifyKeepsConnectionUsable(t *testing.T) {
	h := &echoHandler{requests: make(chan string, 1)}
	lb := newLoopback(t, h)
	err := lb.client.Notify(context.Background(), "textDocument/didOpen", map[string]string{})
	require.NoError(t, err)
	// Notifications are dispatched via HandleNotification, not HandleRequest;
	// just confirm Notify itself doesn't error and the connection stays up.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lb.client.Call(ctx, "ping", 1, nil))
}

// notifyRecorder collects the notification methods a Conn dispatches, so the
// tests below can feed hand-built byte frames into a Conn and exercise the
// framing tolerances directly.
type notifyRecorder struct {
	NoopHandler
	methods chan string
}

func (r *notifyRecorder) HandleNotification(method string, _ json.RawMessage) {
	r.methods <- method
}

func TestReadLoopToleratesExtraHeaders(t *testing.T) {
	r, w := io.Pipe()
	rec := &notifyRecorder{methods: make(chan string, 1)}
	NewConn(r, io.Discard, rec, nil)

	body := `{"jsonrpc":"2.0","method":"initialized"}`
	go func() {
		_, _ = w.Write([]byte("Content-Type: application/vscode-jsonrpc\r\nContent-Length: " +
			itoa(len(body)) + "\r\n\r\n" + body))
	}()

	select {
	case m := <-rec.methods:
		assert.Equal(t, "initialized", m)
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestReadLoopDropsMalformedFrameAndContinues(t *testing.T) {
	r, w := io.Pipe()
	rec := &notifyRecorder{methods: make(chan string, 2)}
	NewConn(r, io.Discard, rec, nil)

	good := `{"jsonrpc":"2.0","method":"window/logMessage"}`
	go func() {
		// First frame: bogus Content-Length, no usable length at all. The
		// reader discards through the separator and resyncs on the next frame.
		_, _ = w.Write([]byte("Content-Length: not-a-number\r\n\r\n"))
		_, _ = w.Write([]byte("Content-Length: " + itoa(len(good)) + "\r\n\r\n" + good))
	}()

	select {
	case m := <-rec.methods:
		assert.Equal(t, "window/logMessage", m)
	case <-time.After(time.Second):
		t.Fatal("stream did not survive the malformed frame")
	}
}

func TestReadLoopDropsUnparseableBodyAndContinues(t *testing.T) {
	r, w := io.Pipe()
	rec := &notifyRecorder{methods: make(chan string, 2)}
	NewConn(r, io.Discard, rec, nil)

	bad := `{"jsonrpc":`
	good := `{"jsonrpc":"2.0","method":"initialized"}`
	go func() {
		_, _ = w.Write([]byte("Content-Length: " + itoa(len(bad)) + "\r\n\r\n" + bad))
		_, _ = w.Write([]byte("Content-Length: " + itoa(len(good)) + "\r\n\r\n" + good))
	}()

	select {
	case m := <-rec.methods:
		assert.Equal(t, "initialized", m)
	case <-time.After(time.Second):
		t.Fatal("stream did not survive the unparseable body")
	}
}

func TestCallFailsWhenPeerCloses(t *testing.T) {
	r, w := io.Pipe()
	c := NewConn(r, io.Discard, nil, nil)
	_ = w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Call(ctx, "ping", nil, nil)
	require.Error(t, err)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed after peer EOF")
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

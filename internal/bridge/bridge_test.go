package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebridge-dev/codebridge/internal/config"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/router"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := &config.Config{
		WorkspaceDir: t.TempDir(),
		Descriptors: []router.Descriptor{
			{Name: "gopls", Command: "gopls", Extensions: []string{"go"}},
		},
	}
	b, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.watcher.Close() })
	return b
}

func TestServerHandlerFeedsDiagnosticStore(t *testing.T) {
	b := newTestBridge(t)
	h := b.handlerFor(b.cfg.Descriptors[0])

	params, err := json.Marshal(protocol.PublishDiagnosticsParams{
		URI:         "file:///a.go",
		Diagnostics: []protocol.Diagnostic{{Message: "unused variable"}},
	})
	require.NoError(t, err)
	h.HandleNotification("textDocument/publishDiagnostics", params)

	diags, err := b.diagnostic.Get(context.Background(), nil, nil, "/a.go", "file:///a.go")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "unused variable", diags[0].Message)
}

func TestServerHandlerDropsMalformedDiagnostics(t *testing.T) {
	b := newTestBridge(t)
	h := b.handlerFor(b.cfg.Descriptors[0])

	h.HandleNotification("textDocument/publishDiagnostics", json.RawMessage(`{"uri": 42}`))
	h.HandleNotification("textDocument/publishDiagnostics", json.RawMessage(`{"uri":"file:///a.go","diagnostics":[]}`))

	diags, err := b.diagnostic.Get(context.Background(), nil, nil, "/a.go", "file:///a.go")
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestServerHandlerAnswersRegisterCapability(t *testing.T) {
	b := newTestBridge(t)
	h := b.handlerFor(b.cfg.Descriptors[0])

	result, err := h.HandleRequest(context.Background(), "client/registerCapability",
		json.RawMessage(`{"registrations":[{"id":"1","method":"workspace/didChangeWatchedFiles"}]}`))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestServerHandlerAnswersConfigurationWithNulls(t *testing.T) {
	b := newTestBridge(t)
	h := b.handlerFor(b.cfg.Descriptors[0])

	result, err := h.HandleRequest(context.Background(), "workspace/configuration",
		json.RawMessage(`{"items":[{"section":"gopls"},{"section":"other"}]}`))
	require.NoError(t, err)
	items, ok := result.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestServerHandlerRejectsUnknownRequest(t *testing.T) {
	b := newTestBridge(t)
	h := b.handlerFor(b.cfg.Descriptors[0])

	_, err := h.HandleRequest(context.Background(), "some/unknownMethod", nil)
	require.Error(t, err)
}

func TestOpenFailsForUnroutedExtension(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.Open(context.Background(), "script.py")
	require.Error(t, err)
}

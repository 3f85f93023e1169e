package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebridge-dev/codebridge/internal/protocol"
)

func TestGetReturnsCachedWhenAlreadyIdle(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Publish(protocol.PublishDiagnosticsParams{
		URI:         "file:///a.go",
		Diagnostics: []protocol.Diagnostic{{Message: "unused import"}},
	})

	s.now = func() time.Time { return base.Add(idleQuiet + time.Millisecond) }

	diags, err := s.Get(context.Background(), nil, nil, "/a.go", "file:///a.go")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "unused import", diags[0].Message)
}

type fakePuller struct {
	report protocol.DocumentDiagnosticReport
	err    error
}

func (f *fakePuller) PullDiagnostics(context.Context, protocol.DocumentUri) (protocol.DocumentDiagnosticReport, error) {
	return f.report, f.err
}

func TestGetUsesPullerWhenNothingPublished(t *testing.T) {
	s := New()

	puller := &fakePuller{report: protocol.DocumentDiagnosticReport{
		Kind:  "full",
		Items: []protocol.Diagnostic{{Message: "from pull"}},
	}}

	diags, err := s.Get(context.Background(), puller, nil, "/a.go", "file:///a.go")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "from pull", diags[0].Message)
}

func TestGetReturnsPublishedSetVerbatim(t *testing.T) {
	s := New()
	published := []protocol.Diagnostic{{Message: "one"}, {Message: "two"}}
	s.Publish(protocol.PublishDiagnosticsParams{URI: "file:///a.go", Diagnostics: published})

	diags, err := s.Get(context.Background(), nil, nil, "/a.go", "file:///a.go")
	require.NoError(t, err)
	assert.Equal(t, published, diags)
}

func TestPublishRecordsServerVersion(t *testing.T) {
	s := New()
	v := int32(7)
	s.Publish(protocol.PublishDiagnosticsParams{URI: "file:///a.go", Version: &v})

	got, ok := s.LastPublishedVersion("file:///a.go")
	require.True(t, ok)
	assert.Equal(t, int32(7), got)

	_, ok = s.LastPublishedVersion("file:///b.go")
	assert.False(t, ok)
}

func TestPublishOverwritesPreviousEntry(t *testing.T) {
	s := New()
	s.Publish(protocol.PublishDiagnosticsParams{URI: "file:///a.go", Diagnostics: []protocol.Diagnostic{{Message: "first"}}})
	s.Publish(protocol.PublishDiagnosticsParams{URI: "file:///a.go", Diagnostics: []protocol.Diagnostic{{Message: "second"}}})

	e, ok := s.snapshot("file:///a.go")
	require.True(t, ok)
	require.Len(t, e.diagnostics, 1)
	assert.Equal(t, "second", e.diagnostics[0].Message)
}

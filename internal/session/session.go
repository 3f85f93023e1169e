// Package session implements the Document Session Manager: it tracks which
// files are open on a given server connection, assigns monotonically
// increasing versions, and always resyncs with the full document text
// rather than incremental diffs.
package session

import (
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/uri"
)

// Notifier is the subset of *rpc.Conn this package needs. Duck-typing here
// (rather than importing internal/rpc directly) keeps session's tests free
// of spawning real processes.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// languageIDs maps a file extension to the LSP languageId a server expects
// in didOpen. Extensions not present here fall back to "plaintext", which
// most servers accept for files outside their primary language.
var languageIDs = map[string]string{
	"go":   "go",
	"py":   "python",
	"rs":   "rust",
	"ts":   "typescript",
	"tsx":  "typescriptreact",
	"js":   "javascript",
	"jsx":  "javascriptreact",
	"c":    "c",
	"h":    "c",
	"cc":   "cpp",
	"cpp":  "cpp",
	"hpp":  "cpp",
	"java": "java",
	"rb":   "ruby",
	"md":   "markdown",
	"json": "json",
	"yaml": "yaml",
	"yml":  "yaml",
}

type openFile struct {
	version int32
	content string
}

// Manager tracks open documents for one server connection.
type Manager struct {
	conn Notifier

	mu    sync.Mutex
	files map[protocol.DocumentUri]*openFile
}

// New creates a Manager bound to conn.
func New(conn Notifier) *Manager {
	return &Manager{conn: conn, files: make(map[protocol.DocumentUri]*openFile)}
}

// EnsureOpen reads filePath from disk, decoding a UTF-8 BOM if present, and
// sends didOpen if the file is not already open. It is a no-op if the file
// is already tracked: callers that need fresh content after an external
// change should use SyncAfterEdit instead.
func (m *Manager) EnsureOpen(ctx context.Context, filePath string) error {
	docURI := uri.FromPath(filePath)

	m.mu.Lock()
	_, open := m.files[docURI]
	m.mu.Unlock()
	if open {
		return nil
	}

	text, err := readUTF8(filePath)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "session", "read "+filePath, err)
	}

	m.mu.Lock()
	m.files[docURI] = &openFile{version: 1, content: text}
	m.mu.Unlock()

	params := protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: languageIDFor(filePath),
			Version:    1,
			Text:       text,
		},
	}
	if err := m.conn.Notify(ctx, "textDocument/didOpen", params); err != nil {
		m.mu.Lock()
		delete(m.files, docURI)
		m.mu.Unlock()
		return bridgeerr.New(bridgeerr.KindIO, "session", "didOpen "+filePath, err)
	}
	return nil
}

// SyncAfterEdit re-reads filePath from disk and sends a full-document
// didChange with an incremented version. It opens the file first if it
// isn't already tracked. This bridge never sends incremental
// contentChanges: a full resync keeps the server's view exactly in step
// with what the Workspace Edit Applier just wrote, with no risk of a
// miscomputed incremental diff desyncing the two.
func (m *Manager) SyncAfterEdit(ctx context.Context, filePath string) error {
	docURI := uri.FromPath(filePath)
	text, err := readUTF8(filePath)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "session", "read "+filePath, err)
	}

	m.mu.Lock()
	f, open := m.files[docURI]
	if !open {
		m.mu.Unlock()
		return m.EnsureOpen(ctx, filePath)
	}
	f.version++
	f.content = text
	version := f.version
	m.mu.Unlock()

	params := protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	}
	return m.conn.Notify(ctx, "textDocument/didChange", params)
}

// Nudge coaxes a push-diagnostics server that is holding results for a file
// it hasn't re-analyzed yet: it sends a no-op didChange pair, appending a
// space and then immediately restoring the original text, each half using
// its own strictly increasing version. It is the Diagnostic Store's last
// resort before giving up and returning whatever is cached.
func (m *Manager) Nudge(ctx context.Context, filePath string) error {
	if err := m.EnsureOpen(ctx, filePath); err != nil {
		return err
	}
	docURI := uri.FromPath(filePath)

	m.mu.Lock()
	f, open := m.files[docURI]
	if !open {
		m.mu.Unlock()
		return bridgeerr.New(bridgeerr.KindInternal, "session", "nudge: file vanished from open set after EnsureOpen", nil)
	}
	original := f.content
	f.version++
	bumped := f.version
	f.version++
	restored := f.version
	m.mu.Unlock()

	send := func(version int32, text string) error {
		params := protocol.DidChangeTextDocumentParams{
			TextDocument: protocol.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI},
				Version:                version,
			},
			ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
		}
		return m.conn.Notify(ctx, "textDocument/didChange", params)
	}

	if err := send(bumped, original+" "); err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "session", "nudge "+filePath, err)
	}
	if err := send(restored, original); err != nil {
		return bridgeerr.New(bridgeerr.KindIO, "session", "nudge "+filePath, err)
	}
	return nil
}

// Close sends didClose and stops tracking filePath. It is a no-op if the
// file isn't open.
func (m *Manager) Close(ctx context.Context, filePath string) error {
	docURI := uri.FromPath(filePath)
	m.mu.Lock()
	_, open := m.files[docURI]
	if open {
		delete(m.files, docURI)
	}
	m.mu.Unlock()
	if !open {
		return nil
	}
	params := protocol.DidCloseTextDocumentParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	return m.conn.Notify(ctx, "textDocument/didClose", params)
}

// IsOpen reports whether filePath is currently tracked as open.
func (m *Manager) IsOpen(filePath string) bool {
	docURI := uri.FromPath(filePath)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[docURI]
	return ok
}

// CloseAll sends didClose for every open file, best-effort: it collects and
// returns the first error encountered but still attempts every close.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	uris := make([]protocol.DocumentUri, 0, len(m.files))
	for u := range m.files {
		uris = append(uris, u)
	}
	m.mu.Unlock()

	var first error
	for _, u := range uris {
		p, err := uri.ToPath(u)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if err := m.Close(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func languageIDFor(filePath string) string {
	ext := extOf(filePath)
	if id, ok := languageIDs[ext]; ok {
		return id
	}
	return "plaintext"
}

func extOf(filePath string) string {
	i := len(filePath) - 1
	for i >= 0 && filePath[i] != '.' && filePath[i] != '/' {
		i--
	}
	if i < 0 || filePath[i] != '.' {
		return ""
	}
	return filePath[i+1:]
}

// readUTF8 reads a file and strips a UTF-8 BOM if present, using
// x/text/encoding/unicode's BOM-aware transform rather than hand-rolled
// byte-slicing.
func readUTF8(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	t := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, err := io.ReadAll(transform.NewReader(f, t))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// Package bridge wires the Protocol Engine, Document Session Manager,
// Diagnostic Store, Capability Router, and Workspace Edit Applier into a
// single entry point per file path: acquire the right server, make sure the
// file is open on it, and hand back everything an operation needs.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codebridge-dev/codebridge/internal/applier"
	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/config"
	"github.com/codebridge-dev/codebridge/internal/diagnostics"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/router"
	"github.com/codebridge-dev/codebridge/internal/rpc"
	"github.com/codebridge-dev/codebridge/internal/session"
	"github.com/codebridge-dev/codebridge/internal/supervisor"
	"github.com/codebridge-dev/codebridge/internal/symbols"
	"github.com/codebridge-dev/codebridge/internal/uri"
	"github.com/codebridge-dev/codebridge/internal/watcher"
)

// Bridge is the host process's single point of contact with the rest of the
// system: every MCP tool handler goes through it.
type Bridge struct {
	cfg        *config.Config
	supervisor *supervisor.Supervisor
	diagnostic *diagnostics.Store
	watcher    *watcher.Watcher
	log        *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Manager // keyed by server name
}

// New builds a Bridge from a loaded Config. It does not spawn any servers
// yet; servers are acquired lazily the first time a tool touches a file
// that routes to them.
func New(cfg *config.Config, log *logrus.Entry) (*Bridge, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	b := &Bridge{
		cfg:        cfg,
		diagnostic: diagnostics.New(),
		log:        log,
		sessions:   make(map[string]*session.Manager),
	}

	b.supervisor = supervisor.New(log,
		supervisor.WithHandler(b.handlerFor),
		supervisor.WithMaxSpawnRetries(3),
	)

	w, err := watcher.New(log)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindIO, "bridge", "create watcher", err)
	}
	if err := w.AddTree(cfg.WorkspaceDir); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindIO, "bridge", "watch "+cfg.WorkspaceDir, err)
	}
	b.watcher = w

	return b, nil
}

// Run starts the background file watcher; it returns when ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	b.watcher.Run(ctx, b)
}

// SyncAfterEdit and IsOpen make Bridge itself a watcher.Syncer, fanning an
// externally-detected change out to every server session that has the file
// open (normally just one, but nothing stops two descriptors from both
// tracking the same path).
func (b *Bridge) SyncAfterEdit(ctx context.Context, filePath string) error {
	b.mu.Lock()
	managers := make([]*session.Manager, 0, len(b.sessions))
	for _, m := range b.sessions {
		managers = append(managers, m)
	}
	b.mu.Unlock()

	var first error
	for _, m := range managers {
		if !m.IsOpen(filePath) {
			continue
		}
		if err := m.SyncAfterEdit(ctx, filePath); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Bridge) IsOpen(filePath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.sessions {
		if m.IsOpen(filePath) {
			return true
		}
	}
	return false
}

// handlerFor builds the server-initiated-request handler for one
// descriptor's connection: diagnostics feed the shared Store, logMessage
// notifications are logged at debug level and showMessage at info level
// (the server's message type is attached as a field), and the handful
// of requests servers commonly issue during startup are answered rather
// than rejected.
func (b *Bridge) handlerFor(d router.Descriptor) rpc.Handler {
	return &serverHandler{bridge: b, store: b.diagnostic, log: b.log.WithField("server", d.Name)}
}

type serverHandler struct {
	rpc.NoopHandler
	bridge *Bridge
	store  *diagnostics.Store
	log    *logrus.Entry
}

func (h *serverHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "client/registerCapability", "client/unregisterCapability":
		// Dynamic registration is acknowledged and otherwise ignored; the
		// static capabilities declared at initialize cover what this bridge
		// sends.
		var p protocol.RegistrationParams
		_ = json.Unmarshal(params, &p)
		return nil, nil
	case "window/workDoneProgress/create":
		return nil, nil
	case "workspace/configuration":
		// Answer every requested item with null; descriptor-level settings
		// travel via initializationOptions instead.
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(params, &p)
		return make([]any, len(p.Items)), nil
	case "workspace/applyEdit":
		var p protocol.ApplyWorkspaceEditParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpc.ResponseError{Code: -32602, Message: "malformed applyEdit params"}
		}
		res, err := h.bridge.Apply(ctx, p.Edit, applier.DefaultOptions())
		if err != nil {
			return protocol.ApplyWorkspaceEditResult{Applied: false, FailureReason: err.Error()}, nil
		}
		return protocol.ApplyWorkspaceEditResult{Applied: res.Success}, nil
	default:
		return h.NoopHandler.HandleRequest(ctx, method, params)
	}
}

func (h *serverHandler) HandleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			h.log.WithError(err).Warn("bridge: malformed publishDiagnostics, dropping")
			return
		}
		h.store.Publish(p)
	case "window/logMessage":
		var p protocol.LogMessageParams
		if json.Unmarshal(params, &p) == nil {
			h.log.WithField("type", p.Type).Debug(p.Message)
		}
	case "window/showMessage":
		var p protocol.LogMessageParams
		if json.Unmarshal(params, &p) == nil {
			h.log.WithField("type", p.Type).Info(p.Message)
		}
	}
}

// acquired bundles everything one tool invocation needs once it has been
// routed to a live server and had its file opened.
type acquired struct {
	conn     *rpc.Conn
	sessions *session.Manager
	descr    router.Descriptor
	docURI   protocol.DocumentUri
	caps     json.RawMessage
}

// Open routes filePath to its configured server, acquiring (spawning if
// necessary) that server and opening the file on it.
func (b *Bridge) Open(ctx context.Context, filePath string) (*acquired, error) {
	d, err := router.Route(b.cfg.Descriptors, filePath)
	if err != nil {
		return nil, err
	}

	st, err := b.supervisor.Acquire(ctx, d)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	mgr, ok := b.sessions[d.Name]
	if !ok {
		mgr = session.New(st.Conn)
		b.sessions[d.Name] = mgr
	}
	b.mu.Unlock()

	if err := mgr.EnsureOpen(ctx, filePath); err != nil {
		return nil, err
	}

	return &acquired{conn: st.Conn, sessions: mgr, descr: d, docURI: uri.FromPath(filePath), caps: st.Capabilities}, nil
}

// Diagnostics returns the cached/pulled/nudged diagnostics for filePath,
// per the Diagnostic Store's fallback chain.
func (b *Bridge) Diagnostics(ctx context.Context, filePath string) ([]protocol.Diagnostic, error) {
	a, err := b.Open(ctx, filePath)
	if err != nil {
		return nil, err
	}
	puller := symbolsPuller{conn: a.conn}
	return b.diagnostic.Get(ctx, puller, a.sessions, filePath, a.docURI)
}

// symbolsPuller adapts a raw *rpc.Conn into diagnostics.Puller without
// internal/symbols having to know about internal/diagnostics.
type symbolsPuller struct{ conn *rpc.Conn }

func (p symbolsPuller) PullDiagnostics(ctx context.Context, docURI protocol.DocumentUri) (protocol.DocumentDiagnosticReport, error) {
	var report protocol.DocumentDiagnosticReport
	err := p.conn.Call(ctx, "textDocument/diagnostic", protocol.DocumentDiagnosticParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	}, &report)
	return report, err
}

// Apply routes the edit's files to their respective servers before
// delegating to the Applier so each affected file is open and tracked, then
// resyncs every touched file's session after a successful apply.
func (b *Bridge) Apply(ctx context.Context, edit protocol.WorkspaceEdit, opts applier.Options) (*applier.Result, error) {
	paths := make(map[string]struct{})
	for u := range edit.Changes {
		p, err := uri.ToPath(u)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "bridge", "bad uri in edit", err)
		}
		paths[p] = struct{}{}
	}
	for p := range paths {
		if _, err := b.Open(ctx, p); err != nil {
			return nil, err
		}
	}

	res, err := applier.Apply(ctx, edit, opts)
	if err != nil {
		return nil, err
	}

	for _, p := range res.FilesModified {
		if err := b.SyncAfterEdit(ctx, p); err != nil {
			b.log.WithError(err).WithField("file", p).Warn("bridge: resync after apply failed")
		}
	}
	return res, nil
}

// SearchWorkspaceSymbols fans a workspace/symbol query out to every
// configured server, preloading (spawning) any that haven't been acquired
// yet so a query issued before any file was opened still searches
// everything the workspace knows about. Results are merged without
// deduplication across servers since each Location's URI disambiguates
// which file it came from; a server that fails to spawn or errors on the
// query is skipped rather than failing the whole search.
func (b *Bridge) SearchWorkspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error) {
	for _, d := range b.cfg.Descriptors {
		if _, err := b.supervisor.Acquire(ctx, d); err != nil {
			b.log.WithError(err).WithField("server", d.Name).Warn("bridge: preload for workspace symbol search failed")
		}
	}

	var merged []protocol.SymbolInformation
	for _, st := range b.supervisor.LiveServers() {
		syms, err := symbols.SearchWorkspaceSymbols(ctx, st.Conn, query, false)
		if err != nil {
			b.log.WithError(err).WithField("server", st.Descriptor.Name).Warn("bridge: workspace/symbol query failed")
			continue
		}
		merged = append(merged, syms...)
	}
	return merged, nil
}

// Conn exposes the acquired connection as a symbols.Caller.
func (a *acquired) Conn() *rpc.Conn { return a.conn }

// DocURI is the file:// URI the acquisition opened.
func (a *acquired) DocURI() protocol.DocumentUri { return a.docURI }

// Descriptor is the routed server descriptor.
func (a *acquired) Descriptor() router.Descriptor { return a.descr }

// Supports reports whether the routed server advertises capability at
// dottedPath.
func (a *acquired) Supports(dottedPath string) bool { return router.Supports(a.caps, dottedPath) }

// RestartServers restarts the named servers (or every known server if names
// is empty) and returns the names actually terminated, per the
// operator-facing restart_servers operation.
func (b *Bridge) RestartServers(ctx context.Context, names []string) []string {
	return b.supervisor.RestartServers(ctx, names)
}

// ClearFailed clears a server's terminal Failed state so the next Open can
// retry spawning it.
func (b *Bridge) ClearFailed(name string) error {
	return b.supervisor.ClearFailed(name)
}

// Shutdown closes every open document, tears down every spawned server,
// and stops the watcher.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	managers := make([]*session.Manager, 0, len(b.sessions))
	for _, m := range b.sessions {
		managers = append(managers, m)
	}
	b.mu.Unlock()
	for _, m := range managers {
		if err := m.CloseAll(ctx); err != nil {
			b.log.WithError(err).Warn("bridge: closing open documents")
		}
	}

	b.supervisor.Shutdown(ctx)
	if err := b.watcher.Close(); err != nil {
		b.log.WithError(err).Warn("bridge: closing watcher")
	}
}

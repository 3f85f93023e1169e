// Package diagnostics implements the Diagnostic Store: a cache fed by
// textDocument/publishDiagnostics push notifications, with a pull-request
// and idle-wait fallback chain for servers that publish lazily or not at
// all for a freshly-opened file.
package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
)

const (
	idleTick  = 50 * time.Millisecond
	idleQuiet = 300 * time.Millisecond
	// idleBudget bounds the first wait for push diagnostics to settle;
	// postNudgeIdleBudget bounds the shorter second wait after the no-op
	// didChange nudge.
	idleBudget          = 5 * time.Second
	postNudgeIdleBudget = 3 * time.Second
)

// Puller issues the pull-model textDocument/diagnostic request. A nil Puller
// makes Get skip straight to the idle wait; a pull that returns an error (for
// example from a server without pull-diagnostics support) falls through to
// the idle wait as well.
type Puller interface {
	PullDiagnostics(ctx context.Context, uri protocol.DocumentUri) (protocol.DocumentDiagnosticReport, error)
}

// Nudger sends the no-op didChange pair (the text with a space appended,
// then the original text, each under a new version) used to coax a push-diagnostics server that is holding
// results for a file it hasn't re-analyzed yet.
type Nudger interface {
	Nudge(ctx context.Context, filePath string) error
}

type entry struct {
	diagnostics []protocol.Diagnostic
	updatedAt   time.Time
	// version counts publishes observed for this URI; serverVersion is the
	// document version the server attached to its publish, when it sent one.
	version       int32
	serverVersion *int32
}

// Store caches diagnostics by URI, keyed by whatever publishDiagnostics (or
// a successful pull) most recently reported.
type Store struct {
	mu      sync.Mutex
	byURI   map[protocol.DocumentUri]*entry
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{byURI: make(map[protocol.DocumentUri]*entry), now: time.Now}
}

// Publish records diagnostics pushed by the server for a URI. It is the
// handler for textDocument/publishDiagnostics notifications.
func (s *Store) Publish(params protocol.PublishDiagnosticsParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byURI[params.URI]
	if !ok {
		e = &entry{}
		s.byURI[params.URI] = e
	}
	e.diagnostics = params.Diagnostics
	e.updatedAt = s.now()
	e.version++
	if params.Version != nil {
		e.serverVersion = params.Version
	}
}

// LastPublishedVersion returns the document version the server attached to
// its most recent publish for uri, if it sent one.
func (s *Store) LastPublishedVersion(uri protocol.DocumentUri) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byURI[uri]
	if !ok || e.serverVersion == nil {
		return 0, false
	}
	return *e.serverVersion, true
}

func (s *Store) snapshot(uri protocol.DocumentUri) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byURI[uri]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

// Get returns diagnostics for filePath's URI, following the fallback chain
// described by the Diagnostic Store's design: return the cached value
// immediately if the server has published for this URI at all, otherwise
// attempt a pull request, and failing that, wait for a push to go idle; if
// nothing arrives, send a nudge and wait once more. puller and nudger may be
// nil, in which case the corresponding step is skipped.
func (s *Store) Get(ctx context.Context, puller Puller, nudger Nudger, filePath string, docURI protocol.DocumentUri) ([]protocol.Diagnostic, error) {
	if e, ok := s.snapshot(docURI); ok {
		return append([]protocol.Diagnostic(nil), e.diagnostics...), nil
	}

	if puller != nil {
		report, err := puller.PullDiagnostics(ctx, docURI)
		if err == nil {
			if report.Kind == "full" {
				s.mu.Lock()
				s.byURI[docURI] = &entry{diagnostics: report.Items, updatedAt: s.now()}
				s.mu.Unlock()
			}
			if e, ok := s.snapshot(docURI); ok {
				return e.diagnostics, nil
			}
			return nil, nil
		}
		// Pull unsupported or failed; fall through to the push-based wait.
	}

	if diags, ok, err := s.waitForIdle(ctx, docURI, idleBudget); err != nil {
		return nil, err
	} else if ok {
		return diags, nil
	}

	if nudger != nil {
		if err := nudger.Nudge(ctx, filePath); err != nil {
			return nil, bridgeerr.New(bridgeerr.KindIO, "diagnostics", "nudge "+filePath, err)
		}
		if diags, ok, err := s.waitForIdle(ctx, docURI, postNudgeIdleBudget); err != nil {
			return nil, err
		} else if ok {
			return diags, nil
		}
	}

	// Nothing ever arrived; return whatever is cached (possibly empty) rather
	// than erroring, since "no diagnostics" is a valid outcome for a clean file.
	e, _ := s.snapshot(docURI)
	return e.diagnostics, nil
}

// waitForIdle polls every idleTick, up to budget total, until the publish
// version for uri stops changing and idleQuiet has elapsed since the last
// update. It returns ok=false (not an error) if the budget runs out without
// ever going idle.
func (s *Store) waitForIdle(ctx context.Context, uri protocol.DocumentUri, budget time.Duration) ([]protocol.Diagnostic, bool, error) {
	deadline := s.now().Add(budget)
	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	var lastVersion int32 = -1
	for {
		if e, ok := s.snapshot(uri); ok {
			if e.version == lastVersion && s.now().Sub(e.updatedAt) >= idleQuiet {
				return e.diagnostics, true, nil
			}
			lastVersion = e.version
		}
		if s.now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, bridgeerr.New(bridgeerr.KindTimeout, "diagnostics", "waiting for diagnostics to settle", ctx.Err())
		case <-ticker.C:
		}
	}
}

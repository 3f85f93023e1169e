// Package supervisor owns the lifecycle of language server child processes:
// spawning, the initialize handshake, restart backoff, interval-based
// recycling of long-running servers, and the terminal Failed state that
// pins a broken server off the routing table until an operator clears it.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/router"
	"github.com/codebridge-dev/codebridge/internal/rpc"
	"github.com/codebridge-dev/codebridge/internal/uri"
)

// LifecycleState is the server process's position in its state machine:
// Starting -> Initializing -> Ready, with Exited/Failed as terminal states
// reachable from any of the first three.
type LifecycleState string

const (
	Starting     LifecycleState = "starting"
	Initializing LifecycleState = "initializing"
	Ready        LifecycleState = "ready"
	Exited       LifecycleState = "exited"
	Failed       LifecycleState = "failed"
)

// ServerState is the live record for one configured language server.
type ServerState struct {
	Descriptor   router.Descriptor
	State        LifecycleState
	Conn         *rpc.Conn
	Capabilities json.RawMessage

	cmd      *exec.Cmd
	lastErr  error
	restarts int

	// exited is closed exactly once, by watchExit, after cmd.Wait returns.
	// Every other goroutine that needs to know the process has exited
	// selects on this instead of calling cmd.Wait itself.
	exited chan struct{}

	// restartDeadline is when this server should be recycled (killed, not
	// respawned) per its Descriptor's RestartInterval. Zero means never.
	restartDeadline time.Time
}

// LastError returns the error that drove this server into Failed or Exited,
// or nil if it hasn't failed.
func (s *ServerState) LastError() error { return s.lastErr }

// installHints maps a known LSP binary name to a human install suggestion,
// surfaced in KindServerNotRunning errors so an operator isn't left staring
// at a bare "executable file not found in $PATH".
var installHints = map[string]string{
	"gopls":                      "install with: go install golang.org/x/tools/gopls@latest",
	"rust-analyzer":              "install with: rustup component add rust-analyzer",
	"pyright":                    "install with: npm install -g pyright",
	"pylsp":                      "install with: pip install python-lsp-server",
	"typescript-language-server": "install with: npm install -g typescript-language-server typescript",
	"clangd":                     "install via your system package manager, e.g. apt install clangd",
	"jdtls":                      "install the Eclipse JDT language server and put jdtls on your PATH",
	"solargraph":                 "install with: gem install solargraph",
	"intelephense":               "install with: npm install -g intelephense",
}

// Supervisor manages one running (or attempting-to-run) child process per
// configured server name.
type Supervisor struct {
	mu      sync.Mutex
	servers map[string]*ServerState
	handler func(descriptor router.Descriptor) rpc.Handler
	log     *logrus.Entry

	maxRestarts int
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithHandler sets the factory used to build the server-initiated-request
// handler for each spawned connection. Without it, NoopHandler is used.
func WithHandler(f func(descriptor router.Descriptor) rpc.Handler) Option {
	return func(s *Supervisor) { s.handler = f }
}

// WithMaxSpawnRetries bounds how many times a server may be automatically
// respawned with backoff when it fails to start or initialize before the
// Supervisor gives up and marks it Failed. This governs spawn retries only;
// a server's recycle schedule comes from its own Descriptor.RestartInterval.
func WithMaxSpawnRetries(maxRestarts int) Option {
	return func(s *Supervisor) { s.maxRestarts = maxRestarts }
}

// New creates a Supervisor with no servers started yet; call Acquire to spawn
// one on demand.
func New(log *logrus.Entry, opts ...Option) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Supervisor{
		servers:     make(map[string]*ServerState),
		log:         log,
		maxRestarts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire returns the ServerState for d, spawning and initializing it if
// this is the first request. A server already in Failed is not retried:
// ClearFailed must be called first. A server mid-spawn is awaited rather
// than double-spawned.
func (s *Supervisor) Acquire(ctx context.Context, d router.Descriptor) (*ServerState, error) {
	s.mu.Lock()
	st, ok := s.servers[d.Name]
	if ok {
		switch st.State {
		case Failed:
			s.mu.Unlock()
			return nil, bridgeerr.New(bridgeerr.KindServerFailed, "supervisor",
				fmt.Sprintf("server %q previously failed: %v (call clear_failed to retry)", d.Name, st.lastErr), st.lastErr)
		case Exited:
			// A dead instance is not memoized the way Failed is: drop it and
			// fall through to a fresh spawn.
			delete(s.servers, d.Name)
		default:
			s.mu.Unlock()
			return s.awaitReady(ctx, st)
		}
	}
	st = &ServerState{Descriptor: d, State: Starting}
	s.servers[d.Name] = st
	s.mu.Unlock()

	if err := s.spawnWithBackoff(ctx, st); err != nil {
		s.mu.Lock()
		st.State = Failed
		st.lastErr = err
		s.mu.Unlock()
		return nil, err
	}
	return st, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, st *ServerState) (*ServerState, error) {
	for {
		s.mu.Lock()
		state := st.State
		s.mu.Unlock()
		switch state {
		case Ready:
			return st, nil
		case Failed:
			return nil, bridgeerr.New(bridgeerr.KindServerFailed, "supervisor", "server failed while starting", st.lastErr)
		case Exited:
			return nil, bridgeerr.New(bridgeerr.KindServerNotRunning, "supervisor", "server exited while starting", st.lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, bridgeerr.New(bridgeerr.KindTimeout, "supervisor", "timed out waiting for server to become ready", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// spawnWithBackoff attempts to spawn and initialize d up to maxRestarts+1
// times with exponential backoff between attempts, per the restart policy.
func (s *Supervisor) spawnWithBackoff(ctx context.Context, st *ServerState) error {
	operation := func() (struct{}, error) {
		err := s.spawnOnce(ctx, st)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(s.maxRestarts+1)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		hint := installHints[filepath.Base(st.Descriptor.Command)]
		if hint == "" {
			for _, arg := range st.Descriptor.Args {
				if h, ok := installHints[filepath.Base(arg)]; ok {
					hint = h
					break
				}
			}
		}
		if hint != "" {
			err = fmt.Errorf("%w (%s)", err, hint)
		}
		return bridgeerr.New(bridgeerr.KindServerNotRunning, "supervisor", "failed to start "+st.Descriptor.Name, err)
	}
	return nil
}

func (s *Supervisor) spawnOnce(ctx context.Context, st *ServerState) error {
	cmd := exec.Command(st.Descriptor.Command, st.Descriptor.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go s.forwardStderr(st.Descriptor.Name, stderr)

	var handler rpc.Handler
	if s.handler != nil {
		handler = s.handler(st.Descriptor)
	}
	conn := rpc.NewConn(stdout, stdin, handler, s.log.WithField("server", st.Descriptor.Name))

	exited := make(chan struct{})
	s.mu.Lock()
	st.cmd = cmd
	st.Conn = conn
	st.State = Initializing
	st.exited = exited
	s.mu.Unlock()

	go s.watchExit(st, cmd, exited)

	if err := s.initialize(ctx, st); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	s.mu.Lock()
	st.State = Ready
	if st.Descriptor.RestartInterval > 0 {
		st.restartDeadline = time.Now().Add(st.Descriptor.RestartInterval)
	}
	armed := !st.restartDeadline.IsZero()
	s.mu.Unlock()

	if armed {
		go s.recycleAfter(st)
	}
	return nil
}

func (s *Supervisor) initialize(ctx context.Context, st *ServerState) error {
	rootURI := uri.FromPath(st.Descriptor.WorkspaceDir)
	params := protocol.InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &protocol.ClientInfo{Name: "codebridge"},
		RootURI:               rootURI,
		Capabilities:          defaultClientCapabilities(),
		InitializationOptions: st.Descriptor.InitOptions,
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: rootURI, Name: st.Descriptor.Name},
		},
	}
	var result protocol.InitializeResult
	if err := st.Conn.Call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	if err := st.Conn.Notify(ctx, "initialized", protocol.InitializedParams{}); err != nil {
		return err
	}
	s.mu.Lock()
	st.Capabilities = result.Capabilities.Raw
	s.mu.Unlock()
	return nil
}

func defaultClientCapabilities() protocol.ClientCapabilities {
	return protocol.ClientCapabilities{
		Workspace: protocol.WorkspaceClientCapabilities{
			ApplyEdit:     true,
			WorkspaceEdit: &protocol.WorkspaceEditClientCapabilities{DocumentChanges: true},
			Symbol:        &protocol.WorkspaceSymbolClientCapabilities{SymbolKind: &protocol.ClientSymbolKindOptions{ValueSet: protocol.AllSymbolKinds}},
			WorkspaceFolders: true,
		},
		TextDocument: protocol.TextDocumentClientCapabilities{
			Synchronization: &protocol.TextDocumentSyncClientCapabilities{DidSave: true},
			Rename:          &protocol.RenameClientCapabilities{PrepareSupport: false},
			DocumentSymbol:  protocol.DocumentSymbolClientCapabilities{HierarchicalDocumentSymbolSupport: true, SymbolKind: &protocol.ClientSymbolKindOptions{ValueSet: protocol.AllSymbolKinds}},
			CodeLens:        &protocol.CodeLensClientCapabilities{},
			Hover:           &protocol.HoverClientCapabilities{ContentFormat: []string{"markdown", "plaintext"}},
			Completion:      &protocol.CompletionClientCapabilities{},
		},
	}
}

func (s *Supervisor) forwardStderr(name string, r io.Reader) {
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	if buf.Len() > 0 {
		s.log.WithField("server", name).Debug(buf.String())
	}
}

// watchExit is the sole caller of cmd.Wait for a given process; every other
// goroutine that needs to know the process has exited selects on the exited
// channel instead of calling Wait itself, which would race and can return
// "Wait was already called". The channel is passed in rather than read from
// st so a retried spawn's watcher can only ever close its own attempt's
// channel.
func (s *Supervisor) watchExit(st *ServerState, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	s.mu.Lock()
	if st.cmd == cmd && (st.State == Ready || st.State == Initializing || st.State == Starting) {
		st.State = Exited
		st.lastErr = err
		s.log.WithField("server", st.Descriptor.Name).WithError(err).Warn("supervisor: server process exited unexpectedly")
	}
	s.mu.Unlock()
	close(exited)
}

// recycleAfter waits for st's restart deadline (or its early exit, whichever
// comes first) and, if the deadline fires while the server is still the
// live Ready instance, recycles it.
func (s *Supervisor) recycleAfter(st *ServerState) {
	s.mu.Lock()
	deadline := st.restartDeadline
	exited := st.exited
	s.mu.Unlock()
	if deadline.IsZero() {
		return
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		s.recycle(st)
	case <-exited:
	}
}

// recycle terminates a healthy server whose restart interval has elapsed
// and removes it from the live set without respawning; the next Acquire for
// its name starts a fresh instance.
func (s *Supervisor) recycle(st *ServerState) {
	s.mu.Lock()
	current, ok := s.servers[st.Descriptor.Name]
	if !ok || current != st || st.State != Ready {
		s.mu.Unlock()
		return
	}
	delete(s.servers, st.Descriptor.Name)
	st.State = Exited
	s.mu.Unlock()

	s.log.WithField("server", st.Descriptor.Name).Info("supervisor: restart interval elapsed, recycling server")
	s.terminate(context.Background(), st)
}

// LiveServers returns the ServerState of every server currently in the
// Ready state, for callers that need to fan a request out to all of them
// (e.g. a workspace-wide symbol search) rather than routing to one.
func (s *Supervisor) LiveServers() []*ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerState, 0, len(s.servers))
	for _, st := range s.servers {
		if st.State == Ready {
			out = append(out, st)
		}
	}
	return out
}

// ClearFailed resets a Failed server so the next Acquire respawns it.
func (s *Supervisor) ClearFailed(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.servers[name]
	if !ok {
		return bridgeerr.New(bridgeerr.KindInvalidParams, "supervisor", "unknown server: "+name, nil)
	}
	if st.State != Failed && st.State != Exited {
		return bridgeerr.New(bridgeerr.KindInvalidParams, "supervisor", "server is not in a failed/exited state: "+name, nil)
	}
	delete(s.servers, name)
	return nil
}

// RestartServers terminates the named servers (every known server when names
// is empty) and removes them from the live set without respawning; the next
// request that routes to one starts it fresh. It returns the names actually
// terminated. It never waits for the replacement to come up.
func (s *Supervisor) RestartServers(ctx context.Context, names []string) []string {
	s.mu.Lock()
	if len(names) == 0 {
		names = make([]string, 0, len(s.servers))
		for name := range s.servers {
			names = append(names, name)
		}
	}
	states := make([]*ServerState, 0, len(names))
	restarted := make([]string, 0, len(names))
	for _, name := range names {
		st, ok := s.servers[name]
		if !ok {
			continue
		}
		delete(s.servers, name)
		states = append(states, st)
		restarted = append(restarted, name)
	}
	s.mu.Unlock()

	for _, st := range states {
		s.terminate(ctx, st)
	}
	return restarted
}

// Shutdown sends shutdown+exit to every live server and kills any that
// don't exit within the grace period.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	states := make([]*ServerState, 0, len(s.servers))
	for _, st := range s.servers {
		states = append(states, st)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.shutdownOne(ctx, st)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) shutdownOne(ctx context.Context, st *ServerState) {
	s.mu.Lock()
	state := st.State
	s.mu.Unlock()
	if state != Ready && state != Initializing {
		return
	}
	s.terminate(ctx, st)
}

// terminate sends the LSP shutdown/exit sequence over st.Conn (if any) and
// waits for the process to exit via st.exited, killing it if it doesn't
// within the grace period. It never calls cmd.Wait itself; watchExit owns
// that. Callers decide st's lifecycle state and live-set membership.
func (s *Supervisor) terminate(ctx context.Context, st *ServerState) {
	s.mu.Lock()
	conn, cmd, exited := st.Conn, st.cmd, st.exited
	s.mu.Unlock()

	if conn != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = conn.Call(shutdownCtx, "shutdown", nil, nil)
		_ = conn.Notify(shutdownCtx, "exit", nil)
		cancel()
	}
	if cmd == nil || cmd.Process == nil || exited == nil {
		return
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	}
}

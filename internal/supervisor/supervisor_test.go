package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/router"
)

func TestAcquireUnknownCommandFails(t *testing.T) {
	s := New(nil, WithMaxSpawnRetries(0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Acquire(ctx, router.Descriptor{Name: "ghost", Command: "codebridge-does-not-exist-binary"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindServerNotRunning))
}

func TestAcquireFailedIsTerminalUntilCleared(t *testing.T) {
	s := New(nil, WithMaxSpawnRetries(0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := router.Descriptor{Name: "ghost", Command: "codebridge-does-not-exist-binary"}
	_, err := s.Acquire(ctx, d)
	require.Error(t, err)

	_, err = s.Acquire(ctx, d)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindServerFailed))

	require.NoError(t, s.ClearFailed("ghost"))

	_, err = s.Acquire(ctx, d)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindServerNotRunning))
}

func TestClearFailedUnknownServer(t *testing.T) {
	s := New(nil)
	err := s.ClearFailed("never-heard-of-it")
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindInvalidParams))
}

func TestAcquireAfterExitAttemptsRespawn(t *testing.T) {
	s := New(nil, WithMaxSpawnRetries(0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := router.Descriptor{Name: "ghost", Command: "codebridge-does-not-exist-binary"}
	s.mu.Lock()
	s.servers[d.Name] = &ServerState{Descriptor: d, State: Exited}
	s.mu.Unlock()

	// An Exited instance is dropped and respawned, unlike Failed; the
	// respawn itself fails here (no such binary), but as a fresh spawn
	// error, not the memoized server_failed.
	_, err := s.Acquire(ctx, d)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindServerNotRunning))
}

func TestRestartServersEmptyNamesRestartsAll(t *testing.T) {
	s := New(nil)
	for _, name := range []string{"gopls", "rust-analyzer"} {
		s.mu.Lock()
		s.servers[name] = &ServerState{Descriptor: router.Descriptor{Name: name}, State: Ready}
		s.mu.Unlock()
	}

	restarted := s.RestartServers(context.Background(), nil)
	assert.ElementsMatch(t, []string{"gopls", "rust-analyzer"}, restarted)

	s.mu.Lock()
	remaining := len(s.servers)
	s.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestRestartServersUnknownNameSkipped(t *testing.T) {
	s := New(nil)
	restarted := s.RestartServers(context.Background(), []string{"never-started"})
	assert.Empty(t, restarted)
}

func TestRecycleRemovesReadyServerWithoutRespawn(t *testing.T) {
	s := New(nil)
	d := router.Descriptor{Name: "gopls", RestartInterval: 5 * time.Millisecond}
	st := &ServerState{
		Descriptor:      d,
		State:           Ready,
		exited:          make(chan struct{}),
		restartDeadline: time.Now().Add(5 * time.Millisecond),
	}
	s.mu.Lock()
	s.servers[d.Name] = st
	s.mu.Unlock()

	s.recycleAfter(st)

	s.mu.Lock()
	_, stillLive := s.servers[d.Name]
	s.mu.Unlock()
	assert.False(t, stillLive, "recycled server should be removed from the live set")
	assert.Equal(t, Exited, st.State)
}

func TestRecycleAfterNoOpsWhenServerExitsFirst(t *testing.T) {
	s := New(nil)
	d := router.Descriptor{Name: "gopls", RestartInterval: time.Hour}
	exited := make(chan struct{})
	st := &ServerState{
		Descriptor:      d,
		State:           Ready,
		exited:          exited,
		restartDeadline: time.Now().Add(time.Hour),
	}
	s.mu.Lock()
	s.servers[d.Name] = st
	s.mu.Unlock()
	close(exited)

	s.recycleAfter(st)

	s.mu.Lock()
	_, stillLive := s.servers[d.Name]
	s.mu.Unlock()
	assert.True(t, stillLive, "a server that already exited shouldn't be recycled again")
}

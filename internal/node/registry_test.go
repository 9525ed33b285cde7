package node

import (
	"net"
	"sync"
	"testing"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T) *transport.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return transport.NewSession(c1, transport.Options{Role: transport.Acceptor, Logger: logger.Discard()})
}

func TestRegistryConcurrentInsert(t *testing.T) {
	const n = 50
	r := NewRegistry()

	sessions := make([]*transport.Session, n)
	for i := range sessions {
		sessions[i] = pipeSession(t)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *transport.Session) {
			defer wg.Done()
			if err := r.Insert(s); err != nil {
				t.Errorf("Insert failed: %v", err)
			}
		}(s)
	}
	wg.Wait()

	list := r.List()
	require.Len(t, list, n)
	seen := make(map[uint64]bool)
	for _, s := range list {
		require.False(t, seen[s.ID()], "duplicate id %d", s.ID())
		seen[s.ID()] = true
	}

	removed, ok := r.Remove(sessions[3].ID())
	require.True(t, ok)
	require.Same(t, sessions[3], removed)
	require.Len(t, r.List(), n-1)

	_, ok = r.Get(sessions[3].ID())
	require.False(t, ok)
	_, ok = r.Remove(sessions[3].ID())
	require.False(t, ok, "second remove must report absence")
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	s := pipeSession(t)

	require.NoError(t, r.Insert(s))
	require.Error(t, r.Insert(s))
	require.Equal(t, 1, r.Len())
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a, b := pipeSession(t), pipeSession(t)
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))

	drained := r.Close()
	require.Len(t, drained, 2)
	require.Less(t, drained[0].ID(), drained[1].ID())
	require.Zero(t, r.Len())
	require.ErrorIs(t, r.Insert(pipeSession(t)), ErrNodeClosed)
}

func TestRegistryConcurrentReadWrite(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		s := pipeSession(t)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Insert(s)
			r.Remove(s.ID())
		}()
		go func() {
			defer wg.Done()
			for _, got := range r.List() {
				if got == nil {
					t.Error("nil session in snapshot")
				}
			}
		}()
	}
	wg.Wait()
	require.Zero(t, r.Len())
}

// SPDX-License-Identifier: MIT

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/model"
)

func TestAttachBindLookup(t *testing.T) {
	r := NewRegistry()
	s := New("conn-1", "192.168.1.50:55123", 8, nil)
	r.Attach(s)

	evicted, err := r.Bind("conn-1", KindClient, "C1", nil)
	require.NoError(t, err)
	require.Nil(t, evicted)

	require.Same(t, s, r.LookupClient("C1"))
	require.Equal(t, KindClient, s.Kind())
	require.Equal(t, "C1", s.PrincipalID())
}

func TestBindUnknownConnection(t *testing.T) {
	r := NewRegistry()
	_, err := r.Bind("ghost", KindClient, "C1", nil)
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestBindTwiceRejected(t *testing.T) {
	r := NewRegistry()
	s := New("conn-1", "", 8, nil)
	r.Attach(s)

	_, err := r.Bind("conn-1", KindClient, "C1", nil)
	require.NoError(t, err)
	_, err = r.Bind("conn-1", KindClient, "C2", nil)
	require.ErrorIs(t, err, ErrAlreadyBound)
}

// A newer connection for the same client replaces the older session.
func TestBindReplacesOlderSession(t *testing.T) {
	r := NewRegistry()
	old := New("conn-1", "", 8, nil)
	r.Attach(old)
	_, err := r.Bind("conn-1", KindClient, "C1", nil)
	require.NoError(t, err)

	fresh := New("conn-2", "", 8, nil)
	r.Attach(fresh)
	evicted, err := r.Bind("conn-2", KindClient, "C1", nil)
	require.NoError(t, err)

	require.Same(t, old, evicted)
	require.True(t, old.Closed())
	require.Equal(t, CloseReasonReplaced, old.CloseReason())
	require.Same(t, fresh, r.LookupClient("C1"))

	// At most one client session per client id.
	require.Equal(t, 1, r.Count(KindClient))
}

func TestDetachRemovesIndexes(t *testing.T) {
	r := NewRegistry()
	s := New("conn-1", "", 8, nil)
	r.Attach(s)
	_, err := r.Bind("conn-1", KindClient, "C1", nil)
	require.NoError(t, err)

	got := r.Detach("conn-1")
	require.Same(t, s, got)
	require.Nil(t, r.LookupClient("C1"))
	require.Equal(t, 0, r.Count(KindClient))
}

func TestDetachStaleDoesNotEvictNewer(t *testing.T) {
	r := NewRegistry()
	old := New("conn-1", "", 8, nil)
	r.Attach(old)
	_, err := r.Bind("conn-1", KindClient, "C1", nil)
	require.NoError(t, err)

	fresh := New("conn-2", "", 8, nil)
	r.Attach(fresh)
	_, err = r.Bind("conn-2", KindClient, "C1", nil)
	require.NoError(t, err)

	// The replaced session's read loop detaches after the new bind; the
	// newer session must keep its index entry.
	r.Detach("conn-1")
	require.Same(t, fresh, r.LookupClient("C1"))
}

func TestSendAfterCloseIsSafe(t *testing.T) {
	s := New("conn-1", "", 1, nil)
	require.True(t, s.Send([]byte("a")))
	require.False(t, s.Send([]byte("b")), "queue of one is full")

	s.Close("test")
	require.False(t, s.Send([]byte("c")))
	require.Equal(t, "test", s.CloseReason())

	// Double close is a no-op.
	s.Close("other")
	require.Equal(t, "test", s.CloseReason())
}

// Send racing Close must return false, never panic on the closed channel.
func TestSendCloseRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := New("conn-1", "", 4, nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Send([]byte("frame"))
			}
		}()
		go func() {
			defer wg.Done()
			s.Close("race")
		}()
		wg.Wait()
		require.False(t, s.Send([]byte("after")))
	}
}

func TestOperatorPermissions(t *testing.T) {
	r := NewRegistry()
	s := New("conn-1", "", 8, nil)
	r.Attach(s)
	_, err := r.Bind("conn-1", KindOperator, "app-1", []model.Permission{model.PermissionView})
	require.NoError(t, err)

	require.True(t, s.HasPermission(model.PermissionView))
	require.False(t, s.HasPermission(model.PermissionControl))
	require.Same(t, s, r.LookupOperator("app-1"))
}

func TestBroadcastSkipsFullQueues(t *testing.T) {
	r := NewRegistry()
	a := New("conn-a", "", 4, nil)
	b := New("conn-b", "", 1, nil)
	r.Attach(a)
	r.Attach(b)
	_, _ = r.Bind("conn-a", KindOperator, "op-a", nil)
	_, _ = r.Bind("conn-b", KindOperator, "op-b", nil)

	// Fill b's queue.
	require.True(t, b.Send([]byte("x")))

	sent := r.Broadcast(KindOperator, []byte("update"))
	require.Equal(t, 1, sent)
}

func TestConcurrentBindSameClient(t *testing.T) {
	r := NewRegistry()
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("conn-%d", i)
		s := New(id, "", 8, nil)
		r.Attach(s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Bind(id, KindClient, "C1", nil)
		}()
	}
	wg.Wait()

	require.NotNil(t, r.LookupClient("C1"))
	require.Equal(t, 1, r.Count(KindClient))
}

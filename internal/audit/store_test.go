package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowgate/internal/clock"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, retention time.Duration) (*Store, *clock.MockClock) {
	t.Helper()
	c := clock.NewMockClock(epoch)
	s, err := NewStore(filepath.Join(t.TempDir(), "audit", "audit.db"), retention, c)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func TestStore_WriteQuery(t *testing.T) {
	s, c := newStore(t, 0)

	require.NoError(t, s.Write(Event{Type: "vpn.auth_failure", Source: "vpn", Interface: "wg0", Peer: "site-b",
		Details: map[string]any{"epoch": 2}}))
	c.Advance(time.Minute)
	require.NoError(t, s.Write(Event{Type: "packet.violation", Source: "dataplane",
		Details: map[string]any{"stage": "tunnel"}}))
	c.Advance(time.Minute)
	require.NoError(t, s.Write(Event{Type: "vpn.auth_failure", Source: "vpn", Interface: "wg0", Peer: "site-c"}))

	all, err := s.Query(Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "site-c", all[0].Peer, "newest first")
	assert.True(t, all[0].Timestamp.Equal(epoch.Add(2*time.Minute)))
	assert.Equal(t, "tunnel", all[1].Details["stage"])
	assert.EqualValues(t, 2, all[2].Details["epoch"])

	auth, err := s.Query(Query{Type: "vpn.auth_failure"})
	require.NoError(t, err)
	assert.Len(t, auth, 2)

	peer, err := s.Query(Query{Peer: "site-b"})
	require.NoError(t, err)
	require.Len(t, peer, 1)
	assert.Equal(t, "wg0", peer[0].Interface)

	window, err := s.Query(Query{Since: epoch.Add(30 * time.Second), Until: epoch.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "packet.violation", window[0].Type)

	limited, err := s.Query(Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Prune(t *testing.T) {
	s, c := newStore(t, time.Hour)

	require.NoError(t, s.Write(Event{Type: "vpn.rekey", Source: "vpn"}))
	c.Advance(2 * time.Hour)
	require.NoError(t, s.Write(Event{Type: "vpn.rekey", Source: "vpn"}))

	n, err := s.Prune()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := s.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := NewStore(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(Event{Type: "vpn.handshake", Source: "vpn"}))
	require.NoError(t, s.Close())

	s, err = NewStore(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	count, err := s.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

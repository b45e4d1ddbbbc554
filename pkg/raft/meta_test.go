package raft

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

func tempMetaDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "ruft-meta-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestOpenPersistentMetaFreshSeedsMembers(t *testing.T) {
	dir := tempMetaDir(t)
	members := []endpoint.Endpoint{endpoint.New("a", "a:1"), endpoint.New("b", "b:1")}

	m, err := OpenPersistentMeta(dir, members)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uint64(0), m.Term())
	require.Equal(t, "", m.VotedFor())
	require.ElementsMatch(t, members, m.Members())
}

// TestRestartRoundTrip: after NextTerm/NextLogID/SetVotedFor, reopening
// the store from disk must observe the same values.
func TestRestartRoundTrip(t *testing.T) {
	dir := tempMetaDir(t)
	members := []endpoint.Endpoint{endpoint.New("a", "a:1")}

	m, err := OpenPersistentMeta(dir, members)
	require.NoError(t, err)

	term, err := m.NextTerm()
	require.NoError(t, err)
	logID, err := m.NextLogID()
	require.NoError(t, err)
	require.NoError(t, m.SetVotedFor("a"))
	require.NoError(t, m.SetCommitIndex(1))
	require.NoError(t, m.Close())

	reopened, err := OpenPersistentMeta(dir, members)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, term, reopened.Term())
	require.Equal(t, logID, reopened.LogID())
	require.Equal(t, "a", reopened.VotedFor())
	require.Equal(t, uint64(1), reopened.CommitIndex())
}

// TestMetadataCrashSafety: after NextTerm returns, a "crash" (no
// further writes, just reopen without closing cleanly) must read the
// same term back with votedFor cleared.
func TestMetadataCrashSafety(t *testing.T) {
	dir := tempMetaDir(t)
	members := []endpoint.Endpoint{endpoint.New("a", "a:1")}

	m, err := OpenPersistentMeta(dir, members)
	require.NoError(t, err)

	var term uint64
	for i := 0; i < 7; i++ {
		term, err = m.NextTerm()
		require.NoError(t, err)
	}
	require.Equal(t, uint64(7), term)
	require.NoError(t, m.SetVotedFor("a"))

	// Simulate a crash right after a later flush returns: reopen without
	// an explicit Close, relying only on the mmap'd bytes already on
	// disk from the last persistLocked call.
	_, err = m.NextTerm()
	require.NoError(t, err)

	reopened, err := OpenPersistentMeta(dir, members)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(8), reopened.Term())
	require.Equal(t, "", reopened.VotedFor())
}

func TestSetTermNeverDecreases(t *testing.T) {
	dir := tempMetaDir(t)
	m, err := OpenPersistentMeta(dir, []endpoint.Endpoint{endpoint.New("a", "a:1")})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetTerm(5))
	require.NoError(t, m.SetVotedFor("a"))
	require.Equal(t, uint64(5), m.Term())

	// A stale SetTerm for an earlier or equal term must not regress
	// currentTerm or clear an already-cast vote.
	require.NoError(t, m.SetTerm(3))
	require.Equal(t, uint64(5), m.Term())
	require.Equal(t, "a", m.VotedFor())

	require.NoError(t, m.SetTerm(6))
	require.Equal(t, uint64(6), m.Term())
	require.Equal(t, "", m.VotedFor())
}

func TestSetCommitIndexIsMonotone(t *testing.T) {
	dir := tempMetaDir(t)
	m, err := OpenPersistentMeta(dir, []endpoint.Endpoint{endpoint.New("a", "a:1")})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetCommitIndex(5))
	require.NoError(t, m.SetCommitIndex(2))
	require.Equal(t, uint64(5), m.CommitIndex())
}

func TestOpenPersistentMetaRejectsCorruptExistingFile(t *testing.T) {
	dir := tempMetaDir(t)
	path := dir + "/meta.bin"
	require.NoError(t, os.WriteFile(path, []byte("not a valid record, but not empty either"), 0o644))

	_, err := OpenPersistentMeta(dir, []endpoint.Endpoint{endpoint.New("a", "a:1")})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

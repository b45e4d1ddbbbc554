package raft

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempLogDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "ruft-log-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestLogAppendAndGet(t *testing.T) {
	l, err := OpenLog(tempLogDir(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(LogEntry{LogID: 1, Term: 1, Command: []byte("a")}))
	require.NoError(t, l.Append(LogEntry{LogID: 2, Term: 1, Command: []byte("b")}))

	e, ok := l.Get(2)
	require.True(t, ok)
	require.Equal(t, []byte("b"), e.Command)

	_, ok = l.Get(3)
	require.False(t, ok)

	last, ok := l.Last()
	require.True(t, ok)
	require.Equal(t, uint64(2), last.LogID)
	require.Equal(t, uint64(1), l.TermAt(1))
	require.Equal(t, uint64(0), l.TermAt(99))
}

// TestLogReplayAfterReopen: entries appended before a close must be
// replayed intact when the same directory is reopened, preserving order.
func TestLogReplayAfterReopen(t *testing.T) {
	dir := tempLogDir(t)

	l, err := OpenLog(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(LogEntry{LogID: 1, Term: 1, Command: []byte("one")}))
	require.NoError(t, l.Append(LogEntry{LogID: 2, Term: 2, Command: []byte("two")}))
	require.NoError(t, l.Append(LogEntry{LogID: 3, Term: 2, Command: nil}))
	require.NoError(t, l.Close())

	reopened, err := OpenLog(dir)
	require.NoError(t, err)
	defer reopened.Close()

	entries := reopened.From(0)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(1), entries[0].LogID)
	require.Equal(t, []byte("two"), entries[1].Command)
	require.Equal(t, uint64(2), entries[2].Term)
}

func TestLogTruncateAfterDropsConflictingTail(t *testing.T) {
	dir := tempLogDir(t)

	l, err := OpenLog(dir)
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(LogEntry{LogID: i, Term: 1}))
	}

	require.NoError(t, l.TruncateAfter(2))

	_, ok := l.Get(3)
	require.False(t, ok)
	last, ok := l.Last()
	require.True(t, ok)
	require.Equal(t, uint64(2), last.LogID)
	require.NoError(t, l.Close())

	// The truncation must also survive a restart.
	reopened, err := OpenLog(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Len(t, reopened.From(0), 2)
}

func TestLogFromReturnsSuffix(t *testing.T) {
	l, err := OpenLog(tempLogDir(t))
	require.NoError(t, err)
	defer l.Close()

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, l.Append(LogEntry{LogID: i, Term: 1}))
	}
	suffix := l.From(2)
	require.Len(t, suffix, 2)
	require.Equal(t, uint64(3), suffix[0].LogID)
	require.Equal(t, uint64(4), suffix[1].LogID)
}

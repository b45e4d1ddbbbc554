package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreSetGet(t *testing.T) {
	store := New()

	cmd, err := EncodeCommand(CommandSet, "key1", []byte("value1"), "client1", 1)
	require.NoError(t, err)

	_, err = store.Apply(1, cmd)
	require.NoError(t, err)

	value, ok := store.Get("key1")
	require.True(t, ok)
	require.Equal(t, "value1", string(value))
}

func TestStoreDelete(t *testing.T) {
	store := New()

	setCmd, err := EncodeCommand(CommandSet, "key1", []byte("value1"), "client1", 1)
	require.NoError(t, err)
	_, err = store.Apply(1, setCmd)
	require.NoError(t, err)

	delCmd, err := EncodeCommand(CommandDelete, "key1", nil, "client1", 2)
	require.NoError(t, err)
	_, err = store.Apply(2, delCmd)
	require.NoError(t, err)

	_, ok := store.Get("key1")
	require.False(t, ok)
}

func TestStoreSnapshotRestore(t *testing.T) {
	store := New()

	cmd1, _ := EncodeCommand(CommandSet, "key1", []byte("value1"), "client1", 1)
	cmd2, _ := EncodeCommand(CommandSet, "key2", []byte("value2"), "client1", 2)
	store.Apply(1, cmd1)
	store.Apply(2, cmd2)

	data, err := store.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(data))

	v1, ok := restored.Get("key1")
	require.True(t, ok)
	require.Equal(t, "value1", string(v1))

	v2, ok := restored.Get("key2")
	require.True(t, ok)
	require.Equal(t, "value2", string(v2))
}

func TestStoreDuplicateRequestIsIgnored(t *testing.T) {
	store := New()

	cmd1, _ := EncodeCommand(CommandSet, "key1", []byte("value1"), "client1", 1)
	_, err := store.Apply(1, cmd1)
	require.NoError(t, err)

	cmd2, _ := EncodeCommand(CommandSet, "key1", []byte("value2"), "client1", 1)
	_, err = store.Apply(2, cmd2)
	require.NoError(t, err)

	value, ok := store.Get("key1")
	require.True(t, ok)
	require.Equal(t, "value1", string(value), "duplicate request id should not overwrite the original response")
}

func TestStoreDuplicateReturnsOriginalResponse(t *testing.T) {
	store := New()

	cmd, _ := EncodeCommand(CommandSet, "key1", []byte("value1"), "client1", 7)
	resp1, err := store.Apply(1, cmd)
	require.NoError(t, err)

	resp2, err := store.Apply(2, cmd)
	require.NoError(t, err)
	require.Equal(t, resp1, resp2)
}

func TestNewClientIDIsUnique(t *testing.T) {
	a := NewClientID()
	b := NewClientID()
	require.NotEqual(t, a, b)
}

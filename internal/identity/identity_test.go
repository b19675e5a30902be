package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	first, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, DeriveNodeID(first.Public), first.NodeID)

	second, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, first.NodeID, second.NodeID)
	require.Equal(t, first.Public, second.Public)
}

func TestSignVerify(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(filepath.Join(dir, "node.key"), nil)
	require.NoError(t, err)

	msg := []byte("group descriptor bytes")
	sig := id.Sign(msg)
	require.True(t, Verify(id.NodeID, id.Public, msg, sig))
	require.False(t, Verify(id.NodeID, id.Public, []byte("tampered"), sig))
}

func TestVerifyRejectsMismatchedOwner(t *testing.T) {
	dir := t.TempDir()
	a, err := Load(filepath.Join(dir, "a.key"), nil)
	require.NoError(t, err)
	b, err := Load(filepath.Join(dir, "b.key"), nil)
	require.NoError(t, err)

	msg := []byte("culture update")
	sig := a.Sign(msg)
	require.False(t, Verify(b.NodeID, a.Public, msg, sig))
}

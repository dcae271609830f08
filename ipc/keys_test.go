package ipc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "shmbus-keys-*")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())

	k1, err := DeriveKeys(path)
	require.NoError(t, err)
	k2, err := DeriveKeys(path)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1.Sem, k1.Shm, "sem and shm keys must differ for the same path")
}

func TestDeriveKeysDiffersByPath(t *testing.T) {
	dir := t.TempDir()
	f1, err := os.CreateTemp(dir, "a-*")
	require.NoError(t, err)
	require.NoError(t, f1.Close())
	f2, err := os.CreateTemp(dir, "b-*")
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	k1, err := DeriveKeys(f1.Name())
	require.NoError(t, err)
	k2, err := DeriveKeys(f2.Name())
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveKeysMissingPath(t *testing.T) {
	_, err := DeriveKeys("/nonexistent/path/for/shmbus/tests")
	assert.Error(t, err)
}

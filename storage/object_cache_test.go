package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectCacheRoundTrip(t *testing.T) {
	c, err := OpenMemory()
	require.NoError(t, err)
	defer c.Close()

	blob := bytes.Repeat([]byte("PPUT\x00\x00\x00\x01"), 512)
	require.False(t, c.Exists("ppu-a/x.obj"))
	require.NoError(t, c.Store("ppu-a/x.obj", blob))
	require.True(t, c.Exists("ppu-a/x.obj"))

	got, err := c.Load("ppu-a/x.obj")
	require.NoError(t, err)
	require.Equal(t, blob, got)

	_, err = c.Load("ppu-a/missing.obj")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestObjectCacheNames(t *testing.T) {
	c, err := OpenMemory()
	require.NoError(t, err)
	defer c.Close()

	for _, n := range []string{"ppu-b/2.obj", "ppu-a/1.obj", "ppu-b/1.obj"} {
		require.NoError(t, c.Store(n, []byte(n)))
	}
	names, err := c.Names("ppu-b/")
	require.NoError(t, err)
	require.Equal(t, []string{"ppu-b/1.obj", "ppu-b/2.obj"}, names)

	require.NoError(t, c.Delete("ppu-b/1.obj"))
	require.False(t, c.Exists("ppu-b/1.obj"))
}

func TestObjectCachePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Store("o.obj", []byte("payload")))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Load("o.obj")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

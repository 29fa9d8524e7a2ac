package cas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, 3)
	require.NoError(t, err)
	return s
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)

	content := []byte("the quick brown fox jumps over the lazy dog")
	hash, err := s.Store(content, map[string]string{"kind": "text"})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	got, err := s.Retrieve(hash)
	require.NoError(t, err)
	require.Equal(t, content, got)

	meta, ok := s.GetObject(hash)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), meta.Size)
}

func TestStoreDedup(t *testing.T) {
	s := newTestStore(t)

	content := []byte("duplicate me please")
	h1, err := s.Store(content, nil)
	require.NoError(t, err)
	h2, err := s.Store(content, nil)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, int64(1), s.DedupHits())

	require.Len(t, s.ListObjects(""), 1)
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	s := newTestStore(t)

	content := []byte("fragile content")
	hash, err := s.Store(content, nil)
	require.NoError(t, err)

	path := shardPath(s.root, hash)
	require.NoError(t, os.WriteFile(path, []byte("not valid zstd data at all"), 0o644))

	_, err = s.Retrieve(hash)
	require.Error(t, err)
	require.False(t, s.Exists(hash), "corrupted entry should be dropped from the index")
}

func TestGCRemovesUnkept(t *testing.T) {
	s := newTestStore(t)

	keepHash, err := s.Store([]byte("keep me"), nil)
	require.NoError(t, err)
	dropHash, err := s.Store([]byte("drop me"), nil)
	require.NoError(t, err)

	removed, freed, err := s.GC(map[string]struct{}{keepHash: {}})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Greater(t, freed, int64(0))

	require.True(t, s.Exists(keepHash))
	require.False(t, s.Exists(dropHash))
}

func TestVerifyIntegrityFindsTamperedBlob(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.Store([]byte("integrity check me"), nil)
	require.NoError(t, err)

	path := shardPath(s.root, hash)
	require.NoError(t, os.WriteFile(path, []byte("corrupted bytes"), 0o644))

	corrupted, err := s.VerifyIntegrity()
	require.NoError(t, err)
	require.Contains(t, corrupted, hash)
	require.False(t, s.Exists(hash))
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, 3)
	require.NoError(t, err)

	hash, err := s1.Store([]byte("persisted"), nil)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "index.json"))

	s2, err := Open(dir, 3)
	require.NoError(t, err)
	require.True(t, s2.Exists(hash))

	got, err := s2.Retrieve(hash)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}

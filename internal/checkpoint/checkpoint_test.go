package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/shannon-mcp-core/internal/cas"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.Open(filepath.Join(dir, "cas"), 3)
	require.NoError(t, err)
	mgr, err := New(filepath.Join(dir, "store"), store)
	require.NoError(t, err)
	return mgr
}

func TestCreateCheckpointAdvancesHead(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("hello")}, "first", nil)
	require.NoError(t, err)
	require.Empty(t, cp1.ParentID)

	head, err := mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp1.ID, head)

	cp2, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("world")}, "second", nil)
	require.NoError(t, err)
	require.Equal(t, cp1.ID, cp2.ParentID)

	head, err = mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp2.ID, head)
}

func TestDiffDetectsAddedRemovedModified(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{
		"a.txt": []byte("hello"),
		"b.txt": []byte("keep"),
	}, "first", nil)
	require.NoError(t, err)

	cp2, err := mgr.CreateCheckpoint(map[string][]byte{
		"a.txt": []byte("hello changed"),
		"b.txt": []byte("keep"),
		"c.txt": []byte("new"),
	}, "second", nil)
	require.NoError(t, err)

	diff, err := mgr.Diff(cp1.ID, cp2.ID)
	require.NoError(t, err)

	byPath := map[string]DiffEntry{}
	for _, e := range diff.Entries {
		byPath[e.Path] = e
	}
	require.Equal(t, "modified", byPath["a.txt"].ChangeType)
	require.Equal(t, "added", byPath["c.txt"].ChangeType)
	_, unchanged := byPath["b.txt"]
	require.False(t, unchanged)
	require.Equal(t, 2, diff.Stats.TotalChanges)
}

func TestRestoreCheckpointIsDestructive(t *testing.T) {
	mgr := newTestManager(t)

	cp, err := mgr.CreateCheckpoint(map[string][]byte{"keep.txt": []byte("data")}, "only", nil)
	require.NoError(t, err)

	target := t.TempDir()
	stray := filepath.Join(target, "stray.txt")
	require.NoError(t, os.WriteFile(stray, []byte("leftover"), 0o644))

	require.NoError(t, mgr.RestoreCheckpoint(cp.ID, target))

	require.NoFileExists(t, stray)
	data, err := os.ReadFile(filepath.Join(target, "keep.txt"))
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestRestoreCheckpointMovesHead(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v1")}, "first", nil)
	require.NoError(t, err)
	cp2, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v2")}, "second", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.RestoreCheckpoint(cp1.ID, t.TempDir()))

	head, err := mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp1.ID, head)
	require.NotEqual(t, cp2.ID, head)
}

func TestRefsAndReachableHashes(t *testing.T) {
	mgr := newTestManager(t)

	cp, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v1")}, "first", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.CreateRef("main", cp.ID))
	got, err := mgr.GetRef("main")
	require.NoError(t, err)
	require.Equal(t, cp.ID, got)

	refs, err := mgr.ListRefs()
	require.NoError(t, err)
	require.Equal(t, cp.ID, refs["main"])

	keep, err := mgr.ReachableHashes()
	require.NoError(t, err)
	require.Len(t, keep, 1)
}

func TestDeleteCheckpointAdvancesHeadToParent(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v1")}, "first", nil)
	require.NoError(t, err)
	cp2, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v2")}, "second", nil)
	require.NoError(t, err)

	head, err := mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp2.ID, head)

	require.NoError(t, mgr.DeleteCheckpoint(cp2.ID))

	head, err = mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp1.ID, head)

	_, err = mgr.GetCheckpoint(cp2.ID)
	require.Error(t, err)
}

func TestDeleteCheckpointClearsHeadWhenRootDeleted(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v1")}, "first", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteCheckpoint(cp1.ID))

	head, err := mgr.GetHead()
	require.NoError(t, err)
	require.Empty(t, head)
}

func TestDeleteCheckpointLeavesHeadUntouchedWhenNotHead(t *testing.T) {
	mgr := newTestManager(t)

	cp1, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v1")}, "first", nil)
	require.NoError(t, err)
	cp2, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("v2")}, "second", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteCheckpoint(cp1.ID))

	head, err := mgr.GetHead()
	require.NoError(t, err)
	require.Equal(t, cp2.ID, head)
}

package timeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/shannon-mcp-core/internal/cas"
	"github.com/kart-io/shannon-mcp-core/internal/checkpoint"
)

func newTestTimeline(t *testing.T) (*Timeline, *checkpoint.Manager) {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.Open(filepath.Join(dir, "cas"), 3)
	require.NoError(t, err)
	mgr, err := checkpoint.New(filepath.Join(dir, "checkpoints"), store)
	require.NoError(t, err)
	tl, err := New(filepath.Join(dir, "timeline"), mgr)
	require.NoError(t, err)
	return tl, mgr
}

func TestAddCheckpointUpdatesBranchHead(t *testing.T) {
	tl, mgr := newTestTimeline(t)

	cp, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("1")}, "first", nil)
	require.NoError(t, err)

	require.NoError(t, tl.CreateBranch("main", cp.ID))
	require.NoError(t, tl.AddCheckpoint(cp.ID, "main", "first"))

	branch, err := tl.GetBranch("main")
	require.NoError(t, err)
	require.Equal(t, cp.ID, branch.Head)

	events, err := tl.GetTimeline()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventCheckpoint, events[0].Type)
}

func TestFindCommonAncestor(t *testing.T) {
	tl, mgr := newTestTimeline(t)

	root, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("1")}, "root", nil)
	require.NoError(t, err)

	branchA, err := mgr.CreateCheckpointFrom(root.ID, map[string][]byte{"a.txt": []byte("2")}, "branch-a", nil)
	require.NoError(t, err)

	branchB, err := mgr.CreateCheckpointFrom(root.ID, map[string][]byte{"a.txt": []byte("3")}, "branch-b", nil)
	require.NoError(t, err)

	ancestor, err := tl.FindCommonAncestor(branchA.ID, branchB.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, ancestor)
}

func TestFindCommonAncestorNoneFound(t *testing.T) {
	tl, _ := newTestTimeline(t)

	ancestor, err := tl.FindCommonAncestor("does-not-exist-a", "")
	require.Error(t, err)
	require.Empty(t, ancestor)
}

func TestCreateCheckpointOnBranchMovesHead(t *testing.T) {
	tl, mgr := newTestTimeline(t)

	root, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("1")}, "root", nil)
	require.NoError(t, err)
	require.NoError(t, tl.CreateBranch("feature", root.ID))

	cp, err := tl.CreateCheckpointOnBranch("feature", map[string][]byte{"a.txt": []byte("2")}, "update", nil)
	require.NoError(t, err)
	require.Equal(t, root.ID, cp.ParentID)

	branch, err := tl.GetBranch("feature")
	require.NoError(t, err)
	require.Equal(t, cp.ID, branch.Head)
}

func TestGetCheckpointHistory(t *testing.T) {
	tl, mgr := newTestTimeline(t)

	cp, err := mgr.CreateCheckpoint(map[string][]byte{"a.txt": []byte("1")}, "msg", nil)
	require.NoError(t, err)

	require.NoError(t, tl.AddCheckpoint(cp.ID, "main", "created"))
	require.NoError(t, tl.AddRestore(cp.ID, "main", "restored"))

	history, err := tl.GetCheckpointHistory(cp.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

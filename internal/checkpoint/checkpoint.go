// Package checkpoint implements the Checkpoint Manager: a parent-chained,
// content-addressed snapshot of a file tree, backed by the CAS for blob
// storage and by a small on-disk layout of its own for checkpoint metadata,
// named refs, and the HEAD pointer.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/shannon-mcp-core/internal/cas"
	"github.com/kart-io/shannon-mcp-core/internal/errs"
	"github.com/kart-io/shannon-mcp-core/internal/idgen"
)

// Checkpoint is one immutable snapshot in the parent chain.
type Checkpoint struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Message   string            `json:"message"`
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files"` // path -> content hash
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DiffEntry describes how a single path changed between two checkpoints.
type DiffEntry struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"` // added, removed, modified
	OldHash    string `json:"old_hash,omitempty"`
	NewHash    string `json:"new_hash,omitempty"`
}

// DiffStats summarizes a DiffResult's entries.
type DiffStats struct {
	TotalChanges int `json:"total_changes"`
}

// DiffResult is the full set of per-path changes between two checkpoints.
type DiffResult struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Entries []DiffEntry `json:"entries"`
	Stats   DiffStats   `json:"stats"`
}

// Manager owns the checkpoint DAG rooted at root: checkpoints/<id>.json,
// refs/<name>, and HEAD. Every mutating operation is serialized by mu;
// reads of individual checkpoint files need no lock since checkpoint
// files are write-once.
type Manager struct {
	root  string
	store *cas.Store
	ids   *idgen.ULIDGenerator

	mu sync.Mutex
}

// New creates a Manager rooted at root, backed by store for blob content.
func New(root string, store *cas.Store) (*Manager, error) {
	for _, dir := range []string{
		filepath.Join(root, "checkpoints"),
		filepath.Join(root, "refs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.New(errs.KindStorage, "checkpoint.mkdir", "create checkpoint dirs").WithCause(err)
		}
	}

	return &Manager{
		root:  root,
		store: store,
		ids:   idgen.NewULIDGenerator(),
	}, nil
}

func (m *Manager) checkpointPath(id string) string {
	return filepath.Join(m.root, "checkpoints", id+".json")
}

func (m *Manager) refPath(name string) string {
	return filepath.Join(m.root, "refs", name)
}

func (m *Manager) headPath() string {
	return filepath.Join(m.root, "HEAD")
}

func writeAtomic(path string, data []byte) error {
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CreateCheckpoint stores every file's content in the CAS, writes a new
// checkpoint record parented on the current HEAD, and advances HEAD to it.
func (m *Manager) CreateCheckpoint(files map[string][]byte, message string, metadata map[string]string) (*Checkpoint, error) {
	m.mu.Lock()
	parent, err := m.currentHeadLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.CreateCheckpointFrom(parent, files, message, metadata)
}

// CreateCheckpointFrom is CreateCheckpoint with an explicit parent id
// instead of the current HEAD, used by branch-aware callers that track
// their own head independent of the manager's single HEAD pointer.
func (m *Manager) CreateCheckpointFrom(parentID string, files map[string][]byte, message string, metadata map[string]string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != "" {
		if _, err := m.GetCheckpoint(parentID); err != nil {
			return nil, err
		}
	}

	fileHashes := make(map[string]string, len(files))
	for path, content := range files {
		hash, err := m.store.Store(content, map[string]string{"path": path})
		if err != nil {
			return nil, errs.New(errs.KindStorage, "checkpoint.store_blob", "store file content").WithCause(err)
		}
		fileHashes[path] = hash
	}

	cp := &Checkpoint{
		ID:        m.ids.Generate(),
		ParentID:  parentID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
		Files:     fileHashes,
		Metadata:  metadata,
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, errs.New(errs.KindStorage, "checkpoint.encode", "encode checkpoint").WithCause(err)
	}
	if err := writeAtomic(m.checkpointPath(cp.ID), data); err != nil {
		return nil, errs.New(errs.KindStorage, "checkpoint.write", "write checkpoint file").WithCause(err)
	}

	if err := m.setHeadLocked(cp.ID); err != nil {
		return nil, err
	}

	logger.Infow("checkpoint: created", "id", cp.ID, "parent", cp.ParentID, "files", len(cp.Files))
	return cp, nil
}

// GetCheckpoint loads a checkpoint record by id.
func (m *Manager) GetCheckpoint(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound.WithMessagef("checkpoint %s not found", id)
		}
		return nil, errs.New(errs.KindStorage, "checkpoint.read", "read checkpoint file").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errs.New(errs.KindStorage, "checkpoint.decode", "decode checkpoint file").WithCause(err)
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoint ids, sorted (ULIDs sort by
// creation order).
func (m *Manager) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, "checkpoints"))
	if err != nil {
		return nil, errs.New(errs.KindStorage, "checkpoint.list", "list checkpoints dir").WithCause(err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// GetCheckpointFiles resolves every file hash in the checkpoint back to
// its content via the CAS.
func (m *Manager) GetCheckpointFiles(id string) (map[string][]byte, error) {
	cp, err := m.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(cp.Files))
	for path, hash := range cp.Files {
		data, err := m.store.Retrieve(hash)
		if err != nil {
			return nil, errs.New(errs.KindStorage, "checkpoint.retrieve_blob", fmt.Sprintf("retrieve content for %s", path)).WithCause(err)
		}
		out[path] = data
	}
	return out, nil
}

// Diff computes the added/removed/modified paths between two checkpoints
// by comparing path -> content-hash maps directly; no file content is
// read.
func (m *Manager) Diff(fromID, toID string) (*DiffResult, error) {
	from, err := m.GetCheckpoint(fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.GetCheckpoint(toID)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{From: fromID, To: toID}

	for path, newHash := range to.Files {
		oldHash, existed := from.Files[path]
		switch {
		case !existed:
			result.Entries = append(result.Entries, DiffEntry{Path: path, ChangeType: "added", NewHash: newHash})
		case oldHash != newHash:
			result.Entries = append(result.Entries, DiffEntry{Path: path, ChangeType: "modified", OldHash: oldHash, NewHash: newHash})
		}
	}
	for path, oldHash := range from.Files {
		if _, stillExists := to.Files[path]; !stillExists {
			result.Entries = append(result.Entries, DiffEntry{Path: path, ChangeType: "removed", OldHash: oldHash})
		}
	}

	sort.Slice(result.Entries, func(i, j int) bool { return result.Entries[i].Path < result.Entries[j].Path })
	result.Stats.TotalChanges = len(result.Entries)
	return result, nil
}

// RestoreCheckpoint writes every file in the checkpoint into targetDir and
// removes any file under targetDir that the checkpoint does not list.
// This is destructive by design: the working tree ends up exactly
// matching the checkpoint.
func (m *Manager) RestoreCheckpoint(id, targetDir string) error {
	files, err := m.GetCheckpointFiles(id)
	if err != nil {
		return err
	}

	existing := make(map[string]struct{})
	err = filepath.Walk(targetDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(targetDir, p)
		if err != nil {
			return err
		}
		existing[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return errs.New(errs.KindStorage, "checkpoint.walk_target", "walk restore target").WithCause(err)
	}

	for path, content := range files {
		full := filepath.Join(targetDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errs.New(errs.KindStorage, "checkpoint.restore_mkdir", "create restored file dir").WithCause(err)
		}
		if err := writeAtomic(full, content); err != nil {
			return errs.New(errs.KindStorage, "checkpoint.restore_write", fmt.Sprintf("write restored file %s", path)).WithCause(err)
		}
		delete(existing, path)
	}

	for rel := range existing {
		if err := os.Remove(filepath.Join(targetDir, rel)); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.KindStorage, "checkpoint.restore_prune", fmt.Sprintf("remove stale file %s", rel)).WithCause(err)
		}
	}

	if err := m.UpdateHead(id); err != nil {
		return err
	}

	logger.Infow("checkpoint: restored", "id", id, "target", targetDir, "files", len(files))
	return nil
}

// DeleteCheckpoint removes a checkpoint record. If id is HEAD, HEAD is
// advanced to id's parent (or cleared, if id had none) before the record
// is removed, so HEAD never dangles at a deleted id. It does not touch
// CAS blobs; run GC separately to reclaim blobs no longer reachable from
// any checkpoint or ref.
func (m *Manager) DeleteCheckpoint(id string) error {
	cp, err := m.GetCheckpoint(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.currentHeadLocked()
	if err != nil {
		return err
	}
	if head == id {
		if err := m.setHeadLocked(cp.ParentID); err != nil {
			return err
		}
	}

	if err := os.Remove(m.checkpointPath(id)); err != nil {
		if os.IsNotExist(err) {
			return errs.ErrNotFound.WithMessagef("checkpoint %s not found", id)
		}
		return errs.New(errs.KindStorage, "checkpoint.delete", "remove checkpoint file").WithCause(err)
	}
	return nil
}

// ReachableHashes walks every checkpoint record and every file hash it
// references, for use as the keep-set passed to cas.Store.GC.
func (m *Manager) ReachableHashes() (map[string]struct{}, error) {
	ids, err := m.ListCheckpoints()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]struct{})
	for _, id := range ids {
		cp, err := m.GetCheckpoint(id)
		if err != nil {
			return nil, err
		}
		for _, hash := range cp.Files {
			keep[hash] = struct{}{}
		}
	}
	return keep, nil
}

// CreateRef points a named ref at a checkpoint id.
func (m *Manager) CreateRef(name, checkpointID string) error {
	if _, err := m.GetCheckpoint(checkpointID); err != nil {
		return err
	}
	return writeAtomic(m.refPath(name), []byte(checkpointID))
}

// GetRef resolves a named ref to its checkpoint id.
func (m *Manager) GetRef(name string) (string, error) {
	data, err := os.ReadFile(m.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.ErrNotFound.WithMessagef("ref %s not found", name)
		}
		return "", errs.New(errs.KindStorage, "checkpoint.read_ref", "read ref file").WithCause(err)
	}
	return string(data), nil
}

// DeleteRef removes a named ref.
func (m *Manager) DeleteRef(name string) error {
	if err := os.Remove(m.refPath(name)); err != nil {
		if os.IsNotExist(err) {
			return errs.ErrNotFound.WithMessagef("ref %s not found", name)
		}
		return errs.New(errs.KindStorage, "checkpoint.delete_ref", "remove ref file").WithCause(err)
	}
	return nil
}

// ListRefs returns every ref name mapped to its checkpoint id.
func (m *Manager) ListRefs() (map[string]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, "refs"))
	if err != nil {
		return nil, errs.New(errs.KindStorage, "checkpoint.list_refs", "list refs dir").WithCause(err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := m.GetRef(e.Name())
		if err != nil {
			return nil, err
		}
		out[e.Name()] = id
	}
	return out, nil
}

// UpdateHead moves HEAD to point at checkpointID.
func (m *Manager) UpdateHead(checkpointID string) error {
	if _, err := m.GetCheckpoint(checkpointID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setHeadLocked(checkpointID)
}

func (m *Manager) setHeadLocked(checkpointID string) error {
	if err := writeAtomic(m.headPath(), []byte(checkpointID)); err != nil {
		return errs.New(errs.KindStorage, "checkpoint.write_head", "write HEAD").WithCause(err)
	}
	return nil
}

// GetHead returns the checkpoint id HEAD currently points at, or "" if no
// checkpoint has been created yet.
func (m *Manager) GetHead() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentHeadLocked()
}

func (m *Manager) currentHeadLocked() (string, error) {
	data, err := os.ReadFile(m.headPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.New(errs.KindStorage, "checkpoint.read_head", "read HEAD").WithCause(err)
	}
	return string(data), nil
}

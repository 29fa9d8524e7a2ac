// Package timeline records the ordered history of checkpoint and restore
// events across branches, and answers ancestry questions over the
// checkpoint DAG (common-ancestor lookup for diffing across branches).
package timeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/shannon-mcp-core/internal/checkpoint"
	"github.com/kart-io/shannon-mcp-core/internal/errs"
	"github.com/kart-io/shannon-mcp-core/internal/idgen"
)

// maxAncestorDepth bounds the parent-chain walk so a malformed or cyclic
// DAG cannot hang common-ancestor lookups.
const maxAncestorDepth = 100_000

// EventType distinguishes what happened at a point on the timeline.
type EventType string

const (
	EventCheckpoint EventType = "checkpoint"
	EventRestore    EventType = "restore"
)

// Event is one entry in the timeline log.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	CheckpointID string    `json:"checkpoint_id"`
	Branch       string    `json:"branch"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Branch is a named, moving pointer at a checkpoint.
type Branch struct {
	Name      string    `json:"name"`
	Head      string    `json:"head"`
	CreatedAt time.Time `json:"created_at"`
}

// Timeline is the append-only event log plus the branch table. It holds
// its own in-memory copy, persisted as two flat JSON files rewritten
// atomically on every mutation.
type Timeline struct {
	root string
	mgr  *checkpoint.Manager
	ids  *idgen.ULIDGenerator

	mu       sync.Mutex
	events   []Event
	branches map[string]Branch
}

// New loads (or initializes) a Timeline rooted at root, backed by mgr for
// ancestry lookups.
func New(root string, mgr *checkpoint.Manager) (*Timeline, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New(errs.KindStorage, "timeline.mkdir", "create timeline dir").WithCause(err)
	}

	t := &Timeline{
		root:     root,
		mgr:      mgr,
		ids:      idgen.NewULIDGenerator(),
		branches: make(map[string]Branch),
	}

	if err := t.loadEvents(); err != nil {
		return nil, err
	}
	if err := t.loadBranches(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Timeline) eventsPath() string  { return filepath.Join(t.root, "timeline.json") }
func (t *Timeline) branchesPath() string { return filepath.Join(t.root, "branches.json") }

func (t *Timeline) loadEvents() error {
	data, err := os.ReadFile(t.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindStorage, "timeline.read_events", "read timeline.json").WithCause(err)
	}
	if len(data) == 0 {
		return nil
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return errs.New(errs.KindStorage, "timeline.decode_events", "decode timeline.json").WithCause(err)
	}
	t.events = events
	return nil
}

func (t *Timeline) loadBranches() error {
	data, err := os.ReadFile(t.branchesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindStorage, "timeline.read_branches", "read branches.json").WithCause(err)
	}
	if len(data) == 0 {
		return nil
	}
	var branches map[string]Branch
	if err := json.Unmarshal(data, &branches); err != nil {
		return errs.New(errs.KindStorage, "timeline.decode_branches", "decode branches.json").WithCause(err)
	}
	t.branches = branches
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (t *Timeline) persistEventsLocked() error {
	data, err := json.MarshalIndent(t.events, "", "  ")
	if err != nil {
		return errs.New(errs.KindStorage, "timeline.encode_events", "encode timeline").WithCause(err)
	}
	if err := writeAtomic(t.eventsPath(), data); err != nil {
		return errs.New(errs.KindStorage, "timeline.write_events", "write timeline.json").WithCause(err)
	}
	return nil
}

func (t *Timeline) persistBranchesLocked() error {
	data, err := json.MarshalIndent(t.branches, "", "  ")
	if err != nil {
		return errs.New(errs.KindStorage, "timeline.encode_branches", "encode branches").WithCause(err)
	}
	if err := writeAtomic(t.branchesPath(), data); err != nil {
		return errs.New(errs.KindStorage, "timeline.write_branches", "write branches.json").WithCause(err)
	}
	return nil
}

func (t *Timeline) appendLocked(evtType EventType, checkpointID, branch, message string) error {
	evt := Event{
		ID:           t.ids.Generate(),
		Type:         evtType,
		CheckpointID: checkpointID,
		Branch:       branch,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	t.events = append(t.events, evt)
	return t.persistEventsLocked()
}

// AddCheckpoint records that a checkpoint was created on branch.
func (t *Timeline) AddCheckpoint(checkpointID, branch, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendLocked(EventCheckpoint, checkpointID, branch, message); err != nil {
		return err
	}
	if b, ok := t.branches[branch]; ok {
		b.Head = checkpointID
		t.branches[branch] = b
		return t.persistBranchesLocked()
	}
	return nil
}

// CreateCheckpointOnBranch creates a new checkpoint parented on branch's
// current head, advances the branch head to it, and records the event.
// This is the branch-aware entry point; the manager's own CreateCheckpoint
// ignores branches and always parents on the global HEAD.
func (t *Timeline) CreateCheckpointOnBranch(branch string, files map[string][]byte, message string, metadata map[string]string) (*checkpoint.Checkpoint, error) {
	b, err := t.GetBranch(branch)
	if err != nil {
		return nil, err
	}

	cp, err := t.mgr.CreateCheckpointFrom(b.Head, files, message, metadata)
	if err != nil {
		return nil, err
	}

	if err := t.AddCheckpoint(cp.ID, branch, message); err != nil {
		return nil, err
	}
	return cp, nil
}

// AddRestore records that a restore to checkpointID happened on branch.
func (t *Timeline) AddRestore(checkpointID, branch, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(EventRestore, checkpointID, branch, message)
}

// CreateBranch registers a new named branch pointing at head.
func (t *Timeline) CreateBranch(name, head string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.branches[name]; exists {
		return errs.New(errs.KindValidation, "timeline.branch_exists", fmt.Sprintf("branch %s already exists", name))
	}
	t.branches[name] = Branch{Name: name, Head: head, CreatedAt: time.Now().UTC()}
	if err := t.persistBranchesLocked(); err != nil {
		return err
	}
	logger.Infow("timeline: branch created", "name", name, "head", head)
	return nil
}

// DeleteBranch removes a named branch.
func (t *Timeline) DeleteBranch(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.branches[name]; !exists {
		return errs.ErrNotFound.WithMessagef("branch %s not found", name)
	}
	delete(t.branches, name)
	if err := t.persistBranchesLocked(); err != nil {
		return err
	}
	logger.Infow("timeline: branch deleted", "name", name)
	return nil
}

// GetBranch returns a named branch.
func (t *Timeline) GetBranch(name string) (*Branch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.branches[name]
	if !ok {
		return nil, errs.ErrNotFound.WithMessagef("branch %s not found", name)
	}
	return &b, nil
}

// ListBranches returns every branch, sorted by name.
func (t *Timeline) ListBranches() ([]Branch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Branch, 0, len(t.branches))
	for _, b := range t.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetTimeline returns the full event log in recorded order.
func (t *Timeline) GetTimeline() ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out, nil
}

// GetCheckpointHistory returns every event that references checkpointID,
// in recorded order.
func (t *Timeline) GetCheckpointHistory(checkpointID string) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, e := range t.events {
		if e.CheckpointID == checkpointID {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindCommonAncestor walks the parent chains of idA and idB and returns
// the nearest checkpoint reachable from both. Returns "" with no error if
// the two checkpoints share no ancestor within maxAncestorDepth.
func (t *Timeline) FindCommonAncestor(idA, idB string) (string, error) {
	ancestorsA, err := t.ancestorChain(idA)
	if err != nil {
		return "", err
	}

	seen := make(map[string]struct{}, len(ancestorsA))
	for _, id := range ancestorsA {
		seen[id] = struct{}{}
	}

	cur := idB
	depth := 0
	for cur != "" && depth < maxAncestorDepth {
		if _, ok := seen[cur]; ok {
			return cur, nil
		}
		cp, err := t.mgr.GetCheckpoint(cur)
		if err != nil {
			return "", err
		}
		cur = cp.ParentID
		depth++
	}
	return "", nil
}

func (t *Timeline) ancestorChain(id string) ([]string, error) {
	var chain []string
	cur := id
	depth := 0
	for cur != "" && depth < maxAncestorDepth {
		chain = append(chain, cur)
		cp, err := t.mgr.GetCheckpoint(cur)
		if err != nil {
			return nil, err
		}
		cur = cp.ParentID
		depth++
	}
	return chain, nil
}

// Compact rewrites timeline.json from the current in-memory event slice.
// It is a manual, caller-invoked operation: nothing here automatically
// shrinks the log, since the persistence model is intentionally a full
// rewrite per append rather than a growing append-only file.
func (t *Timeline) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistEventsLocked()
}

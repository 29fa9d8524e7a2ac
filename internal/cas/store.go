// Package cas implements the content-addressable Object Store: a sharded
// filesystem of zstd-compressed blobs keyed by SHA-256, with an atomically
// updated metadata index, content-level dedup, and integrity verification.
package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"github.com/klauspost/compress/zstd"

	"github.com/kart-io/shannon-mcp-core/internal/errs"
)

// BlobMeta is the index entry recorded for every stored blob.
type BlobMeta struct {
	Hash           string            `json:"hash"`
	Size           int64             `json:"size"`
	CompressedSize int64             `json:"compressed_size"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store is a content-addressable, zstd-compressed, sharded blob store.
// The index is guarded by a single writer mutex: readers take the lock
// only long enough to copy what they need, then release it before doing
// any file I/O, per the concurrency model in the spec.
type Store struct {
	root      string
	zstdLevel zstd.EncoderLevel

	mu    sync.RWMutex
	index map[string]*BlobMeta

	dedupHits int64
}

// Open opens (creating if absent) a CAS rooted at root/objects with the
// index at root/index.json.
func Open(root string, zstdLevel int) (*Store, error) {
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, errs.New(errs.KindStorage, "cas.mkdir", "create objects dir").WithCause(err)
	}

	s := &Store{
		root:      root,
		zstdLevel: zstd.EncoderLevelFromZstd(clampLevel(zstdLevel)),
		index:     make(map[string]*BlobMeta),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	return s, nil
}

func clampLevel(level int) int {
	if level <= 0 {
		return 3
	}
	if level > 19 {
		return 19
	}
	return level
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindStorage, "cas.index_read", "read index").WithCause(err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var entries map[string]*BlobMeta
	if err := json.Unmarshal(data, &entries); err != nil {
		return errs.New(errs.KindStorage, "cas.index_decode", "decode index").WithCause(err)
	}

	s.mu.Lock()
	s.index = entries
	s.mu.Unlock()
	return nil
}

// writeIndexLocked serializes the index and writes it atomically
// (write-temp then rename). Caller must hold s.mu for writing.
func (s *Store) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return errs.New(errs.KindStorage, "cas.index_encode", "encode index").WithCause(err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(errs.KindStorage, "cas.index_write", "write index temp").WithCause(err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return errs.New(errs.KindStorage, "cas.index_rename", "rename index into place").WithCause(err)
	}
	return nil
}

func shardPath(root, hash string) string {
	return filepath.Join(root, "objects", hash[:2], hash[2:])
}

// Store writes data if its hash is not already present and returns the
// content hash. Writing the same bytes twice yields exactly one file on
// disk.
func (s *Store) Store(data []byte, metadata map[string]string) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.RLock()
	_, exists := s.index[hash]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		s.dedupHits++
		s.mu.Unlock()
		return hash, nil
	}

	compressed, err := compress(data, s.zstdLevel)
	if err != nil {
		return "", errs.New(errs.KindStorage, "cas.compress", "compress blob").WithCause(err)
	}

	path := shardPath(s.root, hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.New(errs.KindStorage, "cas.mkdir_shard", "create shard dir").WithCause(err)
	}

	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errs.New(errs.KindStorage, "cas.open_tmp", "open temp blob").WithCause(err)
	}
	if _, err := f.Write(compressed); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", errs.New(errs.KindStorage, "cas.write_tmp", "write temp blob").WithCause(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", errs.New(errs.KindStorage, "cas.fsync", "fsync temp blob").WithCause(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", errs.New(errs.KindStorage, "cas.close_tmp", "close temp blob").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errs.New(errs.KindStorage, "cas.rename_blob", "rename blob into place").WithCause(err)
	}

	meta := &BlobMeta{
		Hash:           hash,
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}

	s.mu.Lock()
	s.index[hash] = meta
	werr := s.writeIndexLocked()
	s.mu.Unlock()
	if werr != nil {
		return "", werr
	}

	logger.Debugw("cas: stored blob", "hash", hash, "size", meta.Size, "compressed_size", meta.CompressedSize)
	return hash, nil
}

// Retrieve returns the decompressed bytes for hash, verifying the content
// hash matches on every read. A hash mismatch drops the index entry (the
// unified integrity policy from DESIGN.md) and returns a corruption error.
func (s *Store) Retrieve(hash string) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.index[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WithMessagef("blob %s not indexed", hash)
	}

	compressed, err := readAllShard(s.root, hash)
	if err != nil {
		if os.IsNotExist(err) {
			s.dropIndexEntry(hash)
			return nil, errs.ErrCorrupted.WithMessagef("blob %s missing on disk", hash)
		}
		return nil, errs.New(errs.KindStorage, "cas.read_blob", "read blob").WithCause(err)
	}

	data, err := decompress(compressed)
	if err != nil {
		s.dropIndexEntry(hash)
		return nil, errs.New(errs.KindCorruption, "cas.decompress", "decompress blob").WithCause(err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		s.dropIndexEntry(hash)
		return nil, errs.ErrCorrupted.WithMessagef("blob %s hash mismatch on read", hash)
	}

	return data, nil
}

func (s *Store) dropIndexEntry(hash string) {
	s.mu.Lock()
	delete(s.index, hash)
	_ = s.writeIndexLocked()
	s.mu.Unlock()
	logger.Warnw("cas: dropped corrupted index entry", "hash", hash)
}

// Exists reports whether hash is present in the index.
func (s *Store) Exists(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[hash]
	return ok
}

// GetObject returns the metadata for hash.
func (s *Store) GetObject(hash string) (*BlobMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[hash]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// ListObjects returns all hashes with the given prefix (empty prefix
// lists everything), sorted for deterministic output.
func (s *Store) ListObjects(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.index))
	for h := range s.index {
		if strings.HasPrefix(h, prefix) {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Delete removes hash from the store and its index entry. The shard
// directory is removed if it has become empty; a non-empty shard dir is
// left alone.
func (s *Store) Delete(hash string) error {
	s.mu.Lock()
	if _, ok := s.index[hash]; !ok {
		s.mu.Unlock()
		return errs.ErrNotFound.WithMessagef("blob %s not indexed", hash)
	}
	delete(s.index, hash)
	err := s.writeIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	path := shardPath(s.root, hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindStorage, "cas.remove_blob", "remove blob file").WithCause(err)
	}
	_ = os.Remove(filepath.Dir(path)) // best-effort rmdir; ignored if non-empty

	return nil
}

// GC deletes every blob whose hash is not present in keep, returning the
// count removed and bytes freed (uncompressed size, matching the spec's
// accounting of logical bytes freed).
func (s *Store) GC(keep map[string]struct{}) (objectsRemoved int, bytesFreed int64, err error) {
	s.mu.RLock()
	toRemove := make([]*BlobMeta, 0)
	for h, m := range s.index {
		if _, ok := keep[h]; !ok {
			toRemove = append(toRemove, m)
		}
	}
	s.mu.RUnlock()

	for _, m := range toRemove {
		if err := s.Delete(m.Hash); err != nil {
			return objectsRemoved, bytesFreed, err
		}
		objectsRemoved++
		bytesFreed += m.Size
	}

	logger.Infow("cas: gc complete", "objects_removed", objectsRemoved, "bytes_freed", bytesFreed)
	return objectsRemoved, bytesFreed, nil
}

// VerifyIntegrity reads and re-hashes every indexed blob, returning the
// hashes that fail (missing file or content mismatch) before dropping
// their index entries — the same unified drop policy Retrieve uses.
func (s *Store) VerifyIntegrity() ([]string, error) {
	s.mu.RLock()
	hashes := make([]string, 0, len(s.index))
	for h := range s.index {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()
	sort.Strings(hashes)

	var corrupted []string
	for _, h := range hashes {
		compressed, err := readAllShard(s.root, h)
		if err != nil {
			corrupted = append(corrupted, h)
			s.dropIndexEntry(h)
			continue
		}
		data, err := decompress(compressed)
		if err != nil {
			corrupted = append(corrupted, h)
			s.dropIndexEntry(h)
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != h {
			corrupted = append(corrupted, h)
			s.dropIndexEntry(h)
		}
	}

	if len(corrupted) > 0 {
		logger.Warnw("cas: integrity check found corruption", "count", len(corrupted))
	}
	return corrupted, nil
}

// DedupHits returns the number of Store calls that matched existing
// content (test/diagnostic helper).
func (s *Store) DedupHits() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedupHits
}

func compress(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// readAllShard opens and fully reads a blob's shard file, shared by
// Retrieve and VerifyIntegrity so both apply the same not-found handling.
func readAllShard(root, hash string) ([]byte, error) {
	f, err := os.Open(shardPath(root, hash))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

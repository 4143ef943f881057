// Package cas implements a content-addressed object store for VM volumes,
// snapshots and run artifacts, sharded on disk by SHA-256 digest prefix.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/infrasim/vmctld/vmerr"
)

// Store is a content-addressed store rooted at a directory on the local
// filesystem.
type Store struct {
	root string
}

// New creates (if necessary) the object/run/tmp directory layout under root
// and returns a Store backed by it.
func New(root string) (*Store, error) {
	for _, sub := range []string{"objects", "runs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, vmerr.Wrap(vmerr.KindIO, err)
		}
	}
	slog.Info("cas: initialized", "root", root)
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectsDir() string { return filepath.Join(s.root, "objects") }
func (s *Store) runsDir() string    { return filepath.Join(s.root, "runs") }
func (s *Store) tmpDir() string     { return filepath.Join(s.root, "tmp") }

// Hash computes the SHA-256 digest of data as a lowercase hex string.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the SHA-256 digest of the file at path, streaming it
// through a 64KB buffer rather than reading it fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 64*1024)); err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ObjectPath returns the on-disk path for an object keyed by digest, sharded
// by its first two hex characters.
func (s *Store) ObjectPath(digest string) string {
	prefixLen := 2
	if len(digest) < prefixLen {
		prefixLen = len(digest)
	}
	return filepath.Join(s.objectsDir(), "sha256", digest[:prefixLen], digest)
}

// Has reports whether an object with the given digest exists.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.ObjectPath(digest))
	return err == nil
}

func (s *Store) writeAtomic(finalPath string, write func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	tmpPath := filepath.Join(s.tmpDir(), filepath.Base(finalPath)+".tmp")
	if err := write(tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	return nil
}

// Put stores data and returns its digest. If an object with that digest
// already exists, the existing object is left untouched (deduplication).
func (s *Store) Put(data []byte) (string, error) {
	digest := Hash(data)
	if s.Has(digest) {
		slog.Debug("cas: object exists", "digest", digest)
		return digest, nil
	}

	path := s.ObjectPath(digest)
	err := s.writeAtomic(path, func(tmpPath string) error {
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			return vmerr.Wrap(vmerr.KindIO, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Debug("cas: stored object", "digest", digest, "bytes", len(data))
	return digest, nil
}

// PutFile stores the file at src and returns its digest, without buffering
// the whole file in memory.
func (s *Store) PutFile(src string) (string, error) {
	digest, err := HashFile(src)
	if err != nil {
		return "", err
	}
	if s.Has(digest) {
		slog.Debug("cas: object exists", "digest", digest)
		return digest, nil
	}

	path := s.ObjectPath(digest)
	err = s.writeAtomic(path, func(tmpPath string) error {
		return copyFile(src, tmpPath)
	})
	if err != nil {
		return "", err
	}
	slog.Debug("cas: stored object", "digest", digest, "src", src)
	return digest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	return out.Close()
}

// Get reads an object by digest, verifying its content still matches the
// digest before returning it.
func (s *Store) Get(digest string) ([]byte, error) {
	path := s.ObjectPath(digest)
	if _, err := os.Stat(path); err != nil {
		return nil, vmerr.NotFound("object", digest)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}

	if actual := Hash(data); actual != digest {
		return nil, vmerr.Integrity("digest mismatch: expected %s, got %s", digest, actual)
	}
	return data, nil
}

// GetPath returns the on-disk path of an object, for callers that want to
// memory-map or exec against it directly (e.g. qemu -drive file=...).
func (s *Store) GetPath(digest string) (string, error) {
	path := s.ObjectPath(digest)
	if _, err := os.Stat(path); err != nil {
		return "", vmerr.NotFound("object", digest)
	}
	return path, nil
}

// Delete removes an object by digest. It is not an error to delete an
// object that does not exist.
func (s *Store) Delete(digest string) error {
	path := s.ObjectPath(digest)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return vmerr.Wrap(vmerr.KindIO, err)
		}
		slog.Debug("cas: deleted object", "digest", digest)
	}
	return nil
}

// CreateRun creates (if necessary) a run artifact directory and returns its
// path.
func (s *Store) CreateRun(runID string) (string, error) {
	dir := filepath.Join(s.runsDir(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, err)
	}
	slog.Debug("cas: created run directory", "path", dir)
	return dir, nil
}

// PutRunArtifact stores data under runs/<runID>/<name>. Unlike Put, run
// artifacts are not deduplicated by digest: they belong to exactly one run.
func (s *Store) PutRunArtifact(runID, name string, data []byte) (string, error) {
	dir := filepath.Join(s.runsDir(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, err)
	}
	digest := Hash(data)
	slog.Debug("cas: stored run artifact", "run_id", runID, "name", name, "digest", digest)
	return digest, nil
}

// GetRunArtifact reads a run artifact by run ID and name.
func (s *Store) GetRunArtifact(runID, name string) ([]byte, error) {
	path := filepath.Join(s.runsDir(), runID, name)
	if _, err := os.Stat(path); err != nil {
		return nil, vmerr.NotFound("run artifact", runID+"/"+name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}
	return data, nil
}

// ListRuns returns the IDs of all runs with artifacts in the store.
func (s *Store) ListRuns() ([]string, error) {
	runsDir := s.runsDir()
	var runs []string

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return runs, nil
		}
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}

// PutMemoryDump seals a memory dump with the given AEAD key and stores it as
// the run's "snapshot.mem.enc" artifact.
func (s *Store) PutMemoryDump(runID string, data, encryptionKey []byte) (string, error) {
	sealed, err := sealMemoryDump(encryptionKey, data)
	if err != nil {
		return "", err
	}
	return s.PutRunArtifact(runID, "snapshot.mem.enc", sealed)
}

// GcStats summarizes the outcome of a Gc pass.
type GcStats struct {
	TotalObjects   int
	TotalBytes     int64
	DeletedObjects int
	DeletedBytes   int64
}

// Gc deletes every object under objects/sha256 whose digest is not present
// in referenced, a mark-and-sweep pass that reclaims storage from deleted
// volumes and snapshots. Nothing in the daemon runs it on a schedule; the
// caller supplies the referenced set and decides when to run it.
func (s *Store) Gc(referenced []string) (GcStats, error) {
	var stats GcStats
	objectsDir := filepath.Join(s.objectsDir(), "sha256")

	if _, err := os.Stat(objectsDir); os.IsNotExist(err) {
		return stats, nil
	}

	referencedSet := make(map[string]struct{}, len(referenced))
	for _, d := range referenced {
		referencedSet[d] = struct{}{}
	}

	shardDirs, err := os.ReadDir(objectsDir)
	if err != nil {
		return stats, vmerr.Wrap(vmerr.KindIO, err)
	}
	for _, shard := range shardDirs {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(objectsDir, shard.Name())
		objects, err := os.ReadDir(shardPath)
		if err != nil {
			return stats, vmerr.Wrap(vmerr.KindIO, err)
		}
		for _, obj := range objects {
			if obj.IsDir() {
				continue
			}
			info, err := obj.Info()
			if err != nil {
				continue
			}
			stats.TotalObjects++
			stats.TotalBytes += info.Size()

			if _, keep := referencedSet[obj.Name()]; keep {
				continue
			}
			objPath := filepath.Join(shardPath, obj.Name())
			if err := os.Remove(objPath); err != nil {
				slog.Warn("cas: failed to delete unreferenced object", "digest", obj.Name(), "error", err)
				continue
			}
			stats.DeletedObjects++
			stats.DeletedBytes += info.Size()
		}
	}

	slog.Info("cas: gc complete",
		"deleted", stats.DeletedObjects, "total", stats.TotalObjects, "bytes_freed", stats.DeletedBytes)
	return stats, nil
}

package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/metrics"
)

// DefaultCacheSize is the number of decoded records kept in memory.
const DefaultCacheSize = 1024

// Store is a content-addressed object store with a 2-character fan-out
// directory layout: objects/ab/cdef0123...
//
// Records are zlib-compressed on disk; ids are computed over the
// uncompressed record, so the compression level never affects them.
type Store struct {
	root    string
	level   int
	log     *zap.Logger
	metrics *metrics.Store
	cache   *lru.Cache[Hash, cachedRecord]
}

type cachedRecord struct {
	objType ObjectType
	data    []byte
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Store) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithCompressionLevel sets the zlib level for new records.
func WithCompressionLevel(level int) StoreOption {
	return func(s *Store) { s.level = level }
}

// WithCacheSize sets the decoded-record cache size. Zero disables it.
func WithCacheSize(n int) StoreOption {
	return func(s *Store) {
		s.cache = nil
		if n > 0 {
			s.cache, _ = lru.New[Hash, cachedRecord](n)
		}
	}
}

// NewStore creates a Store rooted at the given directory (usually .git).
// The objects/ subdirectory is created lazily on first write.
func NewStore(root string, opts ...StoreOption) *Store {
	s := &Store{
		root:  root,
		level: zlib.BestSpeed,
		log:   zap.NewNop(),
	}
	s.cache, _ = lru.New[Hash, cachedRecord](DefaultCacheSize)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string {
	return s.root
}

// objectPath returns the filesystem path for a given hash.
func (s *Store) objectPath(h Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// Has reports whether the store contains an object with the given hash.
func (s *Store) Has(h Hash) bool {
	if ValidateHash(h) != nil {
		return false
	}
	if s.cache != nil && s.cache.Contains(h) {
		return true
	}
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// Put serializes and stores obj and returns its id. Storing the same
// content twice is a no-op returning the same id.
func (s *Store) Put(obj Object) (Hash, error) {
	payload, err := Marshal(obj)
	if err != nil {
		return "", err
	}
	return s.Write(obj.Type(), payload)
}

// Get reads and decodes the object with the given id.
func (s *Store) Get(h Hash) (Object, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	obj, err := Unmarshal(objType, data)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	return obj, nil
}

// Write stores an already-serialized payload and returns its content hash.
// Writes are atomic: data is written to a temp file in the fan-out
// directory and then renamed into place.
func (s *Store) Write(objType ObjectType, data []byte) (Hash, error) {
	if _, err := ParseObjectType(string(objType)); err != nil {
		return "", fmt.Errorf("object write: %w", err)
	}
	h := HashObject(objType, data)

	// Fast path: already exists.
	if s.Has(h) {
		s.log.Debug("object already stored", zap.String("hash", string(h)))
		s.metrics.ObserveWrite(true, 0)
		return h, nil
	}

	start := time.Now()
	dir := filepath.Join(s.root, "objects", string(h[:2]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if err := s.writeCompressed(tmp, makeRecord(objType, data)); err != nil {
		err = multierr.Combine(err, tmp.Close(), os.Remove(tmpName))
		return "", fmt.Errorf("object write %s: %w", h, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("object write close: %w", multierr.Append(err, os.Remove(tmpName)))
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		s.log.Debug("object chmod failed", zap.String("path", tmpName), zap.Error(err))
	}

	if err := os.Rename(tmpName, s.objectPath(h)); err != nil {
		removeErr := os.Remove(tmpName)
		// A concurrent writer may have won; identical content is fine.
		if _, statErr := os.Stat(s.objectPath(h)); statErr == nil {
			return h, nil
		}
		return "", fmt.Errorf("object write rename: %w", multierr.Append(err, removeErr))
	}

	s.metrics.ObserveWrite(false, time.Since(start))
	s.remember(h, objType, append([]byte(nil), data...))
	return h, nil
}

func (s *Store) writeCompressed(f *os.File, record []byte) error {
	zw, err := zlib.NewWriterLevel(f, s.level)
	if err != nil {
		return err
	}
	if _, err := zw.Write(record); err != nil {
		return multierr.Append(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// Read retrieves an object by hash, returning its type and raw payload. The
// returned slice may be shared with the store's cache and must not be
// modified.
func (s *Store) Read(h Hash) (ObjectType, []byte, error) {
	if err := ValidateHash(h); err != nil {
		return "", nil, fmt.Errorf("object read: %w", err)
	}
	if s.cache != nil {
		if rec, ok := s.cache.Get(h); ok {
			s.metrics.ObserveCacheHit()
			return rec.objType, rec.data, nil
		}
	}

	compressed, err := os.ReadFile(s.objectPath(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.metrics.ObserveRead("miss")
			return "", nil, fmt.Errorf("object read %s: %w", h, ErrObjectNotFound)
		}
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}

	raw, err := inflate(compressed)
	if err != nil {
		s.metrics.ObserveRead("corrupt")
		return "", nil, fmt.Errorf("object read %s: %w", h, malformedf("decompress: %v", err))
	}
	objType, payload, err := splitRecord(raw)
	if err != nil {
		s.metrics.ObserveRead("corrupt")
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	if got := HashObject(objType, payload); got != h {
		s.metrics.ObserveRead("corrupt")
		return "", nil, fmt.Errorf("object read %s: %w", h, malformedf("hash mismatch, content hashes to %s", got))
	}

	s.metrics.ObserveRead("hit")
	s.remember(h, objType, payload)
	return objType, payload, nil
}

func (s *Store) remember(h Hash, objType ObjectType, data []byte) {
	if s.cache == nil {
		return
	}
	s.cache.Add(h, cachedRecord{objType: objType, data: data})
}

func inflate(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(zr)
	return raw, multierr.Append(err, zr.Close())
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

func (s *Store) readTyped(h Hash, want ObjectType) (Object, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, want)
	}
	obj, err := Unmarshal(objType, data)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	return obj, nil
}

// ReadBlob reads and deserializes a Blob.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	obj, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return obj.(*Blob), nil
}

// ReadTree reads and deserializes a Tree.
func (s *Store) ReadTree(h Hash) (*Tree, error) {
	obj, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return obj.(*Tree), nil
}

// ReadCommit reads and deserializes a Commit.
func (s *Store) ReadCommit(h Hash) (*Commit, error) {
	obj, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return obj.(*Commit), nil
}

// ReadTag reads and deserializes a Tag.
func (s *Store) ReadTag(h Hash) (*Tag, error) {
	obj, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return obj.(*Tag), nil
}

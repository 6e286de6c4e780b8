package object

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/twig/pkg/metrics"
)

func tempStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, opts...)
}

func TestStoreWriteRead(t *testing.T) {
	s := tempStore(t)
	data := []byte("hello world")
	h, err := s.Write(TypeBlob, data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(h) != 40 {
		t.Errorf("Hash length: got %d, want 40", len(h))
	}

	gotType, gotData, err := s.Read(h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if gotType != TypeBlob {
		t.Errorf("Type: got %q, want %q", gotType, TypeBlob)
	}
	if !bytes.Equal(gotData, data) {
		t.Errorf("Data: got %q, want %q", gotData, data)
	}
}

func TestStorePutKnownBlob(t *testing.T) {
	s := tempStore(t)
	h, err := s.Put(&Blob{Data: []byte("Hello, this is a test file\n")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h != "cb23a4e7e7b5a96711e3488b55c3c58ea2dac027" {
		t.Fatalf("Put = %s", h)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "objects", "cb", "23a4e7e7b5a96711e3488b55c3c58ea2dac027")); err != nil {
		t.Fatalf("expected fan-out file: %v", err)
	}
}

func TestStorePutIdempotent(t *testing.T) {
	s := tempStore(t)
	blob := &Blob{Data: []byte("duplicate")}
	h1, err := s.Put(blob)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	path := s.objectPath(h1)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	h2, err := s.Put(blob)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Same content produced different hashes: %q vs %q", h1, h2)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("second Put changed the stored bytes")
	}
}

func TestStoreHas(t *testing.T) {
	s := tempStore(t)
	h, err := s.Write(TypeBlob, []byte("exists"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Has(h) {
		t.Error("Has returned false for existing object")
	}
	if s.Has(ZeroHash) {
		t.Error("Has returned true for non-existing object")
	}
	if s.Has("not-a-hash") {
		t.Error("Has returned true for an invalid hash")
	}
}

func TestStoreReadMissing(t *testing.T) {
	s := tempStore(t)
	_, _, err := s.Read(ZeroHash)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := s.Get(ZeroHash); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get: expected ErrObjectNotFound, got %v", err)
	}
}

func TestStoreObjectFormat(t *testing.T) {
	s := tempStore(t)
	h, err := s.Write(TypeBlob, []byte("format check"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	compressed, err := os.ReadFile(s.objectPath(h))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("zlib.NewReader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if want := "blob 12\x00format check"; string(raw) != want {
		t.Errorf("On-disk format: got %q, want %q", raw, want)
	}
}

func TestStoreDetectsCorruptRecord(t *testing.T) {
	s := tempStore(t, WithCacheSize(0))
	h, err := s.Write(TypeBlob, []byte("original"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte("blob 8\x00tampered"))
	zw.Close()
	path := s.objectPath(h)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := s.Read(h); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject, got %v", err)
	}
}

func TestStorePutGetAllTypes(t *testing.T) {
	s := tempStore(t)

	blobHash, err := s.Put(&Blob{Data: []byte("content\n")})
	if err != nil {
		t.Fatalf("Put blob: %v", err)
	}
	tree := &Tree{Entries: []TreeEntry{{Mode: TreeModeFile, Name: "file.txt", Hash: blobHash}}}
	treeHash, err := s.Put(tree)
	if err != nil {
		t.Fatalf("Put tree: %v", err)
	}
	sig := Signature{Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600"}
	commit := &Commit{TreeHash: treeHash, Author: sig, Committer: sig, Message: "Initial commit"}
	commitHash, err := s.Put(commit)
	if err != nil {
		t.Fatalf("Put commit: %v", err)
	}
	tag := &Tag{Object: commitHash, ObjectType: TypeCommit, Name: "v1", Tagger: &sig, Message: "v1\n"}
	tagHash, err := s.Put(tag)
	if err != nil {
		t.Fatalf("Put tag: %v", err)
	}

	gotTree, err := s.ReadTree(treeHash)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if diff := cmp.Diff(tree, gotTree); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
	gotCommit, err := s.ReadCommit(commitHash)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if diff := cmp.Diff(commit, gotCommit); diff != "" {
		t.Fatalf("commit mismatch (-want +got):\n%s", diff)
	}
	gotTag, err := s.ReadTag(tagHash)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if diff := cmp.Diff(tag, gotTag); diff != "" {
		t.Fatalf("tag mismatch (-want +got):\n%s", diff)
	}
	obj, err := s.Get(blobHash)
	if err != nil {
		t.Fatalf("Get blob: %v", err)
	}
	if string(obj.(*Blob).Data) != "content\n" {
		t.Fatalf("blob data = %q", obj.(*Blob).Data)
	}
}

func TestStoreReadBlobTypeMismatch(t *testing.T) {
	s := tempStore(t)
	h, err := s.Put(&Tree{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.ReadBlob(h); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestStoreRejectsUnknownType(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Write(ObjectType("widget"), []byte("x")); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject, got %v", err)
	}
}

func TestStoreConcurrentIdenticalWrites(t *testing.T) {
	s := tempStore(t, WithCacheSize(0))
	data := []byte("same bytes from many writers")
	want := HashObject(TypeBlob, data)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Write(TypeBlob, data)
			if err == nil && h != want {
				err = errors.New("unexpected hash " + string(h))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Write: %v", err)
		}
	}
	_, got, err := s.Read(want)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Read after concurrent writes: %q, %v", got, err)
	}
}

func TestStoreCacheServesReads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStore(reg)
	s := tempStore(t, WithMetrics(m), WithCacheSize(8))

	h, err := s.Write(TypeBlob, []byte("cached"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.Remove(s.objectPath(h)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, data, err := s.Read(h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "cached" {
		t.Fatalf("Read = %q", data)
	}

	count, err := testutil.GatherAndCount(reg, "twig_store_cache_hits_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("cache hit series = %d, want 1", count)
	}
}

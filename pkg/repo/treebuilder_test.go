package repo

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/odvcencio/twig/pkg/object"
)

const (
	helloBlob = object.Hash("cb23a4e7e7b5a96711e3488b55c3c58ea2dac027") // "Hello, this is a test file\n"
	emptyTree = object.Hash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")
)

func memTree(t *testing.T, files map[string]string, perms map[string]os.FileMode) afero.Fs {
	t.Helper()
	mem := afero.NewMemMapFs()
	if err := mem.MkdirAll("/work", 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		p := filepath.Join("/work", filepath.FromSlash(name))
		if err := mem.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		perm := os.FileMode(0o644)
		if pm, ok := perms[name]; ok {
			perm = pm
		}
		if err := afero.WriteFile(mem, p, []byte(content), perm); err != nil {
			t.Fatal(err)
		}
	}
	return mem
}

func buildTree(t *testing.T, store *object.Store, fsys afero.Fs, root string, opts ...TreeBuilderOption) object.Hash {
	t.Helper()
	h, err := NewTreeBuilder(store, fsys, opts...).Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return h
}

func TestTreeBuilderSingleFile(t *testing.T) {
	store := object.NewStore(t.TempDir())
	mem := memTree(t, map[string]string{"test.txt": "Hello, this is a test file\n"}, nil)

	h := buildTree(t, store, mem, "/work")

	tree, err := store.ReadTree(h)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	want := []object.TreeEntry{{Mode: object.TreeModeFile, Name: "test.txt", Hash: helloBlob}}
	if diff := cmp.Diff(want, tree.Entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	payload, err := object.MarshalTree(&object.Tree{Entries: want})
	if err != nil {
		t.Fatal(err)
	}
	if wantHash := object.HashObject(object.TypeTree, payload); h != wantHash {
		t.Fatalf("tree hash = %s, want %s", h, wantHash)
	}
}

func TestTreeBuilderEmptyDirectory(t *testing.T) {
	store := object.NewStore(t.TempDir())
	mem := afero.NewMemMapFs()
	if err := mem.MkdirAll("/work/empty", 0o755); err != nil {
		t.Fatal(err)
	}

	if h := buildTree(t, store, mem, "/work/empty"); h != emptyTree {
		t.Fatalf("empty dir tree = %s, want %s", h, emptyTree)
	}
	root, err := store.ReadTree(buildTree(t, store, mem, "/work"))
	if err != nil {
		t.Fatal(err)
	}
	want := []object.TreeEntry{{Mode: object.TreeModeDir, Name: "empty", Hash: emptyTree}}
	if diff := cmp.Diff(want, root.Entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeBuilderDeterministic(t *testing.T) {
	files := map[string]string{
		"b.txt":        "b\n",
		"a/one.txt":    "1\n",
		"a/two.txt":    "2\n",
		"a-b":          "dash\n",
		"z/deep/x.txt": "x\n",
	}
	store := object.NewStore(t.TempDir())

	first := buildTree(t, store, memTree(t, files, nil), "/work")
	second := buildTree(t, store, memTree(t, files, nil), "/work", WithConcurrency(1))
	if first != second {
		t.Fatalf("same content produced %s and %s", first, second)
	}

	changed := map[string]string{}
	for k, v := range files {
		changed[k] = v
	}
	changed["z/deep/x.txt"] = "y\n"
	if third := buildTree(t, store, memTree(t, changed, nil), "/work"); third == first {
		t.Fatal("changing a nested file did not change the root tree")
	}

	flat, err := (&Repo{Store: store}).FlattenTree(first)
	if err != nil {
		t.Fatalf("FlattenTree: %v", err)
	}
	var paths []string
	for _, e := range flat {
		paths = append(paths, e.Path)
	}
	// "a-b" sorts before the directory "a" because "a/" > "a-".
	wantPaths := []string{"a-b", "a/one.txt", "a/two.txt", "b.txt", "z/deep/x.txt"}
	if diff := cmp.Diff(wantPaths, paths); diff != "" {
		t.Fatalf("flattened paths mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeBuilderExecutableBit(t *testing.T) {
	store := object.NewStore(t.TempDir())
	mem := memTree(t,
		map[string]string{"run.sh": "#!/bin/sh\n", "data": "d\n"},
		map[string]os.FileMode{"run.sh": 0o755})

	tree, err := store.ReadTree(buildTree(t, store, mem, "/work"))
	if err != nil {
		t.Fatal(err)
	}
	modes := map[string]string{}
	for _, e := range tree.Entries {
		modes[e.Name] = e.Mode
	}
	want := map[string]string{"data": object.TreeModeFile, "run.sh": object.TreeModeExecutable}
	if diff := cmp.Diff(want, modes); diff != "" {
		t.Fatalf("modes mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeBuilderSkipsMetadataDir(t *testing.T) {
	store := object.NewStore(t.TempDir())
	mem := memTree(t, map[string]string{
		"test.txt":      "Hello, this is a test file\n",
		".git/HEAD":     "ref: refs/heads/main\n",
		"sub/.git/HEAD": "nested\n",
		"sub/inner.txt": "inner\n",
		".gitignore":    "*.o\n",
	}, nil)

	h := buildTree(t, store, mem, "/work")
	flat, err := (&Repo{Store: store}).FlattenTree(h)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, e := range flat {
		paths = append(paths, e.Path)
	}
	if diff := cmp.Diff([]string{".gitignore", "sub/inner.txt", "test.txt"}, paths); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeBuilderSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "target.txt"), []byte("t\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("target.txt", filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	store := object.NewStore(t.TempDir())

	tree, err := store.ReadTree(buildTree(t, store, afero.NewOsFs(), dir))
	if err != nil {
		t.Fatal(err)
	}
	link, ok := tree.FindEntry("link")
	if !ok {
		t.Fatalf("link entry missing: %+v", tree.Entries)
	}
	if link.Mode != object.TreeModeSymlink {
		t.Fatalf("link mode = %s, want %s", link.Mode, object.TreeModeSymlink)
	}
	blob, err := store.ReadBlob(link.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob.Data) != "target.txt" {
		t.Fatalf("link blob = %q, want link target", blob.Data)
	}
}

func TestTreeBuilderCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mem := memTree(t, map[string]string{"a": "a"}, nil)
	_, err := NewTreeBuilder(object.NewStore(t.TempDir()), mem).Build(ctx, "/work")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Build error = %v, want context.Canceled", err)
	}
}

type fakeInfo struct {
	name string
	mode fs.FileMode
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return nil }

func TestModeFromFileInfo(t *testing.T) {
	tests := []struct {
		mode fs.FileMode
		want string
	}{
		{0o644, object.TreeModeFile},
		{0o600, object.TreeModeFile},
		{0o755, object.TreeModeExecutable},
		{0o744, object.TreeModeExecutable},
		{fs.ModeDir | 0o755, object.TreeModeDir},
		{fs.ModeSymlink | 0o777, object.TreeModeSymlink},
	}
	for _, tt := range tests {
		got, err := modeFromFileInfo(fakeInfo{name: "x", mode: tt.mode})
		if err != nil {
			t.Fatalf("mode %v: %v", tt.mode, err)
		}
		if got != tt.want {
			t.Errorf("mode %v = %s, want %s", tt.mode, got, tt.want)
		}
	}

	for _, m := range []fs.FileMode{fs.ModeNamedPipe, fs.ModeSocket, fs.ModeDevice | fs.ModeCharDevice} {
		if _, err := modeFromFileInfo(fakeInfo{name: "x", mode: m}); !errors.Is(err, ErrUnsupportedFile) {
			t.Errorf("mode %v error = %v, want ErrUnsupportedFile", m, err)
		}
	}
}

func TestRepoWriteTreeOnMemFs(t *testing.T) {
	mem := afero.NewMemMapFs()
	r := newTestRepo(t, WithFs(mem))
	if err := mem.MkdirAll(r.RootDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(mem, filepath.Join(r.RootDir, "test.txt"), []byte("Hello, this is a test file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := r.WriteTree(context.Background())
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	entries, err := r.ListTree(h)
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"test.txt"}, names); diff != "" {
		t.Fatalf("ls-tree mismatch (-want +got):\n%s", diff)
	}
}

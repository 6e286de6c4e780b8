package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/odvcencio/twig/pkg/object"
)

const (
	hashA = object.Hash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = object.Hash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	hashC = object.Hash("cccccccccccccccccccccccccccccccccccccccc")
	hashD = object.Hash("dddddddddddddddddddddddddddddddddddddddd")
)

func TestUpdateRef_ResolveRef_RoundTrip(t *testing.T) {
	r := newTestRepo(t)

	if err := r.UpdateRef("refs/heads/main", hashA); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	for _, name := range []string{"refs/heads/main", "main", "HEAD"} {
		got, err := r.ResolveRef(name)
		if err != nil {
			t.Fatalf("ResolveRef(%q): %v", name, err)
		}
		if got != hashA {
			t.Errorf("ResolveRef(%q) = %q, want %q", name, got, hashA)
		}
	}

	data, err := os.ReadFile(filepath.Join(r.GitDir, "refs", "heads", "main"))
	if err != nil {
		t.Fatalf("read ref: %v", err)
	}
	if string(data) != string(hashA)+"\n" {
		t.Errorf("ref file = %q", data)
	}
}

func TestResolveRef_Missing(t *testing.T) {
	r := newTestRepo(t)
	for _, name := range []string{"HEAD", "main", "refs/heads/nope", "v1"} {
		if _, err := r.ResolveRef(name); !errors.Is(err, ErrRefNotFound) {
			t.Errorf("ResolveRef(%q) error = %v, want ErrRefNotFound", name, err)
		}
	}
}

func TestResolveRef_BranchBeforeTag(t *testing.T) {
	r := newTestRepo(t)
	if err := r.UpdateRef("refs/tags/dup", hashB); err != nil {
		t.Fatalf("UpdateRef(tag): %v", err)
	}
	got, err := r.ResolveRef("dup")
	if err != nil || got != hashB {
		t.Fatalf("ResolveRef(dup) = %q, %v; want tag target", got, err)
	}
	if err := r.UpdateRef("refs/heads/dup", hashA); err != nil {
		t.Fatalf("UpdateRef(branch): %v", err)
	}
	got, err = r.ResolveRef("dup")
	if err != nil || got != hashA {
		t.Fatalf("ResolveRef(dup) = %q, %v; want branch target", got, err)
	}
}

func TestResolveRef_DetachedHead(t *testing.T) {
	r := newTestRepo(t)
	if err := os.WriteFile(filepath.Join(r.GitDir, "HEAD"), []byte(strings.ToUpper(string(hashC))+"\n"), 0o644); err != nil {
		t.Fatalf("write HEAD: %v", err)
	}
	got, err := r.ResolveRef("HEAD")
	if err != nil {
		t.Fatalf("ResolveRef(HEAD): %v", err)
	}
	if got != hashC {
		t.Errorf("ResolveRef(HEAD) = %q, want %q", got, hashC)
	}
	branch, err := r.CurrentBranch()
	if err != nil || branch != "" {
		t.Errorf("CurrentBranch = %q, %v; want detached", branch, err)
	}
}

func TestSetHead(t *testing.T) {
	r := newTestRepo(t)
	if err := r.SetHead("refs/heads/dev"); err != nil {
		t.Fatalf("SetHead: %v", err)
	}
	head, err := r.Head()
	if err != nil || head != "refs/heads/dev" {
		t.Fatalf("Head = %q, %v", head, err)
	}
	if err := r.SetHead("../outside"); err == nil {
		t.Fatal("SetHead accepted a name outside refs/")
	}
}

func TestUpdateRef_RejectsInvalidInput(t *testing.T) {
	r := newTestRepo(t)
	for _, name := range []string{
		"main",
		"refs/heads/../../config",
		"refs/heads/a..b",
		"refs/heads/.hidden",
		"refs/heads/x.lock",
		"refs/heads/sp ace",
		"refs//heads",
	} {
		if err := r.UpdateRef(name, hashA); err == nil {
			t.Errorf("UpdateRef(%q) succeeded, want error", name)
		}
	}
	if err := r.UpdateRef("refs/heads/main", "not-a-hash"); err == nil {
		t.Error("UpdateRef accepted an invalid hash")
	}
}

func TestUpdateRefCAS_ConcurrentSingleWinner(t *testing.T) {
	r := newTestRepo(t)
	if err := r.UpdateRef("refs/heads/main", hashA); err != nil {
		t.Fatalf("UpdateRef(base): %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	successCh := make(chan object.Hash, workers)
	errCh := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := object.Hash(fmt.Sprintf("%040x", i+1))
			if err := r.UpdateRefCAS("refs/heads/main", next, hashA); err != nil {
				errCh <- err
				return
			}
			successCh <- next
		}()
	}
	wg.Wait()
	close(successCh)
	close(errCh)

	var winner object.Hash
	successes := 0
	for h := range successCh {
		successes++
		winner = h
	}
	if successes != 1 {
		t.Fatalf("successful CAS updates = %d, want 1", successes)
	}
	for err := range errCh {
		if !errors.Is(err, ErrRefCASMismatch) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := r.ResolveRef("refs/heads/main")
	if err != nil {
		t.Fatalf("ResolveRef(main): %v", err)
	}
	if got != winner {
		t.Fatalf("refs/heads/main = %s, want winner %s", got, winner)
	}
}

func TestUpdateRefCAS_CleansLockOnMismatch(t *testing.T) {
	r := newTestRepo(t)
	if err := r.UpdateRef("refs/heads/main", hashB); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	err := r.UpdateRefCAS("refs/heads/main", hashC, hashD)
	if !errors.Is(err, ErrRefCASMismatch) {
		t.Fatalf("expected CAS mismatch, got: %v", err)
	}
	lockPath := filepath.Join(r.GitDir, "refs", "heads", "main.lock")
	if _, statErr := os.Stat(lockPath); !os.IsNotExist(statErr) {
		t.Fatalf("lingering lockfile at %q, stat err=%v", lockPath, statErr)
	}
	got, _ := r.ResolveRef("main")
	if got != hashB {
		t.Fatalf("ref moved to %s after failed CAS", got)
	}
}

func TestUpdateRefCAS_ExpectAbsent(t *testing.T) {
	r := newTestRepo(t)
	if err := r.UpdateRefCAS("refs/heads/new", hashA, ""); err != nil {
		t.Fatalf("create with absent expectation: %v", err)
	}
	if err := r.UpdateRefCAS("refs/heads/new", hashB, ""); !errors.Is(err, ErrRefCASMismatch) {
		t.Fatalf("second create error = %v, want ErrRefCASMismatch", err)
	}
}

func TestUpdateRef_WritesReflog(t *testing.T) {
	r := newTestRepo(t)
	if err := r.UpdateRef("refs/heads/main", hashA); err != nil {
		t.Fatalf("UpdateRef(a): %v", err)
	}
	if err := r.UpdateRef("refs/heads/main", hashB); err != nil {
		t.Fatalf("UpdateRef(b): %v", err)
	}

	entries, err := r.ReadReflog("main", 10)
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	type flat struct{ Old, New object.Hash }
	var got []flat
	for _, e := range entries {
		got = append(got, flat{e.OldHash, e.NewHash})
		if e.Committer.Name != "A U Thor" || e.Committer.Email != "author@example.com" {
			t.Errorf("committer = %+v", e.Committer)
		}
		if e.Reason != "update" {
			t.Errorf("reason = %q, want update", e.Reason)
		}
	}
	want := []flat{{hashA, hashB}, {object.ZeroHash, hashA}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reflog mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(filepath.Join(r.GitDir, "logs", "refs", "heads", "main"))
	if err != nil {
		t.Fatalf("read reflog file: %v", err)
	}
	first, _, _ := strings.Cut(string(raw), "\n")
	prefix := string(object.ZeroHash) + " " + string(hashA) + " A U Thor <author@example.com> "
	if !strings.HasPrefix(first, prefix) || !strings.HasSuffix(first, "\tupdate") {
		t.Fatalf("reflog line = %q", first)
	}
}

func TestReadReflog_RespectsLimit(t *testing.T) {
	r := newTestRepo(t)
	for i := range 5 {
		if err := r.UpdateRef("refs/heads/main", object.Hash(fmt.Sprintf("%040x", i+1))); err != nil {
			t.Fatalf("UpdateRef(%d): %v", i, err)
		}
	}
	entries, err := r.ReadReflog("HEAD", 2)
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if entries[0].NewHash != object.Hash(fmt.Sprintf("%040x", 5)) {
		t.Fatalf("newest entry = %s", entries[0].NewHash)
	}
}

func TestReflogFallbackIdentity(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.UpdateRef("refs/heads/main", hashA); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	entries, err := r.ReadReflog("main", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadReflog = %v, %v", entries, err)
	}
	if entries[0].Committer.Name != "twig" {
		t.Fatalf("committer = %+v, want fallback identity", entries[0].Committer)
	}
}

func TestListRefs(t *testing.T) {
	r := newTestRepo(t)
	for name, h := range map[string]object.Hash{
		"refs/heads/main":        hashA,
		"refs/heads/feature/x":   hashB,
		"refs/tags/v1":           hashC,
		"refs/remotes/origin/hd": hashD,
	} {
		if err := r.UpdateRef(name, h); err != nil {
			t.Fatalf("UpdateRef(%s): %v", name, err)
		}
	}
	// Stray lock and garbage files are ignored.
	if err := os.WriteFile(filepath.Join(r.GitDir, "refs", "heads", "stale.lock"), []byte(hashD), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.GitDir, "refs", "heads", "junk"), []byte("nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := r.ListRefs("refs/")
	if err != nil {
		t.Fatalf("ListRefs: %v", err)
	}
	want := []Ref{
		{Name: "refs/heads/feature/x", Hash: hashB},
		{Name: "refs/heads/main", Hash: hashA},
		{Name: "refs/remotes/origin/hd", Hash: hashD},
		{Name: "refs/tags/v1", Hash: hashC},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Fatalf("ListRefs mismatch (-want +got):\n%s", diff)
	}

	branches, err := r.ListBranches()
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if diff := cmp.Diff([]string{"feature/x", "main"}, branches); diff != "" {
		t.Fatalf("ListBranches mismatch (-want +got):\n%s", diff)
	}
}

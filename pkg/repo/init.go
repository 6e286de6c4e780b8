package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
)

var (
	ErrRefCASMismatch                  = errors.New("ref compare-and-swap mismatch")
	ErrRefUpdatedButReflogAppendFailed = errors.New("ref updated but reflog append failed")
	ErrRefNotFound                     = errors.New("ref not found")
	ErrNotRepository                   = errors.New("not a repository")
)

// RefUpdateReflogError indicates the ref file update succeeded, but appending
// the corresponding reflog entry failed.
type RefUpdateReflogError struct {
	Ref     string
	OldHash object.Hash
	NewHash object.Hash
	Err     error
}

func (e *RefUpdateReflogError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf(
		"update ref %q: %s (old=%s new=%s): %v",
		e.Ref,
		ErrRefUpdatedButReflogAppendFailed,
		e.OldHash,
		e.NewHash,
		e.Err,
	)
}

func (e *RefUpdateReflogError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *RefUpdateReflogError) Is(target error) bool {
	return target == ErrRefUpdatedButReflogAppendFailed
}

const (
	refLockRetryDelay = 5 * time.Millisecond
	refLockWaitLimit  = 2 * time.Second

	// DefaultBranch is the branch HEAD points at after Init.
	DefaultBranch = "main"
)

// Init creates a new repository at path: .git/HEAD, objects/, refs/heads/,
// refs/tags/ and logs/. Returns an error if .git already exists.
func Init(path string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("init: abs path: %w", err)
	}
	gitDir := filepath.Join(abs, MetaDirName)

	if _, err := os.Stat(gitDir); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", gitDir)
	}

	dirs := []string{
		filepath.Join(gitDir, "objects"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "tags"),
		filepath.Join(gitDir, "logs", "refs", "heads"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	headPath := filepath.Join(gitDir, "HEAD")
	if err := os.WriteFile(headPath, []byte("ref: refs/heads/"+DefaultBranch+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}

	r := newRepo(abs, gitDir, opts)
	r.log.Debug("initialized repository", zap.String("git_dir", gitDir))
	return r, nil
}

// Open searches upward from path for a .git directory and opens the
// repository.
func Open(path string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}

	cur := abs
	for {
		gitDir := filepath.Join(cur, MetaDirName)
		info, err := os.Stat(gitDir)
		if err == nil && info.IsDir() {
			return newRepo(cur, gitDir, opts), nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("open %s: %w (or any parent up to /)", abs, ErrNotRepository)
		}
		cur = parent
	}
}

// Head reads .git/HEAD. If the content starts with "ref: ", it returns the
// ref path (e.g., "refs/heads/main"). Otherwise it returns the raw content
// as a detached hash string.
func (r *Repo) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.GitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	content := strings.TrimRight(string(data), "\n")

	if target, ok := strings.CutPrefix(content, "ref: "); ok {
		return target, nil
	}
	return content, nil
}

// SetHead points HEAD symbolically at ref (e.g. "refs/heads/main").
func (r *Repo) SetHead(ref string) error {
	if err := ValidateRefName(ref); err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	old, _ := r.Head()
	if err := r.writeFileAtomic("HEAD", []byte("ref: "+ref+"\n")); err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	r.log.Debug("HEAD updated", zap.String("old", old), zap.String("new", ref))
	return nil
}

// ResolveRef resolves a ref name to an object hash.
//
// Resolution order:
//  1. If name is "HEAD", read HEAD. If HEAD is symbolic, resolve the target ref.
//  2. If name starts with "refs/", read .git/<name>.
//  3. Otherwise, try "refs/heads/<name>" then "refs/tags/<name>".
//
// Missing refs wrap ErrRefNotFound.
func (r *Repo) ResolveRef(name string) (object.Hash, error) {
	if name == "HEAD" {
		head, err := r.Head()
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(head, "refs/") {
			return r.ResolveRef(head)
		}
		return object.ParseHash(head)
	}

	candidates := []string{name}
	if !strings.HasPrefix(name, "refs/") {
		candidates = []string{"refs/heads/" + name, "refs/tags/" + name}
	}
	for _, ref := range candidates {
		if ValidateRefName(ref) != nil {
			continue
		}
		h, err := readRefHash(filepath.Join(r.GitDir, filepath.FromSlash(ref)))
		if err != nil {
			return "", fmt.Errorf("resolve ref %q: %w", name, err)
		}
		if h != "" {
			return object.ParseHash(string(h))
		}
	}
	return "", fmt.Errorf("resolve ref %q: %w", name, ErrRefNotFound)
}

// UpdateRef writes a hash to the named ref file under .git/. Parent
// directories are created as needed.
func (r *Repo) UpdateRef(name string, h object.Hash) error {
	return r.UpdateRefCAS(name, h)
}

// UpdateRefCAS writes a hash to the named ref file under .git/ using
// lockfile + rename atomic semantics. If expectedOld is provided, the
// update only succeeds when the current ref hash matches it; "" expects the
// ref to be absent.
//
// Reflog append happens after the ref rename; if reflog append fails, the ref
// update remains committed and a RefUpdateReflogError is returned.
func (r *Repo) UpdateRefCAS(name string, h object.Hash, expectedOld ...object.Hash) error {
	return r.updateRef(name, h, "update", expectedOld...)
}

func (r *Repo) updateRef(name string, h object.Hash, reason string, expectedOld ...object.Hash) (err error) {
	if len(expectedOld) > 1 {
		return fmt.Errorf("update ref %q: expected at most one old hash", name)
	}
	if err := ValidateRefName(name); err != nil {
		return fmt.Errorf("update ref: %w", err)
	}
	if err := object.ValidateHash(h); err != nil {
		return fmt.Errorf("update ref %q: %w", name, err)
	}

	refPath := filepath.Join(r.GitDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("update ref %q: mkdir: %w", name, err)
	}

	lockPath := refPath + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			err = multierr.Append(err, lockFile.Close())
		}
		if cleanupLock {
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = multierr.Append(err, rmErr)
			}
		}
	}()

	oldHash, err := readRefHash(refPath)
	if err != nil {
		return fmt.Errorf("update ref %q: read old hash: %w", name, err)
	}
	if len(expectedOld) == 1 && oldHash != expectedOld[0] {
		return fmt.Errorf(
			"update ref %q: %w (expected %q, found %q)",
			name,
			ErrRefCASMismatch,
			expectedOld[0],
			oldHash,
		)
	}

	if _, err := lockFile.WriteString(string(h) + "\n"); err != nil {
		return fmt.Errorf("update ref %q: write: %w", name, err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("update ref %q: sync: %w", name, err)
	}
	closeErr := lockFile.Close()
	lockFile = nil
	if closeErr != nil {
		return fmt.Errorf("update ref %q: close: %w", name, closeErr)
	}

	if err := os.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", name, err)
	}
	cleanupLock = false
	r.log.Debug("ref updated",
		zap.String("ref", name),
		zap.String("old", string(oldHash)),
		zap.String("new", string(h)))

	if err := r.appendReflog(name, oldHash, h, reason); err != nil {
		return &RefUpdateReflogError{
			Ref:     name,
			OldHash: oldHash,
			NewHash: h,
			Err:     err,
		}
	}

	return nil
}

func acquireRefLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(refLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(refLockRetryDelay)
			continue
		}
		return nil, err
	}
}

func readRefHash(refPath string) (object.Hash, error) {
	data, err := os.ReadFile(refPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return object.Hash(strings.TrimSpace(string(data))), nil
}

// writeFileAtomic replaces .git/<name> through a temp file and rename.
func (r *Repo) writeFileAtomic(name string, data []byte) error {
	target := filepath.Join(r.GitDir, filepath.FromSlash(name))
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: tmpfile: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, multierr.Combine(err, tmp.Close(), os.Remove(tmpName)))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: close: %w", name, multierr.Append(err, os.Remove(tmpName)))
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("write %s: rename: %w", name, multierr.Append(err, os.Remove(tmpName)))
	}
	return nil
}

// ValidateRefName rejects names that could escape .git or that git itself
// refuses.
func ValidateRefName(name string) error {
	for _, c := range []byte(name) {
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("invalid ref name %q: control character", name)
		}
	}
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("invalid ref name %q: must start with refs/", name)
	}
	for _, part := range strings.Split(name, "/") {
		switch {
		case part == "", part == ".", part == "..":
			return fmt.Errorf("invalid ref name %q", name)
		case strings.HasPrefix(part, "."), strings.HasSuffix(part, ".lock"):
			return fmt.Errorf("invalid ref name %q", name)
		}
	}
	if strings.ContainsAny(name, " ~^:?*[\\\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid ref name %q", name)
	}
	return nil
}

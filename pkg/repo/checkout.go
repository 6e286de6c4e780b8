package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
)

// ErrUnsafePath reports a checkout that would write through a symlink.
var ErrUnsafePath = errors.New("unsafe checkout path")

// CheckoutTree writes the tree named by h (or the tree of the commit or
// tag h) into the working directory. Existing files at the same paths are
// overwritten; other files are left alone.
func (r *Repo) CheckoutTree(ctx context.Context, h object.Hash) error {
	treeHash, err := r.PeelToTree(h)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	var written int
	if err := r.checkoutDir(ctx, treeHash, r.RootDir, &written); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	r.log.Debug("checked out tree",
		zap.String("tree", string(treeHash)),
		zap.Int("files", written))
	return nil
}

func (r *Repo) checkoutDir(ctx context.Context, treeHash object.Hash, dir string, written *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tree, err := r.Store.ReadTree(treeHash)
	if err != nil {
		return fmt.Errorf("read tree %s: %w", treeHash, err)
	}
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	for _, entry := range tree.Entries {
		if strings.EqualFold(entry.Name, MetaDirName) {
			r.log.Warn("skipping tree entry named like the metadata directory", zap.String("dir", dir))
			continue
		}
		target := filepath.Join(dir, entry.Name)
		isLink, err := r.isSymlink(target)
		if err != nil {
			return err
		}

		switch entry.Mode {
		case object.TreeModeDir:
			if isLink {
				return fmt.Errorf("%w: directory %q is a symlink", ErrUnsafePath, target)
			}
			if err := r.checkoutDir(ctx, entry.Hash, target, written); err != nil {
				return err
			}
			continue
		case object.TreeModeGitlink:
			if isLink {
				return fmt.Errorf("%w: submodule %q is a symlink", ErrUnsafePath, target)
			}
			if err := r.fs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", target, err)
			}
			continue
		}

		blob, err := r.Store.ReadBlob(entry.Hash)
		if err != nil {
			return fmt.Errorf("read blob for %q: %w", target, err)
		}
		if entry.Mode == object.TreeModeSymlink {
			if err := r.writeSymlink(string(blob.Data), target); err != nil {
				return err
			}
			*written++
			continue
		}
		// Replace a link instead of writing through it.
		if isLink {
			if err := r.fs.Remove(target); err != nil {
				return fmt.Errorf("replace %q: %w", target, err)
			}
		}
		if err := r.writeFile(target, blob.Data, filePermFromMode(entry.Mode)); err != nil {
			return err
		}
		*written++
	}
	return nil
}

// isSymlink reports whether path exists as a symlink. Filesystems without
// link support never hold one.
func (r *Repo) isSymlink(path string) (bool, error) {
	ls, ok := r.fs.(afero.Lstater)
	if !ok {
		return false, nil
	}
	info, _, err := ls.LstatIfPossible(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lstat %q: %w", path, err)
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}

func (r *Repo) writeFile(target string, data []byte, perm os.FileMode) error {
	if err := afero.WriteFile(r.fs, target, data, perm); err != nil {
		return fmt.Errorf("write %q: %w", target, err)
	}
	// WriteFile only applies perm when it creates the file.
	if err := r.fs.Chmod(target, perm); err != nil {
		return fmt.Errorf("chmod %q: %w", target, err)
	}
	return nil
}

func (r *Repo) writeSymlink(linkTarget, target string) error {
	linker, ok := r.fs.(afero.Linker)
	if !ok {
		return r.writeFile(target, []byte(linkTarget), 0o644)
	}
	if err := r.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %q: %w", target, err)
	}
	if err := linker.SymlinkIfPossible(linkTarget, target); err != nil {
		return fmt.Errorf("symlink %q: %w", target, err)
	}
	return nil
}

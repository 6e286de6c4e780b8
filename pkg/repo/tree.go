package repo

import (
	"context"
	"fmt"
	"path"

	"github.com/odvcencio/twig/pkg/object"
)

// TreeFileEntry represents a single non-directory entry in a flattened tree.
type TreeFileEntry struct {
	Path string // forward-slash path from the tree root
	Mode string
	Hash object.Hash
}

// WriteTree snapshots the working directory (minus .git) and returns the
// root tree id.
func (r *Repo) WriteTree(ctx context.Context) (object.Hash, error) {
	b := NewTreeBuilder(r.Store, r.fs, WithTreeLogger(r.log.Named("tree")))
	return b.Build(ctx, r.RootDir)
}

// ListTree returns the entries of a tree in stored order. A commit or tag
// id is peeled to the tree it points at.
func (r *Repo) ListTree(h object.Hash) ([]object.TreeEntry, error) {
	treeHash, err := r.PeelToTree(h)
	if err != nil {
		return nil, fmt.Errorf("ls-tree: %w", err)
	}
	tree, err := r.Store.ReadTree(treeHash)
	if err != nil {
		return nil, fmt.Errorf("ls-tree: %w", err)
	}
	return tree.Entries, nil
}

// PeelToTree follows tags and commits until it reaches a tree.
func (r *Repo) PeelToTree(h object.Hash) (object.Hash, error) {
	for range maxPeelDepth {
		obj, err := r.Store.Get(h)
		if err != nil {
			return "", err
		}
		switch o := obj.(type) {
		case *object.Tree:
			return h, nil
		case *object.Commit:
			h = o.TreeHash
		case *object.Tag:
			h = o.Object
		default:
			return "", fmt.Errorf("%s is a %s, not a tree-ish", h, obj.Type())
		}
	}
	return "", fmt.Errorf("%s: tag chain too deep", h)
}

const maxPeelDepth = 16

// FlattenTree walks a tree object recursively, returning all non-directory
// entries with their full paths.
func (r *Repo) FlattenTree(h object.Hash) ([]TreeFileEntry, error) {
	return r.flattenTreeRec(h, "")
}

func (r *Repo) flattenTreeRec(h object.Hash, prefix string) ([]TreeFileEntry, error) {
	tree, err := r.Store.ReadTree(h)
	if err != nil {
		return nil, fmt.Errorf("flatten tree: read %s: %w", h, err)
	}

	var result []TreeFileEntry
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = path.Join(prefix, entry.Name)
		}

		if entry.IsDir() {
			sub, err := r.flattenTreeRec(entry.Hash, fullPath)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
			continue
		}
		result = append(result, TreeFileEntry{
			Path: fullPath,
			Mode: entry.Mode,
			Hash: entry.Hash,
		})
	}
	return result, nil
}

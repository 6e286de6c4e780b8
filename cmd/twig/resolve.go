package main

import (
	"fmt"
	"strings"

	"github.com/odvcencio/twig/pkg/object"
	"github.com/odvcencio/twig/pkg/repo"
)

// resolveObject accepts a full object id or a ref name.
func resolveObject(r *repo.Repo, arg string) (object.Hash, error) {
	arg = strings.TrimSpace(arg)
	if h, err := object.ParseHash(arg); err == nil {
		if !r.Store.Has(h) {
			return "", fmt.Errorf("%s: %w", h, object.ErrObjectNotFound)
		}
		return h, nil
	}
	h, err := r.ResolveRef(arg)
	if err != nil {
		return "", fmt.Errorf("not a valid object name %q: %w", arg, err)
	}
	return h, nil
}

// entryType names the object kind a tree entry points at.
func entryType(e object.TreeEntry) object.ObjectType {
	switch {
	case e.Mode == object.TreeModeGitlink:
		return object.TypeCommit
	case e.IsDir():
		return object.TypeTree
	default:
		return object.TypeBlob
	}
}

// paddedMode renders a tree mode with git's six-digit width.
func paddedMode(mode string) string {
	if len(mode) >= 6 {
		return mode
	}
	return strings.Repeat("0", 6-len(mode)) + mode
}

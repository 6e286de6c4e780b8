package object

import (
	"fmt"
	"sort"
	"strings"
)

// ReachableSet returns all object hashes reachable from roots by following
// object references. Missing roots are ignored; gitlink entries are not
// followed since they name commits in another repository.
func (s *Store) ReachableSet(roots []Hash) (map[Hash]struct{}, error) {
	_, set, err := s.walkReachable(roots)
	return set, err
}

// ReachableOrder returns the reachable objects in depth-first discovery
// order, starting from the roots.
func (s *Store) ReachableOrder(roots []Hash) ([]Hash, error) {
	order, _, err := s.walkReachable(roots)
	return order, err
}

func (s *Store) walkReachable(roots []Hash) ([]Hash, map[Hash]struct{}, error) {
	roots = uniqueNormalizedHashes(roots)
	out := make(map[Hash]struct{}, len(roots))
	order := make([]Hash, 0, len(roots))
	if len(roots) == 0 {
		return order, out, nil
	}

	stack := make([]Hash, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h == "" {
			continue
		}
		if _, ok := out[h]; ok {
			continue
		}
		if !s.Has(h) {
			continue
		}
		out[h] = struct{}{}
		order = append(order, h)

		objType, data, err := s.Read(h)
		if err != nil {
			return nil, nil, fmt.Errorf("reachable set read %s: %w", h, err)
		}
		refs, err := referencedHashes(objType, data)
		if err != nil {
			return nil, nil, fmt.Errorf("reachable set parse %s (%s): %w", h, objType, err)
		}
		for i := len(refs) - 1; i >= 0; i-- {
			stack = append(stack, refs[i])
		}
	}

	return order, out, nil
}

func referencedHashes(objType ObjectType, data []byte) ([]Hash, error) {
	switch objType {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		tag, err := UnmarshalTag(data)
		if err != nil {
			return nil, err
		}
		return []Hash{tag.Object}, nil
	case TypeCommit:
		commit, err := UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		refs := make([]Hash, 0, 1+len(commit.Parents))
		refs = append(refs, commit.TreeHash)
		refs = append(refs, commit.Parents...)
		return refs, nil
	case TypeTree:
		tree, err := UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		refs := make([]Hash, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Mode == TreeModeGitlink {
				continue
			}
			refs = append(refs, e.Hash)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", objType)
	}
}

func uniqueNormalizedHashes(in []Hash) []Hash {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Hash]struct{}, len(in))
	out := make([]Hash, 0, len(in))
	for _, h := range in {
		h = Hash(strings.ToLower(strings.TrimSpace(string(h))))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

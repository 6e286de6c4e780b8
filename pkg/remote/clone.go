package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
	"github.com/odvcencio/twig/pkg/repo"
)

// CloneOptions configures Clone.
type CloneOptions struct {
	// RemoteName names the remote in config and under refs/remotes/.
	// Defaults to "origin".
	RemoteName string
	// Branch selects the local branch to create. Defaults to the branch
	// the remote HEAD points at, then "main".
	Branch string
	// Checkout writes the branch's tree into the working directory.
	Checkout bool
}

// CloneResult summarizes a clone.
type CloneResult struct {
	Branch  string
	Head    object.Hash
	Refs    int
	Objects int
}

// Clone discovers the remote refs, fetches everything they point at into
// r's store and only then records the refs. A failed fetch leaves every
// ref in r untouched.
func Clone(ctx context.Context, c *Client, r *repo.Repo, opts CloneOptions) (*CloneResult, error) {
	remoteName := strings.TrimSpace(opts.RemoteName)
	if remoteName == "" {
		remoteName = "origin"
	}
	if strings.Contains(remoteName, "/") || repo.ValidateRefName("refs/remotes/"+remoteName) != nil {
		return nil, fmt.Errorf("clone: invalid remote name %q", remoteName)
	}
	log := r.Logger().With(zap.String("remote", remoteName))

	adv, err := c.DiscoverRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	res, err := FetchIntoStore(ctx, c, r.Store, adv.Wants())
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	branch, head, err := pickBranch(adv, opts.Branch)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	// Everything is validated before the first ref is written.
	branchRef := "refs/heads/" + branch
	if err := repo.ValidateRefName(branchRef); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	updates := remoteTrackingRefs(adv.Refs, remoteName, log)
	for _, u := range updates {
		if err := r.UpdateRef(u.Name, u.Hash); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
	}
	updated := len(updates)
	if head != "" {
		if err := r.UpdateRef(branchRef, head); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
	}
	if err := r.SetHead(branchRef); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	if err := r.SetRemote(remoteName, c.Endpoint().BaseURL); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	if opts.Checkout && head != "" {
		if err := r.CheckoutTree(ctx, head); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
	}

	log.Info("cloned",
		zap.String("branch", branch),
		zap.String("head", string(head)),
		zap.Int("refs", updated),
		zap.Int("objects", res.Objects))
	return &CloneResult{Branch: branch, Head: head, Refs: updated, Objects: res.Objects}, nil
}

// remoteTrackingRefs maps advertised branches to refs/remotes/<remote>/
// and keeps tags as they are. Names that are not valid locally are
// skipped, so every returned ref can be written.
func remoteTrackingRefs(refs map[string]object.Hash, remoteName string, log *zap.Logger) []repo.Ref {
	var out []repo.Ref
	for _, name := range sortedRefNames(refs) {
		var local string
		switch {
		case strings.HasPrefix(name, "refs/heads/"):
			local = "refs/remotes/" + remoteName + "/" + strings.TrimPrefix(name, "refs/heads/")
		case strings.HasPrefix(name, "refs/tags/"):
			local = name
		default:
			continue
		}
		if err := repo.ValidateRefName(local); err != nil {
			log.Warn("skipping remote ref", zap.String("ref", name), zap.Error(err))
			continue
		}
		out = append(out, repo.Ref{Name: local, Hash: refs[name]})
	}
	return out
}

// pickBranch resolves the branch to create and its commit. An empty
// repository yields the branch name with an empty hash.
func pickBranch(adv *RefAdvertisement, requested string) (string, object.Hash, error) {
	if requested = strings.TrimPrefix(strings.TrimSpace(requested), "refs/heads/"); requested != "" {
		h, ok := adv.Refs["refs/heads/"+requested]
		if !ok {
			return "", "", fmt.Errorf("remote branch %q not found", requested)
		}
		return requested, h, nil
	}
	if name, ok := strings.CutPrefix(adv.Head, "refs/heads/"); ok {
		return name, adv.Refs[adv.Head], nil
	}
	// No symref: match HEAD's hash against the branches.
	if h, ok := adv.Refs["HEAD"]; ok {
		for _, name := range sortedRefNames(adv.Refs) {
			if branch, isHead := strings.CutPrefix(name, "refs/heads/"); isHead && adv.Refs[name] == h {
				return branch, h, nil
			}
		}
	}
	return repo.DefaultBranch, adv.Refs["refs/heads/"+repo.DefaultBranch], nil
}

func sortedRefNames(refs map[string]object.Hash) []string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

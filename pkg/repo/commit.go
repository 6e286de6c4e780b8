package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
)

// CommitOptions describes a commit object to create.
type CommitOptions struct {
	Parents []object.Hash
	// Author and Committer default to the configured identity at the
	// current time.
	Author    *object.Signature
	Committer *object.Signature
	Message   string
}

// CommitTree stores a commit pointing at tree and returns its id. No ref
// is changed.
func (r *Repo) CommitTree(tree object.Hash, opts CommitOptions) (object.Hash, error) {
	if _, err := r.Store.ReadTree(tree); err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	for _, p := range opts.Parents {
		if _, err := r.Store.ReadCommit(p); err != nil {
			return "", fmt.Errorf("commit-tree: parent: %w", err)
		}
	}

	author, committer, err := r.resolveSignatures(opts.Author, opts.Committer)
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	h, err := r.Store.Put(&object.Commit{
		TreeHash:  tree,
		Parents:   opts.Parents,
		Author:    author,
		Committer: committer,
		Message:   opts.Message,
	})
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	return h, nil
}

func (r *Repo) resolveSignatures(author, committer *object.Signature) (object.Signature, object.Signature, error) {
	if author != nil && committer != nil {
		return *author, *committer, nil
	}
	id, err := r.Identity(time.Now())
	if err != nil {
		return object.Signature{}, object.Signature{}, err
	}
	a, c := id, id
	if author != nil {
		a = *author
	}
	if committer != nil {
		c = *committer
	}
	return a, c, nil
}

// Commit snapshots the working directory, records it on top of HEAD and
// advances the current branch (or detached HEAD) to the new commit.
func (r *Repo) Commit(ctx context.Context, message string, sig *object.Signature) (object.Hash, error) {
	tree, err := r.WriteTree(ctx)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	var parents []object.Hash
	parent, err := r.ResolveRef("HEAD")
	switch {
	case err == nil:
		parents = append(parents, parent)
	case errors.Is(err, ErrRefNotFound):
		// Unborn branch: this is the root commit.
	default:
		return "", fmt.Errorf("commit: %w", err)
	}

	h, err := r.CommitTree(tree, CommitOptions{
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   message,
	})
	if err != nil {
		return "", err
	}

	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	reason := "commit: " + firstLine(message)
	if len(parents) == 0 {
		reason = "commit (initial): " + firstLine(message)
	}
	if strings.HasPrefix(head, "refs/") {
		var expected object.Hash
		if len(parents) == 1 {
			expected = parents[0]
		}
		if err := r.updateRef(head, h, reason, expected); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
	} else if err := r.writeFileAtomic("HEAD", []byte(string(h)+"\n")); err != nil {
		return "", fmt.Errorf("commit: update HEAD: %w", err)
	}

	r.log.Info("committed",
		zap.String("hash", string(h)),
		zap.String("tree", string(tree)),
		zap.Int("parents", len(parents)))
	return h, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

package repo

import (
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/twig/pkg/object"
)

// CreateTag creates or updates a lightweight tag ref under refs/tags/.
func (r *Repo) CreateTag(name string, target object.Hash, force bool) error {
	name = strings.TrimSpace(name)
	if err := validateTagName(name); err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	if !r.Store.Has(target) {
		return fmt.Errorf("create tag: target %s: %w", target, object.ErrObjectNotFound)
	}

	refName := "refs/tags/" + name
	var expected []object.Hash
	if !force {
		expected = []object.Hash{""}
	}
	if err := r.updateRef(refName, target, "tag: "+name, expected...); err != nil {
		return fmt.Errorf("create tag %q: %w", name, err)
	}
	return nil
}

// CreateAnnotatedTag stores a tag object pointing at target and points
// refs/tags/<name> at it. A nil tagger uses the configured identity.
func (r *Repo) CreateAnnotatedTag(name string, target object.Hash, tagger *object.Signature, message string, force bool) (object.Hash, error) {
	name = strings.TrimSpace(name)
	if err := validateTagName(name); err != nil {
		return "", fmt.Errorf("create annotated tag: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("create annotated tag: message is required")
	}
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}

	targetType, _, err := r.Store.Read(target)
	if err != nil {
		return "", fmt.Errorf("create annotated tag: read target %s: %w", target, err)
	}
	if tagger == nil {
		id, err := r.Identity(time.Now())
		if err != nil {
			return "", fmt.Errorf("create annotated tag: %w", err)
		}
		tagger = &id
	}

	tagHash, err := r.Store.Put(&object.Tag{
		Object:     target,
		ObjectType: targetType,
		Name:       name,
		Tagger:     tagger,
		Message:    message,
	})
	if err != nil {
		return "", fmt.Errorf("create annotated tag: write tag object: %w", err)
	}
	if err := r.CreateTag(name, tagHash, force); err != nil {
		return "", fmt.Errorf("create annotated tag: %w", err)
	}
	return tagHash, nil
}

// ListTags returns tag names sorted alphabetically.
func (r *Repo) ListTags() ([]string, error) {
	refs, err := r.ListRefs("refs/tags/")
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, strings.TrimPrefix(ref.Name, "refs/tags/"))
	}
	return names, nil
}

// Peel follows annotated tags until it reaches a non-tag object.
func (r *Repo) Peel(h object.Hash) (object.Hash, error) {
	for range maxPeelDepth {
		objType, data, err := r.Store.Read(h)
		if err != nil {
			return "", err
		}
		if objType != object.TypeTag {
			return h, nil
		}
		tag, err := object.UnmarshalTag(data)
		if err != nil {
			return "", err
		}
		h = tag.Object
	}
	return "", fmt.Errorf("peel %s: tag chain too deep", h)
}

func validateTagName(name string) error {
	if name == "" {
		return fmt.Errorf("tag name is required")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("invalid tag name %q", name)
	}
	return ValidateRefName("refs/tags/" + name)
}

package repo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/odvcencio/twig/pkg/object"
)

// ReflogEntry is one line of .git/logs/<ref>:
//
//	<old> <new> <name> <<email>> <unix> <tz>\t<reason>
type ReflogEntry struct {
	Ref       string
	OldHash   object.Hash
	NewHash   object.Hash
	Committer object.Signature
	Reason    string
}

func (r *Repo) appendReflog(ref string, oldHash, newHash object.Hash, reason string) (err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "update"
	}

	logPath := filepath.Join(r.GitDir, "logs", filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}

	if oldHash == "" {
		oldHash = object.ZeroHash
	}
	if newHash == "" {
		newHash = object.ZeroHash
	}
	sig := r.reflogIdentity(time.Now())
	line := fmt.Sprintf("%s %s %s\t%s\n", oldHash, newHash, sig, strings.ReplaceAll(reason, "\n", " "))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// reflogIdentity uses the configured identity and falls back to a
// placeholder so a missing [user] section never blocks ref updates.
func (r *Repo) reflogIdentity(now time.Time) object.Signature {
	sig, err := r.Identity(now)
	if err != nil {
		_, offset := now.Zone()
		return object.Signature{Name: "twig", Email: "twig@localhost", When: now.Unix(), TZ: object.FormatTimezone(offset)}
	}
	return sig
}

// ReadReflog returns the entries for ref, newest first. A limit <= 0 returns
// all entries.
func (r *Repo) ReadReflog(ref string, limit int) ([]ReflogEntry, error) {
	refName, err := r.resolveReflogRefName(ref)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(r.GitDir, "logs", filepath.FromSlash(refName))
	f, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	defer f.Close()

	var entries []ReflogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, ok := parseReflogLine(refName, scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	// Return newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func parseReflogLine(ref, line string) (ReflogEntry, bool) {
	head, reason, _ := strings.Cut(line, "\t")
	parts := strings.SplitN(head, " ", 3)
	if len(parts) < 3 {
		return ReflogEntry{}, false
	}
	sig, err := object.ParseSignature(parts[2])
	if err != nil {
		return ReflogEntry{}, false
	}
	return ReflogEntry{
		Ref:       ref,
		OldHash:   object.Hash(parts[0]),
		NewHash:   object.Hash(parts[1]),
		Committer: sig,
		Reason:    reason,
	}, true
}

func (r *Repo) resolveReflogRefName(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "HEAD" {
		head, err := r.Head()
		if err == nil && strings.HasPrefix(head, "refs/") {
			return head, nil
		}
		return "HEAD", nil
	}
	if strings.HasPrefix(ref, "refs/") {
		return ref, nil
	}
	return "refs/heads/" + ref, nil
}

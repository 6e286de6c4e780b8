package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedObject, fmt.Sprintf(format, args...))
}

// ParseObjectType maps a record type tag to an ObjectType.
func ParseObjectType(raw string) (ObjectType, error) {
	switch t := ObjectType(raw); t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return t, nil
	default:
		return "", malformedf("unknown object type %q", raw)
	}
}

// Marshal serializes the payload (no record header) of any object.
func Marshal(obj Object) ([]byte, error) {
	switch o := obj.(type) {
	case *Blob:
		return MarshalBlob(o), nil
	case *Tree:
		return MarshalTree(o)
	case *Commit:
		return MarshalCommit(o)
	case *Tag:
		return MarshalTag(o)
	case nil:
		return nil, fmt.Errorf("marshal: nil object")
	default:
		return nil, fmt.Errorf("marshal: unsupported object %T", obj)
	}
}

// Unmarshal parses a payload of the given type. Every failure wraps
// ErrMalformedObject.
func Unmarshal(objType ObjectType, data []byte) (Object, error) {
	switch objType {
	case TypeBlob:
		return UnmarshalBlob(data)
	case TypeTree:
		return UnmarshalTree(data)
	case TypeCommit:
		return UnmarshalCommit(data)
	case TypeTag:
		return UnmarshalTag(data)
	default:
		return nil, malformedf("unknown object type %q", objType)
	}
}

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// MarshalTree serializes a Tree in git's binary layout:
//
//	<mode> SP <name> NUL <20-byte raw hash>
//
// Entries are sorted by name, with directory names compared as if they
// ended in "/", so the output never depends on insertion order.
func MarshalTree(tr *Tree) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortTreeEntries(sorted)

	// "a" and "a/" sort apart, so duplicates need not be adjacent.
	seen := make(map[string]struct{}, len(sorted))
	var buf bytes.Buffer
	for i, e := range sorted {
		if err := validateTreeEntryName(e.Name); err != nil {
			return nil, fmt.Errorf("marshal tree: entry %d: %w", i, err)
		}
		if !isKnownTreeMode(e.Mode) {
			return nil, fmt.Errorf("marshal tree: entry %q: %w", e.Name, malformedf("unknown mode %q", e.Mode))
		}
		if err := ValidateHash(e.Hash); err != nil {
			return nil, fmt.Errorf("marshal tree: entry %q: %w", e.Name, err)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("marshal tree: %w", malformedf("duplicate entry %q", e.Name))
		}
		seen[e.Name] = struct{}{}
		buf.WriteString(e.Mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Hash.Bytes())
	}
	return buf.Bytes(), nil
}

// SortTreeEntries orders entries canonically in place.
func SortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// UnmarshalTree parses a Tree from git's binary layout. Entries must be
// unique and in canonical order; anything else is malformed.
func UnmarshalTree(data []byte) (*Tree, error) {
	tr := &Tree{}
	seen := make(map[string]struct{})
	prevKey := ""
	for i := 0; len(data) > 0; i++ {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, malformedf("unmarshal tree: entry %d: missing mode separator", i)
		}
		mode := string(data[:sp])
		if mode == "040000" {
			mode = TreeModeDir
		}
		if !isKnownTreeMode(mode) {
			return nil, malformedf("unmarshal tree: entry %d: unknown mode %q", i, mode)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, malformedf("unmarshal tree: entry %d: missing name terminator", i)
		}
		name := string(data[:nul])
		if err := validateTreeEntryName(name); err != nil {
			return nil, fmt.Errorf("unmarshal tree: entry %d: %w", i, err)
		}
		data = data[nul+1:]

		if len(data) < HashSize {
			return nil, malformedf("unmarshal tree: entry %q: truncated hash", name)
		}
		h, _ := HashFromBytes(data[:HashSize])
		data = data[HashSize:]

		e := TreeEntry{Mode: mode, Name: name, Hash: h}
		if _, dup := seen[name]; dup {
			return nil, malformedf("unmarshal tree: duplicate entry %q", name)
		}
		seen[name] = struct{}{}
		key := treeSortKey(e)
		if i > 0 && key <= prevKey {
			return nil, malformedf("unmarshal tree: entry %q out of order", name)
		}
		prevKey = key
		tr.Entries = append(tr.Entries, e)
	}
	return tr, nil
}

func validateTreeEntryName(name string) error {
	switch {
	case name == "":
		return malformedf("empty entry name")
	case name == "." || name == "..":
		return malformedf("invalid entry name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return malformedf("entry name %q contains a path separator", name)
	}
	return nil
}

func isKnownTreeMode(mode string) bool {
	switch mode {
	case TreeModeDir, TreeModeFile, TreeModeExecutable, TreeModeSymlink, TreeModeGitlink:
		return true
	default:
		return false
	}
}

// FindEntry returns the entry with the given name.
func (tr *Tree) FindEntry(name string) (TreeEntry, bool) {
	for _, e := range tr.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// ---------------------------------------------------------------------------
// Signature
// ---------------------------------------------------------------------------

// String renders "name <email> unix ±HHMM".
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When, s.TZ)
}

func (s Signature) isZero() bool {
	return s == Signature{}
}

// ParseSignature parses "name <email> unix ±HHMM".
func ParseSignature(line string) (Signature, error) {
	lt := strings.IndexByte(line, '<')
	gt := strings.LastIndexByte(line, '>')
	if lt < 0 || gt < lt {
		return Signature{}, malformedf("signature %q: missing <email>", line)
	}
	fields := strings.Fields(line[gt+1:])
	if len(fields) != 2 {
		return Signature{}, malformedf("signature %q: expected timestamp and timezone", line)
	}
	when, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, malformedf("signature %q: bad timestamp: %v", line, err)
	}
	if !validTimezone(fields[1]) {
		return Signature{}, malformedf("signature %q: timezone %q is not ±HHMM", line, fields[1])
	}
	return Signature{
		Name:  strings.TrimSuffix(line[:lt], " "),
		Email: line[lt+1 : gt],
		When:  when,
		TZ:    fields[1],
	}, nil
}

func validTimezone(tz string) bool {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return false
	}
	for _, c := range tz[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormatTimezone converts a UTC offset in seconds to ±HHMM.
func FormatTimezone(offset int) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d%02d", sign, offset/3600, (offset%3600)/60)
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// MarshalCommit serializes a Commit:
//
//	tree H
//	parent H        (zero or more, in order)
//	author SIG
//	committer SIG
//	<extra headers> (continuation lines prefixed by one space)
//
//	message         (verbatim)
func MarshalCommit(c *Commit) ([]byte, error) {
	if err := ValidateHash(c.TreeHash); err != nil {
		return nil, fmt.Errorf("marshal commit: tree: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeHash)
	for i, p := range c.Parents {
		if err := ValidateHash(p); err != nil {
			return nil, fmt.Errorf("marshal commit: parent %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	if !c.Author.isZero() {
		fmt.Fprintf(&buf, "author %s\n", c.Author)
	}
	if !c.Committer.isZero() {
		fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	}
	writeExtraHeaders(&buf, c.ExtraHeaders)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

func writeExtraHeaders(buf *bytes.Buffer, headers []ExtraHeader) {
	for _, h := range headers {
		buf.WriteString(h.Key)
		buf.WriteByte(' ')
		buf.WriteString(strings.ReplaceAll(h.Value, "\n", "\n "))
		buf.WriteByte('\n')
	}
}

// UnmarshalCommit parses a Commit from its serialized form.
func UnmarshalCommit(data []byte) (*Commit, error) {
	header, message, ok := bytes.Cut(data, []byte("\n\n"))
	if !ok {
		return nil, malformedf("unmarshal commit: missing header/message separator")
	}

	c := &Commit{Message: string(message)}
	lines, err := splitHeaderLines(header)
	if err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}
	seenTree := false
	for i, kv := range lines {
		switch kv.Key {
		case "tree":
			if i != 0 || seenTree {
				return nil, malformedf("unmarshal commit: tree header must come first")
			}
			h, err := ParseHash(kv.Value)
			if err != nil {
				return nil, malformedf("unmarshal commit: tree: %v", err)
			}
			c.TreeHash = h
			seenTree = true
		case "parent":
			h, err := ParseHash(kv.Value)
			if err != nil {
				return nil, malformedf("unmarshal commit: parent: %v", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			sig, err := ParseSignature(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: author: %w", err)
			}
			c.Author = sig
		case "committer":
			sig, err := ParseSignature(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: committer: %w", err)
			}
			c.Committer = sig
		default:
			c.ExtraHeaders = append(c.ExtraHeaders, kv)
		}
	}
	if !seenTree {
		return nil, malformedf("unmarshal commit: missing tree header")
	}
	return c, nil
}

// splitHeaderLines splits "key value" lines, folding space-prefixed
// continuation lines into the previous value.
func splitHeaderLines(header []byte) ([]ExtraHeader, error) {
	if len(header) == 0 {
		return nil, nil
	}
	var out []ExtraHeader
	for _, line := range strings.Split(string(header), "\n") {
		if strings.HasPrefix(line, " ") {
			if len(out) == 0 {
				return nil, malformedf("continuation line before any header")
			}
			out[len(out)-1].Value += "\n" + line[1:]
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok || key == "" {
			return nil, malformedf("malformed header line %q", line)
		}
		out = append(out, ExtraHeader{Key: key, Value: val})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

// MarshalTag serializes an annotated Tag:
//
//	object H
//	type T
//	tag NAME
//	tagger SIG   (optional)
//
//	message
func MarshalTag(t *Tag) ([]byte, error) {
	if err := ValidateHash(t.Object); err != nil {
		return nil, fmt.Errorf("marshal tag: object: %w", err)
	}
	if _, err := ParseObjectType(string(t.ObjectType)); err != nil {
		return nil, fmt.Errorf("marshal tag: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.ObjectType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != nil {
		fmt.Fprintf(&buf, "tagger %s\n", *t.Tagger)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

// UnmarshalTag parses an annotated Tag. Unknown headers are ignored.
func UnmarshalTag(data []byte) (*Tag, error) {
	header, message, ok := bytes.Cut(data, []byte("\n\n"))
	if !ok {
		// A tag without a message ends right after its headers.
		header = bytes.TrimSuffix(data, []byte("\n"))
	}
	lines, err := splitHeaderLines(header)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tag: %w", err)
	}

	t := &Tag{Message: string(message)}
	for _, kv := range lines {
		switch kv.Key {
		case "object":
			h, err := ParseHash(kv.Value)
			if err != nil {
				return nil, malformedf("unmarshal tag: object: %v", err)
			}
			t.Object = h
		case "type":
			objType, err := ParseObjectType(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
			t.ObjectType = objType
		case "tag":
			t.Name = kv.Value
		case "tagger":
			sig, err := ParseSignature(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: tagger: %w", err)
			}
			t.Tagger = &sig
		}
	}
	if t.Object == "" || t.ObjectType == "" {
		return nil, malformedf("unmarshal tag: missing object or type header")
	}
	return t, nil
}

package object

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testHashA Hash = "cb23a4e7e7b5a96711e3488b55c3c58ea2dac027"
	testHashB Hash = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"
	testHashC Hash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
)

func TestMarshalUnmarshalBlob(t *testing.T) {
	orig := &Blob{Data: []byte("hello\x00world")}
	data := MarshalBlob(orig)
	got, err := UnmarshalBlob(data)
	if err != nil {
		t.Fatalf("UnmarshalBlob: %v", err)
	}
	if !bytes.Equal(got.Data, orig.Data) {
		t.Fatalf("Data: got %q, want %q", got.Data, orig.Data)
	}
}

func TestMarshalUnmarshalTree(t *testing.T) {
	orig := &Tree{Entries: []TreeEntry{
		{Mode: TreeModeFile, Name: "README.md", Hash: testHashA},
		{Mode: TreeModeExecutable, Name: "build.sh", Hash: testHashB},
		{Mode: TreeModeDir, Name: "src", Hash: testHashC},
		{Mode: TreeModeSymlink, Name: "link", Hash: testHashB},
	}}
	data, err := MarshalTree(orig)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	got, err := UnmarshalTree(data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}

	want := []TreeEntry{
		{Mode: TreeModeFile, Name: "README.md", Hash: testHashA},
		{Mode: TreeModeExecutable, Name: "build.sh", Hash: testHashB},
		{Mode: TreeModeSymlink, Name: "link", Hash: testHashB},
		{Mode: TreeModeDir, Name: "src", Hash: testHashC},
	}
	if diff := cmp.Diff(want, got.Entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalTreeWireLayout(t *testing.T) {
	data, err := MarshalTree(&Tree{Entries: []TreeEntry{
		{Mode: TreeModeFile, Name: "test.txt", Hash: testHashA},
	}})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	want := append([]byte("100644 test.txt\x00"), testHashA.Bytes()...)
	if !bytes.Equal(data, want) {
		t.Fatalf("layout: got %q, want %q", data, want)
	}
}

func TestMarshalTreeOrderIndependent(t *testing.T) {
	entries := []TreeEntry{
		{Mode: TreeModeFile, Name: "b", Hash: testHashA},
		{Mode: TreeModeFile, Name: "a", Hash: testHashB},
		{Mode: TreeModeDir, Name: "c", Hash: testHashC},
	}
	reversed := []TreeEntry{entries[2], entries[1], entries[0]}

	d1, err := MarshalTree(&Tree{Entries: entries})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	d2, err := MarshalTree(&Tree{Entries: reversed})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	if !bytes.Equal(d1, d2) {
		t.Fatal("tree encoding depends on input order")
	}
	if HashObject(TypeTree, d1) != HashObject(TypeTree, d2) {
		t.Fatal("tree id depends on input order")
	}
}

func TestMarshalTreeDirectorySortsWithSlash(t *testing.T) {
	// "foo" as a directory sorts as "foo/", which is after "foo.txt".
	data, err := MarshalTree(&Tree{Entries: []TreeEntry{
		{Mode: TreeModeDir, Name: "foo", Hash: testHashC},
		{Mode: TreeModeFile, Name: "foo.txt", Hash: testHashA},
	}})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	tr, err := UnmarshalTree(data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if tr.Entries[0].Name != "foo.txt" || tr.Entries[1].Name != "foo" {
		t.Fatalf("order = [%s %s], want [foo.txt foo]", tr.Entries[0].Name, tr.Entries[1].Name)
	}
}

func TestMarshalTreeRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry TreeEntry
	}{
		{name: "empty-name", entry: TreeEntry{Mode: TreeModeFile, Name: "", Hash: testHashA}},
		{name: "dot", entry: TreeEntry{Mode: TreeModeFile, Name: ".", Hash: testHashA}},
		{name: "dotdot", entry: TreeEntry{Mode: TreeModeFile, Name: "..", Hash: testHashA}},
		{name: "slash", entry: TreeEntry{Mode: TreeModeFile, Name: "a/b", Hash: testHashA}},
		{name: "bad-mode", entry: TreeEntry{Mode: "100600", Name: "a", Hash: testHashA}},
		{name: "bad-hash", entry: TreeEntry{Mode: TreeModeFile, Name: "a", Hash: "xyz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MarshalTree(&Tree{Entries: []TreeEntry{tt.entry}}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMarshalTreeRejectsDuplicateNames(t *testing.T) {
	_, err := MarshalTree(&Tree{Entries: []TreeEntry{
		{Mode: TreeModeFile, Name: "a", Hash: testHashA},
		{Mode: TreeModeFile, Name: "a", Hash: testHashB},
	}})
	if !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject, got %v", err)
	}
}

func TestMarshalTreeRejectsFileAndDirWithSameName(t *testing.T) {
	_, err := MarshalTree(&Tree{Entries: []TreeEntry{
		{Mode: TreeModeSymlink, Name: "a", Hash: testHashA},
		{Mode: TreeModeFile, Name: "a-b", Hash: testHashB},
		{Mode: TreeModeDir, Name: "a", Hash: testHashC},
	}})
	if !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("expected ErrMalformedObject, got %v", err)
	}
}

func treeEntryBytes(mode, name string, h Hash) []byte {
	return append([]byte(mode+" "+name+"\x00"), h.Bytes()...)
}

func TestUnmarshalTreeRejectsNonCanonicalEntries(t *testing.T) {
	tests := map[string][][]byte{
		"duplicate-file": {
			treeEntryBytes("100644", "a", testHashA),
			treeEntryBytes("100644", "a", testHashB),
		},
		"symlink-then-dir": {
			treeEntryBytes("120000", "a", testHashA),
			treeEntryBytes("40000", "a", testHashC),
		},
		"split-duplicate": {
			treeEntryBytes("120000", "a", testHashA),
			treeEntryBytes("100644", "a-b", testHashB),
			treeEntryBytes("40000", "a", testHashC),
		},
		"reverse-order": {
			treeEntryBytes("100644", "b", testHashA),
			treeEntryBytes("100644", "a", testHashB),
		},
		"dir-before-dotted-file": {
			treeEntryBytes("40000", "foo", testHashC),
			treeEntryBytes("100644", "foo.txt", testHashA),
		},
	}
	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalTree(bytes.Join(entries, nil))
			if !errors.Is(err, ErrMalformedObject) {
				t.Fatalf("expected ErrMalformedObject, got %v", err)
			}
		})
	}
}

func TestUnmarshalTreeLegacyDirMode(t *testing.T) {
	data := append([]byte("040000 sub\x00"), testHashC.Bytes()...)
	tr, err := UnmarshalTree(data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if !tr.Entries[0].IsDir() {
		t.Fatalf("mode %q not treated as a directory", tr.Entries[0].Mode)
	}
}

func TestUnmarshalTreeMalformed(t *testing.T) {
	tests := map[string][]byte{
		"truncated-hash": append([]byte("100644 a\x00"), testHashA.Bytes()[:10]...),
		"no-name-nul":    []byte("100644 abc"),
		"no-mode-space":  []byte("100644"),
		"unknown-mode":   append([]byte("777 a\x00"), testHashA.Bytes()...),
		"dotdot":         append([]byte("100644 ..\x00"), testHashA.Bytes()...),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalTree(data)
			if !errors.Is(err, ErrMalformedObject) {
				t.Fatalf("expected ErrMalformedObject, got %v", err)
			}
		})
	}
}

func TestMarshalUnmarshalCommit(t *testing.T) {
	orig := &Commit{
		TreeHash: testHashC,
		Author:   Signature{Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600"},
		Committer: Signature{
			Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600",
		},
		Message: "Initial commit",
	}
	data, err := MarshalCommit(orig)
	if err != nil {
		t.Fatalf("MarshalCommit: %v", err)
	}
	want := "tree " + string(testHashC) + "\n" +
		"author A <a@x> 1714599041 -0600\n" +
		"committer A <a@x> 1714599041 -0600\n" +
		"\n" +
		"Initial commit"
	if string(data) != want {
		t.Fatalf("encoding:\ngot  %q\nwant %q", data, want)
	}

	got, err := UnmarshalCommit(data)
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Fatalf("commit mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalCommitParentsAndExtraHeaders(t *testing.T) {
	sig := Signature{Name: "Jane Doe", Email: "jane@example.com", When: 1700000000, TZ: "+0130"}
	orig := &Commit{
		TreeHash:  testHashC,
		Parents:   []Hash{testHashB, testHashA},
		Author:    sig,
		Committer: sig,
		ExtraHeaders: []ExtraHeader{
			{Key: "encoding", Value: "ISO-8859-1"},
			{Key: "gpgsig", Value: "-----BEGIN PGP SIGNATURE-----\nabc\n-----END PGP SIGNATURE-----"},
		},
		Message: "merge\n\nbody line\r\n",
	}
	data, err := MarshalCommit(orig)
	if err != nil {
		t.Fatalf("MarshalCommit: %v", err)
	}
	if !strings.Contains(string(data), "gpgsig -----BEGIN PGP SIGNATURE-----\n abc\n -----END PGP SIGNATURE-----\n") {
		t.Fatalf("multi-line header not continued:\n%s", data)
	}

	got, err := UnmarshalCommit(data)
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Fatalf("commit mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalCommitMalformed(t *testing.T) {
	tests := map[string]string{
		"missing-tree":      "author A <a@x> 1 +0000\n\nmsg",
		"bad-tree-hash":     "tree nothex\n\nmsg",
		"tree-not-first":    "parent " + string(testHashA) + "\ntree " + string(testHashC) + "\n\nmsg",
		"bad-parent":        "tree " + string(testHashC) + "\nparent 1234\n\nmsg",
		"bad-signature":     "tree " + string(testHashC) + "\nauthor nobody\n\nmsg",
		"missing-separator": "tree " + string(testHashC) + "\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalCommit([]byte(data))
			if !errors.Is(err, ErrMalformedObject) {
				t.Fatalf("expected ErrMalformedObject, got %v", err)
			}
		})
	}
}

func TestMarshalUnmarshalTag(t *testing.T) {
	orig := &Tag{
		Object:     testHashA,
		ObjectType: TypeCommit,
		Name:       "v1.0.0",
		Tagger:     &Signature{Name: "Rel Eng", Email: "rel@example.com", When: 1714599041, TZ: "+0000"},
		Message:    "release 1.0.0\n",
	}
	data, err := MarshalTag(orig)
	if err != nil {
		t.Fatalf("MarshalTag: %v", err)
	}
	got, err := UnmarshalTag(data)
	if err != nil {
		t.Fatalf("UnmarshalTag: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Fatalf("tag mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("A U Thor <author@example.com> 1714599041 -0600")
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	want := Signature{Name: "A U Thor", Email: "author@example.com", When: 1714599041, TZ: "-0600"}
	if sig != want {
		t.Fatalf("got %+v, want %+v", sig, want)
	}
	if sig.String() != "A U Thor <author@example.com> 1714599041 -0600" {
		t.Fatalf("String() = %q", sig.String())
	}
}

func TestParseSignatureRejectsBadTimezone(t *testing.T) {
	for _, tz := range []string{"garbage", "0600", "+06", "-06:00", "+06a0"} {
		line := "A <a@x> 1714599041 " + tz
		if _, err := ParseSignature(line); !errors.Is(err, ErrMalformedObject) {
			t.Errorf("ParseSignature(%q) err = %v, want ErrMalformedObject", line, err)
		}
	}
	data := "tree " + string(testHashC) + "\nauthor A <a@x> 1 garbage\ncommitter A <a@x> 1 +0000\n\nmsg"
	if _, err := UnmarshalCommit([]byte(data)); !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("UnmarshalCommit err = %v, want ErrMalformedObject", err)
	}
}

func TestFormatTimezone(t *testing.T) {
	tests := map[int]string{
		0:      "+0000",
		-21600: "-0600",
		19800:  "+0530",
	}
	for offset, want := range tests {
		if got := FormatTimezone(offset); got != want {
			t.Errorf("FormatTimezone(%d) = %q, want %q", offset, got, want)
		}
	}
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	objects := []Object{
		&Blob{Data: []byte("Hello, this is a test file\n")},
		&Blob{Data: []byte{}},
		&Tree{Entries: []TreeEntry{{Mode: TreeModeFile, Name: "test.txt", Hash: testHashA}}},
		&Commit{
			TreeHash:  testHashC,
			Author:    Signature{Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600"},
			Committer: Signature{Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600"},
			Message:   "Initial commit",
		},
		&Tag{Object: testHashA, ObjectType: TypeBlob, Name: "t", Message: "m"},
	}
	for _, obj := range objects {
		raw, h, err := EncodeRecord(obj)
		if err != nil {
			t.Fatalf("EncodeRecord(%s): %v", obj.Type(), err)
		}
		got, err := DecodeRecord(raw)
		if err != nil {
			t.Fatalf("DecodeRecord(%s): %v", obj.Type(), err)
		}
		if diff := cmp.Diff(obj, got); diff != "" {
			t.Fatalf("%s round trip mismatch (-want +got):\n%s", obj.Type(), diff)
		}
		again, h2, err := EncodeRecord(got)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(raw, again) || h != h2 {
			t.Fatalf("%s re-encode not byte-identical", obj.Type())
		}
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	tests := map[string]string{
		"length-mismatch": "blob 5\x00abc",
		"unknown-type":    "widget 3\x00abc",
		"no-nul":          "blob 3 abc",
		"bad-length":      "blob x\x00abc",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord([]byte(raw))
			if !errors.Is(err, ErrMalformedObject) {
				t.Fatalf("expected ErrMalformedObject, got %v", err)
			}
		})
	}
}

func TestHashObjectKnownBlob(t *testing.T) {
	got := HashObject(TypeBlob, []byte("Hello, this is a test file\n"))
	if got != testHashA {
		t.Fatalf("HashObject = %s, want %s", got, testHashA)
	}
	if got := HashObject(TypeBlob, nil); got != testHashB {
		t.Fatalf("empty blob = %s, want %s", got, testHashB)
	}
	if got := HashObject(TypeTree, nil); got != testHashC {
		t.Fatalf("empty tree = %s, want %s", got, testHashC)
	}
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("  CB23A4E7E7B5A96711E3488B55C3C58EA2DAC027\n")
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if h != testHashA {
		t.Fatalf("ParseHash = %s, want %s", h, testHashA)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("g", 40), strings.Repeat("a", 64)} {
		if _, err := ParseHash(bad); err == nil {
			t.Errorf("ParseHash(%q): expected error", bad)
		}
	}
	raw := testHashA.Bytes()
	back, err := HashFromBytes(raw)
	if err != nil || back != testHashA {
		t.Fatalf("HashFromBytes = %s, %v", back, err)
	}
}

func TestHashObjectDistinct(t *testing.T) {
	seen := make(map[Hash]string)
	add := func(h Hash, label string) {
		t.Helper()
		if prev, ok := seen[h]; ok {
			t.Fatalf("hash collision between %s and %s: %s", prev, label, h)
		}
		seen[h] = label
	}

	kinds := []ObjectType{TypeBlob, TypeTree, TypeCommit, TypeTag}
	for i := range 2000 {
		payload := []byte(strings.Repeat("x", i%7) + string(rune('a'+i%26)) + strings.Repeat("\x00", i/26))
		for _, k := range kinds {
			add(HashObject(k, payload), string(k)+"#"+string(payload))
		}
	}

	// Same payload, different kind.
	for _, k := range kinds {
		h := HashObject(k, []byte("x"))
		if k != TypeBlob && h == HashObject(TypeBlob, []byte("x")) {
			t.Fatalf("%s and blob share a hash for the same payload", k)
		}
	}

	// Structurally different trees and commits.
	for i := range 50 {
		tr := &Tree{Entries: []TreeEntry{{Mode: TreeModeFile, Name: "f" + strings.Repeat("_", i), Hash: testHashA}}}
		_, h, err := EncodeRecord(tr)
		if err != nil {
			t.Fatalf("EncodeRecord tree: %v", err)
		}
		add(h, "tree "+tr.Entries[0].Name)
		c := &Commit{
			TreeHash:  testHashC,
			Author:    Signature{Name: "A", Email: "a@x", When: int64(1714599041 + i), TZ: "-0600"},
			Committer: Signature{Name: "A", Email: "a@x", When: 1714599041, TZ: "-0600"},
			Message:   "Initial commit",
		}
		_, h, err = EncodeRecord(c)
		if err != nil {
			t.Fatalf("EncodeRecord commit: %v", err)
		}
		add(h, "commit by "+c.Author.String())
	}
}

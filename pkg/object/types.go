package object

// Hash is a 40-character lowercase hex-encoded SHA-1 object id.
type Hash string

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

const (
	// Tree mode constants in git's canonical (no leading zero) form.
	TreeModeDir        = "40000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
	TreeModeSymlink    = "120000"
	TreeModeGitlink    = "160000"
)

// Object is the tagged union over all storable object kinds.
type Object interface {
	Type() ObjectType
}

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

func (*Blob) Type() ObjectType { return TypeBlob }

// TreeEntry is one entry in a tree object. Entries reference other objects
// by hash only.
type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == TreeModeDir
}

// Tree holds a list of entries. Encoding sorts them canonically, so the
// order in Entries does not affect the hash.
type Tree struct {
	Entries []TreeEntry
}

func (*Tree) Type() ObjectType { return TypeTree }

// Signature is the identity line carried by commits and tags:
//
//	name <email> 1714599041 -0600
type Signature struct {
	Name  string
	Email string
	When  int64  // unix seconds
	TZ    string // ±HHMM
}

// ExtraHeader is a commit header the codec does not interpret (gpgsig,
// encoding, mergetag...). Value may span several lines.
type ExtraHeader struct {
	Key   string
	Value string
}

// Commit records a tree snapshot, ordered parents, identities and a message.
type Commit struct {
	TreeHash     Hash
	Parents      []Hash
	Author       Signature
	Committer    Signature
	ExtraHeaders []ExtraHeader
	Message      string
}

func (*Commit) Type() ObjectType { return TypeCommit }

// Tag is an annotated tag pointing at another object.
type Tag struct {
	Object     Hash
	ObjectType ObjectType
	Name       string
	Tagger     *Signature
	Message    string
}

func (*Tag) Type() ObjectType { return TypeTag }

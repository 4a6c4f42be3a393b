package backend

import "time"

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type Commit struct {
	Hash         string
	TreeHash     string
	ParentHashes []string
	Author       Signature
	Committer    Signature
	Message      string
}

// FirstParent returns the first parent hash, or "" for a root commit.
func (c *Commit) FirstParent() string {
	if c == nil || len(c.ParentHashes) == 0 {
		return ""
	}
	return c.ParentHashes[0]
}

type RefKind uint8

const (
	RefKindBranch RefKind = iota
	RefKindRemoteBranch
	RefKindTag
)

type Ref struct {
	Hash string
	Kind RefKind
	Name string // short name: main, origin/main, v1
}

// Submodule is one .gitmodules entry joined with the gitlink recorded in the
// tree it was read from.
type Submodule struct {
	Name           string
	Path           string
	URL            string
	RecordedCommit string
}

// CommitRequest describes a commit object to be written.
type CommitRequest struct {
	Tree      string
	Parents   []string
	Message   string
	Author    Signature
	Committer Signature
}

// CloneOptions configures how a composite repository is materialized.
type CloneOptions struct {
	// Dir is where the clone is stored. Empty means in-memory for the native
	// backend and a fresh temporary directory for the CLI backend.
	Dir string

	RemoteName string

	Auth Credentials
}

// Credentials carries HTTP(S) credentials and extra request headers.
type Credentials struct {
	Username string
	Token    string
	Headers  map[string]string
}

func (c Credentials) empty() bool {
	return c.Token == "" && len(c.Headers) == 0
}

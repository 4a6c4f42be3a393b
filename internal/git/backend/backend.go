package backend

import (
	"context"
	"errors"
)

const DefaultRemoteName = "origin"

var (
	// ErrRefConflict is returned by UpdateRef when the branch no longer points
	// at the expected commit.
	ErrRefConflict = errors.New("reference changed concurrently")

	// ErrPushRejected is returned by Push when the remote refused the update
	// because its ref moved since it was read or the update is not a fast-forward.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrNoRemote is returned when the repository has no usable remote.
	ErrNoRemote = errors.New("remote not configured")
)

// Backend abstracts access to repository data.
//
// The default implementation uses go-git, but the interface allows the git
// executable to be used instead without changing callers.
type Backend interface {
	RepoPath() string
	RemoteURL() (string, error)
	Close() error

	HeadState() (hash string, headName string, ok bool, err error)
	// RemoteHead returns the branch refs/remotes/<remote>/HEAD points at.
	RemoteHead() (branch string, ok bool, err error)
	// DefaultBranch is RemoteHead, falling back to the branch HEAD names.
	DefaultBranch() (string, error)
	ListRefs() ([]Ref, error)

	Fetch(ctx context.Context) error
	// RemoteBranch returns the tip of branch as last fetched from the remote.
	RemoteBranch(branch string) (hash string, ok bool, err error)
	// LocalBranch returns the tip of refs/heads/<branch> in the clone itself.
	LocalBranch(branch string) (hash string, ok bool, err error)

	CommitInfo(hash string) (*Commit, error)
	IsAncestor(ancestor, descendant string) (bool, error)
	MergeBase(a, b string) (hash string, ok bool, err error)

	ListSubmodules(commit string) ([]Submodule, error)
	TreeHash(commit string) (string, error)
	Gitlink(tree, path string) (hash string, ok bool, err error)
	WriteGitlink(baseTree, path, commit string) (string, error)
	ChangedPaths(fromTree, toTree string) ([]string, error)
	CreateCommit(req CommitRequest) (string, error)

	// UpdateRef moves refs/heads/<branch> from expectedOld ("" for absent) to
	// newTip. An empty newTip deletes the branch.
	UpdateRef(branch, expectedOld, newTip string) error
	// Push publishes newTip as refs/heads/<branch> on the remote, requiring the
	// remote ref to still equal expectedOld ("" for absent).
	Push(ctx context.Context, branch, expectedOld, newTip string) error
}

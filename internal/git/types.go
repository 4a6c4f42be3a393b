package git

import (
	"errors"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

var (
	ErrEmptyRepository = errors.New("repository has no commits")
	ErrDetachedHead    = errors.New("no branch given and HEAD is not a branch")
	ErrHeadMismatch    = errors.New("HEAD is not on the given branch")
	ErrRefNotFound     = errors.New("reference not found")
	ErrInvalidRef      = errors.New("not a branch reference")
)

// ServiceRef is the state of a service working copy that gets propagated to
// the composite repository. It is read once and never mutated.
type ServiceRef struct {
	WorkingCopyPath string
	RemoteURL       string
	Branch          string
	HeadCommit      string
	HeadMessage     string
	HeadAuthor      gitbackend.Signature
	HeadCommitter   gitbackend.Signature
	// PrimaryBranch is the branch origin/HEAD points at, "" when unknown.
	PrimaryBranch string
}

// BackendKind selects the Backend implementation.
type BackendKind string

const (
	BackendNative BackendKind = "native"
	BackendGitCLI BackendKind = "git"
)

func (k BackendKind) Valid() bool {
	return k == BackendNative || k == BackendGitCLI
}

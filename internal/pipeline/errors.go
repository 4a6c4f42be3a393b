package pipeline

import "errors"

var (
	// ErrNotFound means no submodule of the composite repository points at the
	// service repository. There is nothing to do.
	ErrNotFound = errors.New("no submodule matches the service repository")

	ErrAmbiguousMatch = errors.New("more than one submodule matches the service repository")

	// ErrDivergedBase means the target branch does not descend from the
	// composite repository's primary branch as required by the divergence policy.
	ErrDivergedBase = errors.New("target branch diverged from base branch")

	// ErrPushConflict means every attempt lost a race against another writer.
	ErrPushConflict = errors.New("push conflict persisted after retries")

	// ErrBackend marks failures of the underlying repository access.
	ErrBackend = errors.New("backend failure")

	ErrBranchCollision   = errors.New("branch already carries another submodule's updates")
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrPrimaryBranch and ErrNoChange end a run without an update.
	ErrPrimaryBranch = errors.New("service branch is a primary branch")
	ErrNoChange      = errors.New("submodule already records the service commit")
)

// backendError keeps the backend's cause in the chain next to ErrBackend.
type backendError struct {
	op  string
	err error
}

func (e *backendError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *backendError) Unwrap() []error {
	return []error{ErrBackend, e.err}
}

func wrapBackend(op string, err error) error {
	if err == nil || errors.Is(err, ErrBackend) {
		return err
	}
	return &backendError{op: op, err: err}
}

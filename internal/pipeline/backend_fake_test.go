package pipeline

import (
	"context"
	"errors"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// fakeBackend serves canned composite state. Calls without canned data fail.
type fakeBackend struct {
	remoteURL      string
	defaultBranch  string
	remoteBranches map[string]string
	commits        map[string]*gitbackend.Commit
	submodules     map[string][]gitbackend.Submodule

	fetchFunc     func(ctx context.Context) error
	mergeBaseFunc func(a, b string) (string, bool, error)

	fetchCalls int
}

var _ gitbackend.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) RepoPath() string { return "fake" }

func (f *fakeBackend) RemoteURL() (string, error) {
	if f.remoteURL == "" {
		return "", gitbackend.ErrNoRemote
	}
	return f.remoteURL, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) HeadState() (string, string, bool, error) {
	return "", "", false, errors.New("unexpected HeadState call")
}

func (f *fakeBackend) RemoteHead() (string, bool, error) {
	return f.defaultBranch, f.defaultBranch != "", nil
}

func (f *fakeBackend) DefaultBranch() (string, error) {
	if f.defaultBranch == "" {
		return "", errors.New("no default branch")
	}
	return f.defaultBranch, nil
}

func (f *fakeBackend) ListRefs() ([]gitbackend.Ref, error) {
	return nil, errors.New("unexpected ListRefs call")
}

func (f *fakeBackend) Fetch(ctx context.Context) error {
	f.fetchCalls++
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx)
	}
	return nil
}

func (f *fakeBackend) RemoteBranch(branch string) (string, bool, error) {
	hash, ok := f.remoteBranches[branch]
	return hash, ok, nil
}

func (f *fakeBackend) LocalBranch(string) (string, bool, error) {
	return "", false, errors.New("unexpected LocalBranch call")
}

func (f *fakeBackend) CommitInfo(hash string) (*gitbackend.Commit, error) {
	c, ok := f.commits[hash]
	if !ok {
		return nil, errors.New("unknown commit " + hash)
	}
	return c, nil
}

func (f *fakeBackend) IsAncestor(string, string) (bool, error) {
	return false, errors.New("unexpected IsAncestor call")
}

func (f *fakeBackend) MergeBase(a, b string) (string, bool, error) {
	if f.mergeBaseFunc != nil {
		return f.mergeBaseFunc(a, b)
	}
	return "", false, nil
}

func (f *fakeBackend) ListSubmodules(commit string) ([]gitbackend.Submodule, error) {
	subs, ok := f.submodules[commit]
	if !ok {
		return nil, errors.New("unknown commit " + commit)
	}
	return subs, nil
}

func (f *fakeBackend) TreeHash(string) (string, error) {
	return "", errors.New("unexpected TreeHash call")
}

func (f *fakeBackend) Gitlink(string, string) (string, bool, error) {
	return "", false, errors.New("unexpected Gitlink call")
}

func (f *fakeBackend) WriteGitlink(string, string, string) (string, error) {
	return "", errors.New("unexpected WriteGitlink call")
}

func (f *fakeBackend) ChangedPaths(string, string) ([]string, error) {
	return nil, errors.New("unexpected ChangedPaths call")
}

func (f *fakeBackend) CreateCommit(gitbackend.CommitRequest) (string, error) {
	return "", errors.New("unexpected CreateCommit call")
}

func (f *fakeBackend) UpdateRef(string, string, string) error {
	return errors.New("unexpected UpdateRef call")
}

func (f *fakeBackend) Push(context.Context, string, string, string) error {
	return errors.New("unexpected Push call")
}

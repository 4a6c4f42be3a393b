package git

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// Service inspects a service working copy. It never writes to it.
type Service struct {
	backend gitbackend.Backend
}

// Open opens the working copy at repoPath with the selected backend.
func Open(repoPath string, kind BackendKind) (*Service, error) {
	var (
		b   gitbackend.Backend
		err error
	)
	switch kind {
	case BackendGitCLI:
		b, err = gitbackend.OpenCLI(repoPath)
	case BackendNative, "":
		b, err = gitbackend.OpenNative(repoPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return NewService(b), nil
}

func NewService(b gitbackend.Backend) *Service {
	return &Service{backend: b}
}

func (s *Service) RepoPath() string {
	return s.backend.RepoPath()
}

func (s *Service) Close() error {
	return s.backend.Close()
}

// Inspect reads the working copy into a ServiceRef. With an explicit gitRef
// (a branch name or refs/heads/<name>) the branch is taken from it and HEAD must
// point at the same commit; otherwise HEAD must be on a branch.
func (s *Service) Inspect(gitRef string) (*ServiceRef, error) {
	head, headName, ok, err := s.backend.HeadState()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRepository, s.RepoPath())
	}

	branch := headName
	if gitRef != "" {
		branch, err = BranchFromRef(gitRef)
		if err != nil {
			return nil, err
		}
		tip, err := s.branchTip(branch)
		if err != nil {
			return nil, err
		}
		if tip != head {
			return nil, fmt.Errorf("%w: %s is at %s, HEAD is at %s", ErrHeadMismatch, branch, tip, head)
		}
	} else if headName == "HEAD" {
		return nil, ErrDetachedHead
	}

	commit, err := s.backend.CommitInfo(head)
	if err != nil {
		return nil, err
	}
	remoteURL, err := s.backend.RemoteURL()
	switch {
	case errors.Is(err, gitbackend.ErrNoRemote):
		slog.Warn("service working copy has no remote", slog.String("path", s.RepoPath()))
		remoteURL = ""
	case err != nil:
		return nil, fmt.Errorf("service remote: %w", err)
	}
	if remoteURL != "" && isLocalPath(remoteURL) && !filepath.IsAbs(remoteURL) {
		remoteURL = filepath.Join(s.RepoPath(), remoteURL)
	}
	primary, _, err := s.backend.RemoteHead()
	if err != nil {
		return nil, err
	}

	ref := &ServiceRef{
		WorkingCopyPath: s.RepoPath(),
		RemoteURL:       remoteURL,
		Branch:          branch,
		HeadCommit:      head,
		HeadMessage:     strings.TrimSpace(commit.Message),
		HeadAuthor:      commit.Author,
		HeadCommitter:   commit.Committer,
		PrimaryBranch:   primary,
	}
	slog.Debug("inspected service working copy",
		slog.String("path", ref.WorkingCopyPath),
		slog.String("branch", ref.Branch),
		slog.String("head", ref.HeadCommit),
		slog.String("remote", ref.RemoteURL),
	)
	return ref, nil
}

// branchTip resolves branch against local branches first, then origin's.
func (s *Service) branchTip(branch string) (string, error) {
	refs, err := s.backend.ListRefs()
	if err != nil {
		return "", err
	}
	var remote string
	for _, ref := range refs {
		switch {
		case ref.Kind == gitbackend.RefKindBranch && ref.Name == branch:
			return ref.Hash, nil
		case ref.Kind == gitbackend.RefKindRemoteBranch && ref.Name == gitbackend.DefaultRemoteName+"/"+branch:
			remote = ref.Hash
		}
	}
	if remote != "" {
		return remote, nil
	}
	return "", fmt.Errorf("%w: %s", ErrRefNotFound, branch)
}

// BranchFromRef accepts "name" or "refs/heads/name".
func BranchFromRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		ref = name
	} else if strings.HasPrefix(ref, "refs/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	if ref == "" {
		return "", errors.New("branch not specified")
	}
	return ref, nil
}

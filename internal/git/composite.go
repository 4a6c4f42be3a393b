package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// CompositeOptions configures the ephemeral clone of the composite repository.
type CompositeOptions struct {
	Backend  BackendKind
	CloneDir string
	Auth     gitbackend.Credentials
}

// CloneComposite clones location (a URL or a local path) into a fresh
// repository without a worktree. The caller must Close the returned backend.
func CloneComposite(ctx context.Context, location string, opts CompositeOptions) (gitbackend.Backend, error) {
	if location == "" {
		return nil, fmt.Errorf("composite repository not specified")
	}
	if isLocalPath(location) {
		abs, err := filepath.Abs(location)
		if err != nil {
			return nil, err
		}
		location = abs
	}
	cloneOpts := gitbackend.CloneOptions{Dir: opts.CloneDir, Auth: opts.Auth}
	slog.Info("cloning composite repository", slog.String("location", location), slog.String("backend", string(opts.Backend)))
	switch opts.Backend {
	case BackendGitCLI:
		return gitbackend.CloneCLI(ctx, location, cloneOpts)
	case BackendNative, "":
		return gitbackend.CloneNative(ctx, location, cloneOpts)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

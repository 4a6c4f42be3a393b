package pipeline

import (
	"time"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// CollisionPolicy decides how a service branch name that is already used by
// another submodule's updates is handled.
type CollisionPolicy string

const (
	CollisionQualify       CollisionPolicy = "qualify"
	CollisionAlwaysQualify CollisionPolicy = "always-qualify"
	CollisionShared        CollisionPolicy = "shared"
	CollisionFail          CollisionPolicy = "fail"
)

func (p CollisionPolicy) Valid() bool {
	switch p {
	case CollisionQualify, CollisionAlwaysQualify, CollisionShared, CollisionFail:
		return true
	}
	return false
}

// DivergencePolicy decides when an existing target branch is considered to
// have diverged from the base branch.
type DivergencePolicy string

const (
	// DivergenceRelated requires a common ancestor with the base branch.
	DivergenceRelated DivergencePolicy = "related"
	// DivergenceStrict requires the base tip to be an ancestor of the target.
	DivergenceStrict DivergencePolicy = "strict"
)

func (p DivergencePolicy) Valid() bool {
	return p == DivergenceRelated || p == DivergenceStrict
}

const DefaultQualifyFormat = "{submodule}/{branch}"

type Options struct {
	// PrimaryBranches are service branch names that are never propagated
	// unless TrackPrimary is set. The service's origin/HEAD is added to them.
	PrimaryBranches []string
	TrackPrimary    bool

	Collision     CollisionPolicy
	QualifyFormat string
	Divergence    DivergencePolicy

	MaxAttempts int
	Backoff     time.Duration

	DryRun bool

	// Committer overrides the committer identity; the service head
	// commit's committer is used when nil.
	Committer *gitbackend.Signature
}

func DefaultOptions() Options {
	return Options{
		PrimaryBranches: []string{"main", "master"},
		Collision:       CollisionQualify,
		QualifyFormat:   DefaultQualifyFormat,
		Divergence:      DivergenceRelated,
		MaxAttempts:     3,
		Backoff:         500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PrimaryBranches == nil {
		o.PrimaryBranches = def.PrimaryBranches
	}
	if o.Collision == "" {
		o.Collision = def.Collision
	}
	if o.QualifyFormat == "" {
		o.QualifyFormat = def.QualifyFormat
	}
	if o.Divergence == "" {
		o.Divergence = def.Divergence
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// errRetry marks an attempt that lost a push race.
var errRetry = errors.New("remote branch moved")

// Controller runs the pipeline: locate the submodule, resolve the target
// branch, compute the update, commit and push with bounded retries.
type Controller struct {
	opts     Options
	resolver *Resolver

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		opts:     opts,
		resolver: NewResolver(opts),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Run performs one synchronization of svc into composite. Once a push has
// succeeded the outcome is Updated regardless of ctx.
func (c *Controller) Run(ctx context.Context, composite gitbackend.Backend, svc *git.ServiceRef) Outcome {
	out := Outcome{To: svc.HeadCommit}
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		out.Attempts = attempt
		if attempt > 1 {
			wait := c.opts.Backoff * time.Duration(attempt-1)
			slog.Warn("push rejected, retrying",
				slog.String("branch", out.Branch), slog.Int("attempt", attempt), slog.Duration("backoff", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return c.fail(out, err)
			}
		}
		err := c.attempt(ctx, composite, svc, &out)
		switch {
		case err == nil:
			return out
		case errors.Is(err, errRetry):
			lastErr = err
			continue
		case errors.Is(err, ErrPrimaryBranch), errors.Is(err, ErrNoChange):
			out.Kind = KindNoOp
			out.Reason = err.Error()
			slog.Info("nothing to do", slog.String("reason", out.Reason))
			return out
		default:
			return c.fail(out, err)
		}
	}
	return c.fail(out, fmt.Errorf("%w: %s: %w", ErrPushConflict, out.Branch, lastErr))
}

func (c *Controller) fail(out Outcome, err error) Outcome {
	out.Kind = KindFailed
	out.Err = err
	out.Reason = err.Error()
	return out
}

func (c *Controller) attempt(ctx context.Context, composite gitbackend.Backend, svc *git.ServiceRef, out *Outcome) error {
	if err := composite.Fetch(ctx); err != nil {
		return wrapBackend("fetch composite", err)
	}
	base, err := c.base(composite)
	if err != nil {
		return err
	}

	entry, at, err := c.locate(ctx, composite, svc, base)
	if err != nil {
		return err
	}
	out.Submodule = entry.Path
	slog.Info("located submodule", slog.String("path", entry.Path), slog.String("at", at))

	target, err := c.resolver.Resolve(ctx, composite, svc, entry, base)
	if err != nil {
		return err
	}
	out.Branch = target.Branch
	slog.Info("resolved target branch",
		slog.String("branch", target.Branch),
		slog.Bool("exists", target.Existed),
		slog.Bool("qualified", target.Qualified),
	)

	if target.Existed && target.Tip != base.Tip {
		if entry, err = Locate(ctx, composite, target.Tip, svc); err != nil {
			return err
		}
		out.Submodule = entry.Path
		if err := c.checkDivergence(composite, target); err != nil {
			return err
		}
	}

	update, err := Compute(ctx, composite, target, entry, svc)
	if err != nil {
		return err
	}
	out.From = update.FromCommit
	out.Update = update
	slog.Info("computed update",
		slog.String("path", update.SubmodulePath),
		slog.String("from", update.FromCommit),
		slog.String("to", update.ToCommit),
	)

	if c.opts.DryRun {
		out.Kind = KindPlanned
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	author, committer := c.signatures(svc)
	commit, err := Commit(composite, update, author, committer)
	if err != nil {
		return err
	}

	localOld, _, err := composite.LocalBranch(target.Branch)
	if err != nil {
		return wrapBackend("read local branch", err)
	}
	if err := composite.UpdateRef(target.Branch, localOld, commit); err != nil {
		return wrapBackend("update local branch", err)
	}
	if err := composite.Push(ctx, target.Branch, target.Tip, commit); err != nil {
		if restoreErr := composite.UpdateRef(target.Branch, commit, localOld); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
		if errors.Is(err, gitbackend.ErrPushRejected) {
			return fmt.Errorf("%w: %w", errRetry, err)
		}
		return wrapBackend("push", err)
	}

	out.Kind = KindUpdated
	out.Commit = commit
	out.Reason = ""
	slog.Info("pushed update", slog.String("branch", target.Branch), slog.String("commit", commit))
	return nil
}

// locate looks the submodule up at the tip of the composite branch named like
// the service branch, falling back to the base branch when that branch is
// absent or does not carry the submodule.
func (c *Controller) locate(ctx context.Context, composite gitbackend.Backend, svc *git.ServiceRef, base Base) (SubmoduleEntry, string, error) {
	if !c.resolver.IsPrimary(svc) && svc.Branch != base.Branch {
		tip, ok, err := composite.RemoteBranch(svc.Branch)
		if err != nil {
			return SubmoduleEntry{}, "", wrapBackend("read target branch", err)
		}
		if ok && tip != base.Tip {
			entry, err := Locate(ctx, composite, tip, svc)
			if err == nil {
				return entry, svc.Branch, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return SubmoduleEntry{}, "", err
			}
		}
	}
	entry, err := Locate(ctx, composite, base.Tip, svc)
	return entry, base.Branch, err
}

func (c *Controller) base(composite gitbackend.Backend) (Base, error) {
	branch, err := composite.DefaultBranch()
	if err != nil {
		return Base{}, wrapBackend("composite primary branch", err)
	}
	tip, ok, err := composite.RemoteBranch(branch)
	if err != nil {
		return Base{}, wrapBackend("read primary branch", err)
	}
	if !ok {
		return Base{}, wrapBackend("read primary branch", fmt.Errorf("%s not found on remote", branch))
	}
	return Base{Branch: branch, Tip: tip}, nil
}

func (c *Controller) checkDivergence(composite gitbackend.Backend, target Target) error {
	switch c.opts.Divergence {
	case DivergenceStrict:
		ok, err := composite.IsAncestor(target.BaseTip, target.Tip)
		if err != nil {
			return wrapBackend("ancestry", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s does not contain %s tip %s", ErrDivergedBase, target.Branch, target.BaseBranch, short(target.BaseTip))
		}
	default:
		_, ok, err := composite.MergeBase(target.Tip, target.BaseTip)
		if err != nil {
			return wrapBackend("merge-base", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s shares no history with %s", ErrDivergedBase, target.Branch, target.BaseBranch)
		}
	}
	return nil
}

func (c *Controller) signatures(svc *git.ServiceRef) (author, committer gitbackend.Signature) {
	now := c.now()
	author = svc.HeadAuthor
	committer = svc.HeadCommitter
	if c.opts.Committer != nil {
		committer = *c.opts.Committer
	}
	if committer.Name == "" {
		committer = author
	}
	if author.Name == "" {
		author = committer
	}
	if author.When.IsZero() {
		author.When = now
	}
	committer.When = now
	return author, committer
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

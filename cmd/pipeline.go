package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withlazers/deployment-withlazers/internal/config"
	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
	"github.com/withlazers/deployment-withlazers/internal/pipeline"
	"github.com/withlazers/deployment-withlazers/internal/report"
	"github.com/withlazers/deployment-withlazers/internal/watch"
)

// Exit statuses of the pipeline command.
const (
	exitFailure = 1
	exitUpdated = 2
	exitMissing = 3
)

// PipelineRunner contains the run function of the pipeline command.
type PipelineRunner struct {
	C *cobra.Command

	Repository string
	Composite  string
	GitRef     string
	Headers    []string

	ConfigPath   string
	TokenEnv     string
	Backend      string
	CloneDir     string
	Collision    string
	TrackPrimary bool

	DryRun           bool
	DetailedExitCode bool
	FailOnMissing    bool
	Watch            bool

	Verbose   bool
	LogFormat string
	Color     bool
}

func PipelineCmd() *PipelineRunner {
	r := &PipelineRunner{}
	c := &cobra.Command{
		Use:   "pipeline",
		Short: "Propagate the service working copy's branch head into the composite repository",
		Long: `Propagate the service working copy's branch head into the composite repository.

The submodule whose URL matches the service's origin remote is located in the
composite repository. Its gitlink is set to the service HEAD on a composite
branch named after the service branch, which is created off the composite's
primary branch when missing, and the branch is pushed.

Exit status:

  0  nothing to do, or updated without --detailed-exit-code
  1  failure
  2  updated, with --detailed-exit-code
  3  submodule not found, with --fail-on-missing
`,
		Example: `  # propagate the current branch of ./service1
  deployment-withlazers pipeline -r ./service1 -c https://git.example.com/org/composite.git

  # show what would change without pushing
  deployment-withlazers pipeline -r . -c ../composite --dry-run --color`,
		Args:    cobra.NoArgs,
		PreRunE: r.preRunE,
		RunE:    r.runE,
	}

	def := config.Default()
	c.Flags().StringVarP(&r.Repository, "repository", "r", ".",
		"path of the service working copy.")
	c.Flags().StringVarP(&r.Composite, "composite-repository", "c", "",
		"URL or path of the composite repository.")
	c.Flags().StringVarP(&r.GitRef, "git-ref", "g", "",
		"service branch to propagate (name or refs/heads/<name>); HEAD must point at its tip. Defaults to the checked out branch.")
	c.Flags().StringArrayVarP(&r.Headers, "header", "C", nil,
		`extra HTTP header "Name: value" sent to the composite remote. Repeatable.`)
	c.Flags().StringVar(&r.ConfigPath, "config", "",
		"YAML configuration file.")
	c.Flags().StringVar(&r.TokenEnv, "token-env", def.TokenEnv,
		"environment variable holding an HTTP token for the composite remote.")
	c.Flags().StringVar(&r.Backend, "backend", def.Backend,
		`git implementation: "native" or "git" (the git executable).`)
	c.Flags().StringVar(&r.CloneDir, "clone-dir", "",
		"directory for composite clones. Defaults to memory for the native backend and a temporary directory for git.")
	c.Flags().StringVar(&r.Collision, "collision", def.Collision,
		"handling of branch names used by another submodule: qualify, always-qualify, shared or fail.")
	c.Flags().BoolVar(&r.TrackPrimary, "track-primary", def.TrackPrimary,
		"propagate service primary branches into the composite primary branch.")
	c.Flags().BoolVar(&r.DryRun, "dry-run", false,
		"print the planned change without committing or pushing.")
	c.Flags().BoolVar(&r.DetailedExitCode, "detailed-exit-code", false,
		"exit with status 2 when the composite repository was updated.")
	c.Flags().BoolVar(&r.FailOnMissing, "fail-on-missing", false,
		"exit with status 3 when no submodule matches the service.")
	c.Flags().BoolVar(&r.Watch, "watch", false,
		"run again whenever the service branch moves, until interrupted.")
	c.Flags().BoolVar(&r.Verbose, "verbose", false,
		"enable verbose logging and print the tree diff of updates.")
	c.Flags().StringVar(&r.LogFormat, "log-format", "text",
		`log format: "text" or "json".`)
	c.Flags().BoolVar(&r.Color, "color", false,
		"colorize diffs.")
	_ = c.MarkFlagRequired("composite-repository")
	r.C = c
	return r
}

func (r *PipelineRunner) preRunE(c *cobra.Command, _ []string) error {
	return setupLogging(c.ErrOrStderr(), r.Verbose, r.LogFormat)
}

func (r *PipelineRunner) runE(c *cobra.Command, _ []string) error {
	cfg, err := r.config(c)
	if err != nil {
		return err
	}
	headers, err := parseHeaders(r.Headers)
	if err != nil {
		return err
	}
	gitbackend.InstallHTTPHeaders(headers)
	creds := cfg.Credentials(headers)
	opts := cfg.PipelineOptions()
	opts.DryRun = r.DryRun

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := report.NewPrinter(c.OutOrStdout(), r.Color)
	if r.Watch {
		return watch.Run(ctx, r.Repository, cfg.Watch.Debounce, func(ctx context.Context) {
			out := r.once(ctx, cfg, opts, creds, printer)
			if out.Kind == pipeline.KindFailed {
				slog.Error("run failed, waiting for the next change", slog.Any("error", out.Err))
			}
		})
	}
	out := r.once(ctx, cfg, opts, creds, printer)
	return exitStatus(out, r.DetailedExitCode, r.FailOnMissing)
}

// config layers the flags that were set over the file over the defaults.
func (r *PipelineRunner) config(c *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if r.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(r.ConfigPath); err != nil {
			return cfg, err
		}
	}
	flags := c.Flags()
	if flags.Changed("token-env") {
		cfg.TokenEnv = r.TokenEnv
	}
	if flags.Changed("backend") {
		cfg.Backend = r.Backend
	}
	if flags.Changed("clone-dir") {
		cfg.CloneDir = r.CloneDir
	}
	if flags.Changed("collision") {
		cfg.Collision = r.Collision
	}
	if flags.Changed("track-primary") {
		cfg.TrackPrimary = r.TrackPrimary
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// once performs a single synchronization and prints its outcome.
func (r *PipelineRunner) once(ctx context.Context, cfg config.Config, opts pipeline.Options, creds gitbackend.Credentials, printer *report.Printer) pipeline.Outcome {
	out, diff := r.sync(ctx, cfg, opts, creds)
	if err := printer.Outcome(out); err != nil {
		slog.Error("print outcome", slog.Any("error", err))
	}
	if err := printer.Diff(diff); err != nil {
		slog.Error("print diff", slog.Any("error", err))
	}
	return out
}

func (r *PipelineRunner) sync(ctx context.Context, cfg config.Config, opts pipeline.Options, creds gitbackend.Credentials) (pipeline.Outcome, string) {
	svc, err := git.Open(r.Repository, cfg.BackendKind())
	if err != nil {
		return failed(fmt.Errorf("open service repository: %w", err)), ""
	}
	defer svc.Close()
	ref, err := svc.Inspect(r.GitRef)
	if err != nil {
		return failed(fmt.Errorf("inspect service repository: %w", err)), ""
	}

	cloneDir, cleanup, err := runCloneDir(cfg.CloneDir)
	if err != nil {
		return failed(err), ""
	}
	defer cleanup()
	composite, err := git.CloneComposite(ctx, r.Composite, git.CompositeOptions{
		Backend:  cfg.BackendKind(),
		CloneDir: cloneDir,
		Auth:     creds,
	})
	if err != nil {
		return failed(fmt.Errorf("%w: clone composite repository: %w", pipeline.ErrBackend, err)), ""
	}
	defer composite.Close()

	out := pipeline.NewController(opts).Run(ctx, composite, ref)
	var diff string
	if out.Update != nil && (out.Kind == pipeline.KindPlanned || (r.Verbose && out.Kind == pipeline.KindUpdated)) {
		if diff, err = report.TreeDiff(composite, out.Update); err != nil {
			slog.Error("render tree diff", slog.Any("error", err))
		}
	}
	return out, diff
}

// runCloneDir returns a fresh directory under root for one clone, or "" when
// root is unset.
func runCloneDir(root string) (string, func(), error) {
	if root == "" {
		return "", func() {}, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, fmt.Errorf("clone dir: %w", err)
	}
	dir, err := os.MkdirTemp(root, "composite-*.git")
	if err != nil {
		return "", nil, fmt.Errorf("clone dir: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove clone", slog.String("dir", dir), slog.Any("error", err))
		}
	}, nil
}

func failed(err error) pipeline.Outcome {
	return pipeline.Outcome{Kind: pipeline.KindFailed, Err: err, Reason: err.Error()}
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := gitbackend.ParseHeader(h)
		if !ok {
			return nil, fmt.Errorf("invalid header %q: want \"Name: value\"", h)
		}
		headers[name] = value
	}
	return headers, nil
}

func exitStatus(out pipeline.Outcome, detailed, failOnMissing bool) error {
	switch out.Kind {
	case pipeline.KindFailed:
		if errors.Is(out.Err, pipeline.ErrNotFound) {
			if failOnMissing {
				return &ExitError{Code: exitMissing, Err: out.Err}
			}
			slog.Warn("no submodule matches the service", slog.Any("error", out.Err))
			return nil
		}
		return &ExitError{Code: exitFailure, Err: out.Err}
	case pipeline.KindUpdated:
		if detailed {
			return &ExitError{Code: exitUpdated}
		}
	}
	return nil
}

// Package config holds the settings that shape a synchronization run. Values
// come from defaults, an optional YAML file and command flags, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
	"github.com/withlazers/deployment-withlazers/internal/pipeline"
)

// DefaultTokenEnv is the environment variable read for an HTTP token.
const DefaultTokenEnv = "COMPOSITE_SYNC_TOKEN"

type Config struct {
	PrimaryBranches []string `yaml:"primary-branches"`
	TrackPrimary    bool     `yaml:"track-primary"`
	Collision       string   `yaml:"collision"`
	QualifyFormat   string   `yaml:"qualify-format"`
	Divergence      string   `yaml:"divergence"`

	Retry     Retry     `yaml:"retry"`
	Signature Signature `yaml:"signature"`

	Backend  string `yaml:"backend"`
	CloneDir string `yaml:"clone-dir"`
	TokenEnv string `yaml:"token-env"`
	// TokenUser is the basic-auth user sent with the token.
	TokenUser string `yaml:"token-user"`

	Watch Watch `yaml:"watch"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// Signature is the committer identity for composite commits. When Name is
// empty the service head commit's committer is used.
type Signature struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

func Default() Config {
	opts := pipeline.DefaultOptions()
	return Config{
		PrimaryBranches: opts.PrimaryBranches,
		Collision:       string(opts.Collision),
		QualifyFormat:   opts.QualifyFormat,
		Divergence:      string(opts.Divergence),
		Retry: Retry{
			Attempts: opts.MaxAttempts,
			Backoff:  opts.Backoff,
		},
		Backend:  string(git.BackendNative),
		TokenEnv: DefaultTokenEnv,
		Watch:    Watch{Debounce: 500 * time.Millisecond},
	}
}

// Load reads the YAML file at path on top of Default. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if !pipeline.CollisionPolicy(c.Collision).Valid() {
		errs = append(errs, fmt.Errorf("collision: unknown policy %q", c.Collision))
	}
	if !pipeline.DivergencePolicy(c.Divergence).Valid() {
		errs = append(errs, fmt.Errorf("divergence: unknown policy %q", c.Divergence))
	}
	if !git.BackendKind(c.Backend).Valid() {
		errs = append(errs, fmt.Errorf("backend: must be %q or %q, got %q", git.BackendNative, git.BackendGitCLI, c.Backend))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts: must be at least 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.Backoff < 0 {
		errs = append(errs, fmt.Errorf("retry.backoff: must not be negative, got %s", c.Retry.Backoff))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce: must not be negative, got %s", c.Watch.Debounce))
	}
	for _, b := range c.PrimaryBranches {
		if err := pipeline.ValidateBranchName(b); err != nil {
			errs = append(errs, fmt.Errorf("primary-branches: %w", err))
		}
	}
	if err := pipeline.ValidateQualifyFormat(c.QualifyFormat); err != nil {
		errs = append(errs, fmt.Errorf("qualify-format: %w", err))
	}
	if c.Signature.Email != "" && c.Signature.Name == "" {
		errs = append(errs, errors.New("signature.name: required when signature.email is set"))
	}
	return errors.Join(errs...)
}

// PipelineOptions maps c onto the controller options.
func (c Config) PipelineOptions() pipeline.Options {
	opts := pipeline.Options{
		PrimaryBranches: c.PrimaryBranches,
		TrackPrimary:    c.TrackPrimary,
		Collision:       pipeline.CollisionPolicy(c.Collision),
		QualifyFormat:   c.QualifyFormat,
		Divergence:      pipeline.DivergencePolicy(c.Divergence),
		MaxAttempts:     c.Retry.Attempts,
		Backoff:         c.Retry.Backoff,
	}
	if c.Signature.Name != "" {
		opts.Committer = &gitbackend.Signature{Name: c.Signature.Name, Email: c.Signature.Email}
	}
	return opts
}

func (c Config) BackendKind() git.BackendKind {
	return git.BackendKind(c.Backend)
}

// Credentials reads the token from the configured environment variable.
func (c Config) Credentials(headers map[string]string) gitbackend.Credentials {
	var token string
	if c.TokenEnv != "" {
		token = os.Getenv(c.TokenEnv)
	}
	return gitbackend.Credentials{Username: c.TokenUser, Token: token, Headers: headers}
}

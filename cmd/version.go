package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withlazers/deployment-withlazers/internal/buildinfo"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// VersionRunner prints build information and the git executable's version.
type VersionRunner struct {
	C *cobra.Command
}

func VersionCmd() *VersionRunner {
	r := &VersionRunner{}
	r.C = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE:  r.runE,
	}
	return r
}

func (r *VersionRunner) runE(c *cobra.Command, _ []string) error {
	w := c.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", appName, buildinfo.Read())
	v, err := gitbackend.GitVersion()
	if err != nil {
		fmt.Fprintf(w, "git: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "%s (git backend requires >= %s)\n", v, gitbackend.MinGitVersion())
	return nil
}

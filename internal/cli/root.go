// Package cli implements the pulsectl commands.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pulsespace/pkg/client"
)

// env carries what every command shares.
type env struct {
	profilePath string
	server      string
	realtime    string
	verbose     bool

	out io.Writer
}

// profile loads the stored profile and applies flag overrides.
func (e *env) profile() (*Profile, error) {
	p, err := LoadProfile(e.profilePath)
	if err != nil {
		return nil, err
	}
	if e.server != "" {
		p.Server = e.server
	}
	if e.realtime != "" {
		p.Realtime = e.realtime
	}
	return p, nil
}

func (e *env) api(p *Profile) *client.API {
	return client.NewAPI(p.Server, p.Token)
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}

// NewRootCommand builds the pulsectl command tree.
func NewRootCommand(version, commit string) *cobra.Command {
	return newRoot(&env{}, version, commit)
}

func newRoot(e *env, version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:   "pulsectl",
		Short: "Pulsespace command line client",
		Long: `pulsectl talks to a pulsespace server: log in, browse channels and
history, send and tail messages, inspect a stopped database and run load
benchmarks.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if e.out == nil {
				e.out = cmd.OutOrStdout()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&e.profilePath, "profile", DefaultProfilePath(), "profile file path")
	pf.StringVar(&e.server, "server", "", "REST base URL (overrides profile)")
	pf.StringVar(&e.realtime, "realtime", "", "websocket URL (overrides profile)")
	pf.BoolVarP(&e.verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newLoginCmd(e),
		newChannelsCmd(e),
		newHistoryCmd(e),
		newSendCmd(e),
		newTailCmd(e),
		newInspectCmd(e),
		newBenchCmd(e),
	)
	return root
}

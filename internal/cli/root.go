package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"scenelens/internal/retrieval"
)

// Exit codes.
const (
	ExitSuccess          = 0
	ExitGenericError     = 1
	ExitConfigInvalid    = 2
	ExitIndexLoadFailure = 5
	ExitIngestionFatal   = 6
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath     string
	StateDir       string
	JSON           bool
	NonInteractive bool
	Quiet          bool
}

// app carries the flags and the collaborators a command run needs. Deps
// lets tests swap the configured models and media backend.
type app struct {
	flags GlobalFlags
	deps  retrieval.Deps
}

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// NewRootCmd builds the scenelens command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "scenelens",
		Short:         "Search inside videos by what is on screen",
		Long:          "scenelens indexes video frames with visual embeddings and captions, and answers natural-language queries with timestamped moments.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.ConfigPath, "config", ".scenelens.yaml", "config file path (.yaml or .toml)")
	pf.StringVar(&a.flags.StateDir, "state-dir", "", "state directory (default: ./.scenelens)")
	pf.BoolVar(&a.flags.JSON, "json", false, "emit JSON for automation")
	pf.BoolVar(&a.flags.NonInteractive, "non-interactive", false, "disable prompts")
	pf.BoolVar(&a.flags.Quiet, "quiet", false, "reduce output")

	root.AddCommand(
		a.ingestCmd(),
		a.buildCmd(),
		a.searchCmd(),
		a.statusCmd(),
		a.reindexCmd(),
		a.deleteCmd(),
		a.serveCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(NewRootCmd(), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	s := newStyles(stderr, false)
	fmt.Fprintln(stderr, s.errPrefix(), err)
	return exitCode(err)
}

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, retrieval.ErrIndexLoad):
		return ExitIndexLoadFailure
	default:
		return ExitGenericError
	}
}

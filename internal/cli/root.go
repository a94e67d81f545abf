// Package cli implements preflightctl, an operator command line for running
// evaluations, probes and run lookups against the configured store without
// starting the HTTP server.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/preflight/internal/config"
	"github.com/mbd888/preflight/internal/logging"
	"github.com/mbd888/preflight/internal/server"
)

// Opener builds a server from config. Commands use its service and worker
// and shut it down when done.
type Opener func(cfg *config.Config, logger *slog.Logger) (*server.Server, error)

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	format string

	loadConfig func() (*config.Config, error)
	open       Opener
}

// Option customizes the command tree.
type Option func(*app)

// WithIO replaces stdin, stdout and stderr.
func WithIO(in io.Reader, out, errOut io.Writer) Option {
	return func(a *app) {
		a.in, a.out, a.errOut = in, out, errOut
	}
}

// WithConfig replaces environment-based config loading.
func WithConfig(load func() (*config.Config, error)) Option {
	return func(a *app) { a.loadConfig = load }
}

// WithOpener replaces how the server is built.
func WithOpener(open Opener) Option {
	return func(a *app) { a.open = open }
}

func defaultOpener(cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	return server.New(cfg, server.WithLogger(logger), server.WithDrainDelay(0))
}

// NewRootCmd assembles the preflightctl command tree.
func NewRootCmd(opts ...Option) *cobra.Command {
	a := &app{
		in:         os.Stdin,
		out:        os.Stdout,
		errOut:     os.Stderr,
		loadConfig: config.Load,
		open:       defaultOpener,
	}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:           "preflightctl",
		Short:         "Solana transaction preflight risk assessment",
		Long:          "Scores Solana transactions against the configured rule set and inspects the\nnetwork health snapshots and evaluation logs kept by the preflight service.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVarP(&a.format, "format", "f", "text", "Output format (text|json)")

	root.AddCommand(
		a.evaluateCmd(),
		a.statusCmd(),
		a.probeCmd(),
		a.showCmd(),
		a.sampleCmd(),
		a.versionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withServer loads config, opens the store and hands the server to fn.
func (a *app) withServer(fn func(s *server.Server) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(a.errOut, "warn", "text")
	s, err := a.open(cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(s)
	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) jsonOutput() (bool, error) {
	switch a.format {
	case "json":
		return true, nil
	case "text":
		return false, nil
	default:
		return false, fmt.Errorf("unknown format %q (want text or json)", a.format)
	}
}

package cli

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/server"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest network health snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := a.jsonOutput()
			if err != nil {
				return err
			}
			return a.withServer(func(s *server.Server) error {
				st, err := s.Service().Status(cmd.Context())
				if errors.Is(err, preflight.ErrNoSnapshot) {
					return errors.New("no network health data available; run `preflightctl probe` or start the server")
				}
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(st)
				}
				writeStatus(a.out, st)
				return nil
			})
		},
	}
}

func (a *app) probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run one health worker cycle and store the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := a.jsonOutput()
			if err != nil {
				return err
			}
			return a.withServer(func(s *server.Server) error {
				if _, err := s.Worker().RunOnce(cmd.Context()); err != nil {
					return fmt.Errorf("probe: %w", err)
				}
				st, err := s.Service().Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(st)
				}
				writeStatus(a.out, st)
				return nil
			})
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Print a logged evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("run_id must be a UUID: %w", err)
			}
			asJSON, err := a.jsonOutput()
			if err != nil {
				return err
			}
			return a.withServer(func(s *server.Server) error {
				l, err := s.Service().Lookup(cmd.Context(), args[0])
				if errors.Is(err, preflight.ErrRunNotFound) {
					return fmt.Errorf("run %s not found", args[0])
				}
				if err != nil {
					return err
				}
				res, err := preflight.DecodeResult(l.ResponseJSON)
				if err != nil {
					return fmt.Errorf("decode run %s: %w", args[0], err)
				}
				if asJSON {
					return a.printJSON(res)
				}
				fmt.Fprintf(a.out, "payer:       %s\n", l.Payer)
				writeResult(a.out, res)
				return nil
			})
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/server"
	"github.com/mbd888/preflight/internal/validation"
)

const evaluateTimeout = 30 * time.Second

func (a *app) evaluateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "evaluate [tx_base64|-]",
		Short: "Score one base64 transaction",
		Long: "Evaluates a serialized transaction with the same rules as POST /tx/preflight\n" +
			"and logs the run to the configured store. The transaction comes from the\n" +
			"argument, --file, or stdin when the argument is \"-\" or absent.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := a.readTx(args, file)
			if err != nil {
				return err
			}
			if errs := validation.Validate(
				validation.Required("tx_base64", tx),
				validation.ValidBase64("tx_base64", tx),
			); len(errs) > 0 {
				return errs
			}
			asJSON, err := a.jsonOutput()
			if err != nil {
				return err
			}

			return a.withServer(func(s *server.Server) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), evaluateTimeout)
				defer cancel()

				res, err := s.Service().Evaluate(ctx, tx)
				var invalid *preflight.InvalidTxError
				if errors.As(err, &invalid) {
					return fmt.Errorf("invalid transaction: %w", invalid.Err)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(res)
				}
				writeResult(a.out, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Read the base64 transaction from a file")
	return cmd
}

func (a *app) readTx(args []string, file string) (string, error) {
	switch {
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(raw)), nil
	case len(args) == 1 && args[0] != "-":
		return strings.TrimSpace(args[0]), nil
	default:
		raw, err := io.ReadAll(io.LimitReader(a.in, validation.MaxRequestSize+1))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if len(raw) > validation.MaxRequestSize {
			return "", errors.New("transaction exceeds 64kb limit")
		}
		return strings.TrimSpace(string(raw)), nil
	}
}

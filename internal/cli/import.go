package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ImportOutput is the result of the import command.
type ImportOutput struct {
	Ledger ledgerView `json:"ledger"`
	Issues []string   `json:"issues,omitempty"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Create a ledger from a legacy ledger document",
		Long: `Create a ledger from a legacy JSON ledger document.

Fields that cannot be read are zeroed and listed as issues. Importing a user
that already has a ledger fails with CONFLICT.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				_ = newFormatter(rootOpts, cmd).Error(ErrCodeReadFile, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to read import file", err)
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.Import(cmd.Context(), data)
			if err != nil {
				return s.formatter.Fail("failed to import ledger", err)
			}

			out := ImportOutput{Ledger: viewLedger(res.Ledger)}
			for _, issue := range res.Issues {
				out.Issues = append(out.Issues, issue.String())
			}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ imported %s\n", out.Ledger.UserID)
				for _, issue := range out.Issues {
					fmt.Fprintf(w, "  ! %s\n", issue)
				}
				out.Ledger.write(w)
			})
		},
	}
}

package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string // sqlite file or badger directory
	Backend  string // "sqlite" | "badger"
	Policy   string // CUE policy directory, empty for defaults
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// ValidBackends defines the allowed storage backends.
var ValidBackends = []string{"sqlite", "badger"}

// NewRootCommand creates the root command for the karmaledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "karmaledger",
		Short: "Karma ledger for learning communities",
		Long: `A karma ledger: rewards and penalties per user, decaying balances,
merit-based roles, escalating punishment, atonement plans and rebirth.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var msg string
			switch {
			case !slices.Contains(ValidFormats, opts.Format):
				msg = fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			case !slices.Contains(ValidBackends, opts.Backend):
				msg = fmt.Sprintf("invalid backend %q: must be one of %v", opts.Backend, ValidBackends)
			default:
				return nil
			}
			// --format itself may be the bad flag, so this is always text.
			fmt.Fprintf(cmd.ErrOrStderr(), "Error [%s]: %s\n", ErrCodeArgument, msg)
			return NewExitError(ExitCommandError, msg)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "karma.db", "database path (sqlite file or badger directory)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "sqlite", "storage backend (sqlite|badger)")
	cmd.PersistentFlags().StringVar(&opts.Policy, "policy", "", "directory of CUE policy files (default: built-in policy)")

	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewCreditCommand(opts))
	cmd.AddCommand(NewRedeemCommand(opts))
	cmd.AddCommand(NewDecayCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewAppealCommand(opts))
	cmd.AddCommand(NewAtoneCommand(opts))
	cmd.AddCommand(NewDeathCommand(opts))
	cmd.AddCommand(NewDebtCommand(opts))
	cmd.AddCommand(NewTableCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

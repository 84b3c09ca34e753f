package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/karmaledger/internal/engine"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Role      string
	Intensity float64
	Context   string
	Note      string
	Metadata  []string
}

// LogOutput is the result of the log command.
type LogOutput struct {
	Transaction  transactionView `json:"transaction"`
	PreviousRole string          `json:"previous_role"`
	Role         string          `json:"role"`
	Merit        float64         `json:"merit"`
	Level        int             `json:"level,omitempty"`
	Punishment   string          `json:"punishment,omitempty"`
	Severity     string          `json:"severity,omitempty"`
	Demerit      float64         `json:"demerit,omitempty"`
	PlanID       string          `json:"plan_id,omitempty"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <user> <action>",
		Short: "Record an action for a user",
		Long: `Record one action for a user.

Rewarded actions credit their category, the malicious action escalates the
punishment for repeat offenses, and demerit actions accrue PaapTokens. The
ledger is created on first use.

Examples:
  karmaledger log alice completing_lessons
  karmaledger log alice helping_peers --intensity 1.5 --role volunteer
  karmaledger log bob cheat --note "copied quiz answers"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", "", "role the user is acting in (selects the value-table row)")
	cmd.Flags().Float64Var(&opts.Intensity, "intensity", 0, "action intensity in (0,2] (default 1)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "free-form context")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note stored with the transaction")
	cmd.Flags().StringArrayVar(&opts.Metadata, "meta", nil, "metadata key=value (repeatable)")

	return cmd
}

func runLog(opts *LogOptions, user, action string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	meta, err := parseMetadata(opts.Metadata)
	if err != nil {
		_ = formatter.Error(ErrCodeArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --meta", err)
	}

	s, err := openSession(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.LogAction(cmd.Context(), engine.ActionRequest{
		UserID:    user,
		Action:    action,
		Role:      opts.Role,
		Intensity: opts.Intensity,
		Context:   opts.Context,
		Note:      opts.Note,
		Metadata:  meta,
	})
	if err != nil {
		return s.formatter.Fail("failed to log action", err)
	}

	out := LogOutput{
		Transaction:  viewTransaction(res.Transaction),
		PreviousRole: res.PreviousRole,
		Role:         res.Role,
		Merit:        res.Merit,
		Severity:     string(res.Severity),
		Demerit:      res.Demerit,
	}
	if res.Escalation != nil {
		out.Level = res.Escalation.Level
		out.Punishment = res.Escalation.Penalty.Name
	}
	if res.Plan != nil {
		out.PlanID = res.Plan.ID
	}

	return s.formatter.Emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s %s: %s %+g\n", res.Transaction.UserID, action, out.Transaction.Path, out.Transaction.Value)
		if out.Punishment != "" {
			fmt.Fprintf(w, "  Punishment: %s (level %d)\n", out.Punishment, out.Level)
		}
		if out.Severity != "" {
			fmt.Fprintf(w, "  Demerit:    %g %s\n", out.Demerit, out.Severity)
		}
		if out.PlanID != "" {
			fmt.Fprintf(w, "  Atonement:  plan %s opened\n", out.PlanID)
		}
		fmt.Fprintf(w, "  Role:       %s (merit %.2f)\n", out.Role, out.Merit)
	})
}

// CreditOptions holds flags for the credit command.
type CreditOptions struct {
	*RootOptions
	Note string
}

// CreditOutput is the result of the credit command.
type CreditOutput struct {
	Transaction transactionView `json:"transaction"`
	Balance     float64         `json:"balance"`
	Role        string          `json:"role"`
}

// NewCreditCommand creates the credit command.
func NewCreditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "credit <user> <path> <delta>",
		Short: "Adjust one balance of an existing ledger",
		Long: `Add a signed amount to one balance path and recompute the role.

Examples:
  karmaledger credit alice DharmaPoints 20
  karmaledger credit alice PaapTokens.minor -- -1`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredit(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Note, "note", "", "note stored with the transaction")

	return cmd
}

func runCredit(opts *CreditOptions, args []string, cmd *cobra.Command) error {
	delta, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		_ = newFormatter(opts.RootOptions, cmd).Error(ErrCodeArgument, fmt.Sprintf("delta %q is not a number", args[2]), nil)
		return WrapExitError(ExitCommandError, "invalid delta", err)
	}

	s, err := openSession(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.Credit(cmd.Context(), engine.CreditRequest{
		UserID: args[0],
		Path:   args[1],
		Delta:  delta,
		Note:   opts.Note,
	})
	if err != nil {
		return s.formatter.Fail("failed to credit balance", err)
	}

	out := CreditOutput{Transaction: viewTransaction(res.Transaction), Balance: res.Balance, Role: res.Role}
	return s.formatter.Emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s %s %+g = %g\n", res.Transaction.UserID, args[1], delta, res.Balance)
		fmt.Fprintf(w, "  Role: %s\n", res.Role)
	})
}

// RedeemOutput is the result of the redeem command.
type RedeemOutput struct {
	Transaction transactionView `json:"transaction"`
	Remaining   float64         `json:"remaining"`
	Role        string          `json:"role"`
}

// NewRedeemCommand creates the redeem command.
func NewRedeemCommand(rootOpts *RootOptions) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "redeem <user> <path> <amount>",
		Short: "Spend part of one balance",
		Long: `Decay the ledger to now, then remove amount from one balance path.
The balance must cover the amount.

Examples:
  karmaledger redeem alice SevaPoints 25`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(rootOpts, cmd, args[2])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.Redeem(cmd.Context(), engine.RedeemRequest{
				UserID: args[0],
				Path:   args[1],
				Amount: amount,
				Note:   note,
			})
			if err != nil {
				return s.formatter.Fail("failed to redeem", err)
			}

			out := RedeemOutput{Transaction: viewTransaction(res.Transaction), Remaining: res.Remaining, Role: res.Role}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s redeemed %g %s, %g left\n", res.Transaction.UserID, amount, args[1], res.Remaining)
				fmt.Fprintf(w, "  Role: %s\n", res.Role)
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "note stored with the transaction")

	return cmd
}

// DecayOutput is the result of the decay command.
type DecayOutput struct {
	Ledger      ledgerView `json:"ledger"`
	ElapsedDays float64    `json:"elapsed_days"`
	Decayed     []string   `json:"decayed"`
	Expired     []string   `json:"expired"`
}

// NewDecayCommand creates the decay command.
func NewDecayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "decay <user>",
		Short:         "Apply decay and expiry to a user's balances",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.RunDecay(cmd.Context(), args[0])
			if err != nil {
				return s.formatter.Fail("failed to apply decay", err)
			}

			out := DecayOutput{
				Ledger:      viewLedger(res.Ledger),
				ElapsedDays: res.Report.ElapsedDays,
				Decayed:     pathNames(res.Report.Decayed),
				Expired:     pathNames(res.Report.Expired),
			}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ decayed %.2f days: %d decayed, %d expired\n", out.ElapsedDays, len(out.Decayed), len(out.Expired))
				out.Ledger.write(w)
			})
		},
	}
}

package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/karmaledger/internal/engine"
)

// AppealOutput is the result of the appeal and atone plan commands.
type AppealOutput struct {
	Plan     planView `json:"plan"`
	AppealID string   `json:"appeal_id,omitempty"`
}

func writeAppeal(out AppealOutput) func(io.Writer) {
	return func(w io.Writer) {
		if out.AppealID != "" {
			fmt.Fprintf(w, "✓ appeal %s opened\n", out.AppealID)
		}
		out.Plan.write(w)
	}
}

// NewAppealCommand creates the appeal command.
func NewAppealCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "appeal <user> <action>",
		Short: "Appeal a demerit action and open an atonement plan",
		Long: `Record an appeal for a demerit action. The appeal prescribes an
atonement plan for the action's severity.

Examples:
  karmaledger appeal bob cheat`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.Appeal(cmd.Context(), args[0], args[1])
			if err != nil {
				return s.formatter.Fail("failed to appeal", err)
			}
			out := AppealOutput{Plan: viewPlan(res.Plan)}
			if res.Appeal != nil {
				out.AppealID = res.Appeal.ID
			}
			return s.formatter.Emit(out, writeAppeal(out))
		},
	}
}

// NewAtoneCommand creates the atone command group.
func NewAtoneCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atone",
		Short: "Manage atonement plans",
		Long: `Prescribe atonement plans, submit remediation work and list plans.

A plan requires quantities of Jap, Tap, Bhakti or Daan depending on the
severity of the demerit. The submission that meets every requirement
completes the plan and reduces the user's PaapTokens.`,
	}

	cmd.AddCommand(newAtonePlanCommand(rootOpts))
	cmd.AddCommand(newAtoneSubmitCommand(rootOpts))
	cmd.AddCommand(newAtoneListCommand(rootOpts))

	return cmd
}

func newAtonePlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "plan <user> <action>",
		Short:         "Prescribe an atonement plan without an appeal",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.CreatePlan(cmd.Context(), args[0], args[1])
			if err != nil {
				return s.formatter.Fail("failed to create plan", err)
			}
			out := AppealOutput{Plan: viewPlan(res.Plan)}
			return s.formatter.Emit(out, writeAppeal(out))
		},
	}
}

// SubmitOutput is the result of the atone submit command.
type SubmitOutput struct {
	Plan        planView         `json:"plan"`
	Completed   bool             `json:"completed"`
	Reduction   float64          `json:"reduction,omitempty"`
	Transaction *transactionView `json:"transaction,omitempty"`
	Role        string           `json:"role"`
}

func newAtoneSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var proof, ref string

	cmd := &cobra.Command{
		Use:   "submit <user> <plan-id> <type> <amount>",
		Short: "Submit remediation work against a plan",
		Long: `Submit remediation work against a plan.

Examples:
  karmaledger atone submit bob 0192... Jap 108 --proof "morning practice"
  karmaledger atone submit bob 0192... Daan 50 --ref receipt-17`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				_ = newFormatter(rootOpts, cmd).Error(ErrCodeArgument, fmt.Sprintf("amount %q is not a number", args[3]), nil)
				return WrapExitError(ExitCommandError, "invalid amount", err)
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.SubmitAtonement(cmd.Context(), engine.AtonementRequest{
				UserID: args[0],
				PlanID: args[1],
				Type:   args[2],
				Amount: amount,
				Proof:  proof,
				Ref:    ref,
			})
			if err != nil {
				return s.formatter.Fail("failed to submit atonement", err)
			}

			out := SubmitOutput{
				Plan:      viewPlan(res.Plan),
				Completed: res.Completed,
				Reduction: res.Reduction,
				Role:      res.Role,
			}
			if res.Transaction != nil {
				tv := viewTransaction(*res.Transaction)
				out.Transaction = &tv
			}
			return s.formatter.Emit(out, func(w io.Writer) {
				if out.Completed {
					fmt.Fprintf(w, "✓ plan completed, demerit reduced by %g\n", out.Reduction)
				} else {
					fmt.Fprintf(w, "✓ %s %g recorded\n", args[2], amount)
				}
				out.Plan.write(w)
				fmt.Fprintf(w, "Role: %s\n", out.Role)
			})
		},
	}

	cmd.Flags().StringVar(&proof, "proof", "", "description of the work done")
	cmd.Flags().StringVar(&ref, "ref", "", "reference such as a receipt id (required for Daan)")

	return cmd
}

func newAtoneListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "list <user>",
		Short:         "List a user's atonement plans",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			plans, err := s.engine.ListPlans(cmd.Context(), args[0], status)
			if err != nil {
				return s.formatter.Fail("failed to list plans", err)
			}
			views := make([]planView, len(plans))
			for i := range plans {
				views[i] = viewPlan(&plans[i])
			}
			return s.formatter.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No plans")
					return
				}
				for _, v := range views {
					v.write(w)
				}
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|completed)")

	return cmd
}

// DeathOutput is the result of the death command.
type DeathOutput struct {
	Record rebirthView `json:"record"`
	Ledger ledgerView  `json:"ledger"`
}

// NewDeathCommand creates the death command.
func NewDeathCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "death <user>",
		Short: "End a user's life and assign the next realm",
		Long: `Record a death. Balances are decayed, the realm is assigned from net
karma, carryover is computed and the ledger starts its next life.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.RecordDeath(cmd.Context(), args[0])
			if err != nil {
				return s.formatter.Fail("failed to record death", err)
			}
			out := DeathOutput{Record: viewRebirth(res.Record), Ledger: viewLedger(res.Ledger)}
			return s.formatter.Emit(out, func(w io.Writer) {
				out.Record.write(w)
				fmt.Fprintln(w)
				out.Ledger.write(w)
			})
		},
	}
}

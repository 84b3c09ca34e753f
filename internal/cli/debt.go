package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/karmaledger/internal/engine"
	"github.com/roach88/karmaledger/internal/store"
)

// DebtOutput is the result of the debt create and repay commands.
type DebtOutput struct {
	Debt        debtView        `json:"debt"`
	Transaction transactionView `json:"transaction"`
}

// TransferOutput is the result of the debt transfer command.
type TransferOutput struct {
	Previous debtView `json:"previous"`
	Debt     debtView `json:"debt"`
}

// SummaryOutput is the result of the debt summary command.
type SummaryOutput struct {
	UserID        string   `json:"user_id"`
	TotalDebt     float64  `json:"total_debt"`
	TotalCredit   float64  `json:"total_credit"`
	Net           float64  `json:"net"`
	ActiveDebts   int      `json:"active_debts"`
	ActiveCredits int      `json:"active_credits"`
	Creditors     []string `json:"creditors"`
	Debtors       []string `json:"debtors"`
}

// NewDebtCommand creates the debt command group.
func NewDebtCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debt",
		Short: "Manage karmic debts between users",
		Long: `Open, repay, transfer and list Rnanubandhan debts.

A debt is owed by one user to another. Its outstanding amount is carried
on the debtor's Rnanubandhan balance for the debt's severity (minor, medium
or major). Debts do not change net karma.`,
	}

	cmd.AddCommand(newDebtCreateCommand(rootOpts))
	cmd.AddCommand(newDebtRepayCommand(rootOpts))
	cmd.AddCommand(newDebtTransferCommand(rootOpts))
	cmd.AddCommand(newDebtListCommand(rootOpts))
	cmd.AddCommand(newDebtSummaryCommand(rootOpts))

	return cmd
}

func parseAmount(rootOpts *RootOptions, cmd *cobra.Command, arg string) (float64, error) {
	amount, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		_ = newFormatter(rootOpts, cmd).Error(ErrCodeArgument, fmt.Sprintf("amount %q is not a number", arg), nil)
		return 0, WrapExitError(ExitCommandError, "invalid amount", err)
	}
	return amount, nil
}

func newDebtCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var action, description string

	cmd := &cobra.Command{
		Use:   "create <debtor> <receiver> <severity> <amount>",
		Short: "Open a debt from one user to another",
		Long: `Open a debt from one user to another. Both users must exist.

Examples:
  karmaledger debt create bob alice medium 10 --action theft --description "borrowed bike"`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(rootOpts, cmd, args[3])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.CreateDebt(cmd.Context(), engine.DebtRequest{
				DebtorID:    args[0],
				ReceiverID:  args[1],
				Action:      action,
				Severity:    args[2],
				Amount:      amount,
				Description: description,
			})
			if err != nil {
				return s.formatter.Fail("failed to create debt", err)
			}
			out := DebtOutput{Debt: viewDebt(res.Debt), Transaction: viewTransaction(res.Transaction)}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ debt %s opened\n", out.Debt.ID)
				out.Debt.write(w)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "action that created the debt")
	cmd.Flags().StringVar(&description, "description", "", "what the debt is for")

	return cmd
}

func newDebtRepayCommand(rootOpts *RootOptions) *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:           "repay <debt-id> <amount>",
		Short:         "Pay part or all of a debt",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(rootOpts, cmd, args[1])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.RepayDebt(cmd.Context(), engine.RepayRequest{DebtID: args[0], Amount: amount, Method: method})
			if err != nil {
				return s.formatter.Fail("failed to repay debt", err)
			}
			out := DebtOutput{Debt: viewDebt(res.Debt), Transaction: viewTransaction(res.Transaction)}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ repaid %g\n", amount)
				out.Debt.write(w)
			})
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "how the debt was repaid (default atonement)")

	return cmd
}

func newDebtTransferCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "transfer <debt-id> <new-debtor>",
		Short:         "Hand an active debt to another user",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.engine.TransferDebt(cmd.Context(), engine.TransferRequest{DebtID: args[0], NewDebtorID: args[1]})
			if err != nil {
				return s.formatter.Fail("failed to transfer debt", err)
			}
			out := TransferOutput{Previous: viewDebt(res.Previous), Debt: viewDebt(res.Debt)}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ debt %s transferred as %s\n", out.Previous.ID, out.Debt.ID)
				out.Debt.write(w)
			})
		},
	}
}

func newDebtListCommand(rootOpts *RootOptions) *cobra.Command {
	var side, status string

	cmd := &cobra.Command{
		Use:           "list <user>",
		Short:         "List debts a user owes or is owed",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var which store.DebtSide
			switch strings.ToLower(side) {
			case "owed", "debtor":
				which = store.SideDebtor
			case "owing", "receiver":
				which = store.SideReceiver
			default:
				_ = newFormatter(rootOpts, cmd).Error(ErrCodeArgument, fmt.Sprintf("side %q must be owed or owing", side), nil)
				return NewExitError(ExitCommandError, "invalid side")
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			debts, err := s.engine.ListDebts(cmd.Context(), args[0], which, status)
			if err != nil {
				return s.formatter.Fail("failed to list debts", err)
			}
			views := make([]debtView, len(debts))
			for i, d := range debts {
				views[i] = viewDebt(d)
			}
			return s.formatter.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No debts")
					return
				}
				for _, v := range views {
					v.write(w)
				}
			})
		},
	}

	cmd.Flags().StringVar(&side, "side", "owed", "owed (debts the user owes) or owing (debts owed to the user)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|repaid|transferred)")

	return cmd
}

func newDebtSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "summary <user>",
		Short:         "Summarize a user's active debts and credits",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.engine.DebtSummary(cmd.Context(), args[0])
			if err != nil {
				return s.formatter.Fail("failed to summarize debts", err)
			}
			out := SummaryOutput{
				UserID:        sum.UserID,
				TotalDebt:     sum.TotalDebt,
				TotalCredit:   sum.TotalCredit,
				Net:           sum.Net,
				ActiveDebts:   sum.ActiveDebts,
				ActiveCredits: sum.ActiveCredits,
				Creditors:     sum.Creditors,
				Debtors:       sum.Debtors,
			}
			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "User:    %s\n", out.UserID)
				fmt.Fprintf(w, "Owes:    %g across %d debts\n", out.TotalDebt, out.ActiveDebts)
				fmt.Fprintf(w, "Owed:    %g across %d debts\n", out.TotalCredit, out.ActiveCredits)
				fmt.Fprintf(w, "Net:     %g\n", out.Net)
			})
		},
	}
}

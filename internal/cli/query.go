package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ShowOutput is the result of the show command.
type ShowOutput struct {
	Ledger         ledgerView `json:"ledger"`
	Merit          float64    `json:"merit"`
	DemeritScore   float64    `json:"demerit_score"`
	NetKarma       float64    `json:"net_karma"`
	Realm          string     `json:"realm"`
	Transactions   int        `json:"transactions"`
	PendingPlans   int        `json:"pending_plans"`
	CompletedPlans int        `json:"completed_plans"`
	Rebirths       int        `json:"rebirths"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's balances and standing",
		Long: `Show a user's balances decayed to now, with merit, demerit, net karma
and the realm the user would be reborn into. Nothing is written.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.engine.UserStats(cmd.Context(), args[0])
			if err != nil {
				return s.formatter.Fail("failed to load user", err)
			}

			out := ShowOutput{
				Ledger:         viewLedger(st.Ledger),
				Merit:          st.Merit,
				DemeritScore:   st.DemeritScore,
				NetKarma:       st.NetKarma,
				Realm:          st.Realm,
				Transactions:   st.Transactions,
				PendingPlans:   st.PendingPlans,
				CompletedPlans: st.CompletedPlans,
				Rebirths:       st.Rebirths,
			}
			return s.formatter.Emit(out, func(w io.Writer) {
				out.Ledger.write(w)
				fmt.Fprintf(w, "Merit:    %.4f\n", out.Merit)
				fmt.Fprintf(w, "Demerit:  %.4f\n", out.DemeritScore)
				fmt.Fprintf(w, "Net:      %.4f (%s)\n", out.NetKarma, out.Realm)
				fmt.Fprintf(w, "Plans:    %d pending, %d completed\n", out.PendingPlans, out.CompletedPlans)
				fmt.Fprintf(w, "History:  %d transactions\n", out.Transactions)
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "history <user>",
		Short:         "List a user's most recent transactions, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			txs, err := s.engine.History(cmd.Context(), args[0], limit)
			if err != nil {
				return s.formatter.Fail("failed to list history", err)
			}

			views := make([]transactionView, len(txs))
			for i, tx := range txs {
				views[i] = viewTransaction(tx)
			}
			return s.formatter.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No transactions")
					return
				}
				for _, v := range views {
					v.write(w)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum transactions to show (0 for all)")

	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show record counts across all users",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.engine.SystemStats(cmd.Context())
			if err != nil {
				return s.formatter.Fail("failed to read stats", err)
			}
			return s.formatter.Emit(st, func(w io.Writer) {
				fmt.Fprintf(w, "Users:        %d\n", st.Users)
				fmt.Fprintf(w, "Transactions: %d\n", st.Transactions)
				fmt.Fprintf(w, "Plans:        %d pending, %d completed\n", st.PendingPlans, st.CompletedPlans)
				fmt.Fprintf(w, "Appeals:      %d\n", st.Appeals)
				fmt.Fprintf(w, "Rebirths:     %d\n", st.Rebirths)
				fmt.Fprintf(w, "Debts:        %d active\n", st.ActiveDebts)
			})
		},
	}
}

// TableOutput is the value table as rows of role and columns of action.
// Best names the highest-valued action of each role.
type TableOutput struct {
	Roles     []string             `json:"roles"`
	Actions   []string             `json:"actions"`
	Values    map[string][]float64 `json:"values"`
	Best      map[string]string    `json:"best"`
	UpdatedAt string               `json:"updated_at,omitempty"`
}

// NewTableCommand creates the table command.
func NewTableCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "table",
		Short:         "Print the learned role/action value table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			t := s.engine.ValueTable()
			out := TableOutput{
				Roles:     t.Roles,
				Actions:   make([]string, len(t.Actions)),
				Values:    make(map[string][]float64, len(t.Roles)),
				Best:      make(map[string]string, len(t.Roles)),
				UpdatedAt: formatTime(t.UpdatedAt),
			}
			for role, a := range t.BestActions() {
				out.Best[role] = a.String()
			}
			for i, a := range t.Actions {
				out.Actions[i] = a.String()
			}
			for i, role := range t.Roles {
				out.Values[role] = t.Q[i]
			}

			return s.formatter.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "%-12s", "")
				for _, a := range out.Actions {
					fmt.Fprintf(w, " %22s", a)
				}
				fmt.Fprintf(w, "  %s\n", "best")
				for _, role := range out.Roles {
					fmt.Fprintf(w, "%-12s", role)
					for _, q := range out.Values[role] {
						fmt.Fprintf(w, " %22.4f", q)
					}
					fmt.Fprintf(w, "  %s\n", out.Best[role])
				}
			})
		},
	}
}

package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

// JSON views of domain records. Zero balances are omitted.

type ledgerView struct {
	UserID       string             `json:"user_id"`
	Role         string             `json:"role"`
	Balances     map[string]float64 `json:"balances"`
	Offenses     int                `json:"offenses"`
	RebirthCount int                `json:"rebirth_count"`
	LastDecay    string             `json:"last_decay"`
}

func viewLedger(l *karma.Ledger) ledgerView {
	v := ledgerView{
		UserID:       l.UserID,
		Role:         l.Role,
		Balances:     make(map[string]float64, len(l.Balances)),
		Offenses:     len(l.Offenses),
		RebirthCount: l.RebirthCount,
		LastDecay:    formatTime(l.LastDecay),
	}
	for path, bal := range l.Balances {
		if bal != 0 {
			v.Balances[string(path)] = bal
		}
	}
	return v
}

func (v ledgerView) write(w io.Writer) {
	fmt.Fprintf(w, "User:     %s\n", v.UserID)
	fmt.Fprintf(w, "Role:     %s\n", v.Role)
	fmt.Fprintf(w, "Rebirths: %d\n", v.RebirthCount)
	if len(v.Balances) == 0 {
		fmt.Fprintln(w, "Balances: (none)")
		return
	}
	fmt.Fprintln(w, "Balances:")
	for _, path := range slices.Sorted(maps.Keys(v.Balances)) {
		fmt.Fprintf(w, "  %-20s %10.4f\n", path, v.Balances[path])
	}
}

type transactionView struct {
	ID       string            `json:"id"`
	Action   string            `json:"action"`
	Path     string            `json:"path"`
	Value    float64           `json:"value"`
	Intent   string            `json:"intent,omitempty"`
	Tier     string            `json:"tier"`
	Note     string            `json:"note,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       string            `json:"at"`
}

func viewTransaction(t karma.Transaction) transactionView {
	return transactionView{
		ID:       t.ID,
		Action:   t.Action,
		Path:     string(t.Path),
		Value:    t.Value,
		Intent:   string(t.Intent),
		Tier:     string(t.Tier),
		Note:     t.Note,
		Metadata: t.Metadata,
		At:       formatTime(t.At),
	}
}

func (v transactionView) write(w io.Writer) {
	fmt.Fprintf(w, "%s  %-22s %-20s %+10.4f  %s\n", v.At, v.Action, v.Path, v.Value, v.Tier)
}

type planView struct {
	ID           string             `json:"id"`
	Action       string             `json:"action"`
	Severity     string             `json:"severity"`
	Status       string             `json:"status"`
	Requirements map[string]float64 `json:"requirements"`
	Progress     map[string]float64 `json:"progress"`
	Proofs       int                `json:"proofs"`
	CreatedAt    string             `json:"created_at"`
	CompletedAt  string             `json:"completed_at,omitempty"`
}

func viewPlan(p *karma.Plan) planView {
	v := planView{
		ID:           p.ID,
		Action:       p.Action.String(),
		Severity:     string(p.Severity),
		Status:       string(p.Status),
		Requirements: make(map[string]float64, len(p.Requirements)),
		Progress:     make(map[string]float64, len(p.Progress)),
		Proofs:       len(p.Proofs),
		CreatedAt:    formatTime(p.CreatedAt),
	}
	for r, amount := range p.Requirements {
		v.Requirements[string(r)] = amount
	}
	for r, amount := range p.Progress {
		v.Progress[string(r)] = amount
	}
	if !p.CompletedAt.IsZero() {
		v.CompletedAt = formatTime(p.CompletedAt)
	}
	return v
}

func (v planView) write(w io.Writer) {
	fmt.Fprintf(w, "Plan %s (%s, %s): %s\n", v.ID, v.Action, v.Severity, v.Status)
	for _, r := range slices.Sorted(maps.Keys(v.Requirements)) {
		fmt.Fprintf(w, "  %-7s %g/%g\n", r, v.Progress[r], v.Requirements[r])
	}
}

type debtView struct {
	ID            string  `json:"id"`
	DebtorID      string  `json:"debtor_id"`
	ReceiverID    string  `json:"receiver_id"`
	Action        string  `json:"action,omitempty"`
	Severity      string  `json:"severity"`
	Amount        float64 `json:"amount"`
	Original      float64 `json:"original"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status"`
	Repayments    int     `json:"repayments"`
	TransferredTo string  `json:"transferred_to,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func viewDebt(d karma.Debt) debtView {
	return debtView{
		ID:            d.ID,
		DebtorID:      d.DebtorID,
		ReceiverID:    d.ReceiverID,
		Action:        d.Action,
		Severity:      string(d.Severity),
		Amount:        d.Amount,
		Original:      d.Original,
		Description:   d.Description,
		Status:        string(d.Status),
		Repayments:    len(d.Repayments),
		TransferredTo: d.TransferredTo,
		CreatedAt:     formatTime(d.CreatedAt),
		UpdatedAt:     formatTime(d.UpdatedAt),
	}
}

func (v debtView) write(w io.Writer) {
	fmt.Fprintf(w, "Debt %s: %s owes %s %g of %g (%s, %s)\n",
		v.ID, v.DebtorID, v.ReceiverID, v.Amount, v.Original, v.Severity, v.Status)
	if v.TransferredTo != "" {
		fmt.Fprintf(w, "  transferred to %s\n", v.TransferredTo)
	}
}

type rebirthView struct {
	ID             string  `json:"id"`
	Realm          string  `json:"realm"`
	Description    string  `json:"description"`
	NetKarma       float64 `json:"net_karma"`
	MeritScore     float64 `json:"merit_score"`
	DemeritTotal   float64 `json:"demerit_total"`
	DemeritStatus  string  `json:"demerit_status"`
	CarryoverPunya float64 `json:"carryover_punya"`
	CarryoverPaap  float64 `json:"carryover_paap"`
	StartingRole   string  `json:"starting_role,omitempty"`
	RebirthCount   int     `json:"rebirth_count"`
	At             string  `json:"at"`
}

func viewRebirth(r karma.RebirthRecord) rebirthView {
	return rebirthView{
		ID:             r.ID,
		Realm:          r.Realm,
		Description:    r.Description,
		NetKarma:       r.NetKarma,
		MeritScore:     r.MeritScore,
		DemeritTotal:   r.Demerits.Total,
		DemeritStatus:  r.Demerits.Status,
		CarryoverPunya: r.Carryover.Punya,
		CarryoverPaap:  r.Carryover.Paap,
		StartingRole:   r.Carryover.StartingRole,
		RebirthCount:   r.RebirthCount,
		At:             formatTime(r.At),
	}
}

func (v rebirthView) write(w io.Writer) {
	fmt.Fprintf(w, "Realm:     %s (%s)\n", v.Realm, v.Description)
	fmt.Fprintf(w, "Net karma: %.4f\n", v.NetKarma)
	fmt.Fprintf(w, "Carryover: punya %.4f, paap %.4f\n", v.CarryoverPunya, v.CarryoverPaap)
	if v.StartingRole != "" {
		fmt.Fprintf(w, "Starts as: %s\n", v.StartingRole)
	}
	fmt.Fprintf(w, "Record:    %s\n", v.ID)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseMetadata turns key=value pairs into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

func pathNames(paths []karma.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}

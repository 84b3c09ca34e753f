package karma

import (
	"fmt"
	"maps"
	"math"
	"time"
)

// PlanStatus is the atonement plan state. Completed is terminal.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanCompleted PlanStatus = "completed"
)

// Proof is one accepted remediation submission.
type Proof struct {
	Type        Remediation
	Amount      float64
	Text        string
	Ref         string
	SubmittedAt time.Time
}

// Plan is an atonement plan.
type Plan struct {
	ID           string
	UserID       string
	Action       Action
	Severity     Severity
	Requirements map[Remediation]float64
	Progress     map[Remediation]float64
	Proofs       []Proof
	Status       PlanStatus
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// NewPlan prescribes the severity's remediation quantities.
func NewPlan(id, userID string, a Action, sev Severity, p Policy, now time.Time) (*Plan, error) {
	reqs, ok := p.Requirements[sev]
	if !ok || len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no atonement prescribed for %q", ErrUnknownSeverity, sev)
	}
	progress := make(map[Remediation]float64, len(reqs))
	for r := range reqs {
		progress[r] = 0
	}
	return &Plan{
		ID:           id,
		UserID:       userID,
		Action:       a,
		Severity:     sev,
		Requirements: maps.Clone(reqs),
		Progress:     progress,
		Proofs:       []Proof{},
		Status:       PlanPending,
		CreatedAt:    now,
	}, nil
}

// Submission is proof of completed remediation work.
type Submission struct {
	Type   Remediation
	Amount float64
	Proof  string
	Ref    string
}

// Satisfied reports whether every requirement has been met.
func (pl *Plan) Satisfied() bool {
	for r, required := range pl.Requirements {
		if pl.Progress[r] < required {
			return false
		}
	}
	return true
}

// Submit validates s against the plan and accumulates it. It returns true
// when this submission moved the plan to completed. A rejected submission
// leaves the plan untouched, and a completed plan rejects everything.
func (pl *Plan) Submit(s Submission, p Policy, now time.Time) (bool, error) {
	if pl.Status == PlanCompleted {
		return false, fmt.Errorf("%w: %s", ErrPlanCompleted, pl.ID)
	}
	if _, ok := pl.Requirements[s.Type]; !ok {
		return false, fmt.Errorf("%w: %q is not part of plan %s", ErrUnknownRemediation, s.Type, pl.ID)
	}
	if !(s.Amount > 0) || math.IsInf(s.Amount, 0) {
		return false, fmt.Errorf("%w: got %v", ErrNonPositiveAmount, s.Amount)
	}
	if p.ReferenceRequired[s.Type] && s.Ref == "" {
		return false, fmt.Errorf("%w: %s submissions need a reference", ErrMissingReference, s.Type)
	}

	if pl.Progress == nil {
		pl.Progress = make(map[Remediation]float64, len(pl.Requirements))
	}
	pl.Progress[s.Type] += s.Amount
	pl.Proofs = append(pl.Proofs, Proof{
		Type:        s.Type,
		Amount:      s.Amount,
		Text:        s.Proof,
		Ref:         s.Ref,
		SubmittedAt: now,
	})

	if !pl.Satisfied() {
		return false, nil
	}
	pl.Status = PlanCompleted
	pl.CompletedAt = now
	return true, nil
}

// CompleteAtonement debits the severity's reduction from its demerit
// balance, never below zero, and returns the amount actually removed.
func CompleteAtonement(l *Ledger, sev Severity, p Policy, now time.Time) float64 {
	path := sev.PaapPath()
	removed := math.Min(p.Reductions[sev], math.Max(l.Balance(path), 0))
	if removed > 0 {
		l.Debit(path, removed, now)
	}
	return removed
}

// Appeal records a request for atonement.
type Appeal struct {
	ID        string
	UserID    string
	Action    Action
	Severity  Severity
	PlanID    string
	Status    PlanStatus
	CreatedAt time.Time
}

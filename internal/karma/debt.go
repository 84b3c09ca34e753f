package karma

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// RnanubandhanCategory is the two-level category that holds karmic debt
// owed to other users.
const RnanubandhanCategory = "Rnanubandhan"

// DefaultRepayMethod is recorded when a repayment names no method.
const DefaultRepayMethod = "atonement"

// DebtSeverity grades a debt between two users.
type DebtSeverity string

const (
	DebtMinor  DebtSeverity = "minor"
	DebtMedium DebtSeverity = "medium"
	DebtMajor  DebtSeverity = "major"
)

// DebtSeverities lists the grades from least to most severe.
func DebtSeverities() []DebtSeverity {
	return []DebtSeverity{DebtMinor, DebtMedium, DebtMajor}
}

// ParseDebtSeverity validates a debt grade.
func ParseDebtSeverity(s string) (DebtSeverity, error) {
	for _, sev := range DebtSeverities() {
		if string(sev) == s {
			return sev, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
}

// Path is the debtor balance that carries this grade.
func (s DebtSeverity) Path() Path {
	return PathOf(RnanubandhanCategory, string(s))
}

// DebtStatus is the lifecycle state of a debt.
type DebtStatus string

const (
	DebtActive      DebtStatus = "active"
	DebtRepaid      DebtStatus = "repaid"
	DebtTransferred DebtStatus = "transferred"
)

// ParseDebtStatus validates a status filter. The empty string matches
// every status.
func ParseDebtStatus(s string) (DebtStatus, error) {
	switch st := DebtStatus(s); st {
	case "", DebtActive, DebtRepaid, DebtTransferred:
		return st, nil
	}
	return "", fmt.Errorf("unknown debt status %q", s)
}

// Repayment is one payment against a debt.
type Repayment struct {
	Amount float64
	Method string
	At     time.Time
}

// Debt is a karmic obligation from DebtorID to ReceiverID. Amount is what
// is still owed; Original is what was owed when the debt was opened.
type Debt struct {
	ID          string
	DebtorID    string
	ReceiverID  string
	Action      string
	Severity    DebtSeverity
	Amount      float64
	Original    float64
	Description string
	Status      DebtStatus
	Repayments  []Repayment
	// TransferredTo names the successor debt once this one is transferred.
	TransferredTo string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewDebt opens an active debt.
func NewDebt(id, debtorID, receiverID, action string, sev DebtSeverity, amount float64, description string, now time.Time) (Debt, error) {
	if debtorID == receiverID {
		return Debt{}, fmt.Errorf("%w: %s", ErrSelfDebt, debtorID)
	}
	if _, err := ParseDebtSeverity(string(sev)); err != nil {
		return Debt{}, err
	}
	if !(amount > 0) || math.IsInf(amount, 0) {
		return Debt{}, fmt.Errorf("%w: debt amount %v", ErrNonPositiveAmount, amount)
	}
	return Debt{
		ID:          id,
		DebtorID:    debtorID,
		ReceiverID:  receiverID,
		Action:      action,
		Severity:    sev,
		Amount:      amount,
		Original:    amount,
		Description: description,
		Status:      DebtActive,
		Repayments:  []Repayment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Repay records a payment. The debt becomes repaid when nothing is left.
func (d *Debt) Repay(amount float64, method string, now time.Time) error {
	if d.Status != DebtActive {
		return fmt.Errorf("%w: %s is %s", ErrDebtClosed, d.ID, d.Status)
	}
	if !(amount > 0) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: repayment %v", ErrNonPositiveAmount, amount)
	}
	if amount > d.Amount {
		return fmt.Errorf("%w: %v of %v outstanding", ErrOverRepayment, amount, d.Amount)
	}
	if method == "" {
		method = DefaultRepayMethod
	}
	d.Repayments = append(d.Repayments, Repayment{Amount: amount, Method: method, At: now})
	d.Amount -= amount
	if d.Amount <= 0 {
		d.Amount = 0
		d.Status = DebtRepaid
	}
	d.UpdatedAt = now
	return nil
}

// Transfer hands the outstanding amount to newDebtorID. It returns the
// successor debt and marks d transferred.
func (d *Debt) Transfer(newID, newDebtorID string, now time.Time) (Debt, error) {
	if d.Status != DebtActive {
		return Debt{}, fmt.Errorf("%w: %s is %s", ErrDebtClosed, d.ID, d.Status)
	}
	if newDebtorID == d.DebtorID {
		return Debt{}, fmt.Errorf("%w: %s already owes %s", ErrSelfDebt, newDebtorID, d.ID)
	}
	next, err := NewDebt(newID, newDebtorID, d.ReceiverID, d.Action, d.Severity, d.Amount,
		fmt.Sprintf("Transferred from %s: %s", d.DebtorID, d.Description), now)
	if err != nil {
		return Debt{}, err
	}
	next.Repayments = slices.Clone(d.Repayments)

	d.Status = DebtTransferred
	d.TransferredTo = newID
	d.UpdatedAt = now
	return next, nil
}

// DebtSummary is one user's position in the debt network.
type DebtSummary struct {
	UserID      string
	TotalDebt   float64
	TotalCredit float64
	// Net is credit minus debt.
	Net           float64
	ActiveDebts   int
	ActiveCredits int
	// Creditors are the receivers this user owes; Debtors owe this user.
	Creditors []string
	Debtors   []string
}

// SummarizeDebts folds the active debts owed by and to userID. Names are
// sorted and unique.
func SummarizeDebts(userID string, owed, owing []Debt) DebtSummary {
	s := DebtSummary{UserID: userID, Creditors: []string{}, Debtors: []string{}}
	for _, d := range owed {
		if d.Status != DebtActive {
			continue
		}
		s.TotalDebt += d.Amount
		s.ActiveDebts++
		s.Creditors = append(s.Creditors, d.ReceiverID)
	}
	for _, d := range owing {
		if d.Status != DebtActive {
			continue
		}
		s.TotalCredit += d.Amount
		s.ActiveCredits++
		s.Debtors = append(s.Debtors, d.DebtorID)
	}
	slices.Sort(s.Creditors)
	s.Creditors = slices.Compact(s.Creditors)
	slices.Sort(s.Debtors)
	s.Debtors = slices.Compact(s.Debtors)
	s.Net = s.TotalCredit - s.TotalDebt
	return s
}

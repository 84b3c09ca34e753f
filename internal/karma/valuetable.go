package karma

import (
	"slices"
	"time"
)

// ValueTable is the (role x action) matrix updated by the one-step
// temporal-difference rule. It records how valuable each action has been
// from each role; it never chooses actions or roles.
//
// ValueTable is not safe for concurrent use.
type ValueTable struct {
	Roles     []string
	Actions   []Action
	Q         [][]float64
	UpdatedAt time.Time
}

// NewValueTable returns a zeroed table of the given shape.
func NewValueTable(roles []string, actions []Action) *ValueTable {
	q := make([][]float64, len(roles))
	for i := range q {
		q[i] = make([]float64, len(actions))
	}
	return &ValueTable{
		Roles:   slices.Clone(roles),
		Actions: slices.Clone(actions),
		Q:       q,
	}
}

// NewValueTableFor returns a zeroed table shaped by the policy.
func NewValueTableFor(p Policy) *ValueTable {
	return NewValueTable(p.RoleNames(), p.Columns)
}

// Conforms reports whether the table has exactly the policy's rows and
// columns, in order, with a matching matrix.
func (t *ValueTable) Conforms(p Policy) bool {
	if t == nil || !slices.Equal(t.Roles, p.RoleNames()) || !slices.Equal(t.Actions, p.Columns) {
		return false
	}
	if len(t.Q) != len(t.Roles) {
		return false
	}
	for _, row := range t.Q {
		if len(row) != len(t.Actions) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *ValueTable) Clone() *ValueTable {
	c := &ValueTable{
		Roles:     slices.Clone(t.Roles),
		Actions:   slices.Clone(t.Actions),
		Q:         make([][]float64, len(t.Q)),
		UpdatedAt: t.UpdatedAt,
	}
	for i, row := range t.Q {
		c.Q[i] = slices.Clone(row)
	}
	return c
}

// Value returns the cell for (role, action).
func (t *ValueTable) Value(role string, a Action) (float64, bool) {
	r := slices.Index(t.Roles, role)
	c := slices.Index(t.Actions, a)
	if r < 0 || c < 0 {
		return 0, false
	}
	return t.Q[r][c], true
}

// BestActions returns, for every role row, the column with the highest
// value. Ties go to the earlier column.
func (t *ValueTable) BestActions() map[string]Action {
	best := make(map[string]Action, len(t.Roles))
	for r, role := range t.Roles {
		if r >= len(t.Q) || len(t.Q[r]) == 0 || len(t.Actions) == 0 {
			continue
		}
		col := 0
		for c, v := range t.Q[r] {
			if c < len(t.Actions) && v > t.Q[r][col] {
				col = c
			}
		}
		best[role] = t.Actions[col]
	}
	return best
}

func (t *ValueTable) rowMax(r int) float64 {
	row := t.Q[r]
	if len(row) == 0 {
		return 0
	}
	return slices.Max(row)
}

// StepResult is the outcome of one table update.
type StepResult struct {
	Reward   float64
	Role     string
	NextRole string
	Updated  bool
	Before   float64
	After    float64
}

// Step applies
//
//	Q[s][a] += alpha * (reward + gamma*max(Q[next]) - Q[s][a])
//
// where s is role (the floor role when unknown) and next is the role the
// user would hold after reward is added to rewardPath. Unknown actions
// leave the table alone and return the reward unchanged.
func Step(t *ValueTable, p Policy, role string, a Action, reward float64, balances map[Path]float64, rewardPath Path) StepResult {
	s, ok := p.RoleIndex(role)
	if !ok || s >= len(t.Roles) {
		s = 0
	}
	res := StepResult{Reward: reward, Role: t.Roles[s], NextRole: t.Roles[s]}

	col := slices.Index(t.Actions, a)
	if col < 0 {
		return res
	}

	res.NextRole = ProjectRole(balances, rewardPath, reward, p)
	next, ok := p.RoleIndex(res.NextRole)
	if !ok || next >= len(t.Roles) {
		next = 0
	}

	res.Before = t.Q[s][col]
	t.Q[s][col] += p.LearningRate * (reward + p.Discount*t.rowMax(next) - t.Q[s][col])
	res.After = t.Q[s][col]
	res.Updated = true
	return res
}

// AtonementStep updates the table for a completed atonement. The reward is
// the severity's reduction and the column is the policy's representative
// positive action, whatever the user originally did.
func AtonementStep(t *ValueTable, p Policy, role string, sev Severity, balances map[Path]float64) StepResult {
	reward := p.Reductions[sev]
	return Step(t, p, role, p.AtonementAction, reward, balances, sev.PaapPath())
}

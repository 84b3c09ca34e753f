package harness

// TraceEvent records one executed step and what it produced.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Op     string `json:"op"`
	User   string `json:"user,omitempty"`
	Action string `json:"action,omitempty"`

	// Outcome holds the step's observable result. Values are strings,
	// float64s, ints and bools so the trace serializes canonically.
	Outcome map[string]any `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final maps each user the scenario touched to their final ledger
	// summary: role, nonzero balances and rebirth count.
	Final map[string]map[string]any `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns how many trace events have the given op.
func (r *Result) Count(op string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Op == op {
			n++
		}
	}
	return n
}

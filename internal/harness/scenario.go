package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStart is the clock reading of a scenario that does not set one.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario defines a ledger scenario.
// Scenarios execute a flow of operations against a fresh engine and assert
// on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the in-memory store: "sqlite" (default) or "badger".
	Backend string `yaml:"backend,omitempty"`

	// Start is the initial clock reading. Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Policy is a directory of CUE policy files, relative to the scenario
	// file. Empty means the default policy.
	Policy string `yaml:"policy,omitempty"`

	// AutoAppeal opens atonement for every demerit action.
	AutoAppeal bool `yaml:"auto_appeal,omitempty"`

	// Setup steps run before the flow. They must succeed and are not traced.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the traced steps, each with an optional expectation.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory the scenario was loaded from.
	dir string
}

// Step is one engine operation.
type Step struct {
	Op string `yaml:"op"`

	User      string  `yaml:"user,omitempty"`
	Action    string  `yaml:"action,omitempty"`
	Role      string  `yaml:"role,omitempty"`
	Intensity float64 `yaml:"intensity,omitempty"`

	Path  string  `yaml:"path,omitempty"`
	Delta float64 `yaml:"delta,omitempty"`

	// Plan is a plan id, or LastPlan for the user's most recent plan.
	Plan   string  `yaml:"plan,omitempty"`
	Type   string  `yaml:"type,omitempty"`
	Amount float64 `yaml:"amount,omitempty"`
	Ref    string  `yaml:"ref,omitempty"`

	Days float64 `yaml:"days,omitempty"`

	// Expect validates the step's outcome. If nil the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match on a step outcome.
type Expect struct {
	// Error is the expected engine error code. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Value is the transaction value of log, credit and redeem steps.
	Value *float64 `yaml:"value,omitempty"`
	// Role is the role after the step.
	Role string `yaml:"role,omitempty"`
	// Level is the escalation level of a malicious action.
	Level int `yaml:"level,omitempty"`
	// Completed is whether an atone step completed its plan.
	Completed *bool `yaml:"completed,omitempty"`
	// Realm is the realm assigned by a death step.
	Realm string `yaml:"realm,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "balance": a balance equals Value
	// - "role": a stored role equals Role
	// - "transactions": a user's transaction count equals Count
	// - "plans": a user's plan count, optionally by Status, equals Count
	// - "rebirths": a user's rebirth count equals Count, latest realm Realm
	// - "trace_count": Op appears exactly Count times
	// - "trace_order": Ops appear in order
	Type string `yaml:"type"`

	User   string   `yaml:"user,omitempty"`
	Path   string   `yaml:"path,omitempty"`
	Value  *float64 `yaml:"value,omitempty"`
	Role   string   `yaml:"role,omitempty"`
	Status string   `yaml:"status,omitempty"`
	Realm  string   `yaml:"realm,omitempty"`
	Count  *int     `yaml:"count,omitempty"`

	Op  string   `yaml:"op,omitempty"`
	Ops []string `yaml:"ops,omitempty"`
}

// Step operations.
const (
	OpLog     = "log"
	OpCredit  = "credit"
	OpRedeem  = "redeem"
	OpDecay   = "decay"
	OpAppeal  = "appeal"
	OpPlan    = "plan"
	OpAtone   = "atone"
	OpDeath   = "death"
	OpAdvance = "advance"
)

// Assertion type constants.
const (
	AssertBalance      = "balance"
	AssertRole         = "role"
	AssertTransactions = "transactions"
	AssertPlans        = "plans"
	AssertRebirths     = "rebirths"
	AssertTraceCount   = "trace_count"
	AssertTraceOrder   = "trace_order"
)

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// LastPlan in a step's plan field refers to the user's latest plan.
const LastPlan = "@last"

var knownOps = []string{OpLog, OpCredit, OpRedeem, OpDecay, OpAppeal, OpPlan, OpAtone, OpDeath, OpAdvance}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	scenario.dir = filepath.Dir(path)
	return scenario, nil
}

// ParseScenario parses scenario YAML. Relative policy paths resolve against
// the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Backend == "" {
		scenario.Backend = BackendSQLite
	}
	if scenario.Start.IsZero() {
		scenario.Start = DefaultStart
	}
	scenario.Start = scenario.Start.UTC()
	return &scenario, nil
}

// PolicyDir returns the policy directory resolved against the scenario
// file, or "" for the default policy.
func (s *Scenario) PolicyDir() string {
	if s.Policy == "" || filepath.IsAbs(s.Policy) || s.dir == "" {
		return s.Policy
	}
	return filepath.Join(s.dir, s.Policy)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	switch s.Backend {
	case "", BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("backend: unknown backend %q", s.Backend)
	}
	if len(s.Flow) == 0 {
		return errors.New("flow is required and must contain at least one step")
	}

	for i := range s.Setup {
		if err := validateStep(&s.Setup[i]); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if s.Setup[i].Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot have expectations", i)
		}
	}
	for i := range s.Flow {
		if err := validateStep(&s.Flow[i]); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	if !slices.Contains(knownOps, st.Op) {
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if st.Op == OpAdvance {
		if st.Days <= 0 {
			return errors.New("advance requires positive days")
		}
		return nil
	}
	if st.User == "" {
		return fmt.Errorf("%s requires user", st.Op)
	}
	switch st.Op {
	case OpLog, OpAppeal, OpPlan:
		if st.Action == "" {
			return fmt.Errorf("%s requires action", st.Op)
		}
	case OpCredit:
		if st.Path == "" {
			return errors.New("credit requires path")
		}
	case OpRedeem:
		if st.Path == "" {
			return errors.New("redeem requires path")
		}
	case OpAtone:
		if st.Plan == "" || st.Type == "" {
			return errors.New("atone requires plan and type")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertBalance:
		if a.User == "" || a.Path == "" || a.Value == nil {
			return errors.New("balance requires user, path and value")
		}
	case AssertRole:
		if a.User == "" || a.Role == "" {
			return errors.New("role requires user and role")
		}
	case AssertTransactions, AssertPlans:
		if a.User == "" || a.Count == nil {
			return fmt.Errorf("%s requires user and count", a.Type)
		}
	case AssertRebirths:
		if a.User == "" || (a.Count == nil && a.Realm == "") {
			return errors.New("rebirths requires user and count or realm")
		}
	case AssertTraceCount:
		if a.Op == "" || a.Count == nil {
			return errors.New("trace_count requires op and count")
		}
	case AssertTraceOrder:
		if len(a.Ops) < 2 {
			return errors.New("trace_order requires at least two ops")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

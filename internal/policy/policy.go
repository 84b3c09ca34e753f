// Package policy loads engine policy tables from CUE.
//
// A policy directory holds one CUE package. Every top-level section is
// optional; whatever is left out keeps the value from karma.DefaultPolicy.
// Map sections (rewards, categories, merit_weights, demerits, atonement
// tables, carryover.retain) merge key by key over the defaults. List
// sections (roles, punishment.levels, value_table.columns, realms,
// carryover.starting_roles) replace the default list as a whole. A policy
// defines exactly four realms.
//
//	package policy
//
//	roles: [
//		{name: "learner", min_merit: 0},
//		{name: "guru", min_merit: 100},
//	]
//	rewards: helping_peers: {path: "SevaPoints", value: 12}
//	categories: "PaapTokens.minor": {expiry_days: 90}
//	value_table: learning_rate: 0.2
package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/karmaledger/internal/karma"
)

// Error codes reported by Load.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeDecode     = "E201" // Section has the wrong shape
	ErrCodeUnknownRef = "E202" // Unknown action, severity, remediation or path
	ErrCodeInvalid    = "E203" // Policy.Validate rejected the result
	ErrCodeEnv        = "E204" // Environment override is not a number
)

// Environment variables that override the learning hyperparameters.
const (
	EnvLearningRate = "KARMA_ALPHA"
	EnvDiscount     = "KARMA_GAMMA"
)

// LoadError is a policy loading failure with an optional CUE position.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads the CUE package in dir and returns the validated policy.
func Load(dir string) (karma.Policy, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return karma.Policy{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("policy directory not found: %s", dir)}
	}
	if err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing policy directory: %v", err)}
	}
	if !info.IsDir() {
		return karma.Policy{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return karma.Policy{}, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return karma.Policy{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	if err := instances[0].Err; err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", err)}
	}

	value := ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return FromValue(value)
}

// Parse compiles a CUE source string; used by tests and embedded policies.
func Parse(src string) (karma.Policy, error) {
	value := cuecontext.New().CompileString(src)
	if err := value.Err(); err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return FromValue(value)
}

// FromValue overlays a built CUE value on the default policy and validates
// the result.
func FromValue(v cue.Value) (karma.Policy, error) {
	var doc document
	if err := v.Decode(&doc); err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeDecode, Message: err.Error(), Pos: v.Pos()}
	}

	p := karma.DefaultPolicy()
	if err := doc.apply(&p); err != nil {
		return karma.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return karma.Policy{}, &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return p, nil
}

// ApplyEnv overrides the learning rate and discount from the environment.
// lookup is os.LookupEnv outside tests.
func ApplyEnv(p *karma.Policy, lookup func(string) (string, bool)) error {
	for _, o := range []struct {
		name string
		dst  *float64
	}{
		{EnvLearningRate, &p.LearningRate},
		{EnvDiscount, &p.Discount},
	} {
		raw, ok := lookup(o.name)
		if !ok || raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &LoadError{Code: ErrCodeEnv, Message: fmt.Sprintf("%s=%q is not a number", o.name, raw)}
		}
		*o.dst = f
	}
	if err := p.Validate(); err != nil {
		return &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

type roleDoc struct {
	Name     string  `json:"name"`
	MinMerit float64 `json:"min_merit"`
}

type amountDoc struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
	Name  string  `json:"name,omitempty"`
}

type punishmentDoc struct {
	Action     *string     `json:"action,omitempty"`
	WindowDays *float64    `json:"window_days,omitempty"`
	Levels     []amountDoc `json:"levels,omitempty"`
	Default    *amountDoc  `json:"default,omitempty"`
}

type categoryDoc struct {
	ExpiryDays *float64 `json:"expiry_days,omitempty"`
	DailyDecay *float64 `json:"daily_decay,omitempty"`
	Multiplier *float64 `json:"multiplier,omitempty"`
}

type atonementDoc struct {
	Action            *string                       `json:"action,omitempty"`
	Requirements      map[string]map[string]float64 `json:"requirements,omitempty"`
	ReferenceRequired []string                      `json:"reference_required,omitempty"`
	Reductions        map[string]float64            `json:"reductions,omitempty"`
}

type valueTableDoc struct {
	Columns      []string `json:"columns,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Discount     *float64 `json:"discount,omitempty"`
}

type realmDoc struct {
	Name        string   `json:"name"`
	Min         *float64 `json:"min,omitempty"`
	Description string   `json:"description"`
}

type startingRoleDoc struct {
	Role        string  `json:"role"`
	MinNetKarma float64 `json:"min_net_karma"`
}

type carryoverDoc struct {
	PositiveFraction *float64           `json:"positive_fraction,omitempty"`
	NegativeFraction *float64           `json:"negative_fraction,omitempty"`
	Retain           map[string]float64 `json:"retain,omitempty"`
	StartingRoles    []startingRoleDoc  `json:"starting_roles,omitempty"`
}

type document struct {
	Roles        []roleDoc              `json:"roles,omitempty"`
	Rewards      map[string]amountDoc   `json:"rewards,omitempty"`
	Punishment   *punishmentDoc         `json:"punishment,omitempty"`
	Categories   map[string]categoryDoc `json:"categories,omitempty"`
	MeritWeights map[string]float64     `json:"merit_weights,omitempty"`
	Demerits     map[string]string      `json:"demerits,omitempty"`
	Atonement    *atonementDoc          `json:"atonement,omitempty"`
	ValueTable   *valueTableDoc         `json:"value_table,omitempty"`
	Realms       []realmDoc             `json:"realms,omitempty"`
	Carryover    *carryoverDoc          `json:"carryover,omitempty"`
}

func unknownRef(format string, args ...any) error {
	return &LoadError{Code: ErrCodeUnknownRef, Message: fmt.Sprintf(format, args...)}
}

func parseAction(section, name string) (karma.Action, error) {
	a, err := karma.ParseAction(name)
	if err != nil {
		return 0, unknownRef("%s: %v", section, err)
	}
	return a, nil
}

func parseSeverity(section, name string) (karma.Severity, error) {
	s, err := karma.ParseSeverity(name)
	if err != nil {
		return "", unknownRef("%s: %v", section, err)
	}
	return s, nil
}

func days(d float64) time.Duration {
	return time.Duration(d * float64(24*time.Hour))
}

// apply overlays the document on p. Paths are checked later by
// Policy.Validate, once new categories have been merged in.
func (d document) apply(p *karma.Policy) error {
	var errs []error

	if len(d.Roles) > 0 {
		p.Roles = make([]karma.RoleThreshold, len(d.Roles))
		for i, r := range d.Roles {
			p.Roles[i] = karma.RoleThreshold{Role: r.Name, MinMerit: r.MinMerit}
		}
	}

	for name, rw := range d.Rewards {
		a, err := parseAction("rewards", name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Rewards[a] = karma.Reward{Path: karma.Path(rw.Path), Value: rw.Value}
	}

	if pd := d.Punishment; pd != nil {
		if pd.Action != nil {
			a, err := parseAction("punishment.action", *pd.Action)
			if err != nil {
				errs = append(errs, err)
			} else {
				p.MaliciousAction = a
			}
		}
		if pd.WindowDays != nil {
			p.PenaltyWindow = days(*pd.WindowDays)
		}
		if len(pd.Levels) > 0 {
			p.Penalties = make([]karma.Penalty, len(pd.Levels))
			for i, l := range pd.Levels {
				p.Penalties[i] = karma.Penalty{Path: karma.Path(l.Path), Value: l.Value, Name: l.Name}
			}
		}
		if pd.Default != nil {
			p.DefaultPenalty = karma.Penalty{Path: karma.Path(pd.Default.Path), Value: pd.Default.Value, Name: pd.Default.Name}
		}
	}

	for name, cd := range d.Categories {
		path := karma.Path(name)
		attrs := p.Categories[path]
		if cd.ExpiryDays != nil {
			attrs.Expiry = days(*cd.ExpiryDays)
		}
		if cd.DailyDecay != nil {
			attrs.DailyDecay = *cd.DailyDecay
		}
		if cd.Multiplier != nil {
			attrs.Multiplier = *cd.Multiplier
		}
		p.Categories[path] = attrs
	}

	for name, w := range d.MeritWeights {
		p.MeritWeights[karma.Path(name)] = w
	}

	for name, sevName := range d.Demerits {
		a, err := parseAction("demerits", name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sev, err := parseSeverity("demerits."+name, sevName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Demerits[a] = sev
	}

	if ad := d.Atonement; ad != nil {
		if ad.Action != nil {
			a, err := parseAction("atonement.action", *ad.Action)
			if err != nil {
				errs = append(errs, err)
			} else {
				p.AtonementAction = a
			}
		}
		for sevName, reqs := range ad.Requirements {
			sev, err := parseSeverity("atonement.requirements", sevName)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			table := make(map[karma.Remediation]float64, len(reqs))
			for rName, amount := range reqs {
				r, err := karma.ParseRemediation(rName)
				if err != nil {
					errs = append(errs, unknownRef("atonement.requirements.%s: %v", sevName, err))
					continue
				}
				table[r] = amount
			}
			p.Requirements[sev] = table
		}
		if ad.ReferenceRequired != nil {
			p.ReferenceRequired = make(map[karma.Remediation]bool, len(ad.ReferenceRequired))
			for _, rName := range ad.ReferenceRequired {
				r, err := karma.ParseRemediation(rName)
				if err != nil {
					errs = append(errs, unknownRef("atonement.reference_required: %v", err))
					continue
				}
				p.ReferenceRequired[r] = true
			}
		}
		for sevName, v := range ad.Reductions {
			sev, err := parseSeverity("atonement.reductions", sevName)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.Reductions[sev] = v
		}
	}

	if vd := d.ValueTable; vd != nil {
		if len(vd.Columns) > 0 {
			cols := make([]karma.Action, 0, len(vd.Columns))
			for _, name := range vd.Columns {
				a, err := parseAction("value_table.columns", name)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				cols = append(cols, a)
			}
			p.Columns = cols
		}
		if vd.LearningRate != nil {
			p.LearningRate = *vd.LearningRate
		}
		if vd.Discount != nil {
			p.Discount = *vd.Discount
		}
	}

	if len(d.Realms) > 0 {
		p.Realms = make([]karma.RealmBand, len(d.Realms))
		for i, r := range d.Realms {
			lo := math.Inf(-1)
			if r.Min != nil {
				lo = *r.Min
			}
			p.Realms[i] = karma.RealmBand{Realm: r.Name, Min: lo, Description: r.Description}
		}
	}

	if cd := d.Carryover; cd != nil {
		if cd.PositiveFraction != nil {
			p.Carryover.PositiveFraction = *cd.PositiveFraction
		}
		if cd.NegativeFraction != nil {
			p.Carryover.NegativeFraction = *cd.NegativeFraction
		}
		if cd.Retain != nil {
			p.Carryover.Retain = make(map[karma.Path]float64, len(cd.Retain))
			for name, f := range cd.Retain {
				p.Carryover.Retain[karma.Path(name)] = f
			}
		}
		if cd.StartingRoles != nil {
			p.Carryover.StartingRoles = make([]karma.StartingRole, len(cd.StartingRoles))
			for i, sr := range cd.StartingRoles {
				p.Carryover.StartingRoles[i] = karma.StartingRole{Role: sr.Role, MinNetKarma: sr.MinNetKarma}
			}
		}
	}

	return errors.Join(errs...)
}

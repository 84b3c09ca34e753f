package karma

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

const day = 24 * time.Hour

// RoleThreshold is the minimum merit needed to hold a role.
type RoleThreshold struct {
	Role     string
	MinMerit float64
}

// Reward is the base credit for a rewarded action.
type Reward struct {
	Path  Path
	Value float64
}

// Penalty is one level of the escalating punishment schedule.
// Value is never positive.
type Penalty struct {
	Path  Path
	Value float64
	Name  string
}

// CategoryAttrs holds the time and weighting behavior of one balance path.
// A zero Expiry means the balance never expires.
type CategoryAttrs struct {
	Expiry     time.Duration
	DailyDecay float64
	Multiplier float64
}

// RealmBand maps net karma at or above Min (and below the next band's Min)
// to a realm.
type RealmBand struct {
	Realm       string
	Min         float64
	Description string
}

// CarryoverPolicy decides what survives a rebirth.
type CarryoverPolicy struct {
	// PositiveFraction of positive net karma is carried into PunyaTokens.
	PositiveFraction float64
	// NegativeFraction of negative net karma is split across PaapTokens.
	NegativeFraction float64
	// Retain keeps a fraction of the named balances as they are.
	Retain map[Path]float64
	// StartingRoles lift the reborn ledger's role when the life that ended
	// had net karma above an entry's floor. Floors ascend.
	StartingRoles []StartingRole
}

// StartingRole is the role a rebirth begins in when net karma at death was
// strictly above MinNetKarma.
type StartingRole struct {
	Role        string
	MinNetKarma float64
}

// realmCount is the number of bands a policy must define.
const realmCount = 4

// Policy is every table the engine consults. It is data, never mutated by
// the engine; load it once and share it.
type Policy struct {
	Roles []RoleThreshold

	Rewards         map[Action]Reward
	MaliciousAction Action
	Penalties       []Penalty
	DefaultPenalty  Penalty
	PenaltyWindow   time.Duration

	Categories   map[Path]CategoryAttrs
	MeritWeights map[Path]float64

	Demerits          map[Action]Severity
	Requirements      map[Severity]map[Remediation]float64
	ReferenceRequired map[Remediation]bool
	Reductions        map[Severity]float64
	AtonementAction   Action

	Columns []Action

	Realms    []RealmBand
	Carryover CarryoverPolicy

	LearningRate float64
	Discount     float64
}

// DefaultPolicy returns the stock tables.
func DefaultPolicy() Policy {
	return Policy{
		Roles: []RoleThreshold{
			{Role: "learner", MinMerit: 0},
			{Role: "volunteer", MinMerit: 50},
			{Role: "seva", MinMerit: 200},
			{Role: "guru", MinMerit: 500},
		},
		Rewards: map[Action]Reward{
			CompletingLessons: {Path: DharmaPoints, Value: 5},
			HelpingPeers:      {Path: SevaPoints, Value: 10},
			SolvingDoubts:     {Path: SevaPoints, Value: 8},
			SelflessService:   {Path: PunyaTokens, Value: 25},
		},
		MaliciousAction: Cheat,
		Penalties: []Penalty{
			{Path: DharmaPoints, Value: -2, Name: "first_offense"},
			{Path: DharmaPoints, Value: -5, Name: "second_offense"},
			{Path: DharmaPoints, Value: -10, Name: "third_offense"},
			{Path: DharmaPoints, Value: -20, Name: "fourth_offense"},
			{Path: DharmaPoints, Value: -40, Name: "fifth_offense"},
		},
		DefaultPenalty: Penalty{Path: DharmaPoints, Value: -100, Name: "repeat_offender"},
		PenaltyWindow:  30 * day,
		Categories: map[Path]CategoryAttrs{
			DharmaPoints:       {Expiry: 365 * day},
			SevaPoints:         {Expiry: 365 * day, DailyDecay: 0.0005},
			PunyaTokens:        {Expiry: 730 * day, DailyDecay: 0.0001},
			PaapMinor:          {Expiry: 180 * day, Multiplier: 1},
			PaapMedium:         {Expiry: 365 * day, Multiplier: 2.5},
			PaapMaha:           {Expiry: 730 * day, Multiplier: 5},
			DridhaKarma:        {Expiry: 1095 * day, DailyDecay: 0.00005},
			AdridhaKarma:       {Expiry: 365 * day, DailyDecay: 0.001},
			SanchitaKarma:      {},
			PrarabdhaKarma:     {},
			RnanubandhanMinor:  {Expiry: 365 * day, Multiplier: 1},
			RnanubandhanMedium: {Expiry: 730 * day, Multiplier: 2},
			RnanubandhanMajor:  {Expiry: 1460 * day, Multiplier: 4},
		},
		MeritWeights: map[Path]float64{
			DharmaPoints:   1.0,
			SevaPoints:     1.2,
			PunyaTokens:    3.0,
			DridhaKarma:    0.8,
			AdridhaKarma:   0.3,
			SanchitaKarma:  1.0,
			PrarabdhaKarma: 1.0,
		},
		Demerits: map[Action]Severity{
			Cheat:          SeverityMedium,
			DisrespectGuru: SeverityMedium,
			Theft:          SeverityMedium,
			BreakPromise:   SeverityMinor,
			FalseSpeech:    SeverityMinor,
			HarmOthers:     SeverityMaha,
			Violence:       SeverityMaha,
		},
		Requirements: map[Severity]map[Remediation]float64{
			SeverityMinor:  {Jap: 108, Tap: 1, Bhakti: 1, Daan: 10},
			SeverityMedium: {Jap: 1008, Tap: 3, Bhakti: 3, Daan: 50},
			SeverityMaha:   {Jap: 10008, Tap: 7, Bhakti: 7, Daan: 100},
		},
		ReferenceRequired: map[Remediation]bool{Daan: true},
		Reductions: map[Severity]float64{
			SeverityMinor:  2,
			SeverityMedium: 5,
			SeverityMaha:   10,
		},
		AtonementAction: HelpingPeers,
		Columns:         []Action{CompletingLessons, HelpingPeers, SolvingDoubts, SelflessService, Cheat},
		Realms: []RealmBand{
			{Realm: "Naraka", Min: math.Inf(-1), Description: "Lower realm of purification through suffering"},
			{Realm: "Antarloka", Min: -200, Description: "Intermediate realm of reflection and transition"},
			{Realm: "Mrityuloka", Min: 0, Description: "Middle realm (human world) of learning and growth"},
			{Realm: "Swarga", Min: 500, Description: "Heavenly realm of light and bliss"},
		},
		Carryover: CarryoverPolicy{
			PositiveFraction: 0.1,
			NegativeFraction: 0.3,
			Retain:           map[Path]float64{SanchitaKarma: 1.0},
			StartingRoles:    []StartingRole{{Role: "volunteer", MinNetKarma: 100}},
		},
		LearningRate: 0.15,
		Discount:     0.9,
	}
}

// RoleNames returns the roles in progression order.
func (p Policy) RoleNames() []string {
	names := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		names[i] = r.Role
	}
	return names
}

// FloorRole is the lowest role, held by every score below the second
// threshold.
func (p Policy) FloorRole() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0].Role
}

// RoleIndex returns the position of role in the progression.
func (p Policy) RoleIndex(role string) (int, bool) {
	for i, r := range p.Roles {
		if r.Role == role {
			return i, true
		}
	}
	return 0, false
}

// KnownPath reports whether the policy has attributes for path.
func (p Policy) KnownPath(path Path) bool {
	_, ok := p.Categories[path]
	return ok
}

// Paths returns every configured balance path, sorted.
func (p Policy) Paths() []Path {
	paths := make([]Path, 0, len(p.Categories))
	for path := range p.Categories {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// TwoLevel reports whether category is split into subtypes.
func (p Policy) TwoLevel(category string) bool {
	for path := range p.Categories {
		if path.Category() == category && path.Subtype() != "" {
			return true
		}
	}
	return false
}

// Validate checks the internal consistency of the tables.
func (p Policy) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(p.Roles) == 0 {
		fail("roles: at least one role is required")
	}
	seenRoles := make(map[string]bool, len(p.Roles))
	for i, r := range p.Roles {
		if r.Role == "" {
			fail("roles[%d]: empty name", i)
		}
		if seenRoles[r.Role] {
			fail("roles[%d]: duplicate role %q", i, r.Role)
		}
		seenRoles[r.Role] = true
		if i > 0 && r.MinMerit <= p.Roles[i-1].MinMerit {
			fail("roles[%d]: threshold %v must exceed %v", i, r.MinMerit, p.Roles[i-1].MinMerit)
		}
	}

	for a, rw := range p.Rewards {
		if !a.Valid() {
			fail("rewards: invalid action %s", a)
		}
		if !p.KnownPath(rw.Path) {
			fail("rewards[%s]: unknown path %q", a, rw.Path)
		}
	}

	if !p.MaliciousAction.Valid() {
		fail("malicious action is not set")
	}
	if len(p.Penalties) == 0 {
		fail("penalties: at least one level is required")
	}
	for i, pen := range append(slices.Clone(p.Penalties), p.DefaultPenalty) {
		if pen.Value > 0 {
			fail("penalties[%d]: value %v must not be positive", i, pen.Value)
		}
		if !p.KnownPath(pen.Path) {
			fail("penalties[%d]: unknown path %q", i, pen.Path)
		}
	}
	if p.PenaltyWindow <= 0 {
		fail("penalty window must be positive")
	}

	for path, attrs := range p.Categories {
		if attrs.DailyDecay < 0 || attrs.DailyDecay >= 1 {
			fail("categories[%s]: daily decay %v outside [0,1)", path, attrs.DailyDecay)
		}
		if attrs.Expiry < 0 {
			fail("categories[%s]: negative expiry", path)
		}
	}
	for path := range p.MeritWeights {
		if !p.KnownPath(path) {
			fail("merit weights: unknown path %q", path)
		}
	}

	for a, sev := range p.Demerits {
		if !a.Valid() {
			fail("demerits: invalid action %s", a)
		}
		if !p.KnownPath(sev.PaapPath()) {
			fail("demerits[%s]: no balance for severity %q", a, sev)
		}
		if len(p.Requirements[sev]) == 0 {
			fail("demerits[%s]: no atonement requirements for %q", a, sev)
		}
	}
	for sev, reqs := range p.Requirements {
		for r, amount := range reqs {
			if amount <= 0 {
				fail("requirements[%s][%s]: amount must be positive", sev, r)
			}
		}
		if p.Reductions[sev] < 0 {
			fail("reductions[%s]: must not be negative", sev)
		}
	}

	if len(p.Columns) == 0 {
		fail("value table: at least one column is required")
	}
	for i, a := range p.Columns {
		if !a.Valid() {
			fail("value table columns[%d]: invalid action %s", i, a)
		}
		if slices.Index(p.Columns, a) != i {
			fail("value table columns[%d]: duplicate action %s", i, a)
		}
	}
	if !slices.Contains(p.Columns, p.AtonementAction) {
		fail("atonement action %s is not a value table column", p.AtonementAction)
	}

	if len(p.Realms) != realmCount {
		fail("realms: exactly %d bands are required, got %d", realmCount, len(p.Realms))
	}
	if len(p.Realms) > 0 && !math.IsInf(p.Realms[0].Min, -1) {
		fail("realms[0]: lowest band must be open-ended")
	}
	for i := 1; i < len(p.Realms); i++ {
		lo := p.Realms[i].Min
		if math.IsInf(lo, 0) || math.IsNaN(lo) {
			fail("realms[%d]: lower bound must be finite", i)
			continue
		}
		if lo <= p.Realms[i-1].Min {
			fail("realms[%d]: bands must be strictly ascending", i)
		}
	}

	c := p.Carryover
	if c.PositiveFraction < 0 || c.PositiveFraction > 1 || c.NegativeFraction < 0 || c.NegativeFraction > 1 {
		fail("carryover fractions must be within [0,1]")
	}
	for path, f := range c.Retain {
		if !p.KnownPath(path) {
			fail("carryover retain: unknown path %q", path)
		}
		if f < 0 || f > 1 {
			fail("carryover retain[%s]: fraction outside [0,1]", path)
		}
	}
	for i, sr := range c.StartingRoles {
		if _, ok := p.RoleIndex(sr.Role); !ok {
			fail("carryover starting_roles[%d]: unknown role %q", i, sr.Role)
		}
		if math.IsNaN(sr.MinNetKarma) || math.IsInf(sr.MinNetKarma, 0) {
			fail("carryover starting_roles[%d]: floor must be finite", i)
		} else if i > 0 && sr.MinNetKarma <= c.StartingRoles[i-1].MinNetKarma {
			fail("carryover starting_roles[%d]: floors must be strictly ascending", i)
		}
	}

	if !(p.LearningRate > 0 && p.LearningRate <= 1) {
		fail("learning rate %v outside (0,1]", p.LearningRate)
	}
	if !(p.Discount >= 0 && p.Discount <= 1) {
		fail("discount %v outside [0,1]", p.Discount)
	}

	return errors.Join(errs...)
}

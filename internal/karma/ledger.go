package karma

import (
	"maps"
	"slices"
	"time"
)

// TokenMeta is the expiry and decay bookkeeping of one balance.
//
// CreatedAt is set once, when the balance first becomes nonzero, and is
// cleared only when the balance expires. A zero CreatedAt means the balance
// has no age and cannot expire.
type TokenMeta struct {
	CreatedAt  time.Time
	LastUpdate time.Time
}

// Offense is one entry of the escalation log.
type Offense struct {
	At    time.Time
	Level int
	Value float64
}

// Ledger is the per-user record.
type Ledger struct {
	UserID       string
	Role         string
	Balances     map[Path]float64
	Meta         map[Path]TokenMeta
	LastDecay    time.Time
	Offenses     []Offense
	RebirthCount int
	CreatedAt    time.Time

	// Version is the optimistic concurrency token. Stores bump it on every
	// successful commit.
	Version int64
}

// NewLedger creates an empty ledger holding the floor role.
func NewLedger(userID string, p Policy, now time.Time) *Ledger {
	return &Ledger{
		UserID:    userID,
		Role:      p.FloorRole(),
		Balances:  make(map[Path]float64),
		Meta:      make(map[Path]TokenMeta),
		LastDecay: now,
		Offenses:  []Offense{},
		CreatedAt: now,
	}
}

// Balance returns the amount at path, zero when absent.
func (l *Ledger) Balance(path Path) float64 {
	return l.Balances[path]
}

// Credit adds a signed amount to path. The first time the balance becomes
// nonzero its CreatedAt is recorded.
func (l *Ledger) Credit(path Path, amount float64, now time.Time) {
	if l.Balances == nil {
		l.Balances = make(map[Path]float64)
	}
	if l.Meta == nil {
		l.Meta = make(map[Path]TokenMeta)
	}
	l.Balances[path] += amount

	meta := l.Meta[path]
	if meta.CreatedAt.IsZero() && l.Balances[path] != 0 {
		meta.CreatedAt = now
	}
	meta.LastUpdate = now
	l.Meta[path] = meta
}

// Debit subtracts amount from path.
func (l *Ledger) Debit(path Path, amount float64, now time.Time) {
	l.Credit(path, -amount, now)
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.Balances = maps.Clone(l.Balances)
	c.Meta = maps.Clone(l.Meta)
	c.Offenses = slices.Clone(l.Offenses)
	if c.Balances == nil {
		c.Balances = make(map[Path]float64)
	}
	if c.Meta == nil {
		c.Meta = make(map[Path]TokenMeta)
	}
	if c.Offenses == nil {
		c.Offenses = []Offense{}
	}
	return &c
}

// Recompute sets Role from the current merit score and returns it.
func (l *Ledger) Recompute(p Policy) string {
	l.Role = RoleFor(Merit(l.Balances, p), p.Roles)
	return l.Role
}

// DemeritTotals returns the PaapTokens balance per severity.
func (l *Ledger) DemeritTotals() map[Severity]float64 {
	out := make(map[Severity]float64, len(Severities()))
	for _, sev := range Severities() {
		out[sev] = l.Balance(sev.PaapPath())
	}
	return out
}

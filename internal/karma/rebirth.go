package karma

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/roach88/karmaledger/internal/canon"
)

// AssignRealm returns the band holding score. Bands partition the real
// line, so every score lands in exactly one; NaN lands in the lowest.
func (p Policy) AssignRealm(score float64) RealmBand {
	if len(p.Realms) == 0 {
		return RealmBand{}
	}
	band := p.Realms[0]
	for _, b := range p.Realms[1:] {
		if score >= b.Min {
			band = b
		}
	}
	return band
}

// Carryover is what a rebirth hands to the next life. StartingRole is
// empty when no starting role applies.
type Carryover struct {
	Punya        float64
	Paap         float64
	Retained     map[Path]float64
	StartingRole string
}

// ComputeCarryover applies the policy's carryover fractions to the ledger.
func ComputeCarryover(l *Ledger, p Policy) Carryover {
	net := NetKarma(l.Balances, p)
	c := Carryover{Retained: make(map[Path]float64, len(p.Carryover.Retain))}
	switch {
	case net > 0:
		c.Punya = net * p.Carryover.PositiveFraction
	case net < 0:
		c.Paap = -net * p.Carryover.NegativeFraction
	}
	for path, frac := range p.Carryover.Retain {
		if v := l.Balance(path) * frac; v != 0 {
			c.Retained[path] = v
		}
	}
	for _, sr := range p.Carryover.StartingRoles {
		if net > sr.MinNetKarma {
			c.StartingRole = sr.Role
		}
	}
	return c
}

// ApplyCarryover resets the ledger for its next life. Every balance and its
// metadata is cleared and the carryover is credited. The offense log is
// emptied and the rebirth counter advances. The role is recomputed, then
// lifted to the carryover's starting role when that ranks higher.
func ApplyCarryover(l *Ledger, c Carryover, p Policy, now time.Time) {
	l.Balances = make(map[Path]float64)
	l.Meta = make(map[Path]TokenMeta)
	l.Offenses = []Offense{}

	if c.Punya > 0 {
		l.Credit(PunyaTokens, c.Punya, now)
	}
	if c.Paap > 0 {
		sevs := Severities()
		share := c.Paap / float64(len(sevs))
		for _, sev := range sevs {
			l.Credit(sev.PaapPath(), share, now)
		}
	}
	for path, v := range c.Retained {
		l.Credit(path, v, now)
	}

	l.LastDecay = now
	l.RebirthCount++
	l.Recompute(p)

	if c.StartingRole == "" {
		return
	}
	start, ok := p.RoleIndex(c.StartingRole)
	if cur, _ := p.RoleIndex(l.Role); ok && start > cur {
		l.Role = c.StartingRole
	}
}

// DemeritSummary is the demerit state at death.
type DemeritSummary struct {
	BySeverity map[Severity]float64
	Total      float64
	// Status is "completed" when no demerit remains, else "pursuing".
	Status string
}

// RebirthRecord is the immutable terminal event. ID is the content hash of
// the remaining fields.
type RebirthRecord struct {
	ID            string
	UserID        string
	Realm         string
	Description   string
	Carryover     Carryover
	FinalBalances map[Path]float64
	Demerits      DemeritSummary
	MeritScore    float64
	NetKarma      float64
	Role          string
	RebirthCount  int
	At            time.Time
}

// NewRebirthRecord snapshots the ledger as it stands at death. The ledger
// itself is not modified.
func NewRebirthRecord(l *Ledger, p Policy, now time.Time) (RebirthRecord, error) {
	net := NetKarma(l.Balances, p)
	band := p.AssignRealm(net)

	totals := l.DemeritTotals()
	var total float64
	for _, sev := range Severities() {
		total += totals[sev]
	}
	status := "pursuing"
	if total == 0 {
		status = "completed"
	}

	rec := RebirthRecord{
		UserID:        l.UserID,
		Realm:         band.Realm,
		Description:   band.Description,
		Carryover:     ComputeCarryover(l, p),
		FinalBalances: maps.Clone(l.Balances),
		Demerits:      DemeritSummary{BySeverity: totals, Total: total, Status: status},
		MeritScore:    Merit(l.Balances, p),
		NetKarma:      net,
		Role:          l.Role,
		RebirthCount:  l.RebirthCount,
		At:            now.UTC(),
	}
	if rec.FinalBalances == nil {
		rec.FinalBalances = make(map[Path]float64)
	}

	id, err := canon.ID(canon.DomainRebirth, rec.Document())
	if err != nil {
		return RebirthRecord{}, fmt.Errorf("hash rebirth record: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// Document returns the canonical form of the record, without its ID.
func (r RebirthRecord) Document() map[string]any {
	balances := make(map[string]float64, len(r.FinalBalances))
	for path, v := range r.FinalBalances {
		balances[string(path)] = v
	}
	retained := make(map[string]float64, len(r.Carryover.Retained))
	for path, v := range r.Carryover.Retained {
		retained[string(path)] = v
	}
	demerits := make(map[string]float64, len(r.Demerits.BySeverity))
	for sev, v := range r.Demerits.BySeverity {
		demerits[string(sev)] = v
	}
	return map[string]any{
		"user_id":     r.UserID,
		"realm":       r.Realm,
		"description": r.Description,
		"carryover": map[string]any{
			"punya":         r.Carryover.Punya,
			"paap":          r.Carryover.Paap,
			"retained":      retained,
			"starting_role": r.Carryover.StartingRole,
		},
		"final_balances": balances,
		"demerits": map[string]any{
			"by_severity": demerits,
			"total":       r.Demerits.Total,
			"status":      r.Demerits.Status,
		},
		"merit_score":   r.MeritScore,
		"net_karma":     r.NetKarma,
		"role":          r.Role,
		"rebirth_count": r.RebirthCount,
		"at":            r.At.Format(time.RFC3339Nano),
	}
}

type rebirthJSON struct {
	UserID      string `json:"user_id"`
	Realm       string `json:"realm"`
	Description string `json:"description"`
	Carryover   struct {
		Punya        float64            `json:"punya"`
		Paap         float64            `json:"paap"`
		Retained     map[string]float64 `json:"retained"`
		StartingRole string             `json:"starting_role"`
	} `json:"carryover"`
	FinalBalances map[string]float64 `json:"final_balances"`
	Demerits      struct {
		BySeverity map[string]float64 `json:"by_severity"`
		Total      float64            `json:"total"`
		Status     string             `json:"status"`
	} `json:"demerits"`
	MeritScore   float64 `json:"merit_score"`
	NetKarma     float64 `json:"net_karma"`
	Role         string  `json:"role"`
	RebirthCount int     `json:"rebirth_count"`
	At           string  `json:"at"`
}

// DecodeRebirthRecord parses a record previously rendered by Document.
func DecodeRebirthRecord(id string, data []byte) (RebirthRecord, error) {
	var doc rebirthJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return RebirthRecord{}, fmt.Errorf("decode rebirth record %s: %w", id, err)
	}
	at, err := time.Parse(time.RFC3339Nano, doc.At)
	if err != nil {
		return RebirthRecord{}, fmt.Errorf("decode rebirth record %s: %w", id, err)
	}

	rec := RebirthRecord{
		ID:            id,
		UserID:        doc.UserID,
		Realm:         doc.Realm,
		Description:   doc.Description,
		FinalBalances: make(map[Path]float64, len(doc.FinalBalances)),
		Demerits: DemeritSummary{
			BySeverity: make(map[Severity]float64, len(doc.Demerits.BySeverity)),
			Total:      doc.Demerits.Total,
			Status:     doc.Demerits.Status,
		},
		Carryover: Carryover{
			Punya:        doc.Carryover.Punya,
			Paap:         doc.Carryover.Paap,
			Retained:     make(map[Path]float64, len(doc.Carryover.Retained)),
			StartingRole: doc.Carryover.StartingRole,
		},
		MeritScore:   doc.MeritScore,
		NetKarma:     doc.NetKarma,
		Role:         doc.Role,
		RebirthCount: doc.RebirthCount,
		At:           at.UTC(),
	}
	for k, v := range doc.FinalBalances {
		rec.FinalBalances[Path(k)] = v
	}
	for k, v := range doc.Carryover.Retained {
		rec.Carryover.Retained[Path(k)] = v
	}
	for k, v := range doc.Demerits.BySeverity {
		rec.Demerits.BySeverity[Severity(k)] = v
	}
	return rec, nil
}

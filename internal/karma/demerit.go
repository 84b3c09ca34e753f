package karma

import "time"

// Classify returns the demerit severity of an action, if it has one.
func (p Policy) Classify(a Action) (Severity, bool) {
	sev, ok := p.Demerits[a]
	return sev, ok
}

// DemeritAmount scales a magnitude by the severity's multiplier.
func (p Policy) DemeritAmount(sev Severity, magnitude float64) float64 {
	return magnitude * p.Categories[sev.PaapPath()].Multiplier
}

// PenaltyFor returns the penalty for a 1-based level; levels past the table
// get the default penalty.
func (p Policy) PenaltyFor(level int) Penalty {
	if level >= 1 && level <= len(p.Penalties) {
		return p.Penalties[level-1]
	}
	return p.DefaultPenalty
}

// Escalation is the outcome of one punished offense.
type Escalation struct {
	Level   int
	Penalty Penalty
	// InWindow counts offenses in the window, this one included.
	InWindow int
}

// Escalate prunes the offense log to the rolling window, punishes at the
// resulting level and records the new offense. The penalty is applied to
// the ledger.
func Escalate(l *Ledger, p Policy, now time.Time) Escalation {
	recent := make([]Offense, 0, len(l.Offenses)+1)
	for _, o := range l.Offenses {
		if now.Sub(o.At) <= p.PenaltyWindow {
			recent = append(recent, o)
		}
	}

	level := len(recent) + 1
	pen := p.PenaltyFor(level)
	recent = append(recent, Offense{At: now, Level: level, Value: pen.Value})
	l.Offenses = recent
	l.Credit(pen.Path, pen.Value, now)

	return Escalation{Level: level, Penalty: pen, InWindow: len(recent)}
}

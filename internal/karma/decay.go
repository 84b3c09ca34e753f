package karma

import (
	"math"
	"time"
)

// DecayReport describes what one decay pass changed.
type DecayReport struct {
	ElapsedDays float64
	Decayed     []Path
	Expired     []Path
}

// Changed reports whether any balance moved.
func (r DecayReport) Changed() bool {
	return len(r.Decayed) > 0 || len(r.Expired) > 0
}

// ApplyDecay decays and expires balances in place.
//
// Decay multiplies every positive balance with a positive daily rate by
// (1-rate)^days, floored at zero. Expiry zeroes a balance whose age, counted
// from its CreatedAt, has reached the category's horizon. A pass with zero or
// negative elapsed time is a no-op and leaves LastDecay untouched.
func ApplyDecay(l *Ledger, p Policy, now time.Time) DecayReport {
	if l.LastDecay.IsZero() {
		l.LastDecay = now
		return DecayReport{}
	}
	elapsed := now.Sub(l.LastDecay)
	if elapsed <= 0 {
		return DecayReport{}
	}

	if l.Balances == nil {
		l.Balances = make(map[Path]float64)
	}
	if l.Meta == nil {
		l.Meta = make(map[Path]TokenMeta)
	}

	report := DecayReport{ElapsedDays: elapsed.Hours() / 24}
	for _, path := range p.Paths() {
		attrs := p.Categories[path]
		bal, present := l.Balances[path]
		meta, tracked := l.Meta[path]
		if !present && !tracked {
			continue
		}

		if attrs.DailyDecay > 0 && bal > 0 {
			bal = math.Max(bal*math.Pow(1-attrs.DailyDecay, report.ElapsedDays), 0)
			l.Balances[path] = bal
			report.Decayed = append(report.Decayed, path)
		}

		if attrs.Expiry > 0 && !meta.CreatedAt.IsZero() && now.Sub(meta.CreatedAt) >= attrs.Expiry {
			l.Balances[path] = 0
			meta.CreatedAt = time.Time{}
			report.Expired = append(report.Expired, path)
		}

		meta.LastUpdate = now
		l.Meta[path] = meta
	}
	l.LastDecay = now
	return report
}

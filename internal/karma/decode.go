package karma

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DecodeIssue is a value that could not be read and was replaced by zero.
type DecodeIssue struct {
	Field  string
	Reason string
}

func (i DecodeIssue) String() string {
	return i.Field + ": " + i.Reason
}

// DecodeBalances reads a nested balance document such as
//
//	{"DharmaPoints": 5, "PaapTokens": {"minor": 1, "medium": 0}}
//
// Values of the wrong shape read as zero and are reported, so one corrupt
// field never makes the whole ledger unreadable. Categories the policy does
// not know are dropped and reported.
func DecodeBalances(raw map[string]any, p Policy) (map[Path]float64, []DecodeIssue) {
	out := make(map[Path]float64)
	var issues []DecodeIssue

	for cat, v := range raw {
		if p.TwoLevel(cat) {
			sub, ok := v.(map[string]any)
			if !ok {
				issues = append(issues, DecodeIssue{Field: cat, Reason: fmt.Sprintf("expected object, got %T", v)})
				continue
			}
			for name, sv := range sub {
				path := PathOf(cat, name)
				if !p.KnownPath(path) {
					issues = append(issues, DecodeIssue{Field: string(path), Reason: "unknown subtype"})
					continue
				}
				f, err := number(sv)
				if err != nil {
					issues = append(issues, DecodeIssue{Field: string(path), Reason: err.Error()})
				}
				out[path] = f
			}
			continue
		}

		path := Path(cat)
		if !p.KnownPath(path) {
			issues = append(issues, DecodeIssue{Field: cat, Reason: "unknown category"})
			continue
		}
		f, err := number(v)
		if err != nil {
			issues = append(issues, DecodeIssue{Field: cat, Reason: err.Error()})
		}
		out[path] = f
	}
	return out, issues
}

// number reads a scalar; anything else is zero plus an error.
func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite number %v", f)
	}
	return f, nil
}

type legacyOffense struct {
	Timestamp string  `json:"timestamp"`
	Level     int     `json:"punishment_level"`
	Value     float64 `json:"value"`
}

type legacyMeta struct {
	CreatedAt  string `json:"created_at"`
	LastUpdate string `json:"last_update"`
}

type legacyDocument struct {
	UserID       string                `json:"user_id"`
	Role         string                `json:"role"`
	Balances     map[string]any        `json:"balances"`
	TokenMeta    map[string]legacyMeta `json:"token_meta"`
	LastDecay    string                `json:"last_decay"`
	CheatHistory []legacyOffense       `json:"cheat_history"`
	RebirthCount int                   `json:"rebirth_count"`
}

// DecodeLegacyLedger reads one ledger document in the legacy JSON layout.
// Only a malformed document or a missing user_id is an error; bad balances
// and timestamps are reported as issues.
func DecodeLegacyLedger(data []byte, p Policy, now time.Time) (*Ledger, []DecodeIssue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc legacyDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode legacy ledger: %w", err)
	}
	userID, err := NormalizeUserID(doc.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("decode legacy ledger: %w", err)
	}

	l := NewLedger(userID, p, now)
	l.RebirthCount = doc.RebirthCount
	balances, issues := DecodeBalances(doc.Balances, p)
	l.Balances = balances

	parse := func(field, s string) time.Time {
		if s == "" {
			return time.Time{}
		}
		t, err := parseTimestamp(s)
		if err != nil {
			issues = append(issues, DecodeIssue{Field: field, Reason: err.Error()})
		}
		return t
	}

	if t := parse("last_decay", doc.LastDecay); !t.IsZero() {
		l.LastDecay = t
	}
	for key, m := range doc.TokenMeta {
		meta := TokenMeta{
			CreatedAt:  parse("token_meta."+key+".created_at", m.CreatedAt),
			LastUpdate: parse("token_meta."+key+".last_update", m.LastUpdate),
		}
		if p.TwoLevel(key) {
			// Legacy metadata is kept per category; apply it to every subtype.
			for path := range p.Categories {
				if path.Category() == key {
					l.Meta[path] = meta
				}
			}
			continue
		}
		l.Meta[Path(key)] = meta
	}
	// Balances held without a recorded age start aging now.
	for path, v := range l.Balances {
		if v != 0 && l.Meta[path].CreatedAt.IsZero() {
			meta := l.Meta[path]
			meta.CreatedAt = now
			l.Meta[path] = meta
		}
	}
	for i, o := range doc.CheatHistory {
		at := parse(fmt.Sprintf("cheat_history[%d].timestamp", i), o.Timestamp)
		if at.IsZero() {
			continue
		}
		l.Offenses = append(l.Offenses, Offense{At: at, Level: o.Level, Value: o.Value})
	}

	if _, ok := p.RoleIndex(doc.Role); !ok && doc.Role != "" {
		issues = append(issues, DecodeIssue{Field: "role", Reason: fmt.Sprintf("unknown role %q", doc.Role)})
	}
	l.Recompute(p)
	return l, issues, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and naive ISO timestamps, read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

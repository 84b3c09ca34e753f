package karma

import (
	"maps"
	"slices"
)

// Merit is the weighted sum of the balances named in MeritWeights. Terms
// are summed in path order so equal inputs give bit-identical scores.
func Merit(balances map[Path]float64, p Policy) float64 {
	var score float64
	for _, path := range slices.Sorted(maps.Keys(p.MeritWeights)) {
		score += balances[path] * p.MeritWeights[path]
	}
	return score
}

// RoleFor returns the role with the highest threshold not exceeding score.
// Scores below every threshold, and NaN, map to the first role. roles must
// be sorted by ascending MinMerit.
func RoleFor(score float64, roles []RoleThreshold) string {
	if len(roles) == 0 {
		return ""
	}
	current := roles[0].Role
	for _, r := range roles {
		if score >= r.MinMerit {
			current = r.Role
		}
	}
	return current
}

// ProjectRole estimates the role after delta is added to path, without
// touching balances.
func ProjectRole(balances map[Path]float64, path Path, delta float64, p Policy) string {
	projected := maps.Clone(balances)
	if projected == nil {
		projected = make(map[Path]float64, 1)
	}
	projected[path] += delta
	return RoleFor(Merit(projected, p), p.Roles)
}

// DemeritScore is the multiplier-weighted PaapTokens total.
func DemeritScore(balances map[Path]float64, p Policy) float64 {
	var score float64
	for _, sev := range Severities() {
		path := sev.PaapPath()
		score += balances[path] * p.Categories[path].Multiplier
	}
	return score
}

// NetKarma is merit minus weighted demerit.
func NetKarma(balances map[Path]float64, p Policy) float64 {
	return Merit(balances, p) - DemeritScore(balances, p)
}

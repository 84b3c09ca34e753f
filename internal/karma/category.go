package karma

import (
	"fmt"
	"strings"
)

// Path addresses one balance. Two-level categories are written
// "Category.subtype".
type Path string

const (
	DharmaPoints   Path = "DharmaPoints"
	SevaPoints     Path = "SevaPoints"
	PunyaTokens    Path = "PunyaTokens"
	DridhaKarma    Path = "DridhaKarma"
	AdridhaKarma   Path = "AdridhaKarma"
	SanchitaKarma  Path = "SanchitaKarma"
	PrarabdhaKarma Path = "PrarabdhaKarma"

	PaapMinor  Path = "PaapTokens.minor"
	PaapMedium Path = "PaapTokens.medium"
	PaapMaha   Path = "PaapTokens.maha"

	RnanubandhanMinor  Path = "Rnanubandhan.minor"
	RnanubandhanMedium Path = "Rnanubandhan.medium"
	RnanubandhanMajor  Path = "Rnanubandhan.major"
)

// PaapCategory is the two-level demerit category.
const PaapCategory = "PaapTokens"

// PathOf joins a category and an optional subtype.
func PathOf(category, subtype string) Path {
	if subtype == "" {
		return Path(category)
	}
	return Path(category + "." + subtype)
}

// Category returns the top-level category name.
func (p Path) Category() string {
	cat, _, _ := strings.Cut(string(p), ".")
	return cat
}

// Subtype returns the subtype, or "" for single-level paths.
func (p Path) Subtype() string {
	_, sub, _ := strings.Cut(string(p), ".")
	return sub
}

// Severity is a demerit severity class.
type Severity string

const (
	SeverityMinor  Severity = "minor"
	SeverityMedium Severity = "medium"
	SeverityMaha   Severity = "maha"
)

// Severities lists the classes from least to most severe.
func Severities() []Severity {
	return []Severity{SeverityMinor, SeverityMedium, SeverityMaha}
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities() {
		if string(sev) == s {
			return sev, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
}

// PaapPath is the demerit balance that holds this severity.
func (s Severity) PaapPath() Path {
	return PathOf(PaapCategory, string(s))
}

// Remediation is one kind of atonement work.
type Remediation string

const (
	Jap    Remediation = "Jap"
	Tap    Remediation = "Tap"
	Bhakti Remediation = "Bhakti"
	Daan   Remediation = "Daan"
)

// Remediations lists every remediation type in display order.
func Remediations() []Remediation {
	return []Remediation{Jap, Tap, Bhakti, Daan}
}

// ParseRemediation validates a remediation name.
func ParseRemediation(s string) (Remediation, error) {
	for _, r := range Remediations() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRemediation, s)
}

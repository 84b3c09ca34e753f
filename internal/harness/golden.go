package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/karmaledger/internal/canon"
)

// Document returns the canonical form of the event.
func (ev TraceEvent) Document() map[string]any {
	doc := map[string]any{
		"seq":     ev.Seq,
		"op":      ev.Op,
		"outcome": ev.Outcome,
	}
	if ev.User != "" {
		doc["user"] = ev.User
	}
	if ev.Action != "" {
		doc["action"] = ev.Action
	}
	return doc
}

// Snapshot renders a result as canonical JSON lines: a header naming the
// scenario, one line per trace event, and the final ledger summaries.
// The backend is deliberately absent so both backends share golden files.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	writeLine := func(v any) error {
		line, err := canon.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}

	if err := writeLine(map[string]any{
		"scenario":    scenario.Name,
		"description": scenario.Description,
	}); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	for _, ev := range result.Trace {
		if err := writeLine(ev.Document()); err != nil {
			return nil, fmt.Errorf("snapshot trace event %d: %w", ev.Seq, err)
		}
	}

	final := make(map[string]any, len(result.Final))
	for user, summary := range result.Final {
		final[user] = summary
	}
	if err := writeLine(map[string]any{"final": final}); err != nil {
		return nil, fmt.Errorf("snapshot final state: %w", err)
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the scenario's golden
// file without re-running it.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snapshot)
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/policy"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Files   int              `json:"files"`
	Summary *PolicySummary   `json:"summary,omitempty"`
	Error   *ValidationError `json:"error,omitempty"`
}

// ValidationError locates a policy error.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// PolicySummary counts what a valid policy defines.
type PolicySummary struct {
	Roles    []string `json:"roles"`
	Rewards  int      `json:"rewards"`
	Demerits int      `json:"demerits"`
	Realms   []string `json:"realms"`
	Alpha    float64  `json:"alpha"`
	Gamma    float64  `json:"gamma"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <policy-dir>",
		Short: "Validate a CUE policy directory",
		Long: `Load and check the CUE policy files in a directory without touching
any database.

Syntax errors, schema violations and unknown action or severity references
are reported with their code and position.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	p, err := policy.Load(dir)
	if err != nil {
		return outputValidationFailure(formatter, asValidationError(err))
	}
	files, err := policy.FindCUEFiles(dir)
	if err != nil {
		return outputValidationFailure(formatter, asValidationError(err))
	}
	formatter.VerboseLog("Loaded %d CUE file(s) from %s", len(files), dir)

	result := ValidationResult{Valid: true, Files: len(files), Summary: summarize(p)}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Policy valid (%d file(s))\n", result.Files)
		fmt.Fprintf(w, "  Roles:    %v\n", result.Summary.Roles)
		fmt.Fprintf(w, "  Rewards:  %d actions\n", result.Summary.Rewards)
		fmt.Fprintf(w, "  Demerits: %d actions\n", result.Summary.Demerits)
		fmt.Fprintf(w, "  Realms:   %v\n", result.Summary.Realms)
		fmt.Fprintf(w, "  Learning: alpha %g, gamma %g\n", result.Summary.Alpha, result.Summary.Gamma)
	})
}

func summarize(p karma.Policy) *PolicySummary {
	s := &PolicySummary{
		Roles:    p.RoleNames(),
		Rewards:  len(p.Rewards),
		Demerits: len(p.Demerits),
		Realms:   make([]string, len(p.Realms)),
		Alpha:    p.LearningRate,
		Gamma:    p.Discount,
	}
	for i, r := range p.Realms {
		s.Realms[i] = r.Realm
	}
	return s
}

func asValidationError(err error) ValidationError {
	var le *policy.LoadError
	if !errors.As(err, &le) {
		return ValidationError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	ve := ValidationError{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		ve.File = le.Pos.Filename()
		ve.Line = le.Pos.Line()
	}
	return ve
}

// outputValidationFailure reports an invalid policy. Validation failures
// exit with ExitFailure.
func outputValidationFailure(formatter *OutputFormatter, ve ValidationError) error {
	if formatter.Format == "json" {
		_ = formatter.Error(ve.Code, ve.Message, ValidationResult{Valid: false, Error: &ve})
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", ve.Code, ve.Message))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	if ve.Line > 0 {
		fmt.Fprintf(formatter.Writer, "%s:%d\n", ve.File, ve.Line)
	}
	fmt.Fprintf(formatter.Writer, "  %s: %s\n", ve.Code, ve.Message)
	return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", ve.Code, ve.Message))
}

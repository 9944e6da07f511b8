package diff

import (
	"fmt"
	"regexp"
)

// Placeholders substituted for recognized volatile tokens. They contain no
// digits and no hex prefix, so rewriting is idempotent.
const (
	AddressPlaceholder   = "<address>"
	TimestampPlaceholder = "<timestamp>"
)

// Policy controls which volatile details a comparison ignores. The zero
// value compares everything exactly.
type Policy struct {
	// IgnoreExecutionCount drops execution counters before comparing.
	IgnoreExecutionCount bool
	// IgnoreStderr drops stream outputs named "stderr" from both sides.
	IgnoreStderr bool
	// FloatTolerance is the absolute slack allowed between two text values
	// that both parse as numbers. Zero means exact comparison.
	FloatTolerance float64
	// IgnoreMetadataKeys lists display-metadata keys stripped before
	// comparing; remaining metadata still has to match.
	IgnoreMetadataKeys []string
	// IgnoreBinary skips content comparison of binary MIME values entirely
	// instead of comparing their hashes.
	IgnoreBinary bool
	// ExtraPatterns are user-supplied volatile-token rewrites, applied to
	// text content after the built-in address and timestamp rewrites.
	ExtraPatterns []Pattern
}

// Pattern rewrites every match of Regexp to the fixed Placeholder.
// Normalization stays idempotent as long as the placeholder does not match
// the pattern itself.
type Pattern struct {
	Regexp      *regexp.Regexp
	Placeholder string
}

// CompilePattern builds a Pattern from its configuration form.
func CompilePattern(expr, placeholder string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{Regexp: re, Placeholder: placeholder}, nil
}

// DefaultPolicy is the comparison policy the CLI starts from. Execution
// counters are ignored because a fresh kernel restarts its counter at 1,
// which only matches baselines saved from an identical fresh run.
func DefaultPolicy() Policy {
	return Policy{IgnoreExecutionCount: true}
}

package diff

import (
	"regexp"
	"strings"

	"github.com/openkickstartai/nbcheck/types"
)

// Built-in volatile-token patterns. ANSI escapes are always stripped since
// they are rendering artifacts, never content; addresses and timestamps are
// rewritten to placeholders that cannot match the patterns again.
var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	addressPattern   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
)

// NormalizeText rewrites recognized volatile tokens in s to fixed
// placeholders: ANSI escapes are removed, object-identity hex addresses
// become AddressPlaceholder, ISO-8601-shaped timestamps become
// TimestampPlaceholder, and the policy's extra patterns are applied last.
// Idempotent for the built-ins; extra patterns keep it idempotent as long
// as their placeholders do not re-match.
func NormalizeText(s string, policy Policy) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = addressPattern.ReplaceAllString(s, AddressPlaceholder)
	s = timestampPattern.ReplaceAllString(s, TimestampPlaceholder)
	for _, p := range policy.ExtraPatterns {
		s = p.Regexp.ReplaceAllString(s, p.Placeholder)
	}
	return s
}

// NormalizeOutput returns a copy of out with volatile content rewritten and
// policy-ignored fields cleared. The input is never modified.
//
// Error tracebacks are dropped outright: they embed absolute paths, line
// numbers, and renderer styling, so errors compare by name and message.
func NormalizeOutput(out types.Output, policy Policy) types.Output {
	norm := out.Clone()
	switch norm.Type {
	case types.OutputStream:
		norm.Text = NormalizeText(norm.Text, policy)
	case types.OutputDisplayData, types.OutputExecuteResult:
		norm.Data = normalizeBundle(norm.Data, policy)
		norm.Metadata = dropKeys(norm.Metadata, policy.IgnoreMetadataKeys)
		if policy.IgnoreExecutionCount {
			norm.ExecutionCount = nil
		}
	case types.OutputError:
		norm.Evalue = NormalizeText(norm.Evalue, policy)
		norm.Traceback = nil
	}
	return norm
}

// normalizeOutputs applies the policy to a whole output sequence: records
// the policy drops disappear, the survivors are normalized in order.
func normalizeOutputs(outputs []types.Output, policy Policy) []types.Output {
	norm := make([]types.Output, 0, len(outputs))
	for i := range outputs {
		if policy.IgnoreStderr && outputs[i].Type == types.OutputStream && outputs[i].Name == "stderr" {
			continue
		}
		norm = append(norm, NormalizeOutput(outputs[i], policy))
	}
	return norm
}

func normalizeBundle(bundle types.MIMEBundle, policy Policy) types.MIMEBundle {
	for mime, v := range bundle {
		s, ok := v.(string)
		if !ok || !isTextMIME(mime) {
			continue
		}
		bundle[mime] = NormalizeText(s, policy)
	}
	return bundle
}

// isTextMIME reports whether a MIME value carries comparable text rather
// than a base64 binary payload.
func isTextMIME(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/javascript", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}

func dropKeys(m map[string]any, keys []string) map[string]any {
	if m == nil || len(keys) == 0 {
		return m
	}
	for _, k := range keys {
		delete(m, k)
	}
	return m
}

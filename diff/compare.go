// Package diff compares executed notebooks against baselines under a
// normalization policy.
//
// Comparison aligns cells strictly by index and checks output records only;
// sources are carried in mismatch snippets for display but never compared.
// An empty result means the documents are equivalent under the policy.
// Equivalence is reflexive and symmetric for a fixed policy.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/openkickstartai/nbcheck/types"
)

const snippetLimit = 120

// Compare checks actual against baseline cell by cell and returns the
// mismatches in cell order. When the documents differ in length, the
// unmatched tail yields one missing_cell or extra_cell record per cell.
func Compare(actual, baseline *types.Document, policy Policy) []types.Mismatch {
	var mismatches []types.Mismatch

	n := min(len(actual.Cells), len(baseline.Cells))
	for i := 0; i < n; i++ {
		mismatches = append(mismatches, compareCell(&actual.Cells[i], &baseline.Cells[i], policy)...)
	}
	for i := n; i < len(baseline.Cells); i++ {
		mismatches = append(mismatches, types.Mismatch{
			CellIndex: i,
			Kind:      types.MismatchMissingCell,
			Expected:  snippet(baseline.Cells[i].Source),
		})
	}
	for i := n; i < len(actual.Cells); i++ {
		mismatches = append(mismatches, types.Mismatch{
			CellIndex: i,
			Kind:      types.MismatchExtraCell,
			Actual:    snippet(actual.Cells[i].Source),
		})
	}
	return mismatches
}

// compareCell compares one aligned cell pair. Cells that are code on
// neither side carry no outputs and match trivially; when only one side is
// code, the other contributes an empty output sequence and the drift
// surfaces as a count mismatch.
func compareCell(actual, baseline *types.Cell, policy Policy) []types.Mismatch {
	if !actual.IsCode() && !baseline.IsCode() {
		return nil
	}

	got := normalizeOutputs(actual.Outputs, policy)
	want := normalizeOutputs(baseline.Outputs, policy)

	if len(got) != len(want) {
		return []types.Mismatch{{
			CellIndex: actual.Index,
			Kind:      types.MismatchOutputCount,
			Expected:  fmt.Sprintf("%d outputs", len(want)),
			Actual:    fmt.Sprintf("%d outputs", len(got)),
		}}
	}

	var mismatches []types.Mismatch
	for i := range want {
		if m := compareOutput(&got[i], &want[i], policy); m != nil {
			m.CellIndex = actual.Index
			idx := i
			m.OutputIndex = &idx
			mismatches = append(mismatches, *m)
		}
	}
	return mismatches
}

// compareOutput compares one aligned, already-normalized output pair and
// returns the mismatch, or nil when they are equivalent.
func compareOutput(got, want *types.Output, policy Policy) *types.Mismatch {
	if got.Type != want.Type {
		return &types.Mismatch{
			Kind:     types.MismatchOutputContent,
			Expected: string(want.Type),
			Actual:   string(got.Type),
		}
	}

	switch want.Type {
	case types.OutputStream:
		if got.Name != want.Name {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: "stream " + want.Name,
				Actual:   "stream " + got.Name,
			}
		}
		if !textEqual(got.Text, want.Text, policy) {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: snippet(want.Text),
				Actual:   snippet(got.Text),
			}
		}

	case types.OutputDisplayData, types.OutputExecuteResult:
		if m := compareBundles(got.Data, want.Data, policy); m != nil {
			return m
		}
		if !metadataEqual(got.Metadata, want.Metadata) {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: renderMetadata(want.Metadata),
				Actual:   renderMetadata(got.Metadata),
			}
		}
		if !intPtrEqual(got.ExecutionCount, want.ExecutionCount) {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: "execution_count " + renderCount(want.ExecutionCount),
				Actual:   "execution_count " + renderCount(got.ExecutionCount),
			}
		}

	case types.OutputError:
		if got.Ename != want.Ename || !textEqual(got.Evalue, want.Evalue, policy) {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: snippet(want.Ename + ": " + want.Evalue),
				Actual:   snippet(got.Ename + ": " + got.Evalue),
			}
		}
	}
	return nil
}

func compareBundles(got, want types.MIMEBundle, policy Policy) *types.Mismatch {
	if len(got) != len(want) {
		return &types.Mismatch{
			Kind:     types.MismatchOutputContent,
			Expected: "mime types " + bundleKeys(want),
			Actual:   "mime types " + bundleKeys(got),
		}
	}
	for mime, wantVal := range want {
		gotVal, ok := got[mime]
		if !ok {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: "mime types " + bundleKeys(want),
				Actual:   "mime types " + bundleKeys(got),
			}
		}
		if !mimeValueEqual(mime, gotVal, wantVal, policy) {
			return &types.Mismatch{
				Kind:     types.MismatchOutputContent,
				Expected: renderMIMEValue(mime, wantVal),
				Actual:   renderMIMEValue(mime, gotVal),
			}
		}
	}
	return nil
}

func mimeValueEqual(mime string, got, want any, policy Policy) bool {
	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		if isTextMIME(mime) {
			return textEqual(gs, ws, policy)
		}
		if policy.IgnoreBinary {
			return true
		}
		return contentHash(gs) == contentHash(ws)
	}
	// Structured values (application/json payloads decode as objects).
	return reflect.DeepEqual(got, want)
}

// textEqual compares normalized text, allowing FloatTolerance slack when
// both sides parse in full as numbers.
func textEqual(got, want string, policy Policy) bool {
	if got == want {
		return true
	}
	if policy.FloatTolerance > 0 {
		g, errG := strconv.ParseFloat(strings.TrimSpace(got), 64)
		w, errW := strconv.ParseFloat(strings.TrimSpace(want), 64)
		if errG == nil && errW == nil {
			return math.Abs(g-w) <= policy.FloatTolerance
		}
	}
	return false
}

// metadataEqual treats nil and empty metadata as the same: kernels omit the
// object while stored documents carry {}.
func metadataEqual(got, want map[string]any) bool {
	if len(got) == 0 && len(want) == 0 {
		return true
	}
	return reflect.DeepEqual(got, want)
}

// contentHash fingerprints a base64 binary payload. Whitespace is removed
// first so stored line-wrapped encodings hash the same as kernel-delivered
// single-line ones.
func contentHash(s string) string {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	sum := sha256.Sum256([]byte(compact))
	return hex.EncodeToString(sum[:])
}

// snippet renders text for a mismatch record: the first line, truncated to
// a terminal-friendly width.
func snippet(s string) string {
	s = strings.TrimRight(s, "\n")
	truncated := false
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
		truncated = true
	}
	if utf8.RuneCountInString(s) > snippetLimit {
		runes := []rune(s)
		s = string(runes[:snippetLimit])
		truncated = true
	}
	if truncated {
		s += "..."
	}
	return s
}

func renderMIMEValue(mime string, v any) string {
	s, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return snippet(string(b))
	}
	if isTextMIME(mime) {
		return snippet(s)
	}
	return mime + " sha256:" + contentHash(s)[:12]
}

func renderMetadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return snippet("metadata " + string(b))
}

func renderCount(p *int) string {
	if p == nil {
		return "null"
	}
	return strconv.Itoa(*p)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func bundleKeys(bundle types.MIMEBundle) string {
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ", ")
}

// Package nbformat reads and writes Jupyter notebooks in the nbformat v4
// JSON schema. Decoding normalizes the schema's multiline string-or-list
// representations into plain strings; encoding writes the canonical form
// (sorted keys, one-space indent, sources split into lines) so output is
// byte-stable across round trips.
package nbformat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openkickstartai/nbcheck/types"
)

// SupportedNBFormat is the major notebook schema version this engine reads.
const SupportedNBFormat = 4

// ParseError reports a notebook file that could not be decoded.
type ParseError struct {
	// Path is the source path, empty for in-memory documents.
	Path string
	// Err is the underlying decode error.
	Err error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse notebook: %v", e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError returns true if the error is a notebook decode failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// rawNotebook mirrors the on-disk nbformat v4 top level.
type rawNotebook struct {
	Cells         []rawCell      `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// rawCell mirrors an on-disk cell. Source may be a string or a list of
// line strings; both forms appear in the wild.
type rawCell struct {
	CellType       string         `json:"cell_type"`
	ID             string         `json:"id"`
	Source         any            `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Attachments    map[string]any `json:"attachments"`
	Outputs        []rawOutput    `json:"outputs"`
	ExecutionCount *int           `json:"execution_count"`
}

// rawOutput mirrors an on-disk output record. The active fields depend on
// output_type.
type rawOutput struct {
	OutputType     string         `json:"output_type"`
	Name           string         `json:"name"`
	Text           any            `json:"text"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount *int           `json:"execution_count"`
	Ename          string         `json:"ename"`
	Evalue         string         `json:"evalue"`
	Traceback      []string       `json:"traceback"`
}

// Load reads and decodes the notebook at path.
func Load(path string) (*types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return Decode(data, path)
}

// Decode parses nbformat v4 JSON into a Document. The path is recorded on
// the document and used in error messages; it may be empty.
func Decode(data []byte, path string) (*types.Document, error) {
	var raw rawNotebook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	if raw.NBFormat != SupportedNBFormat {
		return nil, &ParseError{
			Path: path,
			Err:  fmt.Errorf("unsupported nbformat version %d (want %d)", raw.NBFormat, SupportedNBFormat),
		}
	}

	doc := &types.Document{
		Path:          path,
		NBFormat:      raw.NBFormat,
		NBFormatMinor: raw.NBFormatMinor,
		Metadata:      raw.Metadata,
		Cells:         make([]types.Cell, 0, len(raw.Cells)),
	}

	for i, rc := range raw.Cells {
		cell, err := decodeCell(rc, i)
		if err != nil {
			return nil, &ParseError{Path: path, Err: fmt.Errorf("cell %d: %w", i, err)}
		}
		doc.Cells = append(doc.Cells, cell)
	}

	return doc, nil
}

func decodeCell(rc rawCell, index int) (types.Cell, error) {
	cellType := types.CellType(rc.CellType)
	switch cellType {
	case types.CellCode, types.CellMarkdown, types.CellRaw:
	default:
		return types.Cell{}, fmt.Errorf("unknown cell_type %q", rc.CellType)
	}

	source, err := joinLines(rc.Source)
	if err != nil {
		return types.Cell{}, fmt.Errorf("source: %w", err)
	}

	cell := types.Cell{
		Type:        cellType,
		ID:          rc.ID,
		Index:       index,
		Source:      source,
		Metadata:    rc.Metadata,
		Attachments: rc.Attachments,
	}

	if cellType == types.CellCode {
		cell.ExecutionCount = rc.ExecutionCount
		cell.Outputs = make([]types.Output, 0, len(rc.Outputs))
		for j, ro := range rc.Outputs {
			out, err := decodeOutput(ro)
			if err != nil {
				return types.Cell{}, fmt.Errorf("output %d: %w", j, err)
			}
			cell.Outputs = append(cell.Outputs, out)
		}
	} else if len(rc.Outputs) > 0 {
		return types.Cell{}, fmt.Errorf("%s cell carries outputs", rc.CellType)
	}

	return cell, nil
}

func decodeOutput(ro rawOutput) (types.Output, error) {
	switch types.OutputType(ro.OutputType) {
	case types.OutputStream:
		text, err := joinLines(ro.Text)
		if err != nil {
			return types.Output{}, fmt.Errorf("text: %w", err)
		}
		if ro.Name != "stdout" && ro.Name != "stderr" {
			return types.Output{}, fmt.Errorf("stream name must be stdout or stderr, got %q", ro.Name)
		}
		return types.Output{Type: types.OutputStream, Name: ro.Name, Text: text}, nil

	case types.OutputDisplayData:
		data, err := decodeBundle(ro.Data)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{Type: types.OutputDisplayData, Data: data, Metadata: ro.Metadata}, nil

	case types.OutputExecuteResult:
		data, err := decodeBundle(ro.Data)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{
			Type:           types.OutputExecuteResult,
			Data:           data,
			Metadata:       ro.Metadata,
			ExecutionCount: ro.ExecutionCount,
		}, nil

	case types.OutputError:
		return types.Output{
			Type:      types.OutputError,
			Ename:     ro.Ename,
			Evalue:    ro.Evalue,
			Traceback: ro.Traceback,
		}, nil

	default:
		return types.Output{}, fmt.Errorf("unknown output_type %q", ro.OutputType)
	}
}

// decodeBundle joins list-form MIME values into strings. Values for MIME
// types ending in "json" are structured and pass through untouched.
func decodeBundle(raw map[string]any) (types.MIMEBundle, error) {
	if raw == nil {
		return types.MIMEBundle{}, nil
	}
	bundle := make(types.MIMEBundle, len(raw))
	for mime, v := range raw {
		if strings.HasSuffix(mime, "json") {
			bundle[mime] = v
			continue
		}
		joined, err := joinLines(v)
		if err != nil {
			// Non-string structured value under a non-json MIME type.
			// Tolerate it; the diff engine compares it as rendered JSON.
			bundle[mime] = v
			continue
		}
		bundle[mime] = joined
	}
	return bundle, nil
}

// joinLines accepts the schema's string-or-list-of-strings form and
// returns a single string.
func joinLines(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case []any:
		var b strings.Builder
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("multiline value must contain only strings, got %T", item)
			}
			b.WriteString(str)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("value must be string or list of strings, got %T", v)
	}
}

// splitLines converts a joined string back to the schema's line-list form,
// keeping newline terminators. The empty string becomes an empty list.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Encode serializes the document as canonical nbformat v4 JSON: keys
// sorted, one-space indent, trailing newline, multiline strings split
// into line lists. Encoding a freshly decoded document reproduces the
// canonical form of its source bytes.
func Encode(doc *types.Document) ([]byte, error) {
	nb := map[string]any{
		"cells":          encodeCells(doc.Cells),
		"metadata":       orEmptyMap(doc.Metadata),
		"nbformat":       doc.NBFormat,
		"nbformat_minor": doc.NBFormatMinor,
	}
	if doc.NBFormat == 0 {
		nb["nbformat"] = SupportedNBFormat
		nb["nbformat_minor"] = 5
	}

	// Map keys marshal sorted, matching the canonical sort_keys form
	// notebooks are committed in.
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("encode notebook: %w", err)
	}
	return append(data, '\n'), nil
}

// Save encodes the document and writes it to path.
func Save(doc *types.Document, path string) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func encodeCells(cells []types.Cell) []map[string]any {
	out := make([]map[string]any, 0, len(cells))
	for i := range cells {
		out = append(out, encodeCell(&cells[i]))
	}
	return out
}

func encodeCell(c *types.Cell) map[string]any {
	m := map[string]any{
		"cell_type": string(c.Type),
		"metadata":  orEmptyMap(c.Metadata),
		"source":    splitLines(c.Source),
	}
	if c.ID != "" {
		m["id"] = c.ID
	}
	if c.Attachments != nil {
		m["attachments"] = c.Attachments
	}
	if c.Type == types.CellCode {
		// Both keys are required on code cells; execution_count is null
		// when the cell has not run.
		m["execution_count"] = c.ExecutionCount
		m["outputs"] = encodeOutputs(c.Outputs)
	}
	return m
}

func encodeOutputs(outputs []types.Output) []map[string]any {
	out := make([]map[string]any, 0, len(outputs))
	for i := range outputs {
		out = append(out, encodeOutput(&outputs[i]))
	}
	return out
}

func encodeOutput(o *types.Output) map[string]any {
	switch o.Type {
	case types.OutputStream:
		return map[string]any{
			"output_type": "stream",
			"name":        o.Name,
			"text":        splitLines(o.Text),
		}
	case types.OutputDisplayData:
		return map[string]any{
			"output_type": "display_data",
			"data":        encodeBundle(o.Data),
			"metadata":    orEmptyMap(o.Metadata),
		}
	case types.OutputExecuteResult:
		return map[string]any{
			"output_type":     "execute_result",
			"data":            encodeBundle(o.Data),
			"metadata":        orEmptyMap(o.Metadata),
			"execution_count": o.ExecutionCount,
		}
	case types.OutputError:
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		return map[string]any{
			"output_type": "error",
			"ename":       o.Ename,
			"evalue":      o.Evalue,
			"traceback":   tb,
		}
	default:
		// Unreachable for documents built by this package.
		return map[string]any{"output_type": string(o.Type)}
	}
}

func encodeBundle(b types.MIMEBundle) map[string]any {
	out := make(map[string]any, len(b))
	for mime, v := range b {
		if s, ok := v.(string); ok && !strings.HasSuffix(mime, "json") {
			out[mime] = splitLines(s)
			continue
		}
		out[mime] = v
	}
	return out
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

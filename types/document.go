// Package types defines core domain types for the nbcheck engine.
//
//nolint:revive // types is a common Go package naming convention
package types

// CellType discriminates notebook cell kinds per the nbformat v4 schema.
type CellType string

const (
	// CellCode is an executable code cell.
	CellCode CellType = "code"
	// CellMarkdown is a prose cell. Never executed.
	CellMarkdown CellType = "markdown"
	// CellRaw is an unrendered passthrough cell. Never executed.
	CellRaw CellType = "raw"
)

// OutputType discriminates cell output records per the nbformat v4 schema.
type OutputType string

const (
	// OutputStream is incremental stdout or stderr text.
	OutputStream OutputType = "stream"
	// OutputDisplayData is a rich MIME rendering side effect.
	OutputDisplayData OutputType = "display_data"
	// OutputExecuteResult is the value of the last expression. At most one
	// per cell, always the final output record.
	OutputExecuteResult OutputType = "execute_result"
	// OutputError is an unhandled exception raised by the cell.
	OutputError OutputType = "error"
)

// MIMEBundle maps MIME types to representations of a single value.
// Text types carry strings; binary types (image/png etc.) carry
// base64-encoded strings as stored on disk.
type MIMEBundle map[string]any

// Output is one output record of an executed code cell. The Type field
// selects which of the remaining fields are meaningful; the codec and the
// diff engine only ever touch the fields of the active variant.
type Output struct {
	Type OutputType

	// Name and Text are set for stream outputs. Name is "stdout" or "stderr".
	Name string
	Text string

	// Data and Metadata are set for display_data and execute_result.
	Data     MIMEBundle
	Metadata map[string]any

	// ExecutionCount is set for execute_result. It is the kernel counter
	// reported with the result.
	ExecutionCount *int

	// Ename, Evalue and Traceback are set for error outputs.
	Ename     string
	Evalue    string
	Traceback []string
}

// Cell is a single notebook cell.
type Cell struct {
	// Type is the cell kind. Only code cells execute and carry outputs.
	Type CellType
	// ID is the stable cell identifier introduced in nbformat 4.5.
	// Empty on older documents.
	ID string
	// Index is the cell's position in the parent document, assigned at
	// parse time. Diagnostics and mismatches reference cells by index.
	Index int
	// Source is the cell source text, joined into a single string.
	Source string
	// Metadata is the cell metadata object, passed through untouched.
	Metadata map[string]any
	// Attachments holds inline media referenced by markdown cells
	// (nbformat 4.1+). Passed through untouched.
	Attachments map[string]any
	// Outputs holds output records. Empty for markdown and raw cells and
	// for code cells that have not been executed.
	Outputs []Output
	// ExecutionCount is the kernel counter after the cell last ran.
	// Nil when the cell has never been executed or was stripped.
	ExecutionCount *int
}

// IsCode reports whether the cell is executable.
func (c *Cell) IsCode() bool {
	return c.Type == CellCode
}

// Document is an in-memory notebook. Cell order and count are stable for
// the lifetime of the value; execution rewrites outputs only on copies
// produced by Clone.
type Document struct {
	// Path is the source path the document was loaded from. Informational;
	// empty for documents built in memory.
	Path string
	// NBFormat and NBFormatMinor are the schema version of the source file.
	NBFormat      int
	NBFormatMinor int
	// Metadata is the notebook-level metadata object (kernelspec,
	// language_info, ...), passed through untouched.
	Metadata map[string]any
	// Cells are the notebook cells in document order.
	Cells []Cell
}

// CodeCells returns the indices of all code cells in document order.
func (d *Document) CodeCells() []int {
	var idx []int
	for i := range d.Cells {
		if d.Cells[i].IsCode() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Clone returns a deep copy of the document. The copy shares nothing with
// the receiver; callers may rewrite outputs and metadata freely.
func (d *Document) Clone() *Document {
	out := &Document{
		Path:          d.Path,
		NBFormat:      d.NBFormat,
		NBFormatMinor: d.NBFormatMinor,
		Metadata:      cloneMap(d.Metadata),
		Cells:         make([]Cell, len(d.Cells)),
	}
	for i := range d.Cells {
		out.Cells[i] = d.Cells[i].Clone()
	}
	return out
}

// Clone returns a deep copy of the cell.
func (c *Cell) Clone() Cell {
	out := *c
	out.Metadata = cloneMap(c.Metadata)
	out.Attachments = cloneMap(c.Attachments)
	out.ExecutionCount = cloneIntPtr(c.ExecutionCount)
	if c.Outputs != nil {
		out.Outputs = make([]Output, len(c.Outputs))
		for i := range c.Outputs {
			out.Outputs[i] = c.Outputs[i].Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the output record.
func (o *Output) Clone() Output {
	out := *o
	out.Data = MIMEBundle(cloneMap(o.Data))
	out.Metadata = cloneMap(o.Metadata)
	out.ExecutionCount = cloneIntPtr(o.ExecutionCount)
	if o.Traceback != nil {
		out.Traceback = append([]string(nil), o.Traceback...)
	}
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneMap deep-copies a JSON-shaped map (values are strings, numbers,
// bools, nil, []any or map[string]any after decoding).
func cloneMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case MIMEBundle:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}

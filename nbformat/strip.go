package nbformat

import "github.com/openkickstartai/nbcheck/types"

// Strip clears outputs and execution counts from every code cell, in
// place. Sources, metadata and attachments are untouched. Returns true if
// the document changed, so callers can implement check-only modes and
// skip rewriting clean files.
func Strip(doc *types.Document) bool {
	changed := false
	for i := range doc.Cells {
		cell := &doc.Cells[i]
		if !cell.IsCode() {
			continue
		}
		if len(cell.Outputs) > 0 {
			cell.Outputs = nil
			changed = true
		}
		if cell.ExecutionCount != nil {
			cell.ExecutionCount = nil
			changed = true
		}
	}
	return changed
}

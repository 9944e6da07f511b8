package nbformat

import (
	"testing"

	"github.com/openkickstartai/nbcheck/types"
)

func executedDoc() *types.Document {
	count := 3
	return &types.Document{
		NBFormat:      4,
		NBFormatMinor: 5,
		Cells: []types.Cell{
			{Type: types.CellMarkdown, Index: 0, Source: "# Notes", Attachments: map[string]any{"img.png": map[string]any{}}},
			{
				Type:           types.CellCode,
				Index:          1,
				Source:         "print('hi')",
				ExecutionCount: &count,
				Outputs: []types.Output{
					{Type: types.OutputStream, Name: "stdout", Text: "hi\n"},
				},
			},
			{Type: types.CellCode, Index: 2, Source: "pass"},
		},
	}
}

func TestStrip(t *testing.T) {
	doc := executedDoc()

	if !Strip(doc) {
		t.Fatal("Strip returned false for an executed document")
	}

	for i := range doc.Cells {
		cell := &doc.Cells[i]
		if !cell.IsCode() {
			continue
		}
		if len(cell.Outputs) != 0 {
			t.Errorf("cell %d still has outputs after strip", i)
		}
		if cell.ExecutionCount != nil {
			t.Errorf("cell %d still has execution count after strip", i)
		}
	}

	// Sources and non-code content are untouched.
	if doc.Cells[1].Source != "print('hi')" {
		t.Errorf("strip changed source: %q", doc.Cells[1].Source)
	}
	if doc.Cells[0].Source != "# Notes" {
		t.Errorf("strip changed markdown source: %q", doc.Cells[0].Source)
	}
	if doc.Cells[0].Attachments == nil {
		t.Error("strip dropped markdown attachments")
	}
}

func TestStrip_Idempotent(t *testing.T) {
	doc := executedDoc()
	Strip(doc)

	if Strip(doc) {
		t.Error("second Strip reported changes on a clean document")
	}
}

func TestStrip_CleanDocument(t *testing.T) {
	doc := &types.Document{
		Cells: []types.Cell{
			{Type: types.CellCode, Source: "x = 1"},
			{Type: types.CellMarkdown, Source: "text"},
		},
	}
	if Strip(doc) {
		t.Error("Strip reported changes on a never-executed document")
	}
}

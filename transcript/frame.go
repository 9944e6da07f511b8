// Package transcript records the kernel event stream of a notebook run as
// a length-prefixed msgpack frame log. Transcripts are written while the
// run executes and replayed afterwards by `nbcheck inspect --transcript`.
package transcript

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// SchemaVersion is the transcript record schema version. Bumped in
// lockstep with the project version when the record shape changes.
const SchemaVersion = 1

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize is the maximum payload size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// Record types.
const (
	// RecordNotebookStart opens a transcript: one per file, always first.
	RecordNotebookStart = "notebook_start"
	// RecordKernelEvent is one kernel event captured during execution.
	RecordKernelEvent = "kernel_event"
	// RecordVerdict closes a transcript with the notebook's final verdict.
	RecordVerdict = "verdict"
)

// Record is one transcript frame. Type selects which optional section is
// populated; Seq is strictly increasing within one transcript file.
type Record struct {
	Schema      int    `msgpack:"schema"`
	Type        string `msgpack:"type"`
	Seq         int64  `msgpack:"seq"`
	TimestampMs int64  `msgpack:"timestamp_ms"`
	Notebook    string `msgpack:"notebook"`

	// CellIndex is set on kernel_event records.
	CellIndex int `msgpack:"cell_index,omitempty"`

	Start   *StartRecord   `msgpack:"start,omitempty"`
	Event   *EventRecord   `msgpack:"event,omitempty"`
	Verdict *VerdictRecord `msgpack:"verdict,omitempty"`
}

// StartRecord carries run identity for a notebook_start record.
type StartRecord struct {
	RunID    string `msgpack:"run_id"`
	KernelID string `msgpack:"kernel_id"`
}

// EventRecord is the transcript form of one kernel event. Field names
// mirror the messaging protocol, not the document model, so a transcript
// stays readable next to a kernel log.
type EventRecord struct {
	Kind           string         `msgpack:"kind"`
	StreamName     string         `msgpack:"stream_name,omitempty"`
	Text           string         `msgpack:"text,omitempty"`
	Data           map[string]any `msgpack:"data,omitempty"`
	Metadata       map[string]any `msgpack:"metadata,omitempty"`
	ExecutionCount *int           `msgpack:"execution_count,omitempty"`
	Ename          string         `msgpack:"ename,omitempty"`
	Evalue         string         `msgpack:"evalue,omitempty"`
	Traceback      []string       `msgpack:"traceback,omitempty"`
}

// VerdictRecord is the transcript form of a run verdict.
type VerdictRecord struct {
	Status           string `msgpack:"status"`
	CellsRun         int    `msgpack:"cells_run"`
	DurationMs       int64  `msgpack:"duration_ms"`
	Diagnostic       string `msgpack:"diagnostic,omitempty"`
	FirstFailureCell *int   `msgpack:"first_failure_cell,omitempty"`
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error makes the rest of the stream
// unreadable. Partial and oversized frames are fatal: the decoder has
// lost frame alignment. A single undecodable payload is not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError reports whether err is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Encoder writes length-prefixed msgpack frames to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one record as a frame: 4-byte big-endian payload length,
// then the msgpack payload.
func (e *Encoder) Encode(rec *Record) error {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "encode record", Err: err}
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := e.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed msgpack frames from a stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads and decodes the next record.
//
// Errors:
//   - io.EOF: stream ended cleanly on a frame boundary
//   - *FrameError with Kind=FrameErrorPartial: truncated frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
//   - *FrameError with Kind=FrameErrorDecode: undecodable payload
func (d *Decoder) Next() (*Record, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(prefix[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "read payload", Err: err}
	}

	var rec Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "decode record", Err: err}
	}
	return &rec, nil
}

// ReadAll decodes every record from r until EOF.
func ReadAll(r io.Reader) ([]*Record, error) {
	dec := NewDecoder(r)
	var records []*Record
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

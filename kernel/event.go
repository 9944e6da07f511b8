package kernel

import "github.com/openkickstartai/nbcheck/types"

// EventKind discriminates execution events.
type EventKind string

const (
	// EventStream is incremental stdout or stderr text.
	EventStream EventKind = "stream"
	// EventDisplayData is a rich MIME rendering side effect.
	EventDisplayData EventKind = "display_data"
	// EventExecuteResult is the value of the cell's last expression.
	EventExecuteResult EventKind = "execute_result"
	// EventError is an unhandled exception. It terminates the execution:
	// no further events follow on the stream.
	EventError EventKind = "error"
	// EventDone is the success marker. It carries the kernel's execution
	// counter and terminates the stream.
	EventDone EventKind = "done"
)

// Event is one element of the ordered stream a Submit call produces. The
// stream is finite: it ends with EventDone on success or EventError on an
// unhandled exception, after which the channel is closed. A channel that
// closes without either marker means the kernel died mid-execution;
// Session.Err explains.
type Event struct {
	Kind EventKind

	// StreamName and Text are set for stream events.
	StreamName string
	Text       string

	// Data and Metadata are set for display_data and execute_result.
	Data     types.MIMEBundle
	Metadata map[string]any

	// ExecutionCount is set on execute_result and done events.
	ExecutionCount *int

	// Ename, Evalue and Traceback are set for error events.
	Ename     string
	Evalue    string
	Traceback []string
}

// Terminal reports whether the event ends its execution stream.
func (e *Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Output converts an output-bearing event into the document output record
// it corresponds to. ok is false for marker-only events (EventDone).
func (e *Event) Output() (types.Output, bool) {
	switch e.Kind {
	case EventStream:
		return types.Output{Type: types.OutputStream, Name: e.StreamName, Text: e.Text}, true
	case EventDisplayData:
		return types.Output{Type: types.OutputDisplayData, Data: e.Data, Metadata: e.Metadata}, true
	case EventExecuteResult:
		return types.Output{
			Type:           types.OutputExecuteResult,
			Data:           e.Data,
			Metadata:       e.Metadata,
			ExecutionCount: e.ExecutionCount,
		}, true
	case EventError:
		return types.Output{
			Type:      types.OutputError,
			Ename:     e.Ename,
			Evalue:    e.Evalue,
			Traceback: e.Traceback,
		}, true
	default:
		return types.Output{}, false
	}
}

package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/types"
)

// scriptedTransport feeds canned message sequences to a session. Writes
// are recorded and answered through the respond hook, which lets each
// test script an exact kernel behavior.
type scriptedTransport struct {
	mu      sync.Mutex
	inbox   chan *WireMessage
	written []*WireMessage
	closed  chan struct{}
	once    sync.Once

	// respond maps an outbound message to the inbound messages the fake
	// kernel answers with. Nil responses leave the session waiting.
	respond func(msg *WireMessage) []*WireMessage
}

func newScriptedTransport(respond func(msg *WireMessage) []*WireMessage) *scriptedTransport {
	return &scriptedTransport{
		inbox:   make(chan *WireMessage, 32),
		closed:  make(chan struct{}),
		respond: respond,
	}
}

func (t *scriptedTransport) ReadMessage() (*WireMessage, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		// Drain anything scripted before the close.
		select {
		case msg := <-t.inbox:
			return msg, nil
		default:
			return nil, errors.New("connection closed")
		}
	}
}

func (t *scriptedTransport) WriteMessage(msg *WireMessage) error {
	select {
	case <-t.closed:
		return errors.New("connection closed")
	default:
	}

	t.mu.Lock()
	t.written = append(t.written, msg)
	respond := t.respond
	t.mu.Unlock()

	if respond != nil {
		for _, r := range respond(msg) {
			t.inbox <- r
		}
	}
	return nil
}

func (t *scriptedTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// inject delivers an unsolicited message, as if the kernel spoke first.
func (t *scriptedTransport) inject(msg *WireMessage) {
	t.inbox <- msg
}

func (t *scriptedTransport) writtenTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, msg := range t.written {
		out = append(out, msg.Header.MsgType)
	}
	return out
}

// fakeControl records control plane calls.
type fakeControl struct {
	mu           sync.Mutex
	interrupts   []string
	shutdowns    []string
	interruptErr error
}

func (c *fakeControl) Interrupt(_ context.Context, kernelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts = append(c.interrupts, kernelID)
	return c.interruptErr
}

func (c *fakeControl) Shutdown(_ context.Context, kernelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns = append(c.shutdowns, kernelID)
	return nil
}

func (c *fakeControl) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shutdowns)
}

// kernelMsg builds an inbound message from the fake kernel.
func kernelMsg(msgType, channel string, parent *WireMessage, content any) *WireMessage {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	msg := &WireMessage{
		Header: MessageHeader{
			MsgID:   "k-" + msgType,
			Session: "kernel-session",
			MsgType: msgType,
			Version: ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}
	if parent != nil {
		msg.ParentHeader = parent.Header
	}
	return msg
}

// answerHandshake responds to kernel_info_request only.
func answerHandshake(msg *WireMessage) []*WireMessage {
	if msg.Header.MsgType == msgKernelInfoReq {
		return []*WireMessage{
			kernelMsg(msgKernelInfoReply, ChannelShell, msg, map[string]any{"status": "ok"}),
		}
	}
	return nil
}

// scriptExecution answers the handshake and responds to execute_request
// with the given mid-execution messages wrapped in busy/reply/idle.
func scriptExecution(outputs func(req *WireMessage) []*WireMessage, reply func(req *WireMessage) *WireMessage) func(*WireMessage) []*WireMessage {
	return func(msg *WireMessage) []*WireMessage {
		if r := answerHandshake(msg); r != nil {
			return r
		}
		if msg.Header.MsgType != msgExecuteRequest {
			return nil
		}
		msgs := []*WireMessage{
			kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "busy"}),
		}
		if outputs != nil {
			msgs = append(msgs, outputs(msg)...)
		}
		msgs = append(msgs,
			reply(msg),
			kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "idle"}),
		)
		return msgs
	}
}

func okReply(count int) func(req *WireMessage) *WireMessage {
	return func(req *WireMessage) *WireMessage {
		return kernelMsg(msgExecuteReply, ChannelShell, req, executeReplyContent{
			Status:         "ok",
			ExecutionCount: &count,
		})
	}
}

func testLogger() *log.Logger {
	return log.NewLogger("test").WithOutput(io.Discard)
}

func startSession(t *testing.T, transport Transport, control ControlPlane) *Session {
	t.Helper()
	s := NewSession("kernel-1", transport, control, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func recvEvent(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for {
		ev, ok := recvEvent(t, ch)
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func TestSession_Start_Handshake(t *testing.T) {
	transport := newScriptedTransport(answerHandshake)
	s := startSession(t, transport, &fakeControl{})

	if got := s.State(); got != StateReady {
		t.Errorf("state after Start = %q, want ready", got)
	}
	written := transport.writtenTypes()
	if len(written) != 1 || written[0] != msgKernelInfoReq {
		t.Errorf("written messages = %v, want [kernel_info_request]", written)
	}
}

func TestSession_Submit_SuccessStream(t *testing.T) {
	respond := scriptExecution(func(req *WireMessage) []*WireMessage {
		return []*WireMessage{
			kernelMsg(msgStream, ChannelIOPub, req, streamContent{Name: "stdout", Text: "hello\n"}),
			kernelMsg(msgExecuteResult, ChannelIOPub, req, executeResultContent{
				Data:           map[string]any{"text/plain": "42"},
				Metadata:       map[string]any{},
				ExecutionCount: 3,
			}),
		}
	}, okReply(3))

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	ch, err := s.Submit(context.Background(), "print('hello'); 42")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != EventStream || events[0].Text != "hello\n" || events[0].StreamName != "stdout" {
		t.Errorf("event 0 = %+v, want stdout stream", events[0])
	}
	if events[1].Kind != EventExecuteResult {
		t.Errorf("event 1 kind = %q, want execute_result", events[1].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != EventDone {
		t.Errorf("terminal event kind = %q, want done", last.Kind)
	}
	if last.ExecutionCount == nil || *last.ExecutionCount != 3 {
		t.Errorf("done marker count = %v, want 3", last.ExecutionCount)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("state after completed execution = %q, want ready", got)
	}
}

func TestSession_Submit_ErrorMarker(t *testing.T) {
	respond := scriptExecution(func(req *WireMessage) []*WireMessage {
		return []*WireMessage{
			kernelMsg(msgError, ChannelIOPub, req, errorContent{
				Ename:     "NameError",
				Evalue:    "name 'y' is not defined",
				Traceback: []string{"Traceback", "NameError"},
			}),
		}
	}, func(req *WireMessage) *WireMessage {
		return kernelMsg(msgExecuteReply, ChannelShell, req, executeReplyContent{
			Status: "error",
			Ename:  "NameError",
			Evalue: "name 'y' is not defined",
		})
	})

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	ch, err := s.Submit(context.Background(), "y")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	last := events[0]
	if last.Kind != EventError || last.Ename != "NameError" {
		t.Errorf("terminal event = %+v, want NameError error marker", last)
	}

	// An errored cell leaves the session usable.
	if got := s.State(); got != StateReady {
		t.Errorf("state after errored execution = %q, want ready", got)
	}
}

func TestSession_Submit_WhileBusy(t *testing.T) {
	// Respond with busy only: the execution never completes.
	respond := func(msg *WireMessage) []*WireMessage {
		if r := answerHandshake(msg); r != nil {
			return r
		}
		if msg.Header.MsgType == msgExecuteRequest {
			return []*WireMessage{kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "busy"})}
		}
		return nil
	}

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	if _, err := s.Submit(context.Background(), "import time; time.sleep(60)"); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	_, err := s.Submit(context.Background(), "x = 1")
	if err == nil {
		t.Fatal("second Submit succeeded while busy")
	}
	if !IsProtocolViolation(err) {
		t.Errorf("error %v is not a protocol violation", err)
	}
}

func TestSession_Crash_MidExecution(t *testing.T) {
	respond := func(msg *WireMessage) []*WireMessage {
		if r := answerHandshake(msg); r != nil {
			return r
		}
		if msg.Header.MsgType == msgExecuteRequest {
			return []*WireMessage{
				kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "busy"}),
				kernelMsg(msgStream, ChannelIOPub, msg, streamContent{Name: "stdout", Text: "partial"}),
			}
		}
		return nil
	}

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	ch, err := s.Submit(context.Background(), "while True: pass")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Receive the partial output, then kill the connection.
	ev, ok := recvEvent(t, ch)
	if !ok || ev.Kind != EventStream {
		t.Fatalf("expected stream event, got %+v ok=%v", ev, ok)
	}
	_ = transport.Close()

	// Channel must close without a terminal marker.
	for {
		ev, ok := recvEvent(t, ch)
		if !ok {
			break
		}
		if ev.Terminal() {
			t.Fatalf("received terminal event %+v after kernel death", ev)
		}
	}

	if got := s.State(); got != StateCrashed {
		t.Errorf("state after connection loss = %q, want crashed", got)
	}
	if err := s.Err(); !IsCrash(err) {
		t.Errorf("Err() = %v, want crash error", err)
	}
}

func TestSession_RestartStatus_IsCrash(t *testing.T) {
	transport := newScriptedTransport(answerHandshake)
	s := startSession(t, transport, &fakeControl{})

	// Unparented lifecycle status announcing a restart.
	transport.inject(kernelMsg(msgStatus, ChannelIOPub, nil, statusContent{ExecutionState: "restarting"}))

	deadline := time.After(5 * time.Second)
	for s.State() != StateCrashed {
		select {
		case <-deadline:
			t.Fatal("session never entered crashed state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := s.Err(); !IsCrash(err) {
		t.Errorf("Err() = %v, want crash error", err)
	}
}

func TestSession_AbortedReply_SynthesizesErrorMarker(t *testing.T) {
	respond := scriptExecution(nil, func(req *WireMessage) *WireMessage {
		return kernelMsg(msgExecuteReply, ChannelShell, req, executeReplyContent{Status: "aborted"})
	})

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	ch, err := s.Submit(context.Background(), "x = 1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("events = %+v, want single synthesized error marker", events)
	}
	if events[0].Ename != "ExecutionAborted" {
		t.Errorf("synthesized Ename = %q", events[0].Ename)
	}
}

func TestSession_DropsOutputsAfterError(t *testing.T) {
	respond := scriptExecution(func(req *WireMessage) []*WireMessage {
		return []*WireMessage{
			kernelMsg(msgError, ChannelIOPub, req, errorContent{Ename: "RuntimeError", Evalue: "boom"}),
			kernelMsg(msgStream, ChannelIOPub, req, streamContent{Name: "stdout", Text: "late flush"}),
		}
	}, func(req *WireMessage) *WireMessage {
		return kernelMsg(msgExecuteReply, ChannelShell, req, executeReplyContent{Status: "error", Ename: "RuntimeError"})
	})

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	ch, err := s.Submit(context.Background(), "boom()")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the error marker: %+v", len(events), events)
	}
	if events[0].Kind != EventError {
		t.Errorf("event kind = %q, want error", events[0].Kind)
	}
}

func TestSession_Interrupt_RoutesToControlPlane(t *testing.T) {
	control := &fakeControl{}
	transport := newScriptedTransport(answerHandshake)
	s := startSession(t, transport, control)

	if err := s.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if len(control.interrupts) != 1 || control.interrupts[0] != "kernel-1" {
		t.Errorf("interrupts = %v, want [kernel-1]", control.interrupts)
	}
}

func TestSession_Shutdown_Idempotent(t *testing.T) {
	control := &fakeControl{}
	transport := newScriptedTransport(answerHandshake)
	s := startSession(t, transport, control)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}

	if got := s.State(); got != StateShutdown {
		t.Errorf("state = %q, want shutdown", got)
	}
	if control.shutdownCount() != 1 {
		t.Errorf("control plane shutdown called %d times, want 1", control.shutdownCount())
	}
}

func TestSession_Submit_AfterShutdown(t *testing.T) {
	transport := newScriptedTransport(answerHandshake)
	s := startSession(t, transport, &fakeControl{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := s.Submit(context.Background(), "x = 1")
	if !IsProtocolViolation(err) {
		t.Errorf("Submit after shutdown returned %v, want protocol violation", err)
	}
}

func TestSession_SequentialSubmits(t *testing.T) {
	counts := 0
	respond := func(msg *WireMessage) []*WireMessage {
		if r := answerHandshake(msg); r != nil {
			return r
		}
		if msg.Header.MsgType != msgExecuteRequest {
			return nil
		}
		counts++
		n := counts
		return []*WireMessage{
			kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "busy"}),
			kernelMsg(msgExecuteReply, ChannelShell, msg, executeReplyContent{Status: "ok", ExecutionCount: &n}),
			kernelMsg(msgStatus, ChannelIOPub, msg, statusContent{ExecutionState: "idle"}),
		}
	}

	transport := newScriptedTransport(respond)
	s := startSession(t, transport, &fakeControl{})

	for want := 1; want <= 3; want++ {
		ch, err := s.Submit(context.Background(), "x = 1")
		if err != nil {
			t.Fatalf("Submit %d failed: %v", want, err)
		}
		events := collectEvents(t, ch)
		last := events[len(events)-1]
		if last.Kind != EventDone || *last.ExecutionCount != want {
			t.Fatalf("submit %d terminal = %+v", want, last)
		}
	}
}

func TestEvent_Output(t *testing.T) {
	count := 2
	tests := []struct {
		name   string
		event  Event
		wantOK bool
		want   types.OutputType
	}{
		{"stream", Event{Kind: EventStream, StreamName: "stdout", Text: "x"}, true, types.OutputStream},
		{"display", Event{Kind: EventDisplayData, Data: types.MIMEBundle{}}, true, types.OutputDisplayData},
		{"result", Event{Kind: EventExecuteResult, ExecutionCount: &count}, true, types.OutputExecuteResult},
		{"error", Event{Kind: EventError, Ename: "E"}, true, types.OutputError},
		{"done", Event{Kind: EventDone}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := tt.event.Output()
			if ok != tt.wantOK {
				t.Fatalf("Output() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && out.Type != tt.want {
				t.Errorf("Output() type = %q, want %q", out.Type, tt.want)
			}
		})
	}
}

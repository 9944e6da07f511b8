package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openkickstartai/nbcheck/log"
)

// State is the session lifecycle state.
type State string

const (
	// StateNotStarted means Start has not completed its handshake.
	StateNotStarted State = "not_started"
	// StateReady means the session can accept a Submit.
	StateReady State = "ready"
	// StateBusy means an execution is in flight.
	StateBusy State = "busy"
	// StateShutdown is terminal: the session was torn down deliberately.
	StateShutdown State = "shutdown"
	// StateCrashed is terminal: the kernel or its connection died.
	StateCrashed State = "crashed"
)

// ControlPlane issues out-of-band kernel operations. Interrupt is the only
// signal that can reach a busy kernel; both calls go over the gateway's
// REST surface, not the websocket.
type ControlPlane interface {
	Interrupt(ctx context.Context, kernelID string) error
	Shutdown(ctx context.Context, kernelID string) error
}

// Session drives one kernel through the messaging protocol. It accepts a
// single execution at a time: Submit in any state but ready is a protocol
// violation. All methods are safe for concurrent use; event delivery
// order matches the kernel's emission order.
type Session struct {
	kernelID  string
	sessionID string
	transport Transport
	control   ControlPlane
	logger    *log.Logger

	mu       sync.Mutex
	state    State
	crashErr error
	exec     *execution

	readyOnce  sync.Once
	readyCh    chan struct{}
	readerDone chan struct{}
}

// execution tracks one in-flight execute_request. Completion needs both
// the shell reply and the iopub idle status; either may arrive first.
type execution struct {
	parentID  string
	events    chan Event
	abort     chan struct{}
	reply     *executeReplyContent
	gotIdle   bool
	errorSeen bool
}

// eventBuffer bounds how far the kernel can run ahead of the consumer
// before event delivery applies backpressure.
const eventBuffer = 64

// NewSession wraps an established transport for the given kernel. The
// session is not usable until Start completes.
func NewSession(kernelID string, transport Transport, control ControlPlane, logger *log.Logger) *Session {
	return &Session{
		kernelID:   kernelID,
		sessionID:  uuid.New().String(),
		transport:  transport,
		control:    control,
		logger:     logger,
		state:      StateNotStarted,
		readyCh:    make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// KernelID returns the gateway's identifier for the kernel.
func (s *Session) KernelID() string {
	return s.kernelID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the crash cause after the session entered StateCrashed,
// nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashErr
}

// Start launches the read loop and performs the kernel_info handshake.
// The kernel may still be booting when the websocket opens; the handshake
// reply is the signal that it is ready for work.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		st := s.state
		s.mu.Unlock()
		return &ProtocolViolationError{Op: "start", State: st, Reason: "session already started"}
	}
	s.mu.Unlock()

	go s.readLoop()

	msg, err := newKernelInfoRequest(s.sessionID)
	if err != nil {
		return err
	}
	if err := s.transport.WriteMessage(msg); err != nil {
		s.teardownTransport()
		return fmt.Errorf("kernel %s handshake: %w", s.kernelID, err)
	}

	select {
	case <-s.readyCh:
	case <-s.readerDone:
		if err := s.Err(); err != nil {
			return err
		}
		return &CrashError{KernelID: s.kernelID, Err: fmt.Errorf("connection closed during handshake")}
	case <-ctx.Done():
		s.teardownTransport()
		return fmt.Errorf("kernel %s handshake: %w", s.kernelID, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		// Crashed or torn down between handshake reply and here.
		if s.crashErr != nil {
			return s.crashErr
		}
		return &ProtocolViolationError{Op: "start", State: s.state, Reason: "state changed during handshake"}
	}
	s.state = StateReady
	s.logger.Debug("session ready", map[string]any{"kernel_id": s.kernelID})
	return nil
}

// Submit sends one cell source for execution and returns its event
// stream. The stream is finite and ordered; it ends with EventDone or
// EventError, after which the channel closes. A close without either
// marker means the kernel died mid-execution and Err explains why.
func (s *Session) Submit(ctx context.Context, source string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return nil, &ProtocolViolationError{Op: "submit", State: st, Reason: "session must be ready"}
	}
	msg, err := newExecuteRequest(s.sessionID, source)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ex := &execution{
		parentID: msg.Header.MsgID,
		events:   make(chan Event, eventBuffer),
		abort:    make(chan struct{}),
	}
	s.exec = ex
	s.state = StateBusy
	s.mu.Unlock()

	if err := s.transport.WriteMessage(msg); err != nil {
		s.fail(fmt.Errorf("write execute_request: %w", err))
		return nil, s.Err()
	}
	return ex.events, nil
}

// Interrupt asks the kernel to abort the current execution. A successful
// interrupt surfaces on the event stream as an error marker; the session
// returns to ready and stays usable. Safe to call in any state.
func (s *Session) Interrupt(ctx context.Context) error {
	if err := s.control.Interrupt(ctx, s.kernelID); err != nil {
		return fmt.Errorf("interrupt kernel %s: %w", s.kernelID, err)
	}
	return nil
}

// Shutdown tears the session down: closes the websocket, stops the read
// loop and deletes the kernel through the control plane so the gateway
// reaps the process. Idempotent. Runs on every teardown path, including
// after crashes.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	wasCrashed := s.state == StateCrashed
	s.state = StateShutdown
	ex := s.exec
	s.mu.Unlock()

	if ex != nil {
		// Unblock any pending event delivery so the reader can exit.
		close(ex.abort)
	}
	if !wasCrashed {
		s.teardownTransport()
	}

	if err := s.control.Shutdown(ctx, s.kernelID); err != nil {
		return fmt.Errorf("shutdown kernel %s: %w", s.kernelID, err)
	}
	s.logger.Debug("session shut down", map[string]any{"kernel_id": s.kernelID})
	return nil
}

// teardownTransport closes the socket and waits for the reader to exit.
func (s *Session) teardownTransport() {
	_ = s.transport.Close()
	<-s.readerDone
}

// readLoop is the single reader of the transport. It routes inbound
// messages to the current execution and exits on the first read error,
// which is either the deliberate close from Shutdown or a dead kernel.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		msg, err := s.transport.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
		if err := s.dispatch(msg); err != nil {
			s.fail(err)
			return
		}
	}
}

// fail marks the session crashed and closes the pending event stream
// without a terminal marker. After a deliberate Shutdown the read error
// is expected and only the pending stream cleanup runs.
func (s *Session) fail(err error) {
	s.mu.Lock()
	alreadyTerminal := s.state == StateShutdown || s.state == StateCrashed
	if !alreadyTerminal {
		s.state = StateCrashed
		s.crashErr = &CrashError{KernelID: s.kernelID, Err: err}
	}
	ex := s.exec
	s.exec = nil
	s.mu.Unlock()

	if ex != nil {
		close(ex.events)
	}
	if !alreadyTerminal {
		s.logger.Warn("kernel connection lost", map[string]any{
			"kernel_id": s.kernelID,
			"error":     err.Error(),
		})
	}
}

// dispatch routes one inbound message. Returning a non-nil error kills
// the session; stray and unknown messages are ignored instead.
func (s *Session) dispatch(msg *WireMessage) error {
	if msg.Header.MsgType == msgKernelInfoReply {
		s.readyOnce.Do(func() { close(s.readyCh) })
		return nil
	}

	// Kernel-wide lifecycle statuses arrive unparented. A restart loses
	// all interpreter state, so for a test run it is indistinguishable
	// from a crash.
	if msg.Header.MsgType == msgStatus {
		var status statusContent
		if err := decodeContent(msg, &status); err == nil {
			if status.ExecutionState == "restarting" || status.ExecutionState == "dead" {
				return fmt.Errorf("kernel reported state %q", status.ExecutionState)
			}
		}
	}

	s.mu.Lock()
	ex := s.exec
	s.mu.Unlock()
	if ex == nil || msg.ParentHeader.MsgID != ex.parentID {
		// Output of an abandoned execution, or chatter from other
		// clients of the same kernel. Not ours.
		return nil
	}

	switch msg.Header.MsgType {
	case msgStatus:
		var status statusContent
		if err := decodeContent(msg, &status); err != nil {
			return err
		}
		if status.ExecutionState == "idle" {
			ex.gotIdle = true
			s.maybeFinish(ex)
		}

	case msgStream:
		var content streamContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		s.deliver(ex, Event{Kind: EventStream, StreamName: content.Name, Text: content.Text})

	case msgDisplayData, msgUpdateDisplayData:
		var content displayDataContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		s.deliver(ex, Event{Kind: EventDisplayData, Data: content.Data, Metadata: content.Metadata})

	case msgExecuteResult:
		var content executeResultContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		count := content.ExecutionCount
		s.deliver(ex, Event{
			Kind:           EventExecuteResult,
			Data:           content.Data,
			Metadata:       content.Metadata,
			ExecutionCount: &count,
		})

	case msgError:
		var content errorContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		ex.errorSeen = true
		s.deliver(ex, Event{
			Kind:      EventError,
			Ename:     content.Ename,
			Evalue:    content.Evalue,
			Traceback: content.Traceback,
		})

	case msgExecuteReply:
		var content executeReplyContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		ex.reply = &content
		s.maybeFinish(ex)

	case msgExecuteInput:
		// Echo of the submitted code. Ignored.

	default:
		// comm_*, clear_output and friends. Ignored.
	}
	return nil
}

// deliver sends one event, dropping it if the execution was abandoned or
// already failed. After an error event the stream is terminated, so any
// straggler outputs a kernel flushes late are discarded.
func (s *Session) deliver(ex *execution, ev Event) {
	if ex.errorSeen && ev.Kind != EventError {
		return
	}
	select {
	case ex.events <- ev:
	case <-ex.abort:
	}
}

// maybeFinish completes the execution once both the shell reply and the
// iopub idle status have arrived. Success delivers the done marker; a
// failed reply without a preceding iopub error (an aborted cell) gets a
// synthesized error marker so the stream always terminates explicitly.
func (s *Session) maybeFinish(ex *execution) {
	if ex.reply == nil || !ex.gotIdle {
		return
	}

	if ex.reply.Status == "ok" {
		s.deliver(ex, Event{Kind: EventDone, ExecutionCount: ex.reply.ExecutionCount})
	} else if !ex.errorSeen {
		ev := Event{
			Kind:      EventError,
			Ename:     ex.reply.Ename,
			Evalue:    ex.reply.Evalue,
			Traceback: ex.reply.Traceback,
		}
		if ev.Ename == "" {
			ev.Ename = "ExecutionAborted"
			ev.Evalue = "execution aborted before completion"
		}
		ex.errorSeen = true
		s.deliver(ex, ev)
	}

	s.mu.Lock()
	if s.exec == ex {
		s.exec = nil
		if s.state == StateBusy {
			s.state = StateReady
		}
	}
	s.mu.Unlock()
	close(ex.events)
}

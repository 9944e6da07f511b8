// Package kernel implements a client session for the Jupyter messaging
// protocol (v5.3) over a single multiplexed websocket, the framing used by
// Jupyter Kernel Gateway and Jupyter Server channel endpoints.
//
// A Session owns exactly one kernel and accepts one execution at a time.
// Sessions move through an explicit state machine; misuse (submitting
// while busy) is a protocol violation and surfaces as an error rather
// than being queued or dropped.
package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the Jupyter messaging protocol version spoken.
const ProtocolVersion = "5.3"

// Channel names used by the multiplexed websocket framing.
const (
	ChannelShell = "shell"
	ChannelIOPub = "iopub"
)

// Message types handled by the session.
const (
	msgExecuteRequest    = "execute_request"
	msgExecuteReply      = "execute_reply"
	msgExecuteInput      = "execute_input"
	msgKernelInfoReq     = "kernel_info_request"
	msgKernelInfoReply   = "kernel_info_reply"
	msgStatus            = "status"
	msgStream            = "stream"
	msgDisplayData       = "display_data"
	msgUpdateDisplayData = "update_display_data"
	msgExecuteResult     = "execute_result"
	msgError             = "error"
)

// MessageHeader is the protocol message header.
type MessageHeader struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// WireMessage is one protocol message as framed on the websocket. The
// channel field multiplexes shell and iopub over the single socket.
type WireMessage struct {
	Header       MessageHeader   `json:"header"`
	ParentHeader MessageHeader   `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
}

// executeRequestContent is the execute_request payload. Stdin is always
// disallowed: a CI runner has no user to prompt, and with allow_stdin
// false kernels raise StdinNotImplementedError instead of hanging.
type executeRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type displayDataContent struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

type executeResultContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount int            `json:"execution_count"`
}

type errorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// executeReplyContent is the shell reply. For status "error" the reply
// duplicates the iopub error fields.
type executeReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount *int     `json:"execution_count"`
	Ename          string   `json:"ename"`
	Evalue         string   `json:"evalue"`
	Traceback      []string `json:"traceback"`
}

// newMessage builds an outbound message for the given session identity.
func newMessage(sessionID, msgType, channel string, content any) (*WireMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &WireMessage{
		Header: MessageHeader{
			MsgID:    uuid.New().String(),
			Session:  sessionID,
			Username: "nbcheck",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// newExecuteRequest builds an execute_request for one cell source.
func newExecuteRequest(sessionID, source string) (*WireMessage, error) {
	return newMessage(sessionID, msgExecuteRequest, ChannelShell, executeRequestContent{
		Code:            source,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     false,
	})
}

// newKernelInfoRequest builds the readiness handshake message.
func newKernelInfoRequest(sessionID string) (*WireMessage, error) {
	return newMessage(sessionID, msgKernelInfoReq, ChannelShell, map[string]any{})
}

// decodeContent unmarshals a message payload into dst.
func decodeContent(msg *WireMessage, dst any) error {
	if len(msg.Content) == 0 {
		return fmt.Errorf("%s message has no content", msg.Header.MsgType)
	}
	if err := json.Unmarshal(msg.Content, dst); err != nil {
		return fmt.Errorf("decode %s content: %w", msg.Header.MsgType, err)
	}
	return nil
}

package bridge

import (
	"encoding/json"

	"VLabAssist/internal/chatbot"
	"VLabAssist/internal/session"
)

// JSON-RPC 2.0 messages exchanged with the web UI

// Request represents a JSON-RPC 2.0 request. ID is kept raw so string and
// numeric ids are echoed unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-initiated message without an id
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

const (
	MethodSend        = "chat/send"
	MethodNew         = "chat/new"
	MethodSwitch      = "chat/switch"
	MethodDelete      = "chat/delete"
	MethodList        = "chat/list"
	MethodMessages    = "chat/messages"
	MethodLatestReply = "chat/latestReply"
	MethodProfiles    = "chat/profiles"

	// MethodEvent carries a chatbot.Event to every connection
	MethodEvent = "event"
)

// SendParams represents parameters for chat/send
type SendParams struct {
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// IDParams selects a session
type IDParams struct {
	ID int64 `json:"id"`
}

// DeleteParams represents parameters for chat/delete. Confirm carries the
// user's answer to the confirmation prompt.
type DeleteParams struct {
	ID      int64 `json:"id"`
	Confirm bool  `json:"confirm"`
}

// ExchangeResult represents result from chat/send
type ExchangeResult struct {
	ID        string          `json:"id"`
	SessionID int64           `json:"sessionId"`
	Profile   string          `json:"profile"`
	Outcome   chatbot.Outcome `json:"outcome"`
	Text      string          `json:"text"`
	Fragments int             `json:"fragments"`
	Malformed int             `json:"malformed"`
	Error     string          `json:"error,omitempty"`
}

func newExchangeResult(ex *chatbot.Exchange) ExchangeResult {
	res := ExchangeResult{
		ID:        ex.ID,
		SessionID: ex.SessionID,
		Profile:   ex.Profile,
		Outcome:   ex.Outcome,
		Text:      ex.Text,
		Fragments: ex.Fragments,
		Malformed: ex.Malformed,
	}
	if ex.Err != nil {
		res.Error = ex.Err.Error()
	}
	return res
}

// ListResult represents result from chat/list
type ListResult struct {
	ActiveID int64                 `json:"activeId,omitempty"`
	Sessions []session.ChatSession `json:"sessions"`
}

// MessagesResult represents result from chat/messages and chat/switch
type MessagesResult struct {
	Messages []session.Message `json:"messages"`
}

// DeleteResult represents result from chat/delete
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// ReplyResult represents result from chat/latestReply
type ReplyResult struct {
	Text  string `json:"text"`
	Found bool   `json:"found"`
}

// ProfileInfo describes a model profile to the UI
type ProfileInfo struct {
	Key             string `json:"key"`
	DisplayName     string `json:"displayName"`
	ExpectedLatency string `json:"expectedLatency"`
	RequiresImage   bool   `json:"requiresImage"`
}

package types

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/jsonrpc2"
)

// ProtocolVersion is the MCP revision spoken by the server.
const ProtocolVersion = "2024-11-05"

const JSONRPCVersion = "2.0"

// JSON-RPC error codes, re-exported so callers need not import jsonrpc2.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
)

// JSONRPCError is the error member of a response. It implements error.
type JSONRPCError = jsonrpc2.Error

// ID is a JSON-RPC request id (number or string).
type ID = jsonrpc2.ID

// JSONRPCMessage is a request, notification or response envelope.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsNotification is true for a method call without an id.
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsRequest is true for a method call that expects a response.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse is true for a result or error sent by the peer.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewResult builds a success response for id.
func NewResult(id *ID, result any) (*JSONRPCMessage, error) {
	buf, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: buf}, nil
}

// NewError builds an error response for id.
func NewError(id *ID, code int64, message string) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// NewNotification builds a server to client notification.
func NewNotification(method string, params any) (*JSONRPCMessage, error) {
	msg := &JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = buf
	}
	return msg, nil
}

// ErrEmptyBatch is an invalid request under JSON-RPC 2.0.
var ErrEmptyBatch = errors.New("empty batch")

// DecodeMessages parses a single message or a batch.
func DecodeMessages(body []byte) ([]*JSONRPCMessage, bool, error) {
	trimmed := trimLeft(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []*JSONRPCMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, err
		}
		if len(batch) == 0 {
			return nil, true, ErrEmptyBatch
		}
		return batch, true, nil
	}
	var msg JSONRPCMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false, err
	}
	return []*JSONRPCMessage{&msg}, false, nil
}

func trimLeft(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r') {
		b = b[1:]
	}
	return b
}

type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// Content is one block of a tool result.
type Content struct {
	Type     ContentType       `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

type ListChangedCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type ServerCapabilities struct {
	Logging   *struct{}              `json:"logging,omitempty"`
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ResourcesCapability   `json:"resources,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// InputSchema is the JSON schema subset used to describe tool arguments.
type InputSchema struct {
	Type                 string                  `json:"type"`
	Description          string                  `json:"description,omitempty"`
	Properties           map[string]*InputSchema `json:"properties,omitempty"`
	Required             []string                `json:"required,omitempty"`
	Enum                 []any                   `json:"enum,omitempty"`
	Pattern              string                  `json:"pattern,omitempty"`
	Minimum              *float64                `json:"minimum,omitempty"`
	Maximum              *float64                `json:"maximum,omitempty"`
	Items                *InputSchema            `json:"items,omitempty"`
	AdditionalProperties *bool                   `json:"additionalProperties,omitempty"`
}

type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// Tool is the descriptor returned by tools/list.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema InputSchema      `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolError wraps err as an error result so the session stays usable.
func ToolError(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}, IsError: true}
}

// ToolText is a single text block result.
func ToolText(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}}
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type SetLevelParams struct {
	Level string `json:"level"`
}

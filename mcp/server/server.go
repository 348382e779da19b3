// Package server implements the per-session MCP protocol server: it answers
// the lifecycle handshake and dispatches tools/* and resources/* calls to a
// shared Registry.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/transport"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/panics"
)

var ErrRegistryNotSealed = errors.New("registry must be sealed before serving")

// ContextSaver persists a session's context after it changes.
type ContextSaver func(ctx context.Context, sessionID string, values map[string]json.RawMessage) error

// Observer is told about every inbound method, including unknown ones.
type Observer func(method string)

type Server struct {
	sessionID    string
	registry     *Registry
	info         types.Implementation
	instructions string
	bag          *Context
	saver        ContextSaver
	observer     Observer
	logger       logger.Logger

	// calls serializes tool handlers and the context save after each.
	calls sync.Mutex

	mu          sync.Mutex
	saved       uint64
	initialized bool
	client      types.Implementation
	logLevel    string
}

type Option func(*Server)

// WithContext seeds the session with a previously saved context.
func WithContext(c *Context) Option {
	return func(s *Server) { s.bag = c }
}

func WithContextSaver(saver ContextSaver) Option {
	return func(s *Server) { s.saver = saver }
}

func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// New returns the protocol server for one session.
func New(sessionID string, registry *Registry, info types.Implementation, opts ...Option) (*Server, error) {
	if registry == nil || !registry.Sealed() {
		return nil, ErrRegistryNotSealed
	}
	s := &Server{
		sessionID: sessionID,
		registry:  registry,
		info:      info,
		logger:    logger.NewConsoleLogger(logger.LevelNone),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bag == nil {
		s.bag = NewContext(nil)
	}
	s.saved = s.bag.Digest()
	return s, nil
}

func (s *Server) SessionID() string { return s.sessionID }

func (s *Server) Context() *Context { return s.bag }

// Initialized reports whether the client completed the initialize request.
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) ClientInfo() types.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Server) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// Connect routes every message received by t through Handle and sends the
// replies back over t.
func (s *Server) Connect(t transport.Transport) {
	t.SetMessageHandler(func(ctx context.Context, msg *types.JSONRPCMessage) {
		resp := s.Handle(ctx, msg)
		if resp == nil {
			return
		}
		if err := t.Send(ctx, resp); err != nil {
			s.logger.Warn("failed to send response for session %s: %s", s.sessionID, err)
		}
	})
	t.SetErrorHandler(func(err error) {
		s.logger.Debug("transport error on session %s: %s", s.sessionID, err)
	})
}

// Handle processes one inbound message and returns the reply, or nil when
// none is due (notifications and responses from the client).
func (s *Server) Handle(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	if msg == nil {
		return types.NewError(nil, types.CodeInvalidRequest, "empty message")
	}
	if msg.IsResponse() {
		return nil
	}
	if msg.Method == "" {
		return types.NewError(msg.ID, types.CodeInvalidRequest, "method is required")
	}
	if s.observer != nil {
		s.observer(msg.Method)
	}
	if msg.IsNotification() {
		s.handleNotification(msg)
		return nil
	}

	var (
		result any
		rpcErr *types.JSONRPCError
	)
	switch msg.Method {
	case "initialize":
		result, rpcErr = s.initialize(msg.Params)
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = types.ListToolsResult{Tools: s.registry.Tools()}
	case "tools/call":
		result, rpcErr = s.callTool(ctx, msg.Params)
	case "resources/list":
		result = types.ListResourcesResult{Resources: s.registry.Resources()}
	case "resources/templates/list":
		result = types.ListResourceTemplatesResult{ResourceTemplates: s.registry.ResourceTemplates()}
	case "resources/read":
		result, rpcErr = s.readResource(ctx, msg.Params)
	case "logging/setLevel":
		result, rpcErr = s.setLevel(msg.Params)
	default:
		rpcErr = &types.JSONRPCError{Code: types.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}
	if rpcErr != nil {
		return &types.JSONRPCMessage{JSONRPC: types.JSONRPCVersion, ID: msg.ID, Error: rpcErr}
	}
	resp, err := types.NewResult(msg.ID, result)
	if err != nil {
		s.logger.Error("failed to encode %s result: %s", msg.Method, err)
		return types.NewError(msg.ID, types.CodeInternalError, "failed to encode result")
	}
	return resp
}

func (s *Server) handleNotification(msg *types.JSONRPCMessage) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.Debug("session %s initialized", s.sessionID)
	case "notifications/cancelled":
		s.logger.Debug("session %s cancelled a request", s.sessionID)
	default:
		if !strings.HasPrefix(msg.Method, "notifications/") {
			s.logger.Debug("ignoring notification %s", msg.Method)
		}
	}
}

func invalidParams(err error) *types.JSONRPCError {
	return &types.JSONRPCError{Code: types.CodeInvalidParams, Message: fmt.Sprintf("invalid params: %s", err)}
}

func (s *Server) initialize(raw json.RawMessage) (any, *types.JSONRPCError) {
	var params types.InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams(err)
		}
	}
	s.mu.Lock()
	s.initialized = true
	s.client = params.ClientInfo
	s.mu.Unlock()
	s.logger.Debug("session %s initialize from %s %s (protocol %s)", s.sessionID, params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion)
	return types.InitializeResult{
		ProtocolVersion: types.ProtocolVersion,
		Capabilities: types.ServerCapabilities{
			Logging:   &struct{}{},
			Tools:     &types.ListChangedCapability{},
			Resources: &types.ResourcesCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) setLevel(raw json.RawMessage) (any, *types.JSONRPCError) {
	var params types.SetLevelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.Level == "" {
		return nil, invalidParams(errors.New("level is required"))
	}
	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()
	return struct{}{}, nil
}

// callTool never fails the message for handler problems: validation errors,
// handler errors and panics all come back as an error result.
func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *types.JSONRPCError) {
	var params types.CallToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.Name == "" {
		return nil, invalidParams(errors.New("tool name is required"))
	}
	tool, ok := s.registry.tool(params.Name)
	if !ok {
		return nil, invalidParams(errors.Wrapf(ErrToolNotFound, "%s", params.Name))
	}
	if err := tool.validate(params.Arguments); err != nil {
		return types.ToolError(fmt.Sprintf("invalid arguments for %s: %s", params.Name, err)), nil
	}

	req := &ToolRequest{
		SessionID: s.sessionID,
		Name:      params.Name,
		Arguments: params.Arguments,
		Context:   s.bag,
	}
	var (
		result *types.CallToolResult
		err    error
	)
	s.calls.Lock()
	defer s.calls.Unlock()
	if r := panics.Try(func() { result, err = tool.Handler(ctx, req) }); r != nil {
		s.logger.Error("tool %s panicked: %s", params.Name, r.Value)
		err = r.AsError()
	}
	if err != nil {
		return types.ToolError(err.Error()), nil
	}
	if result == nil {
		result = &types.CallToolResult{Content: []types.Content{}}
	}
	s.saveContext(ctx)
	return result, nil
}

// saveContext mirrors the context when it differs from what was last saved.
func (s *Server) saveContext(ctx context.Context) {
	if s.saver == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	digest := s.bag.Digest()
	if digest == s.saved {
		return
	}
	if err := s.saver(ctx, s.sessionID, s.bag.Snapshot()); err != nil {
		s.logger.Warn("failed to save context for session %s: %s", s.sessionID, err)
		return
	}
	s.saved = digest
}

func (s *Server) readResource(ctx context.Context, raw json.RawMessage) (any, *types.JSONRPCError) {
	var params types.ReadResourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.URI == "" {
		return nil, invalidParams(errors.New("uri is required"))
	}
	handler, values, ok := s.registry.matchResource(params.URI)
	if !ok {
		return nil, &types.JSONRPCError{Code: types.CodeInvalidParams, Message: fmt.Sprintf("%s: %s", ErrResourceUnknown, params.URI)}
	}
	req := &ResourceRequest{SessionID: s.sessionID, URI: params.URI, Params: values, Context: s.bag}
	var (
		contents []types.ResourceContents
		err      error
	)
	if r := panics.Try(func() { contents, err = handler(ctx, req) }); r != nil {
		s.logger.Error("resource %s panicked: %s", params.URI, r.Value)
		err = r.AsError()
	}
	if err != nil {
		return nil, &types.JSONRPCError{Code: types.CodeInternalError, Message: err.Error()}
	}
	return types.ReadResourceResult{Contents: contents}, nil
}

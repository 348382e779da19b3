package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/transport"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/agentuity/mcp-sse/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.AddTool(Tool{
		Name:        "echo",
		Description: "Echo a message",
		InputSchema: types.InputSchema{
			Type: "object",
			Properties: map[string]*types.InputSchema{
				"message": {Type: "string"},
				"times":   {Type: "integer", Minimum: sys.Ptr[float64](1), Maximum: sys.Ptr[float64](3)},
			},
			Required: []string{"message"},
		},
		Handler: func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error) {
			var args struct {
				Message string `json:"message"`
				Times   int    `json:"times"`
			}
			if err := req.Bind(&args); err != nil {
				return nil, err
			}
			if args.Times == 0 {
				args.Times = 1
			}
			if err := req.Context.Set("last", args.Message); err != nil {
				return nil, err
			}
			return types.ToolText(strings.Repeat(args.Message, args.Times)), nil
		},
	}))
	require.NoError(t, reg.AddTool(Tool{
		Name: "fail",
		Handler: func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error) {
			return nil, errors.New("calendar backend unavailable")
		},
	}))
	require.NoError(t, reg.AddTool(Tool{
		Name: "explode",
		Handler: func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error) {
			panic("kaboom")
		},
	}))
	require.NoError(t, reg.AddResource(Resource{
		URI:      "server://status",
		Name:     "status",
		MimeType: "text/plain",
		Handler: func(ctx context.Context, req *ResourceRequest) ([]types.ResourceContents, error) {
			return []types.ResourceContents{{URI: req.URI, MimeType: "text/plain", Text: "ok"}}, nil
		},
	}))
	require.NoError(t, reg.AddResourceTemplate(ResourceTemplate{
		URITemplate: "session://{connectionId}/context",
		Name:        "session context",
		Handler: func(ctx context.Context, req *ResourceRequest) ([]types.ResourceContents, error) {
			if req.Params["connectionId"] == "broken" {
				return nil, errors.New("no such session")
			}
			return []types.ResourceContents{{URI: req.URI, Text: req.Params["connectionId"]}}, nil
		},
	}))
	reg.Seal()
	return reg
}

func request(t *testing.T, id uint64, method string, params any) *types.JSONRPCMessage {
	t.Helper()
	msg := &types.JSONRPCMessage{JSONRPC: types.JSONRPCVersion, ID: &types.ID{Num: id}, Method: method}
	if params != nil {
		buf, err := json.Marshal(params)
		require.NoError(t, err)
		msg.Params = buf
	}
	return msg
}

func decodeResult[T any](t *testing.T, msg *types.JSONRPCMessage) T {
	t.Helper()
	require.NotNil(t, msg)
	require.Nil(t, msg.Error, "unexpected error: %v", msg.Error)
	var out T
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	return out
}

func newServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := New("abc", newTestRegistry(t), types.Implementation{Name: "test", Version: "1.0.0"}, opts...)
	require.NoError(t, err)
	return srv
}

func TestNewRequiresSealedRegistry(t *testing.T) {
	_, err := New("abc", NewRegistry(), types.Implementation{})
	assert.ErrorIs(t, err, ErrRegistryNotSealed)
	_, err = New("abc", nil, types.Implementation{})
	assert.ErrorIs(t, err, ErrRegistryNotSealed)
}

func TestInitialize(t *testing.T) {
	srv := newServer(t, WithInstructions("book a slot"))
	resp := srv.Handle(context.Background(), request(t, 1, "initialize", types.InitializeParams{
		ProtocolVersion: types.ProtocolVersion,
		ClientInfo:      types.Implementation{Name: "client", Version: "0.1"},
	}))
	result := decodeResult[types.InitializeResult](t, resp)
	assert.Equal(t, types.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test", result.ServerInfo.Name)
	assert.Equal(t, "book a slot", result.Instructions)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)
	assert.True(t, srv.Initialized())
	assert.Equal(t, "client", srv.ClientInfo().Name)
	assert.Equal(t, uint64(1), resp.ID.Num)
}

func TestNotificationsAndResponsesGetNoReply(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	assert.Nil(t, srv.Handle(ctx, &types.JSONRPCMessage{JSONRPC: "2.0", Method: "notifications/initialized"}))
	assert.Nil(t, srv.Handle(ctx, &types.JSONRPCMessage{JSONRPC: "2.0", Method: "notifications/whatever"}))
	assert.Nil(t, srv.Handle(ctx, &types.JSONRPCMessage{JSONRPC: "2.0", ID: &types.ID{Num: 3}, Result: json.RawMessage(`{}`)}))
}

func TestPingAndUnknownMethod(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	resp := srv.Handle(ctx, request(t, 1, "ping", nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))

	resp = srv.Handle(ctx, request(t, 2, "prompts/list", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeMethodNotFound), resp.Error.Code)

	resp = srv.Handle(ctx, &types.JSONRPCMessage{JSONRPC: "2.0", ID: &types.ID{Num: 3}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeInvalidRequest), resp.Error.Code)
}

func TestListings(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	tools := decodeResult[types.ListToolsResult](t, srv.Handle(ctx, request(t, 1, "tools/list", nil)))
	require.Len(t, tools.Tools, 3)
	assert.Equal(t, "echo", tools.Tools[0].Name)
	assert.Equal(t, []string{"message"}, tools.Tools[0].InputSchema.Required)
	assert.Equal(t, "object", tools.Tools[1].InputSchema.Type)

	resources := decodeResult[types.ListResourcesResult](t, srv.Handle(ctx, request(t, 2, "resources/list", nil)))
	require.Len(t, resources.Resources, 1)
	assert.Equal(t, "server://status", resources.Resources[0].URI)

	templates := decodeResult[types.ListResourceTemplatesResult](t, srv.Handle(ctx, request(t, 3, "resources/templates/list", nil)))
	require.Len(t, templates.ResourceTemplates, 1)
	assert.Equal(t, "session://{connectionId}/context", templates.ResourceTemplates[0].URITemplate)
}

func TestCallToolUpdatesContextAndSaves(t *testing.T) {
	var (
		mu    sync.Mutex
		saved map[string]json.RawMessage
	)
	srv := newServer(t, WithContextSaver(func(ctx context.Context, id string, values map[string]json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "abc", id)
		saved = values
		return nil
	}))
	resp := srv.Handle(context.Background(), request(t, 1, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hi", "times": 2},
	}))
	result := decodeResult[types.CallToolResult](t, resp)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hihi", result.Content[0].Text)

	var last string
	ok, err := srv.Context().Get("last", &last)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", last)
	mu.Lock()
	assert.JSONEq(t, `"hi"`, string(saved["last"]))
	mu.Unlock()
}

func TestCallToolSkipsUnchangedContext(t *testing.T) {
	var saves int
	srv := newServer(t, WithContextSaver(func(ctx context.Context, id string, values map[string]json.RawMessage) error {
		saves++
		return nil
	}))
	ctx := context.Background()
	call := func(id uint64, msg string) {
		resp := srv.Handle(ctx, request(t, id, "tools/call", map[string]any{
			"name":      "echo",
			"arguments": map[string]any{"message": msg},
		}))
		assert.False(t, decodeResult[types.CallToolResult](t, resp).IsError)
	}
	call(1, "hi")
	call(2, "hi")
	assert.Equal(t, 1, saves)
	call(3, "bye")
	assert.Equal(t, 2, saves)
}

func TestCallToolRetriesFailedSave(t *testing.T) {
	var attempts int
	srv := newServer(t, WithContextSaver(func(ctx context.Context, id string, values map[string]json.RawMessage) error {
		attempts++
		if attempts == 1 {
			return errors.New("store unavailable")
		}
		return nil
	}))
	for i := uint64(1); i <= 3; i++ {
		srv.Handle(context.Background(), request(t, i, "tools/call", map[string]any{
			"name":      "echo",
			"arguments": map[string]any{"message": "hi"},
		}))
	}
	assert.Equal(t, 2, attempts)
}

func TestCallToolValidationFailureIsToolError(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	for name, args := range map[string]any{
		"missing required": map[string]any{},
		"wrong type":       map[string]any{"message": 42},
		"out of range":     map[string]any{"message": "x", "times": 9},
	} {
		t.Run(name, func(t *testing.T) {
			resp := srv.Handle(ctx, request(t, 1, "tools/call", map[string]any{"name": "echo", "arguments": args}))
			result := decodeResult[types.CallToolResult](t, resp)
			assert.True(t, result.IsError)
			assert.Contains(t, result.Content[0].Text, "invalid arguments for echo")
		})
	}
}

func TestCallToolHandlerErrorAndPanic(t *testing.T) {
	log := logger.NewTestLogger()
	srv := newServer(t, WithLogger(log))
	ctx := context.Background()

	result := decodeResult[types.CallToolResult](t, srv.Handle(ctx, request(t, 1, "tools/call", map[string]any{"name": "fail"})))
	assert.True(t, result.IsError)
	assert.Equal(t, "calendar backend unavailable", result.Content[0].Text)

	result = decodeResult[types.CallToolResult](t, srv.Handle(ctx, request(t, 2, "tools/call", map[string]any{"name": "explode"})))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "kaboom")
	assert.True(t, log.Contains("ERROR", "tool explode panicked"))

	// the server keeps serving after a panic
	resp := srv.Handle(ctx, request(t, 3, "ping", nil))
	assert.Nil(t, resp.Error)
}

func TestCallToolBadParams(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	resp := srv.Handle(ctx, request(t, 1, "tools/call", map[string]any{"name": "nope"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeInvalidParams), resp.Error.Code)

	resp = srv.Handle(ctx, request(t, 2, "tools/call", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeInvalidParams), resp.Error.Code)
}

func TestReadResource(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	result := decodeResult[types.ReadResourceResult](t, srv.Handle(ctx, request(t, 1, "resources/read", types.ReadResourceParams{URI: "server://status"})))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "ok", result.Contents[0].Text)

	result = decodeResult[types.ReadResourceResult](t, srv.Handle(ctx, request(t, 2, "resources/read", types.ReadResourceParams{URI: "session://abc-123/context"})))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "abc-123", result.Contents[0].Text)

	resp := srv.Handle(ctx, request(t, 3, "resources/read", types.ReadResourceParams{URI: "session://broken/context"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeInternalError), resp.Error.Code)
	assert.Equal(t, "no such session", resp.Error.Message)

	resp = srv.Handle(ctx, request(t, 4, "resources/read", types.ReadResourceParams{URI: "file:///etc/passwd"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(types.CodeInvalidParams), resp.Error.Code)
}

func TestSetLevel(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	resp := srv.Handle(ctx, request(t, 1, "logging/setLevel", types.SetLevelParams{Level: "warning"}))
	require.Nil(t, resp.Error)
	assert.Equal(t, "warning", srv.LogLevel())

	resp = srv.Handle(ctx, request(t, 2, "logging/setLevel", map[string]string{}))
	require.NotNil(t, resp.Error)
}

func TestObserverSeesMethods(t *testing.T) {
	var methods []string
	srv := newServer(t, WithObserver(func(method string) { methods = append(methods, method) }))
	ctx := context.Background()
	srv.Handle(ctx, request(t, 1, "ping", nil))
	srv.Handle(ctx, &types.JSONRPCMessage{JSONRPC: "2.0", Method: "notifications/initialized"})
	srv.Handle(ctx, request(t, 2, "bogus", nil))
	assert.Equal(t, []string{"ping", "notifications/initialized", "bogus"}, methods)
}

type captureTransport struct {
	handler transport.MessageHandler
	onError transport.ErrorHandler
	sent    []*types.JSONRPCMessage
}

func (c *captureTransport) Start(ctx context.Context) error { return nil }
func (c *captureTransport) Send(ctx context.Context, m *types.JSONRPCMessage) error {
	c.sent = append(c.sent, m)
	return nil
}
func (c *captureTransport) Close() error { return nil }
func (c *captureTransport) SessionID() string { return "abc" }
func (c *captureTransport) SetMessageHandler(h transport.MessageHandler) { c.handler = h }
func (c *captureTransport) SetErrorHandler(h transport.ErrorHandler) { c.onError = h }
func (c *captureTransport) SetCloseHandler(h transport.CloseHandler) {}

func TestConnectRepliesOverTransport(t *testing.T) {
	srv := newServer(t)
	ct := &captureTransport{}
	srv.Connect(ct)
	require.NotNil(t, ct.handler)
	require.NotNil(t, ct.onError)
	ct.onError(errors.New("write: broken pipe"))

	ct.handler(context.Background(), request(t, 9, "ping", nil))
	ct.handler(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0", Method: "notifications/initialized"})
	require.Len(t, ct.sent, 1)
	assert.Equal(t, uint64(9), ct.sent[0].ID.Num)
}

func TestRegistryRules(t *testing.T) {
	noop := func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error) { return nil, nil }
	reg := NewRegistry()
	require.NoError(t, reg.AddTool(Tool{Name: "a", Handler: noop}))
	assert.ErrorIs(t, reg.AddTool(Tool{Name: "a", Handler: noop}), ErrDuplicateName)
	assert.ErrorIs(t, reg.AddTool(Tool{Name: "b"}), ErrMissingHandler)
	assert.Error(t, reg.AddTool(Tool{Name: ""}))
	assert.Error(t, reg.AddResourceTemplate(ResourceTemplate{URITemplate: "session://{bad", Handler: func(context.Context, *ResourceRequest) ([]types.ResourceContents, error) { return nil, nil }}))

	reg.Seal()
	reg.Seal()
	assert.ErrorIs(t, reg.AddTool(Tool{Name: "late", Handler: noop}), ErrRegistrySealed)
	assert.ErrorIs(t, reg.AddResource(Resource{URI: "x://y", Handler: func(context.Context, *ResourceRequest) ([]types.ResourceContents, error) { return nil, nil }}), ErrRegistrySealed)
}

func TestContextBag(t *testing.T) {
	c := NewContext(map[string]json.RawMessage{"seed": json.RawMessage(`1`)})
	var n int
	ok, err := c.Get("seed", &n)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Set("b", []string{"x"}))
	assert.Equal(t, []string{"b", "seed"}, c.Keys())
	snap := c.Snapshot()
	c.Delete("b")
	assert.Equal(t, []string{"seed"}, c.Keys())
	assert.JSONEq(t, `["x"]`, string(snap["b"]))

	ok, err = c.Get("missing", &n)
	require.NoError(t, err)
	assert.False(t, ok)

	var s string
	_, err = c.Get("seed", &s)
	assert.Error(t, err)
}

func TestContextDigest(t *testing.T) {
	a := NewContext(nil)
	b := NewContext(nil)
	assert.Equal(t, a.Digest(), b.Digest())

	require.NoError(t, a.Set("x", 1))
	require.NoError(t, a.Set("y", "two"))
	require.NoError(t, b.Set("y", "two"))
	require.NoError(t, b.Set("x", 1))
	assert.Equal(t, a.Digest(), b.Digest())

	require.NoError(t, b.Set("x", 2))
	assert.NotEqual(t, a.Digest(), b.Digest())

	// key and value boundaries are kept apart
	c := NewContext(map[string]json.RawMessage{"ab": json.RawMessage(`1`)})
	d := NewContext(map[string]json.RawMessage{"a": json.RawMessage(`b1`)})
	assert.NotEqual(t, c.Digest(), d.Digest())
}

func TestCallToolSerializesHandlers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.AddTool(Tool{
		Name: "increment",
		Handler: func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error) {
			var n int
			if _, err := req.Context.Get("count", &n); err != nil {
				return nil, err
			}
			if err := req.Context.Set("count", n+1); err != nil {
				return nil, err
			}
			return types.ToolText("ok"), nil
		},
	}))
	reg.Seal()
	var saves sync.Map
	srv, err := New("abc", reg, types.Implementation{Name: "test", Version: "1"},
		WithContextSaver(func(ctx context.Context, id string, values map[string]json.RawMessage) error {
			saves.Store(string(values["count"]), true)
			return nil
		}))
	require.NoError(t, err)

	const calls = 100
	msgs := make([]*types.JSONRPCMessage, calls)
	for i := range msgs {
		msgs[i] = request(t, uint64(i+1), "tools/call", map[string]any{"name": "increment"})
	}
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg *types.JSONRPCMessage) {
			defer wg.Done()
			srv.Handle(context.Background(), msg)
		}(msg)
	}
	wg.Wait()

	var n int
	ok, err := srv.Context().Get("count", &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, calls, n)
	_, saved := saves.Load("100")
	assert.True(t, saved)
}

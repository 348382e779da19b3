package transport

import (
	"context"

	"github.com/agentuity/mcp-sse/mcp/types"
)

type Transport interface {
	// Start begins delivering outbound messages. It does not block.
	Start(ctx context.Context) error

	Send(ctx context.Context, message *types.JSONRPCMessage) error

	Close() error

	// SessionID is the connection id the transport is bound to.
	SessionID() string

	SetMessageHandler(handler MessageHandler)

	SetErrorHandler(handler ErrorHandler)

	SetCloseHandler(handler CloseHandler)
}

// MessageHandler receives each inbound message with the context of the
// request that delivered it.
type MessageHandler func(ctx context.Context, message *types.JSONRPCMessage)

type ErrorHandler func(err error)

type CloseHandler func()

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/toolfront/toolfront/pkg/wire"
)

// ToolFunc executes one in-process tool call.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ResourceFunc reads one in-process resource.
type ResourceFunc func(ctx context.Context) (any, error)

// InProcessAdapter exposes tool handlers compiled into the gateway through
// the same Adapter surface as the network variants. It backs the
// in-process-extension server kind and serves as the standard test backend.
type InProcessAdapter struct {
	mu        sync.Mutex
	closed    bool
	tools     []wire.Tool
	handlers  map[string]ToolFunc
	resources []wire.Resource
	readers   map[string]ResourceFunc
}

// NewInProcessAdapter builds an empty in-process adapter; register tools and
// resources before handing it to the aggregator.
func NewInProcessAdapter() *InProcessAdapter {
	return &InProcessAdapter{
		handlers: make(map[string]ToolFunc),
		readers:  make(map[string]ResourceFunc),
	}
}

// RegisterTool adds a tool definition and its handler. Re-registering a name
// replaces the handler but keeps the catalog position of the first
// registration.
func (a *InProcessAdapter) RegisterTool(tool wire.Tool, fn ToolFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.handlers[tool.Name]; !exists {
		a.tools = append(a.tools, tool)
	} else {
		for i := range a.tools {
			if a.tools[i].Name == tool.Name {
				a.tools[i] = tool
				break
			}
		}
	}
	a.handlers[tool.Name] = fn
}

// RegisterResource adds a resource definition and its reader.
func (a *InProcessAdapter) RegisterResource(res wire.Resource, fn ResourceFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.readers[res.URI]; !exists {
		a.resources = append(a.resources, res)
	}
	a.readers[res.URI] = fn
}

// Initialize is a no-op; in-process extensions have no connection state.
func (a *InProcessAdapter) Initialize(context.Context) error { return a.checkOpen() }

// Ping reports liveness.
func (a *InProcessAdapter) Ping(context.Context) error { return a.checkOpen() }

// ListTools returns the registered tool catalog in registration order.
func (a *InProcessAdapter) ListTools(context.Context) ([]wire.Tool, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.Tool(nil), a.tools...), nil
}

// CallTool runs the registered handler and wraps its value as a raw result.
func (a *InProcessAdapter) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	fn, ok := a.handlers[name]
	a.mu.Unlock()
	if !ok {
		return nil, protocolFault(wire.CodeInvalidParams, fmt.Sprintf("unknown tool %q", name))
	}
	value, err := fn(ctx, args)
	if err != nil {
		return nil, &Fault{Kind: FaultProtocol, Code: wire.CodeInternalError, Message: err.Error(), Err: err}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, transportFault("encoding tool result", err)
	}
	return raw, nil
}

// ListResources returns the registered resource catalog.
func (a *InProcessAdapter) ListResources(context.Context) ([]wire.Resource, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.Resource(nil), a.resources...), nil
}

// ReadResource runs the registered reader for the URI.
func (a *InProcessAdapter) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	fn, ok := a.readers[uri]
	a.mu.Unlock()
	if !ok {
		return nil, protocolFault(wire.CodeInvalidParams, fmt.Sprintf("unknown resource %q", uri))
	}
	value, err := fn(ctx)
	if err != nil {
		return nil, &Fault{Kind: FaultProtocol, Code: wire.CodeInternalError, Message: err.Error(), Err: err}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, transportFault("encoding resource result", err)
	}
	return raw, nil
}

// HandleRequest dispatches a raw protocol request by method name.
func (a *InProcessAdapter) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	return handleRequest(ctx, a, req)
}

// RefreshCatalog is a no-op; the registry is the catalog.
func (a *InProcessAdapter) RefreshCatalog() {}

// Invalidate is a no-op; there is no session state to drop.
func (a *InProcessAdapter) Invalidate() {}

// Close marks the adapter unusable.
func (a *InProcessAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *InProcessAdapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return canceledFault("adapter closed", nil)
	}
	return nil
}

var (
	_ Adapter = (*HTTPAdapter)(nil)
	_ Adapter = (*StreamAdapter)(nil)
	_ Adapter = (*InProcessAdapter)(nil)
)

// Package transport implements the adapter layer that speaks the JSON-RPC
// tool protocol to one backend server over one transport. Two network
// variants exist: HTTPAdapter for plain request/response backends and
// StreamAdapter for stateful streaming backends, plus an InProcessAdapter for
// extensions compiled into the gateway. Every variant exposes the same
// Adapter surface and the same fault taxonomy, so the aggregation layer never
// branches on transport.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/toolfront/toolfront/pkg/wire"
)

// sessionIDHeaderName carries the backend-assigned (or locally generated)
// session identifier on every call of a stateful exchange.
const sessionIDHeaderName = "Mcp-Session-Id"

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultStreamWaitTimeout = 10 * time.Second
)

// Adapter is the capability contract implemented by every transport variant.
// Instances hold per-backend mutable state (session id, cached catalogs,
// pending-call correlation) and are never shared across backends.
type Adapter interface {
	// Initialize establishes connection/session state. Idempotent: calling it
	// on an active adapter is a no-op.
	Initialize(ctx context.Context) error
	// Ping performs a protocol-level liveness check.
	Ping(ctx context.Context) error
	// ListTools returns the backend's tool catalog in backend order. The
	// result is cached for the adapter's lifetime after the first fetch.
	ListTools(ctx context.Context) ([]wire.Tool, error)
	// CallTool invokes one tool and returns the raw result payload.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	// ListResources returns the backend's resource catalog. Backends without
	// resource support yield an empty catalog, not an error.
	ListResources(ctx context.Context) ([]wire.Resource, error)
	// ReadResource reads one resource by URI and returns the raw result.
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
	// HandleRequest dispatches a raw protocol request to the operation named
	// by its method. Notifications return nil, success or failure.
	HandleRequest(ctx context.Context, req *wire.Request) *wire.Response
	// RefreshCatalog clears the cached tool/resource catalogs so the next
	// list call re-fetches. Catalogs are never cleared implicitly.
	RefreshCatalog()
	// Invalidate drops all connection and session state. The next call
	// re-authenticates and re-initializes from scratch.
	Invalidate()
	// Close releases the adapter. In-flight calls reject with a cancellation
	// fault; background loops terminate.
	Close() error
}

// Capabilities declares per-backend transport behavior resolved once at
// adapter construction, replacing vendor-specific branching.
type Capabilities struct {
	// StreamFirst opens the long-lived channel before sending initialize.
	// When false, initialize is sent first and its reply decides whether the
	// exchange is streamed or polled.
	StreamFirst bool
	// SessionFromHeader relies on the backend returning a session id in a
	// response header, echoed on every later call. When false the adapter
	// generates a session id locally and attaches it to connection attempts.
	SessionFromHeader bool
}

// HeaderSource supplies per-call credential headers. pkg/creds provides the
// standard implementation.
type HeaderSource interface {
	Headers(ctx context.Context) (http.Header, error)
}

// Options tune an adapter instance.
type Options struct {
	// HTTPClient used for all exchanges. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// RequestTimeout bounds one request/response exchange. Defaults to 30s.
	RequestTimeout time.Duration
	// StreamWaitTimeout bounds the wait for a correlated streamed response.
	// Defaults to 10s.
	StreamWaitTimeout time.Duration
	// ClientInfo is advertised during the initialize handshake.
	ClientInfo wire.Implementation
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.StreamWaitTimeout <= 0 {
		opts.StreamWaitTimeout = defaultStreamWaitTimeout
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = wire.Implementation{Name: "toolfront", Version: "1.0.0"}
	}
	return opts
}

func initializeParams(info wire.Implementation) wire.InitializeParams {
	return wire.InitializeParams{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      info,
		Capabilities:    map[string]any{},
	}
}

// handleRequest implements the dispatch contract shared by all adapter
// variants: unknown method -32601, malformed params -32602, other faults
// -32603, and no response ever for notifications.
func handleRequest(ctx context.Context, a Adapter, req *wire.Request) *wire.Response {
	resp := dispatch(ctx, a, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func dispatch(ctx context.Context, a Adapter, req *wire.Request) *wire.Response {
	switch req.Method {
	case wire.MethodInitialize:
		if err := a.Initialize(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		return mustResponse(req.ID, map[string]any{})
	case wire.MethodPing:
		if err := a.Ping(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		return mustResponse(req.ID, map[string]any{})
	case wire.MethodListTools:
		tools, err := a.ListTools(ctx)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return mustResponse(req.ID, wire.ListToolsResult{Tools: tools})
	case wire.MethodCallTool:
		var params wire.CallToolParams
		if err := unmarshalParams(req.Params, &params); err != nil || params.Name == "" {
			return wire.NewErrorResponse(req.ID, wire.CodeInvalidParams, "tools/call requires a tool name")
		}
		raw, err := a.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return rawResponse(req.ID, raw)
	case wire.MethodListResources:
		resources, err := a.ListResources(ctx)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return mustResponse(req.ID, wire.ListResourcesResult{Resources: resources})
	case wire.MethodReadResource:
		var params wire.ReadResourceParams
		if err := unmarshalParams(req.Params, &params); err != nil || params.URI == "" {
			return wire.NewErrorResponse(req.ID, wire.CodeInvalidParams, "resources/read requires a uri")
		}
		raw, err := a.ReadResource(ctx, params.URI)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return rawResponse(req.ID, raw)
	default:
		return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("transport: missing params")
	}
	return json.Unmarshal(raw, out)
}

func errorResponse(id any, err error) *wire.Response {
	if f, ok := err.(*Fault); ok && f.Kind == FaultProtocol && f.Code != 0 {
		return wire.NewErrorResponse(id, f.Code, f.Message)
	}
	return wire.NewErrorResponse(id, wire.CodeInternalError, err.Error())
}

func mustResponse(id any, result any) *wire.Response {
	resp, err := wire.NewResponse(id, result)
	if err != nil {
		return wire.NewErrorResponse(id, wire.CodeInternalError, err.Error())
	}
	return resp
}

func rawResponse(id any, raw json.RawMessage) *wire.Response {
	return &wire.Response{JSONRPC: wire.Version, ID: id, Result: raw}
}

// idKey normalizes a JSON-RPC id for correlation-table lookup. Ids generated
// by the gateway are strings; backends may echo numeric ids.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func applyHeaders(ctx context.Context, req *http.Request, source HeaderSource) error {
	if source == nil {
		return nil
	}
	headers, err := source.Headers(ctx)
	if err != nil {
		return transportFault("resolving credentials", err)
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Set(k, v)
		}
	}
	return nil
}

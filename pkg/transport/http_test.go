package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/toolfront/toolfront/pkg/wire"
)

// rpcHandler decodes one JSON-RPC request and lets the test respond per
// method.
func rpcHandler(t *testing.T, respond func(req *wire.Request) *wire.Response) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req wire.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := respond(&req)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}
}

func okResult(t *testing.T, id any, result any) *wire.Response {
	t.Helper()
	resp, err := wire.NewResponse(id, result)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	return resp
}

func TestHTTPAdapterInitializeOnceAndCatalogCache(t *testing.T) {
	var initCount, listCount atomic.Int32
	srv := httptest.NewServer(rpcHandler(t, func(req *wire.Request) *wire.Response {
		switch req.Method {
		case wire.MethodInitialize:
			initCount.Add(1)
			return okResult(t, req.ID, wire.InitializeResult{ProtocolVersion: "2025-03-26"})
		case wire.MethodListTools:
			listCount.Add(1)
			return okResult(t, req.ID, wire.ListToolsResult{Tools: []wire.Tool{{Name: "alpha"}}})
		default:
			return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound, "unknown")
		}
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	for range 3 {
		tools, err := a.ListTools(ctx)
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		if len(tools) != 1 || tools[0].Name != "alpha" {
			t.Fatalf("unexpected tools: %+v", tools)
		}
	}
	if got := initCount.Load(); got != 1 {
		t.Fatalf("initialize sent %d times, want 1", got)
	}
	if got := listCount.Load(); got != 1 {
		t.Fatalf("tools/list sent %d times, want 1 (cached afterwards)", got)
	}

	a.RefreshCatalog()
	if _, err := a.ListTools(ctx); err != nil {
		t.Fatalf("ListTools after refresh: %v", err)
	}
	if got := listCount.Load(); got != 2 {
		t.Fatalf("tools/list sent %d times after refresh, want 2", got)
	}
}

func TestHTTPAdapterResourcesUnsupported(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req *wire.Request) *wire.Response {
		switch req.Method {
		case wire.MethodInitialize:
			return okResult(t, req.ID, wire.InitializeResult{})
		case wire.MethodListResources:
			return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound, "method not found")
		default:
			return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound, "unknown")
		}
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	defer a.Close()

	resources, err := a.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources should coerce method-not-found to empty set, got %v", err)
	}
	if len(resources) != 0 {
		t.Fatalf("expected empty resource catalog, got %+v", resources)
	}
}

func TestHTTPAdapterAuthFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	defer a.Close()

	err = a.Initialize(context.Background())
	if !IsFault(err, FaultAuth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
}

func TestHTTPAdapterCredentialHeaders(t *testing.T) {
	var sawAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		rpcHandler(t, func(req *wire.Request) *wire.Response {
			return okResult(t, req.ID, wire.InitializeResult{})
		})(w, r)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(srv.URL, headerSourceFunc(func(context.Context) (http.Header, error) {
		h := make(http.Header)
		h.Set("Authorization", "Bearer tok")
		return h, nil
	}), nil)
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	defer a.Close()

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got, _ := sawAuth.Load().(string); got != "Bearer tok" {
		t.Fatalf("backend saw Authorization %q", got)
	}
}

type headerSourceFunc func(ctx context.Context) (http.Header, error)

func (f headerSourceFunc) Headers(ctx context.Context) (http.Header, error) { return f(ctx) }

func TestHandleRequestContract(t *testing.T) {
	a := NewInProcessAdapter()
	a.RegisterTool(wire.Tool{Name: "echo"}, func(_ context.Context, args map[string]any) (any, error) {
		return wire.CallToolResult{Content: []map[string]any{{"type": "text", "text": args["message"]}}}, nil
	})
	defer a.Close()

	ctx := context.Background()

	// Unknown method answers -32601.
	resp := a.HandleRequest(ctx, &wire.Request{JSONRPC: wire.Version, ID: 1, Method: "bogus/method"})
	if resp == nil || resp.Error == nil || resp.Error.Code != wire.CodeMethodNotFound {
		t.Fatalf("unknown method response = %+v", resp)
	}

	// Notifications are performed but never answered.
	resp = a.HandleRequest(ctx, &wire.Request{JSONRPC: wire.Version, Method: "bogus/method"})
	if resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}

	// tools/call without a name answers -32602.
	resp = a.HandleRequest(ctx, &wire.Request{JSONRPC: wire.Version, ID: 2, Method: wire.MethodCallTool, Params: json.RawMessage(`{}`)})
	if resp == nil || resp.Error == nil || resp.Error.Code != wire.CodeInvalidParams {
		t.Fatalf("missing tool name response = %+v", resp)
	}

	// A well-formed call round-trips.
	params, _ := json.Marshal(wire.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}})
	resp = a.HandleRequest(ctx, &wire.Request{JSONRPC: wire.Version, ID: 3, Method: wire.MethodCallTool, Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("call response = %+v", resp)
	}
	var result wire.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0]["text"] != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/toolfront/toolfront/pkg/wire"
)

// HTTPAdapter speaks the tool protocol over independent request/response
// exchanges. Every call is one POST; no session state is carried beyond the
// credential headers.
type HTTPAdapter struct {
	endpoint string
	headers  HeaderSource
	opts     Options

	mu          sync.Mutex
	initialized bool
	closed      bool

	catalog catalogCache
}

// NewHTTPAdapter builds an adapter for a plain request/response backend.
func NewHTTPAdapter(endpoint string, headers HeaderSource, opts *Options) (*HTTPAdapter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint is required")
	}
	return &HTTPAdapter{endpoint: endpoint, headers: headers, opts: opts.withDefaults()}, nil
}

// Initialize performs the initialize handshake once per adapter lifetime.
func (a *HTTPAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return canceledFault("adapter closed", nil)
	}
	if a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var result wire.InitializeResult
	raw, err := a.call(ctx, wire.MethodInitialize, initializeParams(a.opts.ClientInfo))
	if err != nil {
		return err
	}
	// The handshake result is advisory; a backend replying with an empty
	// object is still considered initialized.
	_ = json.Unmarshal(raw, &result)

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	return nil
}

func (a *HTTPAdapter) ensureInitialized(ctx context.Context) error {
	a.mu.Lock()
	ready := a.initialized
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return canceledFault("adapter closed", nil)
	}
	if ready {
		return nil
	}
	return a.Initialize(ctx)
}

// Ping sends a protocol-level ping.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	if err := a.ensureInitialized(ctx); err != nil {
		return err
	}
	_, err := a.call(ctx, wire.MethodPing, nil)
	return err
}

// ListTools fetches the tool catalog, serving the adapter-lifetime cache
// after the first successful fetch.
func (a *HTTPAdapter) ListTools(ctx context.Context) ([]wire.Tool, error) {
	return listToolsVia(ctx, a.initializedCall, &a.catalog)
}

// CallTool invokes one tool and returns the raw result payload.
func (a *HTTPAdapter) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return a.call(ctx, wire.MethodCallTool, wire.CallToolParams{Name: name, Arguments: args})
}

// ListResources fetches the resource catalog. Backends without resource
// support ("method not found") yield an empty catalog.
func (a *HTTPAdapter) ListResources(ctx context.Context) ([]wire.Resource, error) {
	return listResourcesVia(ctx, a.initializedCall, &a.catalog)
}

// initializedCall establishes the handshake lazily before the exchange.
func (a *HTTPAdapter) initializedCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return a.call(ctx, method, params)
}

// ReadResource reads one resource by URI.
func (a *HTTPAdapter) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return a.call(ctx, wire.MethodReadResource, wire.ReadResourceParams{URI: uri})
}

// HandleRequest dispatches a raw protocol request by method name.
func (a *HTTPAdapter) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	return handleRequest(ctx, a, req)
}

// RefreshCatalog clears the cached catalogs.
func (a *HTTPAdapter) RefreshCatalog() { a.catalog.clear() }

// Invalidate drops initialization state so the next call re-authenticates.
func (a *HTTPAdapter) Invalidate() {
	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()
	a.catalog.clear()
}

// Close marks the adapter unusable.
func (a *HTTPAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.initialized = false
	a.mu.Unlock()
	a.catalog.clear()
	return nil
}

// call performs one JSON-RPC exchange and returns the raw result payload.
func (a *HTTPAdapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := wire.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, protocolFault(wire.CodeInvalidParams, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	resp, err := a.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, classifyRPCError(resp.Error, false)
	}
	return resp.Result, nil
}

func (a *HTTPAdapter) post(ctx context.Context, rpcReq *wire.Request) (*wire.Response, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, transportFault("encoding request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportFault("building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if err := applyHeaders(ctx, httpReq, a.headers); err != nil {
		return nil, err
	}

	httpResp, err := a.opts.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutFault(fmt.Sprintf("%s exceeded %s", rpcReq.Method, a.opts.RequestTimeout))
		}
		return nil, transportFault("sending request", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, authFault(httpResp.StatusCode)
	case httpResp.StatusCode >= 400:
		return nil, transportFault(fmt.Sprintf("backend returned HTTP %d", httpResp.StatusCode), nil)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportFault("reading response", err)
	}
	var rpcResp wire.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, transportFault("decoding response", err)
	}
	return &rpcResp, nil
}

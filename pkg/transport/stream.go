package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/toolfront/toolfront/pkg/wire"
)

// streamContentType marks a newline-delimited response channel.
const streamContentType = "application/x-ndjson"

type streamState int

const (
	stateDisconnected streamState = iota
	stateInitializing
	stateActiveStream
	stateActivePoll
)

func (s streamState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateActiveStream:
		return "active(stream)"
	case stateActivePoll:
		return "active(poll)"
	default:
		return "disconnected"
	}
}

// StreamAdapter speaks the tool protocol to a stateful streaming backend.
//
// The initialize handshake decides the sub-mode: a plain JSON reply means all
// further calls are independent exchanges (poll mode); a newline-delimited
// reply means the connection becomes a long-lived channel carrying future
// responses (stream mode). In stream mode each outgoing call registers in a
// correlation table and suspends until a message with the matching id arrives
// or the bounded wait elapses.
//
// A server-side session termination ("not found" on an established session)
// is absorbed once: the adapter clears its session, re-initializes, and
// retries the original call exactly one time. Benign stream terminations set
// the adapter to Disconnected without raising a fault; reconnection happens
// lazily on the next call.
type StreamAdapter struct {
	endpoint string
	caps     Capabilities
	headers  HeaderSource
	opts     Options

	// connectMu serializes initialize attempts; mu guards the fields below.
	connectMu sync.Mutex
	mu        sync.Mutex
	state     streamState
	closed    bool
	sessionID string
	// established flips after the first successful initialize and widens
	// "not found" classification to session expiry.
	established  bool
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	pending *pendingTable
	catalog catalogCache
}

// NewStreamAdapter builds an adapter for a stateful streaming backend. The
// capability descriptor is resolved once here; no per-vendor branching
// happens later.
func NewStreamAdapter(endpoint string, caps Capabilities, headers HeaderSource, opts *Options) (*StreamAdapter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint is required")
	}
	a := &StreamAdapter{
		endpoint: endpoint,
		caps:     caps,
		headers:  headers,
		opts:     opts.withDefaults(),
		pending:  newPendingTable(),
	}
	if !caps.SessionFromHeader {
		// The backend will not assign a session id; mint one locally and
		// attach it to connection attempts.
		a.sessionID = uuid.NewString()
	}
	return a, nil
}

// Initialize establishes the connection and session. Idempotent: an active
// adapter returns immediately.
func (a *StreamAdapter) Initialize(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return canceledFault("adapter closed", nil)
	}
	if a.state == stateActiveStream || a.state == stateActivePoll {
		a.mu.Unlock()
		return nil
	}
	a.state = stateInitializing
	a.mu.Unlock()

	err := a.connect(ctx)
	a.mu.Lock()
	if err != nil {
		a.state = stateDisconnected
	} else {
		a.established = true
	}
	state := a.state
	a.mu.Unlock()
	if err == nil {
		a.opts.Logger.Debug("backend session established", "endpoint", a.endpoint, "mode", state.String())
	}
	return err
}

func (a *StreamAdapter) connect(ctx context.Context) error {
	if a.caps.StreamFirst {
		if err := a.openStream(ctx); err != nil {
			return err
		}
		// The channel is already up, so the initialize reply arrives on it
		// like any other correlated response.
		if _, err := a.streamExchange(ctx, wire.MethodInitialize, initializeParams(a.opts.ClientInfo)); err != nil {
			a.teardownStream()
			return err
		}
		a.mu.Lock()
		a.state = stateActiveStream
		a.mu.Unlock()
		return nil
	}
	return a.initializeFirst(ctx)
}

// initializeFirst posts the initialize call and lets the reply's content type
// choose the sub-mode: a streamed reply promotes the same connection to the
// long-lived channel, a plain reply selects poll mode.
func (a *StreamAdapter) initializeFirst(ctx context.Context) error {
	req, err := wire.NewRequest(uuid.NewString(), wire.MethodInitialize, initializeParams(a.opts.ClientInfo))
	if err != nil {
		return protocolFault(wire.CodeInvalidParams, err.Error())
	}

	// The response body may outlive this call as the stream channel, so the
	// request runs on its own cancelable context rather than the caller's.
	streamCtx, cancel := context.WithCancel(context.Background())
	httpResp, err := a.send(streamCtx, ctx, req)
	if err != nil {
		cancel()
		return err
	}
	a.captureSession(httpResp)

	if strings.Contains(httpResp.Header.Get("Content-Type"), streamContentType) {
		// Streamed reply: this connection is now the channel and the
		// initialize response arrives as its first correlated message.
		ch := a.pending.register(idKey(req.ID))
		a.adoptStream(streamCtx, cancel, httpResp.Body)
		resp, err := a.await(ctx, idKey(req.ID), ch)
		if err != nil {
			a.teardownStream()
			return err
		}
		if resp.Error != nil {
			a.teardownStream()
			return classifyRPCError(resp.Error, false)
		}
		a.mu.Lock()
		a.state = stateActiveStream
		a.mu.Unlock()
		return nil
	}

	defer cancel()
	defer httpResp.Body.Close()
	// Plain reply: bound the body read, since the request context is not the
	// caller's.
	guard := time.AfterFunc(a.opts.RequestTimeout, cancel)
	rpcResp, err := decodeSingleResponse(httpResp.Body)
	guard.Stop()
	if err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return classifyRPCError(rpcResp.Error, false)
	}
	a.mu.Lock()
	a.state = stateActivePoll
	a.mu.Unlock()
	return nil
}

// openStream establishes the long-lived channel with a GET before any call is
// made (stream-first backends).
func (a *StreamAdapter) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		cancel()
		return transportFault("building stream request", err)
	}
	httpReq.Header.Set("Accept", streamContentType)
	a.attachSession(httpReq)
	if err := applyHeaders(ctx, httpReq, a.headers); err != nil {
		cancel()
		return err
	}

	httpResp, err := a.opts.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		return transportFault("opening stream", err)
	}
	if fault := faultFromStatus(httpResp.StatusCode, false); fault != nil {
		cancel()
		httpResp.Body.Close()
		return fault
	}
	a.captureSession(httpResp)
	a.adoptStream(streamCtx, cancel, httpResp.Body)
	return nil
}

func (a *StreamAdapter) adoptStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) {
	done := make(chan struct{})
	a.mu.Lock()
	a.streamCancel = cancel
	a.streamDone = done
	a.mu.Unlock()
	go a.readLoop(ctx, body, done)
}

// readLoop decodes newline-delimited entries off the channel and resolves the
// matching pending call for each. It runs until the stream terminates.
func (a *StreamAdapter) readLoop(ctx context.Context, body io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if entry := bytes.TrimSpace(line); len(entry) > 0 {
			var resp wire.Response
			if decodeErr := json.Unmarshal(entry, &resp); decodeErr != nil {
				a.opts.Logger.Warn("dropping undecodable stream entry", "endpoint", a.endpoint, "error", decodeErr)
			} else {
				a.pending.resolve(&resp)
			}
		}
		if err != nil {
			a.streamEnded(ctx, err)
			return
		}
	}
}

// streamEnded transitions to Disconnected. Benign terminations (peer closed,
// timeout, reset, local cancellation) are not errors; reconnection is
// deferred to the next call.
func (a *StreamAdapter) streamEnded(ctx context.Context, err error) {
	a.mu.Lock()
	if a.state == stateActiveStream {
		a.state = stateDisconnected
	}
	a.streamCancel = nil
	a.streamDone = nil
	a.mu.Unlock()

	if isBenignDisconnect(err) || ctx.Err() != nil {
		a.opts.Logger.Debug("stream closed", "endpoint", a.endpoint)
		a.pending.failAll(canceledFault("stream closed before response arrived", nil))
		return
	}
	a.opts.Logger.Error("stream terminated", "endpoint", a.endpoint, "error", err)
	a.pending.failAll(transportFault("stream terminated", err))
}

func isBenignDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Ping sends a protocol-level ping.
func (a *StreamAdapter) Ping(ctx context.Context) error {
	_, err := a.call(ctx, wire.MethodPing, nil)
	return err
}

// ListTools fetches the tool catalog, cached for the adapter's lifetime.
func (a *StreamAdapter) ListTools(ctx context.Context) ([]wire.Tool, error) {
	return listToolsVia(ctx, a.call, &a.catalog)
}

// CallTool invokes one tool and returns the raw result payload.
func (a *StreamAdapter) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return a.call(ctx, wire.MethodCallTool, wire.CallToolParams{Name: name, Arguments: args})
}

// ListResources fetches the resource catalog, treating missing resource
// support as an empty set.
func (a *StreamAdapter) ListResources(ctx context.Context) ([]wire.Resource, error) {
	return listResourcesVia(ctx, a.call, &a.catalog)
}

// ReadResource reads one resource by URI.
func (a *StreamAdapter) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return a.call(ctx, wire.MethodReadResource, wire.ReadResourceParams{URI: uri})
}

// HandleRequest dispatches a raw protocol request by method name.
func (a *StreamAdapter) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	return handleRequest(ctx, a, req)
}

// RefreshCatalog clears the cached catalogs.
func (a *StreamAdapter) RefreshCatalog() { a.catalog.clear() }

// Invalidate drops connection, session, and catalog state so the next call
// re-authenticates and re-initializes from scratch.
func (a *StreamAdapter) Invalidate() {
	a.resetSession()
	a.mu.Lock()
	a.established = false
	a.mu.Unlock()
	a.catalog.clear()
}

// Close terminates the background read loop, rejects in-flight calls with a
// cancellation fault, and releases the connection.
func (a *StreamAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.state = stateDisconnected
	cancel := a.streamCancel
	done := a.streamDone
	a.streamCancel = nil
	a.streamDone = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	a.pending.failAll(canceledFault("adapter closed", nil))
	return nil
}

// call performs one exchange, absorbing a single session expiry by
// re-initializing and retrying exactly once. A second expiry surfaces as an
// error without further retries.
func (a *StreamAdapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := a.callOnce(ctx, method, params)
	if !IsFault(err, FaultSessionExpired) {
		return raw, err
	}

	a.opts.Logger.Info("session expired; reinitializing", "endpoint", a.endpoint, "method", method)
	a.resetSession()
	if initErr := a.Initialize(ctx); initErr != nil {
		return nil, initErr
	}
	return a.callOnce(ctx, method, params)
}

func (a *StreamAdapter) callOnce(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// Lazy reconnect: a disconnected adapter re-initializes on demand.
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	state := a.state
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, canceledFault("adapter closed", nil)
	}

	switch state {
	case stateActivePoll:
		return a.pollExchange(ctx, method, params)
	case stateActiveStream:
		return a.streamExchange(ctx, method, params)
	default:
		return nil, transportFault(fmt.Sprintf("adapter not connected (state %s)", state), nil)
	}
}

// pollExchange performs an independent request/response exchange carrying the
// session id.
func (a *StreamAdapter) pollExchange(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := wire.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, protocolFault(wire.CodeInvalidParams, err.Error())
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	httpResp, err := a.send(callCtx, callCtx, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	a.captureSession(httpResp)

	rpcResp, err := decodeSingleResponse(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, classifyRPCError(rpcResp.Error, a.sessionEstablished())
	}
	return rpcResp.Result, nil
}

// streamExchange registers the call in the correlation table, posts the
// request, and suspends until the matching response arrives on the channel or
// the bounded wait elapses.
func (a *StreamAdapter) streamExchange(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := wire.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, protocolFault(wire.CodeInvalidParams, err.Error())
	}
	key := idKey(req.ID)
	ch := a.pending.register(key)

	sendCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	httpResp, err := a.send(sendCtx, sendCtx, req)
	if err != nil {
		a.pending.drop(key)
		return nil, err
	}
	// The acknowledgment body carries nothing; the response arrives on the
	// long-lived channel.
	a.captureSession(httpResp)
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096)) //nolint:errcheck
	httpResp.Body.Close()

	resp, err := a.await(ctx, key, ch)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, classifyRPCError(resp.Error, a.sessionEstablished())
	}
	return resp.Result, nil
}

func (a *StreamAdapter) await(ctx context.Context, key string, ch chan outcome) (*wire.Response, error) {
	timer := time.NewTimer(a.opts.StreamWaitTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.resp, nil
	case <-timer.C:
		a.pending.drop(key)
		return nil, timeoutFault(fmt.Sprintf("no streamed response within %s", a.opts.StreamWaitTimeout))
	case <-ctx.Done():
		a.pending.drop(key)
		return nil, canceledFault("call canceled", ctx.Err())
	}
}

// send posts one request. reqCtx bounds the HTTP request itself; credCtx is
// used for credential resolution (they differ only during initialize-first,
// where the response body may outlive the caller).
func (a *StreamAdapter) send(reqCtx, credCtx context.Context, rpcReq *wire.Request) (*http.Response, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, transportFault("encoding request", err)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportFault("building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, "+streamContentType)
	a.attachSession(httpReq)
	if err := applyHeaders(credCtx, httpReq, a.headers); err != nil {
		return nil, err
	}

	httpResp, err := a.opts.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutFault(fmt.Sprintf("%s exceeded %s", rpcReq.Method, a.opts.RequestTimeout))
		}
		return nil, transportFault("sending request", err)
	}
	if fault := faultFromStatus(httpResp.StatusCode, a.sessionEstablished()); fault != nil {
		httpResp.Body.Close()
		return nil, fault
	}
	return httpResp, nil
}

// faultFromStatus maps HTTP status classes to faults. A 404 on an
// established session means the session was terminated server-side.
func faultFromStatus(status int, sessionEstablished bool) *Fault {
	switch {
	case status == http.StatusNotFound && sessionEstablished:
		return sessionExpiredFault("session no longer known to backend")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return authFault(status)
	case status >= 400:
		return transportFault(fmt.Sprintf("backend returned HTTP %d", status), nil)
	default:
		return nil
	}
}

func decodeSingleResponse(body io.Reader) (*wire.Response, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, transportFault("reading response", err)
	}
	var rpcResp wire.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, transportFault("decoding response", err)
	}
	return &rpcResp, nil
}

func (a *StreamAdapter) sessionEstablished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.established
}

// attachSession echoes the current session id, if any, on an outgoing call.
func (a *StreamAdapter) attachSession(req *http.Request) {
	a.mu.Lock()
	id := a.sessionID
	a.mu.Unlock()
	if id != "" {
		req.Header.Set(sessionIDHeaderName, id)
	}
}

// captureSession records a backend-assigned session id from a response
// header. Only meaningful for header-session backends.
func (a *StreamAdapter) captureSession(resp *http.Response) {
	if !a.caps.SessionFromHeader {
		return
	}
	if id := resp.Header.Get(sessionIDHeaderName); id != "" {
		a.mu.Lock()
		a.sessionID = id
		a.mu.Unlock()
	}
}

// resetSession tears down the connection and clears (or regenerates) the
// session identity.
func (a *StreamAdapter) resetSession() {
	a.teardownStream()
	a.mu.Lock()
	if a.caps.SessionFromHeader {
		a.sessionID = ""
	} else {
		a.sessionID = uuid.NewString()
	}
	a.state = stateDisconnected
	a.mu.Unlock()
}

func (a *StreamAdapter) teardownStream() {
	a.mu.Lock()
	cancel := a.streamCancel
	done := a.streamDone
	a.streamCancel = nil
	a.streamDone = nil
	if a.state == stateActiveStream {
		a.state = stateDisconnected
	}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Package gateway exposes every profile as its own JSON-RPC endpoint over a
// single HTTP server, plus small read-side routes for backend status and the
// audit trail.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/cors"

	"github.com/toolfront/toolfront/pkg/profile"
	"github.com/toolfront/toolfront/pkg/store"
	"github.com/toolfront/toolfront/pkg/wire"
)

// Gateway fronts an Aggregator with HTTP. Each profile is served at
// POST {base}/profiles/{name}; the body is one JSON-RPC request and the reply
// is its response, or 202 with no body for notifications.
type Gateway struct {
	agg   *profile.Aggregator
	store store.Store
	opts  Options

	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway over agg and st.
func New(agg *profile.Aggregator, st store.Store, opts *Options) (*Gateway, error) {
	if agg == nil {
		return nil, fmt.Errorf("gateway: aggregator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	g := &Gateway{agg: agg, store: st, opts: opts.withDefaults()}
	g.httpHandler = cors.New(*g.opts.CORS).Handler(g.mountHandler())
	return g, nil
}

// Handler exposes the HTTP handler serving all gateway routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) mountHandler() http.Handler {
	base := strings.TrimSuffix(g.opts.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/profiles/{profile}", g.handleRPC)
	mux.HandleFunc("GET "+base+"/profiles/{profile}/status", g.handleStatus)
	mux.HandleFunc("POST "+base+"/profiles/{profile}/refresh", g.handleRefresh)
	mux.HandleFunc("GET "+base+"/audit", g.handleAudit)
	mux.HandleFunc("GET "+base+"/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// handleRPC serves one JSON-RPC exchange against a profile's virtual
// endpoint.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	p, ok := g.lookupProfile(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, wire.NewErrorResponse(nil, wire.CodeParseError, "reading request body failed"))
		return
	}
	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, wire.NewErrorResponse(nil, wire.CodeParseError, "request is not valid JSON"))
		return
	}
	if req.JSONRPC != wire.Version || req.Method == "" {
		writeRPC(w, wire.NewErrorResponse(req.ID, wire.CodeInvalidRequest, "request is not a JSON-RPC 2.0 call"))
		return
	}

	resp := g.agg.HandleRequest(r.Context(), p.ID, &req)
	if resp == nil {
		// Notification: performed, never answered.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, resp)
}

// handleStatus pings every backend assigned to the profile.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := g.lookupProfile(w, r)
	if !ok {
		return
	}
	statuses, err := g.agg.Status(r.Context(), p.ID)
	if err != nil {
		g.opts.Logger.Error("status probe failed", "profile", p.Name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": statuses})
}

// handleRefresh clears cached catalogs so the next list re-fetches.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, ok := g.lookupProfile(w, r)
	if !ok {
		return
	}
	g.agg.RefreshCatalogs(p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAudit lists audit records, newest first.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		ProfileID:   q.Get("profile_id"),
		ServerID:    q.Get("server_id"),
		RequestType: q.Get("request_type"),
		Status:      store.AuditStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	records, err := g.store.ListAuditRecords(r.Context(), filter)
	if err != nil {
		g.opts.Logger.Error("listing audit records failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// lookupProfile resolves the {profile} path value by name, answering 404
// itself when missing.
func (g *Gateway) lookupProfile(w http.ResponseWriter, r *http.Request) (*store.Profile, bool) {
	name := r.PathValue("profile")
	p, err := g.store.GetProfileByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, fmt.Sprintf("unknown profile %q", name), http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		g.opts.Logger.Error("profile lookup failed", "profile", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return p, true
}

func writeRPC(w http.ResponseWriter, resp *wire.Response) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package profile implements the aggregation engine behind each virtual
// endpoint: it merges the tool catalogs of a profile's assigned backends,
// overlays per-assignment customizations, detects catalog drift and routes
// calls back to the owning backend under the tool's original name.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toolfront/toolfront/pkg/creds"
	"github.com/toolfront/toolfront/pkg/store"
	"github.com/toolfront/toolfront/pkg/transport"
	"github.com/toolfront/toolfront/pkg/wire"
)

const defaultFanoutLimit = 8

// AdapterFactory builds the transport adapter for one backend server.
type AdapterFactory func(cfg *store.ServerConfig, headers transport.HeaderSource) (transport.Adapter, error)

// NewAdapterFactory returns the standard factory covering the network server
// kinds. Extensions maps server names to in-process adapters registered at
// startup; it may be nil.
func NewAdapterFactory(topts *transport.Options, extensions map[string]transport.Adapter) AdapterFactory {
	return func(cfg *store.ServerConfig, headers transport.HeaderSource) (transport.Adapter, error) {
		switch cfg.Kind {
		case store.KindHTTP:
			return transport.NewHTTPAdapter(cfg.Endpoint, headers, topts)
		case store.KindStreaming:
			return transport.NewStreamAdapter(cfg.Endpoint, transport.Capabilities{
				StreamFirst:       cfg.StreamFirst,
				SessionFromHeader: cfg.SessionFromHeader,
			}, headers, topts)
		case store.KindExtension:
			if ad, ok := extensions[cfg.Name]; ok {
				return ad, nil
			}
			return nil, fmt.Errorf("profile: no extension registered for server %q", cfg.Name)
		default:
			return nil, fmt.Errorf("profile: unsupported server kind %q", cfg.Kind)
		}
	}
}

// Options tune an Aggregator.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// FanoutLimit bounds concurrent backend fetches during catalog
	// aggregation. Defaults to 8.
	FanoutLimit int
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = defaultFanoutLimit
	}
	return opts
}

// Aggregator serves every profile from one durable store, holding one adapter
// per (profile, server) pair and one credential injector per server.
type Aggregator struct {
	store   store.Store
	factory AdapterFactory
	tracer  *Tracer
	cache   *schemaCache
	opts    Options

	mu        sync.Mutex
	closed    bool
	adapters  map[adapterKey]transport.Adapter
	injectors map[string]*creds.Injector
}

type adapterKey struct {
	profileID string
	serverID  string
}

// New builds an aggregator over st.
func New(st store.Store, factory AdapterFactory, opts *Options) *Aggregator {
	o := opts.withDefaults()
	return &Aggregator{
		store:     st,
		factory:   factory,
		tracer:    NewTracer(st, o.Logger),
		cache:     &schemaCache{store: st, logger: o.Logger},
		opts:      o,
		adapters:  make(map[adapterKey]transport.Adapter),
		injectors: make(map[string]*creds.Injector),
	}
}

// AggregatedTool is one entry of a profile's merged catalog. The embedded
// Tool carries the effective (customized) shape; OriginalName is what the
// owning backend knows it as.
type AggregatedTool struct {
	wire.Tool
	ServerID     string
	ServerName   string
	OriginalName string
	Change       ChangeType
}

// ServerError annotates a backend that failed during aggregation.
type ServerError struct {
	ServerID   string
	ServerName string
	Message    string
}

// Catalog is the merged tool view of one profile. Partial failure is normal:
// tools from healthy backends are served alongside per-server error
// annotations.
type Catalog struct {
	Tools  []AggregatedTool
	Errors []ServerError
}

// planEntry is one active assignment resolved to its server config and
// customization overlay.
type planEntry struct {
	assignment     *store.Assignment
	server         *store.ServerConfig
	customizations map[string]*store.ToolCustomization
}

// ListTools aggregates the tool catalogs of all active assignments, applying
// customizations and first-position-wins collision handling.
func (a *Aggregator) ListTools(ctx context.Context, profileID string) (*Catalog, error) {
	tr := a.tracer.Begin(ctx, profileID, "", wire.MethodListTools, nil)

	plan, err := a.loadPlan(ctx, profileID, true)
	if err != nil {
		tr.Error(ctx, err)
		return nil, err
	}

	type fetchResult struct {
		tools   []wire.Tool
		changes map[string]ChangeType
		err     error
	}
	results := make([]fetchResult, len(plan))

	var g errgroup.Group
	g.SetLimit(a.opts.FanoutLimit)
	for i, entry := range plan {
		g.Go(func() error {
			ad, err := a.adapter(ctx, profileID, entry.server)
			if err != nil {
				results[i].err = err
				return nil
			}
			tools, err := ad.ListTools(ctx)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].tools = tools
			results[i].changes = a.cache.classify(ctx, entry.server.ID, tools)
			return nil
		})
	}
	_ = g.Wait()

	catalog := &Catalog{}
	seen := make(map[string]bool)
	for i, entry := range plan {
		if results[i].err != nil {
			a.opts.Logger.Warn("backend catalog fetch failed",
				"profile_id", profileID, "server", entry.server.Name, "error", results[i].err)
			catalog.Errors = append(catalog.Errors, ServerError{
				ServerID:   entry.server.ID,
				ServerName: entry.server.Name,
				Message:    results[i].err.Error(),
			})
			continue
		}
		for _, tool := range results[i].tools {
			effective, ok := applyCustomization(tool, entry.customizations[tool.Name])
			if !ok {
				continue
			}
			if seen[effective.Name] {
				continue
			}
			seen[effective.Name] = true
			catalog.Tools = append(catalog.Tools, AggregatedTool{
				Tool:         effective,
				ServerID:     entry.server.ID,
				ServerName:   entry.server.Name,
				OriginalName: tool.Name,
				Change:       results[i].changes[tool.Name],
			})
		}
	}

	tr.Success(ctx, map[string]int{"tools": len(catalog.Tools), "errors": len(catalog.Errors)})
	return catalog, nil
}

// applyCustomization overlays a customization onto a tool. It returns false
// when the tool is disabled for this assignment.
func applyCustomization(tool wire.Tool, c *store.ToolCustomization) (wire.Tool, bool) {
	if c == nil {
		return tool, true
	}
	if !c.IsEnabled {
		return wire.Tool{}, false
	}
	if c.CustomName != "" {
		tool.Name = c.CustomName
	}
	if c.CustomDescription != "" {
		tool.Description = c.CustomDescription
	}
	if c.CustomInputSchema != nil {
		tool.InputSchema = c.CustomInputSchema
	}
	return tool, true
}

// CallTool routes a call to the backend owning the named tool and forwards it
// under the tool's original name. The name may be either the customized
// display name or the backend's original one.
func (a *Aggregator) CallTool(ctx context.Context, profileID, name string, args map[string]any) (json.RawMessage, error) {
	tr := a.tracer.Begin(ctx, profileID, "", wire.MethodCallTool, wire.CallToolParams{Name: name, Arguments: args})

	entry, originalName, err := a.resolveTool(ctx, profileID, name)
	if err != nil {
		tr.Error(ctx, err)
		return nil, err
	}

	ad, err := a.adapter(ctx, profileID, entry.server)
	if err != nil {
		tr.Error(ctx, err)
		return nil, err
	}
	raw, err := ad.CallTool(ctx, originalName, args)
	if err != nil {
		tr.Error(ctx, err)
		return nil, err
	}
	tr.Success(ctx, json.RawMessage(raw))
	return raw, nil
}

// resolveTool walks active assignments in position order and returns the
// first entry owning the named tool, honoring the same precedence as
// ListTools. Disabled tools reject instead of falling through to a
// lower-precedence backend with the same name.
func (a *Aggregator) resolveTool(ctx context.Context, profileID, name string) (*planEntry, string, error) {
	plan, err := a.loadPlan(ctx, profileID, true)
	if err != nil {
		return nil, "", err
	}
	for _, entry := range plan {
		ad, err := a.adapter(ctx, profileID, entry.server)
		if err != nil {
			continue
		}
		tools, err := ad.ListTools(ctx)
		if err != nil {
			a.opts.Logger.Warn("backend catalog fetch failed during routing",
				"profile_id", profileID, "server", entry.server.Name, "error", err)
			continue
		}
		for _, tool := range tools {
			c := entry.customizations[tool.Name]
			displayName := tool.Name
			if c != nil && c.CustomName != "" {
				displayName = c.CustomName
			}
			if name != displayName && name != tool.Name {
				continue
			}
			if c != nil && !c.IsEnabled {
				return nil, "", transport.NewProtocolFault(wire.CodeInvalidParams,
					fmt.Sprintf("tool %q is disabled", name))
			}
			return entry, tool.Name, nil
		}
	}
	return nil, "", transport.NewProtocolFault(wire.CodeInvalidParams,
		fmt.Sprintf("unknown tool %q", name))
}

// ListResources aggregates resource catalogs across active assignments,
// first-position-wins per URI.
func (a *Aggregator) ListResources(ctx context.Context, profileID string) ([]wire.Resource, []ServerError, error) {
	tr := a.tracer.Begin(ctx, profileID, "", wire.MethodListResources, nil)

	plan, err := a.loadPlan(ctx, profileID, true)
	if err != nil {
		tr.Error(ctx, err)
		return nil, nil, err
	}

	type fetchResult struct {
		resources []wire.Resource
		err       error
	}
	results := make([]fetchResult, len(plan))

	var g errgroup.Group
	g.SetLimit(a.opts.FanoutLimit)
	for i, entry := range plan {
		g.Go(func() error {
			ad, err := a.adapter(ctx, profileID, entry.server)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].resources, results[i].err = ad.ListResources(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var (
		resources []wire.Resource
		serverErrs []ServerError
	)
	seen := make(map[string]bool)
	for i, entry := range plan {
		if results[i].err != nil {
			serverErrs = append(serverErrs, ServerError{
				ServerID:   entry.server.ID,
				ServerName: entry.server.Name,
				Message:    results[i].err.Error(),
			})
			continue
		}
		for _, res := range results[i].resources {
			if seen[res.URI] {
				continue
			}
			seen[res.URI] = true
			resources = append(resources, res)
		}
	}

	tr.Success(ctx, map[string]int{"resources": len(resources), "errors": len(serverErrs)})
	return resources, serverErrs, nil
}

// ReadResource reads a resource from the first active assignment whose
// catalog contains the URI.
func (a *Aggregator) ReadResource(ctx context.Context, profileID, uri string) (json.RawMessage, error) {
	tr := a.tracer.Begin(ctx, profileID, "", wire.MethodReadResource, wire.ReadResourceParams{URI: uri})

	plan, err := a.loadPlan(ctx, profileID, true)
	if err != nil {
		tr.Error(ctx, err)
		return nil, err
	}
	for _, entry := range plan {
		ad, err := a.adapter(ctx, profileID, entry.server)
		if err != nil {
			continue
		}
		resources, err := ad.ListResources(ctx)
		if err != nil {
			continue
		}
		for _, res := range resources {
			if res.URI != uri {
				continue
			}
			raw, err := ad.ReadResource(ctx, uri)
			if err != nil {
				tr.Error(ctx, err)
				return nil, err
			}
			tr.Success(ctx, json.RawMessage(raw))
			return raw, nil
		}
	}
	err = transport.NewProtocolFault(wire.CodeInvalidParams, fmt.Sprintf("unknown resource %q", uri))
	tr.Error(ctx, err)
	return nil, err
}

// ServerStatus reports per-backend health for one profile by pinging every
// assignment, active or not.
type ServerStatus struct {
	ServerID   string
	ServerName string
	Kind       store.ServerKind
	Active     bool
	Healthy    bool
	Error      string
}

// Status pings every assigned backend of a profile.
func (a *Aggregator) Status(ctx context.Context, profileID string) ([]ServerStatus, error) {
	plan, err := a.loadPlan(ctx, profileID, false)
	if err != nil {
		return nil, err
	}

	statuses := make([]ServerStatus, len(plan))
	var g errgroup.Group
	g.SetLimit(a.opts.FanoutLimit)
	for i, entry := range plan {
		statuses[i] = ServerStatus{
			ServerID:   entry.server.ID,
			ServerName: entry.server.Name,
			Kind:       entry.server.Kind,
			Active:     entry.assignment.IsActive,
		}
		g.Go(func() error {
			ad, err := a.adapter(ctx, profileID, entry.server)
			if err == nil {
				err = ad.Ping(ctx)
			}
			if err != nil {
				statuses[i].Error = err.Error()
				return nil
			}
			statuses[i].Healthy = true
			return nil
		})
	}
	_ = g.Wait()
	return statuses, nil
}

// SetAssignmentActive toggles a server within a profile. Customizations are
// untouched, so reactivation restores the previous merged view.
func (a *Aggregator) SetAssignmentActive(ctx context.Context, profileID, serverID string, active bool) error {
	assignment, err := a.store.GetAssignment(ctx, profileID, serverID)
	if err != nil {
		return err
	}
	return a.store.SetAssignmentActive(ctx, assignment.ID, active)
}

// UpdateCredential persists a new credential record and rotates it into the
// live injector, invalidating sessions opened under the old one.
func (a *Aggregator) UpdateCredential(ctx context.Context, rec *store.CredentialRecord) error {
	if err := a.store.PutCredential(ctx, rec); err != nil {
		return err
	}
	a.mu.Lock()
	inj := a.injectors[rec.ServerID]
	a.mu.Unlock()
	if inj != nil {
		inj.Update(rec)
	}
	return nil
}

// RefreshCatalogs clears cached tool/resource catalogs for every adapter of
// the profile, forcing re-fetch on the next list.
func (a *Aggregator) RefreshCatalogs(profileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, ad := range a.adapters {
		if key.profileID == profileID {
			ad.RefreshCatalog()
		}
	}
}

// InvalidateServer drops every adapter built for the server along with its
// injector. Call after a server configuration change; the next use rebuilds
// from the current row.
func (a *Aggregator) InvalidateServer(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, ad := range a.adapters {
		if key.serverID == serverID {
			_ = ad.Close()
			delete(a.adapters, key)
		}
	}
	delete(a.injectors, serverID)
}

// HandleRequest serves one protocol request against a profile's virtual
// endpoint. Notifications return nil, success or failure.
func (a *Aggregator) HandleRequest(ctx context.Context, profileID string, req *wire.Request) *wire.Response {
	resp := a.dispatch(ctx, profileID, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (a *Aggregator) dispatch(ctx context.Context, profileID string, req *wire.Request) *wire.Response {
	switch req.Method {
	case wire.MethodInitialize:
		profile, err := a.store.GetProfile(ctx, profileID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return mustResponse(req.ID, wire.InitializeResult{
			ProtocolVersion: "2025-03-26",
			ServerInfo:      wire.Implementation{Name: profile.Name},
			Capabilities: map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
		})
	case wire.MethodPing:
		return mustResponse(req.ID, map[string]any{})
	case wire.MethodListTools:
		catalog, err := a.ListTools(ctx, profileID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		tools := make([]wire.Tool, 0, len(catalog.Tools))
		for _, t := range catalog.Tools {
			tools = append(tools, t.Tool)
		}
		return mustResponse(req.ID, wire.ListToolsResult{Tools: tools})
	case wire.MethodCallTool:
		var params wire.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return wire.NewErrorResponse(req.ID, wire.CodeInvalidParams, "tools/call requires a tool name")
		}
		raw, err := a.CallTool(ctx, profileID, params.Name, params.Arguments)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return &wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: raw}
	case wire.MethodListResources:
		resources, _, err := a.ListResources(ctx, profileID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		if resources == nil {
			resources = []wire.Resource{}
		}
		return mustResponse(req.ID, wire.ListResourcesResult{Resources: resources})
	case wire.MethodReadResource:
		var params wire.ReadResourceParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
			return wire.NewErrorResponse(req.ID, wire.CodeInvalidParams, "resources/read requires a uri")
		}
		raw, err := a.ReadResource(ctx, profileID, params.URI)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return &wire.Response{JSONRPC: wire.Version, ID: req.ID, Result: raw}
	default:
		return wire.NewErrorResponse(req.ID, wire.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// Close releases every adapter.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for key, ad := range a.adapters {
		_ = ad.Close()
		delete(a.adapters, key)
	}
	return nil
}

// loadPlan resolves a profile's assignments to server configs and
// customization overlays, ordered by position.
func (a *Aggregator) loadPlan(ctx context.Context, profileID string, activeOnly bool) ([]*planEntry, error) {
	if _, err := a.store.GetProfile(ctx, profileID); err != nil {
		return nil, err
	}
	assignments, err := a.store.ListAssignments(ctx, profileID)
	if err != nil {
		return nil, err
	}

	var plan []*planEntry
	for _, assignment := range assignments {
		if activeOnly && !assignment.IsActive {
			continue
		}
		server, err := a.store.GetServer(ctx, assignment.ServerID)
		if err != nil {
			return nil, fmt.Errorf("loading server %s: %w", assignment.ServerID, err)
		}
		customizations, err := a.store.ListToolCustomizations(ctx, assignment.ID)
		if err != nil {
			return nil, fmt.Errorf("loading customizations for %s: %w", assignment.ID, err)
		}
		byTool := make(map[string]*store.ToolCustomization, len(customizations))
		for _, c := range customizations {
			byTool[c.ToolName] = c
		}
		plan = append(plan, &planEntry{
			assignment:     assignment,
			server:         server,
			customizations: byTool,
		})
	}
	return plan, nil
}

// adapter returns the cached adapter for (profile, server), building it and
// its credential injector on first use.
func (a *Aggregator) adapter(ctx context.Context, profileID string, cfg *store.ServerConfig) (transport.Adapter, error) {
	key := adapterKey{profileID: profileID, serverID: cfg.ID}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("profile: aggregator closed")
	}
	if ad, ok := a.adapters[key]; ok {
		return ad, nil
	}

	inj, ok := a.injectors[cfg.ID]
	if !ok {
		rec, err := a.store.GetCredential(ctx, cfg.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		inj = creds.NewInjector(rec)
		a.injectors[cfg.ID] = inj
	}

	ad, err := a.factory(cfg, inj)
	if err != nil {
		return nil, err
	}
	inj.OnInvalidate(ad.Invalidate)
	a.adapters[key] = ad
	return ad, nil
}

func errorResponse(id any, err error) *wire.Response {
	var fault *transport.Fault
	if errors.As(err, &fault) && fault.Kind == transport.FaultProtocol && fault.Code != 0 {
		return wire.NewErrorResponse(id, fault.Code, fault.Message)
	}
	if errors.Is(err, store.ErrNotFound) {
		return wire.NewErrorResponse(id, wire.CodeInvalidParams, err.Error())
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

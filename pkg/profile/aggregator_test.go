package profile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/toolfront/toolfront/pkg/store"
	"github.com/toolfront/toolfront/pkg/store/sqlite"
	"github.com/toolfront/toolfront/pkg/transport"
	"github.com/toolfront/toolfront/pkg/wire"
)

// callLog records which backend handled which original tool name.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fixture struct {
	store   store.Store
	agg     *Aggregator
	alpha   *transport.InProcessAdapter
	beta    *transport.InProcessAdapter
	profile *store.Profile
	assignA *store.Assignment
	assignB *store.Assignment
	log     *callLog
}

// newFixture builds two in-process backends assigned to one profile:
// alpha-server (search, fetch) at position 0 and beta-server (search, login)
// at position 1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := &callLog{}
	textResult := func(text string) wire.CallToolResult {
		return wire.CallToolResult{Content: []map[string]any{{"type": "text", "text": text}}}
	}

	alpha := transport.NewInProcessAdapter()
	alpha.RegisterTool(wire.Tool{Name: "search", Description: "alpha search"},
		func(context.Context, map[string]any) (any, error) {
			log.add("alpha:search")
			return textResult("alpha search result"), nil
		})
	alpha.RegisterTool(wire.Tool{Name: "fetch", Description: "alpha fetch"},
		func(context.Context, map[string]any) (any, error) {
			log.add("alpha:fetch")
			return textResult("alpha fetch result"), nil
		})
	alpha.RegisterResource(wire.Resource{URI: "mem://shared", Name: "alpha copy"},
		func(context.Context) (any, error) {
			return wire.ReadResourceResult{Contents: []map[string]any{{"text": "from alpha"}}}, nil
		})

	beta := transport.NewInProcessAdapter()
	beta.RegisterTool(wire.Tool{Name: "search", Description: "beta search"},
		func(context.Context, map[string]any) (any, error) {
			log.add("beta:search")
			return textResult("beta search result"), nil
		})
	beta.RegisterTool(wire.Tool{Name: "login", Description: "beta login"},
		func(context.Context, map[string]any) (any, error) {
			log.add("beta:login")
			return textResult("beta login result"), nil
		})
	beta.RegisterResource(wire.Resource{URI: "mem://shared", Name: "beta copy"},
		func(context.Context) (any, error) {
			return wire.ReadResourceResult{Contents: []map[string]any{{"text": "from beta"}}}, nil
		})

	serverA := &store.ServerConfig{Name: "alpha-server", Kind: store.KindExtension}
	serverB := &store.ServerConfig{Name: "beta-server", Kind: store.KindExtension}
	for _, cfg := range []*store.ServerConfig{serverA, serverB} {
		if err := st.CreateServer(ctx, cfg); err != nil {
			t.Fatalf("creating server %s: %v", cfg.Name, err)
		}
	}

	prof := &store.Profile{Name: "research"}
	if err := st.CreateProfile(ctx, prof); err != nil {
		t.Fatalf("creating profile: %v", err)
	}
	assignA := &store.Assignment{ProfileID: prof.ID, ServerID: serverA.ID, Position: 0, IsActive: true}
	assignB := &store.Assignment{ProfileID: prof.ID, ServerID: serverB.ID, Position: 1, IsActive: true}
	for _, a := range []*store.Assignment{assignA, assignB} {
		if err := st.CreateAssignment(ctx, a); err != nil {
			t.Fatalf("creating assignment: %v", err)
		}
	}

	factory := NewAdapterFactory(nil, map[string]transport.Adapter{
		"alpha-server": alpha,
		"beta-server":  beta,
	})
	agg := New(st, factory, nil)
	t.Cleanup(func() { _ = agg.Close() })

	return &fixture{
		store: st, agg: agg, alpha: alpha, beta: beta,
		profile: prof, assignA: assignA, assignB: assignB, log: log,
	}
}

func toolNames(catalog *Catalog) []string {
	names := make([]string, 0, len(catalog.Tools))
	for _, tool := range catalog.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestListToolsMergesAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	catalog, err := f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(catalog.Errors) != 0 {
		t.Fatalf("unexpected server errors: %+v", catalog.Errors)
	}
	names := toolNames(catalog)
	if len(names) != 3 {
		t.Fatalf("merged catalog = %v, want 3 tools", names)
	}

	// The colliding "search" belongs to the lower-position backend.
	for _, tool := range catalog.Tools {
		if tool.Name == "search" && tool.ServerName != "alpha-server" {
			t.Fatalf("search owned by %s, want alpha-server", tool.ServerName)
		}
		if tool.Change != ChangeAdded {
			t.Fatalf("first sighting of %s classified %q, want added", tool.Name, tool.Change)
		}
	}

	// A second aggregation sees no drift.
	catalog, err = f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	for _, tool := range catalog.Tools {
		if tool.Change != ChangeUnchanged {
			t.Fatalf("second sighting of %s classified %q, want unchanged", tool.Name, tool.Change)
		}
	}
}

func TestCustomizationOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Rename beta's colliding search out of the way and give login a new
	// description.
	for _, c := range []*store.ToolCustomization{
		{AssignmentID: f.assignB.ID, ToolName: "search", IsEnabled: true, CustomName: "beta-search"},
		{AssignmentID: f.assignB.ID, ToolName: "login", IsEnabled: true, CustomDescription: "sign in first"},
	} {
		if err := f.store.UpsertToolCustomization(ctx, c); err != nil {
			t.Fatalf("upserting customization: %v", err)
		}
	}

	catalog, err := f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := toolNames(catalog)
	if len(names) != 4 {
		t.Fatalf("catalog = %v, want 4 tools after rename", names)
	}
	for _, tool := range catalog.Tools {
		switch tool.Name {
		case "beta-search":
			if tool.OriginalName != "search" || tool.ServerName != "beta-server" {
				t.Fatalf("beta-search resolved to %s/%s", tool.ServerName, tool.OriginalName)
			}
		case "login":
			if tool.Description != "sign in first" {
				t.Fatalf("login description = %q", tool.Description)
			}
		}
	}

	// Calling the display name forwards the original name to the backend.
	if _, err := f.agg.CallTool(ctx, f.profile.ID, "beta-search", nil); err != nil {
		t.Fatalf("CallTool(beta-search): %v", err)
	}
	calls := f.log.all()
	if len(calls) != 1 || calls[0] != "beta:search" {
		t.Fatalf("call log = %v, want [beta:search]", calls)
	}
}

func TestDisabledToolHiddenAndRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.UpsertToolCustomization(ctx, &store.ToolCustomization{
		AssignmentID: f.assignA.ID,
		ToolName:     "fetch",
		IsEnabled:    false,
	}); err != nil {
		t.Fatalf("upserting customization: %v", err)
	}

	catalog, err := f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	for _, tool := range catalog.Tools {
		if tool.Name == "fetch" {
			t.Fatalf("disabled tool still listed")
		}
	}

	_, err = f.agg.CallTool(ctx, f.profile.ID, "fetch", nil)
	var fault *transport.Fault
	if !errors.As(err, &fault) || fault.Code != wire.CodeInvalidParams {
		t.Fatalf("calling disabled tool: %v, want invalid-params fault", err)
	}
	if len(f.log.all()) != 0 {
		t.Fatalf("disabled call reached a backend: %v", f.log.all())
	}
}

func TestDeactivateReactivateKeepsCustomizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.UpsertToolCustomization(ctx, &store.ToolCustomization{
		AssignmentID: f.assignB.ID,
		ToolName:     "login",
		IsEnabled:    true,
		CustomName:   "site-login",
	}); err != nil {
		t.Fatalf("upserting customization: %v", err)
	}

	if err := f.agg.SetAssignmentActive(ctx, f.profile.ID, f.assignB.ServerID, false); err != nil {
		t.Fatalf("deactivating: %v", err)
	}
	catalog, err := f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if names := toolNames(catalog); len(names) != 2 {
		t.Fatalf("catalog with beta inactive = %v, want alpha's 2 tools", names)
	}

	if err := f.agg.SetAssignmentActive(ctx, f.profile.ID, f.assignB.ServerID, true); err != nil {
		t.Fatalf("reactivating: %v", err)
	}
	catalog, err = f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	found := false
	for _, tool := range catalog.Tools {
		if tool.Name == "site-login" {
			found = true
		}
	}
	if !found {
		t.Fatalf("customization lost across deactivate/reactivate: %v", toolNames(catalog))
	}
}

func TestCollidingCallRoutesToFirstAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agg.CallTool(ctx, f.profile.ID, "search", nil); err != nil {
		t.Fatalf("CallTool(search): %v", err)
	}
	calls := f.log.all()
	if len(calls) != 1 || calls[0] != "alpha:search" {
		t.Fatalf("call log = %v, want [alpha:search]", calls)
	}
}

func TestDriftDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agg.ListTools(ctx, f.profile.ID); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	// The backend changes a tool's description between aggregations.
	f.alpha.RegisterTool(wire.Tool{Name: "search", Description: "alpha search v2"},
		func(context.Context, map[string]any) (any, error) { return nil, nil })
	f.agg.RefreshCatalogs(f.profile.ID)

	catalog, err := f.agg.ListTools(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	for _, tool := range catalog.Tools {
		if tool.ServerName != "alpha-server" {
			continue
		}
		switch tool.OriginalName {
		case "search":
			if tool.Change != ChangeModified {
				t.Fatalf("search classified %q, want modified", tool.Change)
			}
		case "fetch":
			if tool.Change != ChangeUnchanged {
				t.Fatalf("fetch classified %q, want unchanged", tool.Change)
			}
		}
	}
}

func TestResourcesAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resources, serverErrs, err := f.agg.ListResources(ctx, f.profile.ID)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(serverErrs) != 0 {
		t.Fatalf("unexpected server errors: %+v", serverErrs)
	}
	// Both backends expose mem://shared; first assignment wins.
	if len(resources) != 1 || resources[0].Name != "alpha copy" {
		t.Fatalf("resources = %+v, want alpha's copy only", resources)
	}

	raw, err := f.agg.ReadResource(ctx, f.profile.ID, "mem://shared")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	var result wire.ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0]["text"] != "from alpha" {
		t.Fatalf("read routed to wrong backend: %+v", result)
	}
}

func TestTracerRecordsExchanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agg.CallTool(ctx, f.profile.ID, "search", map[string]any{"q": "golang"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if _, err := f.agg.CallTool(ctx, f.profile.ID, "no-such-tool", nil); err == nil {
		t.Fatalf("expected unknown tool to fail")
	}

	succ, err := f.store.ListAuditRecords(ctx, store.AuditFilter{
		ProfileID: f.profile.ID,
		Status:    store.AuditSuccess,
	})
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(succ) != 1 || succ[0].RequestType != wire.MethodCallTool {
		t.Fatalf("success records = %+v", succ)
	}
	var params wire.CallToolParams
	if err := json.Unmarshal(succ[0].Request, &params); err != nil {
		t.Fatalf("decoding audited request: %v", err)
	}
	if params.Name != "search" {
		t.Fatalf("audited request = %+v", params)
	}

	failed, err := f.store.ListAuditRecords(ctx, store.AuditFilter{
		ProfileID: f.profile.ID,
		Status:    store.AuditError,
	})
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage == "" {
		t.Fatalf("error records = %+v", failed)
	}
}

func TestUnknownProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.ListTools(context.Background(), "no-such-profile")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ListTools for unknown profile: %v, want ErrNotFound", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}
	same := map[string]any{"properties": map[string]any{"q": map[string]any{"type": "string"}}, "type": "object"}
	if Fingerprint("desc", schema) != Fingerprint("desc", same) {
		t.Fatalf("fingerprint depends on map iteration order")
	}
	if Fingerprint("desc", schema) == Fingerprint("other", schema) {
		t.Fatalf("fingerprint ignores description")
	}
}

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/toolfront/toolfront/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServerCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := &store.ServerConfig{
		Name:              "docs",
		Kind:              store.KindStreaming,
		Endpoint:          "https://docs.example.com/mcp",
		StreamFirst:       true,
		SessionFromHeader: true,
		APIKey:            &store.APIKeyConfig{HeaderName: "X-Api-Key", ValueTemplate: "Key {key}"},
	}
	require.NoError(t, s.CreateServer(ctx, cfg))
	require.NotEmpty(t, cfg.ID)

	got, err := s.GetServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)
	assert.Equal(t, store.KindStreaming, got.Kind)
	assert.True(t, got.StreamFirst)
	assert.True(t, got.SessionFromHeader)
	require.NotNil(t, got.APIKey)
	assert.Equal(t, "Key {key}", got.APIKey.ValueTemplate)
	assert.Nil(t, got.OAuth)

	byName, err := s.GetServerByName(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, byName.ID)

	got.Endpoint = "https://docs.example.com/v2/mcp"
	require.NoError(t, s.UpdateServer(ctx, got))
	updated, err := s.GetServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://docs.example.com/v2/mcp", updated.Endpoint)

	// Names are unique.
	err = s.CreateServer(ctx, &store.ServerConfig{Name: "docs", Kind: store.KindHTTP})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	require.NoError(t, s.DeleteServer(ctx, cfg.ID))
	_, err = s.GetServer(ctx, cfg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssignmentsAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server := &store.ServerConfig{Name: "srv", Kind: store.KindHTTP, Endpoint: "http://srv"}
	require.NoError(t, s.CreateServer(ctx, server))
	prof := &store.Profile{Name: "research"}
	require.NoError(t, s.CreateProfile(ctx, prof))

	a := &store.Assignment{ProfileID: prof.ID, ServerID: server.ID, Position: 1, IsActive: true}
	require.NoError(t, s.CreateAssignment(ctx, a))

	// One assignment per (profile, server).
	dup := &store.Assignment{ProfileID: prof.ID, ServerID: server.ID}
	assert.ErrorIs(t, s.CreateAssignment(ctx, dup), store.ErrAlreadyExists)

	require.NoError(t, s.UpsertToolCustomization(ctx, &store.ToolCustomization{
		AssignmentID: a.ID,
		ToolName:     "search",
		IsEnabled:    true,
		CustomName:   "doc-search",
	}))

	// Toggling is independent of customizations.
	require.NoError(t, s.SetAssignmentActive(ctx, a.ID, false))
	got, err := s.GetAssignment(ctx, prof.ID, server.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	custs, err := s.ListToolCustomizations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, custs, 1)
	assert.Equal(t, "doc-search", custs[0].CustomName)

	// Deleting the profile cascades assignments and customizations.
	require.NoError(t, s.DeleteProfile(ctx, prof.ID))
	_, err = s.GetAssignment(ctx, prof.ID, server.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	custs, err = s.ListToolCustomizations(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, custs)

	// The server itself survives.
	_, err = s.GetServer(ctx, server.ID)
	assert.NoError(t, err)
}

func TestToolCustomizationUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server := &store.ServerConfig{Name: "srv", Kind: store.KindHTTP}
	require.NoError(t, s.CreateServer(ctx, server))
	prof := &store.Profile{Name: "p"}
	require.NoError(t, s.CreateProfile(ctx, prof))
	a := &store.Assignment{ProfileID: prof.ID, ServerID: server.ID, IsActive: true}
	require.NoError(t, s.CreateAssignment(ctx, a))

	c := &store.ToolCustomization{
		AssignmentID:      a.ID,
		ToolName:          "search",
		IsEnabled:         true,
		CustomDescription: "first",
	}
	require.NoError(t, s.UpsertToolCustomization(ctx, c))

	// Upserting the same tool replaces instead of duplicating.
	require.NoError(t, s.UpsertToolCustomization(ctx, &store.ToolCustomization{
		AssignmentID:      a.ID,
		ToolName:          "search",
		IsEnabled:         false,
		CustomDescription: "second",
		CustomInputSchema: map[string]any{"type": "object"},
	}))

	got, err := s.GetToolCustomization(ctx, a.ID, "search")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.Equal(t, "second", got.CustomDescription)
	assert.Equal(t, map[string]any{"type": "object"}, got.CustomInputSchema)

	require.NoError(t, s.DeleteToolCustomization(ctx, a.ID, "search"))
	_, err = s.GetToolCustomization(ctx, a.ID, "search")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server := &store.ServerConfig{Name: "srv", Kind: store.KindHTTP}
	require.NoError(t, s.CreateServer(ctx, server))

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.PutCredential(ctx, &store.CredentialRecord{
		ServerID: server.ID,
		OAuth:    &oauth2.Token{AccessToken: "tok", TokenType: "Bearer", Expiry: expiry},
	}))

	got, err := s.GetCredential(ctx, server.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OAuth)
	assert.Equal(t, "tok", got.OAuth.AccessToken)
	assert.True(t, got.OAuth.Expiry.Equal(expiry))

	// A second put replaces the record.
	require.NoError(t, s.PutCredential(ctx, &store.CredentialRecord{
		ServerID: server.ID,
		APIKey:   &store.APIKeyCredential{Key: "k", HeaderName: "X-Key"},
	}))
	got, err = s.GetCredential(ctx, server.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OAuth)
	require.NotNil(t, got.APIKey)
	assert.Equal(t, "k", got.APIKey.Key)

	// Deleting the server cascades the credential.
	require.NoError(t, s.DeleteServer(ctx, server.ID))
	_, err = s.GetCredential(ctx, server.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestToolSchemaCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server := &store.ServerConfig{Name: "srv", Kind: store.KindHTTP}
	require.NoError(t, s.CreateServer(ctx, server))

	require.NoError(t, s.UpsertToolSchemaCache(ctx, &store.ToolSchemaCacheEntry{
		ServerID:    server.ID,
		ToolName:    "search",
		Description: "v1",
		Fingerprint: "aaa",
	}))
	require.NoError(t, s.UpsertToolSchemaCache(ctx, &store.ToolSchemaCacheEntry{
		ServerID:    server.ID,
		ToolName:    "search",
		Description: "v2",
		InputSchema: map[string]any{"type": "object"},
		Fingerprint: "bbb",
	}))

	entries, err := s.ListToolSchemaCache(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v2", entries[0].Description)
	assert.Equal(t, "bbb", entries[0].Fingerprint)
}

func TestAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := range 5 {
		rec := &store.AuditRecord{
			ProfileID:   "prof-1",
			RequestType: "tools/call",
			Request:     json.RawMessage(`{"name":"search"}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateAuditRecord(ctx, rec))
		assert.Equal(t, store.AuditPending, rec.Status)
		if i%2 == 0 {
			require.NoError(t, s.FinishAuditRecord(ctx, rec.ID, store.AuditSuccess,
				json.RawMessage(`{"ok":true}`), "", 12))
		} else {
			require.NoError(t, s.FinishAuditRecord(ctx, rec.ID, store.AuditError,
				nil, "backend unavailable", 7))
		}
	}

	// Newest first, filtered by status.
	errs, err := s.ListAuditRecords(ctx, store.AuditFilter{
		ProfileID: "prof-1",
		Status:    store.AuditError,
	})
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "backend unavailable", errs[0].ErrorMessage)
	assert.True(t, errs[0].CreatedAt.After(errs[1].CreatedAt))

	// Pagination.
	page, err := s.ListAuditRecords(ctx, store.AuditFilter{ProfileID: "prof-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	next, err := s.ListAuditRecords(ctx, store.AuditFilter{ProfileID: "prof-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.NotEqual(t, page[0].ID, next[0].ID)
	assert.True(t, page[1].CreatedAt.After(next[0].CreatedAt))

	// Other profiles do not leak in.
	other, err := s.ListAuditRecords(ctx, store.AuditFilter{ProfileID: "prof-2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

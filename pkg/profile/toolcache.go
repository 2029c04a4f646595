package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/toolfront/toolfront/pkg/store"
	"github.com/toolfront/toolfront/pkg/wire"
)

// ChangeType classifies how a live tool compares to its last-seen cached
// shape.
type ChangeType string

const (
	ChangeAdded     ChangeType = "added"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
)

// Fingerprint digests a tool's description and input schema. json.Marshal
// emits map keys in sorted order, so equal shapes always hash equal.
func Fingerprint(description string, schema map[string]any) string {
	payload, _ := json.Marshal(struct {
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}{description, schema})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// schemaCache compares live catalogs against persisted fingerprints and keeps
// the persisted copy current. It only ever annotates; serving never waits on
// it, and store failures degrade to "unchanged".
type schemaCache struct {
	store  store.Store
	logger *slog.Logger
}

// classify returns a change type per tool name and upserts the fresh shapes
// back into the cache, best effort.
func (c *schemaCache) classify(ctx context.Context, serverID string, tools []wire.Tool) map[string]ChangeType {
	out := make(map[string]ChangeType, len(tools))
	for _, t := range tools {
		out[t.Name] = ChangeUnchanged
	}

	entries, err := c.store.ListToolSchemaCache(ctx, serverID)
	if err != nil {
		c.logger.Warn("reading schema cache failed", "server_id", serverID, "error", err)
		return out
	}
	known := make(map[string]string, len(entries))
	for _, e := range entries {
		known[e.ToolName] = e.Fingerprint
	}

	for _, t := range tools {
		fp := Fingerprint(t.Description, t.InputSchema)
		switch prev, ok := known[t.Name]; {
		case !ok:
			out[t.Name] = ChangeAdded
		case prev != fp:
			out[t.Name] = ChangeModified
		}
		if err := c.store.UpsertToolSchemaCache(ctx, &store.ToolSchemaCacheEntry{
			ServerID:    serverID,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Fingerprint: fp,
		}); err != nil {
			c.logger.Warn("updating schema cache failed",
				"server_id", serverID, "tool", t.Name, "error", err)
		}
	}
	return out
}

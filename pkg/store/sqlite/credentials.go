package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/toolfront/toolfront/pkg/store"
)

// PutCredential writes the credential record for a server, replacing any
// previous one.
func (s *Store) PutCredential(ctx context.Context, rec *store.CredentialRecord) error {
	rec.UpdatedAt = time.Now()

	oauth, err := encodeJSON(ptrOrNil(rec.OAuth))
	if err != nil {
		return fmt.Errorf("encoding oauth token: %w", err)
	}
	apiKey, err := encodeJSON(ptrOrNil(rec.APIKey))
	if err != nil {
		return fmt.Errorf("encoding api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (server_id, oauth_token, api_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			oauth_token = excluded.oauth_token,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`,
		rec.ServerID, oauth, apiKey, encodeTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// GetCredential fetches the credential record for a server.
func (s *Store) GetCredential(ctx context.Context, serverID string) (*store.CredentialRecord, error) {
	var (
		rec           store.CredentialRecord
		oauth, apiKey sql.NullString
		updatedAt     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, oauth_token, api_key, updated_at
		FROM credentials WHERE server_id = ?`, serverID).
		Scan(&rec.ServerID, &oauth, &apiKey, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	if err := decodeJSON(oauth, &rec.OAuth); err != nil {
		return nil, err
	}
	if err := decodeJSON(apiKey, &rec.APIKey); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteCredential removes a server's credential record.
func (s *Store) DeleteCredential(ctx context.Context, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireRow(res)
}

// UpsertToolSchemaCache records the last-seen shape of one backend tool.
func (s *Store) UpsertToolSchemaCache(ctx context.Context, entry *store.ToolSchemaCacheEntry) error {
	fillTime(&entry.FetchedAt, time.Now())

	schema, err := encodeJSON(mapOrNil(entry.InputSchema))
	if err != nil {
		return fmt.Errorf("encoding input schema: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_schema_cache (
			server_id, tool_name, description, input_schema, fingerprint, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, tool_name) DO UPDATE SET
			description = excluded.description,
			input_schema = excluded.input_schema,
			fingerprint = excluded.fingerprint,
			fetched_at = excluded.fetched_at`,
		entry.ServerID, entry.ToolName, entry.Description, schema,
		entry.Fingerprint, encodeTime(entry.FetchedAt))
	if err != nil {
		return fmt.Errorf("upserting schema cache entry: %w", err)
	}
	return nil
}

// ListToolSchemaCache returns the cached tool shapes for a server.
func (s *Store) ListToolSchemaCache(ctx context.Context, serverID string) ([]*store.ToolSchemaCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, tool_name, description, input_schema, fingerprint, fetched_at
		FROM tool_schema_cache WHERE server_id = ? ORDER BY tool_name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying schema cache: %w", err)
	}
	defer rows.Close()

	var out []*store.ToolSchemaCacheEntry
	for rows.Next() {
		var (
			entry     store.ToolSchemaCacheEntry
			schema    sql.NullString
			fetchedAt string
		)
		if err := rows.Scan(&entry.ServerID, &entry.ToolName, &entry.Description,
			&schema, &entry.Fingerprint, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scanning schema cache entry: %w", err)
		}
		if err := decodeJSON(schema, &entry.InputSchema); err != nil {
			return nil, err
		}
		if entry.FetchedAt, err = decodeTime(fetchedAt); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

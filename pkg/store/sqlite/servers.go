package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/toolfront/toolfront/pkg/store"
)

const serverColumns = `id, name, kind, endpoint, command, args, stream_first,
	session_from_header, oauth_config, api_key_config, created_at, updated_at`

// CreateServer inserts a backend server row, assigning ID and timestamps
// when unset.
func (s *Store) CreateServer(ctx context.Context, cfg *store.ServerConfig) error {
	fillID(&cfg.ID)
	now := time.Now()
	fillTime(&cfg.CreatedAt, now)
	fillTime(&cfg.UpdatedAt, now)

	args, err := encodeJSON(sliceOrNil(cfg.Args))
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	oauth, err := encodeJSON(ptrOrNil(cfg.OAuth))
	if err != nil {
		return fmt.Errorf("encoding oauth config: %w", err)
	}
	apiKey, err := encodeJSON(ptrOrNil(cfg.APIKey))
	if err != nil {
		return fmt.Errorf("encoding api key config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (
			id, name, kind, endpoint, command, args, stream_first,
			session_from_header, oauth_config, api_key_config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, string(cfg.Kind), cfg.Endpoint, cfg.Command, args,
		cfg.StreamFirst, cfg.SessionFromHeader, oauth, apiKey,
		encodeTime(cfg.CreatedAt), encodeTime(cfg.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// GetServer fetches one server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*store.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerByName fetches one server by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*store.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*store.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var out []*store.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpdateServer rewrites a server row, bumping updated_at.
func (s *Store) UpdateServer(ctx context.Context, cfg *store.ServerConfig) error {
	cfg.UpdatedAt = time.Now()

	args, err := encodeJSON(sliceOrNil(cfg.Args))
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	oauth, err := encodeJSON(ptrOrNil(cfg.OAuth))
	if err != nil {
		return fmt.Errorf("encoding oauth config: %w", err)
	}
	apiKey, err := encodeJSON(ptrOrNil(cfg.APIKey))
	if err != nil {
		return fmt.Errorf("encoding api key config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = ?, kind = ?, endpoint = ?, command = ?,
			args = ?, stream_first = ?, session_from_header = ?,
			oauth_config = ?, api_key_config = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, string(cfg.Kind), cfg.Endpoint, cfg.Command, args,
		cfg.StreamFirst, cfg.SessionFromHeader, oauth, apiKey,
		encodeTime(cfg.UpdatedAt), cfg.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("updating server: %w", err)
	}
	return requireRow(res)
}

// DeleteServer removes a server; assignments, customizations, credentials
// and cached schemas cascade.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*store.ServerConfig, error) {
	var (
		cfg                  store.ServerConfig
		kind                 string
		args, oauth, apiKey  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &kind, &cfg.Endpoint, &cfg.Command,
		&args, &cfg.StreamFirst, &cfg.SessionFromHeader, &oauth, &apiKey,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}
	cfg.Kind = store.ServerKind(kind)
	if err := decodeJSON(args, &cfg.Args); err != nil {
		return nil, err
	}
	if err := decodeJSON(oauth, &cfg.OAuth); err != nil {
		return nil, err
	}
	if err := decodeJSON(apiKey, &cfg.APIKey); err != nil {
		return nil, err
	}
	if cfg.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// requireRow maps a zero-row write to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting affected rows: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// sliceOrNil keeps empty slices out of JSON columns.
func sliceOrNil(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ptrOrNil converts a typed nil pointer into an untyped nil for encodeJSON.
func ptrOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

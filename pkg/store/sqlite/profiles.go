package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/toolfront/toolfront/pkg/store"
)

// CreateProfile inserts a profile row.
func (s *Store) CreateProfile(ctx context.Context, p *store.Profile) error {
	fillID(&p.ID)
	now := time.Now()
	fillTime(&p.CreatedAt, now)
	fillTime(&p.UpdatedAt, now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile fetches one profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// GetProfileByName fetches one profile by its unique name.
func (s *Store) GetProfileByName(ctx context.Context, name string) (*store.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM profiles WHERE name = ?`, name)
	return scanProfile(row)
}

// ListProfiles returns all profiles ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]*store.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var out []*store.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProfile rewrites name and description, bumping updated_at.
func (s *Store) UpdateProfile(ctx context.Context, p *store.Profile) error {
	p.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, encodeTime(p.UpdatedAt), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("updating profile: %w", err)
	}
	return requireRow(res)
}

// DeleteProfile removes a profile; its assignments and their customizations
// cascade.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return requireRow(res)
}

func scanProfile(row rowScanner) (*store.Profile, error) {
	var (
		p                    store.Profile
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	if p.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateAssignment links a server into a profile. A duplicate
// (profile, server) pair yields ErrAlreadyExists.
func (s *Store) CreateAssignment(ctx context.Context, a *store.Assignment) error {
	fillID(&a.ID)
	fillTime(&a.CreatedAt, time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, profile_id, server_id, position, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProfileID, a.ServerID, a.Position, a.IsActive, encodeTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting assignment: %w", err)
	}
	return nil
}

// GetAssignment fetches the assignment linking profileID and serverID.
func (s *Store) GetAssignment(ctx context.Context, profileID, serverID string) (*store.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, server_id, position, is_active, created_at
		FROM assignments WHERE profile_id = ? AND server_id = ?`,
		profileID, serverID)
	return scanAssignment(row)
}

// ListAssignments returns a profile's assignments ordered by position.
func (s *Store) ListAssignments(ctx context.Context, profileID string) ([]*store.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, server_id, position, is_active, created_at
		FROM assignments WHERE profile_id = ? ORDER BY position, created_at`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	var out []*store.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAssignmentActive toggles an assignment without touching its
// customizations.
func (s *Store) SetAssignmentActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("toggling assignment: %w", err)
	}
	return requireRow(res)
}

// DeleteAssignment removes an assignment; its customizations cascade.
func (s *Store) DeleteAssignment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting assignment: %w", err)
	}
	return requireRow(res)
}

func scanAssignment(row rowScanner) (*store.Assignment, error) {
	var (
		a         store.Assignment
		createdAt string
	)
	err := row.Scan(&a.ID, &a.ProfileID, &a.ServerID, &a.Position, &a.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning assignment: %w", err)
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertToolCustomization writes the customization for one tool within one
// assignment, replacing any previous row for the same tool.
func (s *Store) UpsertToolCustomization(ctx context.Context, c *store.ToolCustomization) error {
	fillID(&c.ID)
	now := time.Now()
	fillTime(&c.CreatedAt, now)
	c.UpdatedAt = now

	schema, err := encodeJSON(mapOrNil(c.CustomInputSchema))
	if err != nil {
		return fmt.Errorf("encoding input schema: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_customizations (
			id, assignment_id, tool_name, is_enabled, custom_name,
			custom_description, custom_input_schema, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (assignment_id, tool_name) DO UPDATE SET
			is_enabled = excluded.is_enabled,
			custom_name = excluded.custom_name,
			custom_description = excluded.custom_description,
			custom_input_schema = excluded.custom_input_schema,
			updated_at = excluded.updated_at`,
		c.ID, c.AssignmentID, c.ToolName, c.IsEnabled, c.CustomName,
		c.CustomDescription, schema, encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting tool customization: %w", err)
	}
	return nil
}

// GetToolCustomization fetches the customization for one tool within one
// assignment.
func (s *Store) GetToolCustomization(ctx context.Context, assignmentID, toolName string) (*store.ToolCustomization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, tool_name, is_enabled, custom_name,
			custom_description, custom_input_schema, created_at, updated_at
		FROM tool_customizations WHERE assignment_id = ? AND tool_name = ?`,
		assignmentID, toolName)
	return scanCustomization(row)
}

// ListToolCustomizations returns all customizations for an assignment.
func (s *Store) ListToolCustomizations(ctx context.Context, assignmentID string) ([]*store.ToolCustomization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assignment_id, tool_name, is_enabled, custom_name,
			custom_description, custom_input_schema, created_at, updated_at
		FROM tool_customizations WHERE assignment_id = ? ORDER BY tool_name`,
		assignmentID)
	if err != nil {
		return nil, fmt.Errorf("querying tool customizations: %w", err)
	}
	defer rows.Close()

	var out []*store.ToolCustomization
	for rows.Next() {
		c, err := scanCustomization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteToolCustomization removes one customization, restoring the tool's
// original appearance.
func (s *Store) DeleteToolCustomization(ctx context.Context, assignmentID, toolName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_customizations WHERE assignment_id = ? AND tool_name = ?`,
		assignmentID, toolName)
	if err != nil {
		return fmt.Errorf("deleting tool customization: %w", err)
	}
	return requireRow(res)
}

func scanCustomization(row rowScanner) (*store.ToolCustomization, error) {
	var (
		c                    store.ToolCustomization
		schema               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.AssignmentID, &c.ToolName, &c.IsEnabled,
		&c.CustomName, &c.CustomDescription, &schema, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tool customization: %w", err)
	}
	if err := decodeJSON(schema, &c.CustomInputSchema); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// mapOrNil keeps empty maps out of JSON columns.
func mapOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

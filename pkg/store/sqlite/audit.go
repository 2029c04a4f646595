package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/toolfront/toolfront/pkg/store"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// CreateAuditRecord inserts a new audit row, normally with status pending.
func (s *Store) CreateAuditRecord(ctx context.Context, rec *store.AuditRecord) error {
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt, time.Now())
	if rec.Status == "" {
		rec.Status = store.AuditPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, profile_id, server_id, request_type, request, response,
			status, error_message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProfileID, rec.ServerID, rec.RequestType,
		rawOrNull(rec.Request), rawOrNull(rec.Response),
		string(rec.Status), rec.ErrorMessage, rec.DurationMs,
		encodeTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// FinishAuditRecord settles a pending record with its outcome.
func (s *Store) FinishAuditRecord(ctx context.Context, id string, status store.AuditStatus, response json.RawMessage, errMsg string, durationMs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_records SET status = ?, response = ?, error_message = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), rawOrNull(response), errMsg, durationMs, id)
	if err != nil {
		return fmt.Errorf("finishing audit record: %w", err)
	}
	return requireRow(res)
}

// ListAuditRecords returns matching records newest first.
func (s *Store) ListAuditRecords(ctx context.Context, filter store.AuditFilter) ([]*store.AuditRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ProfileID != "" {
		conds = append(conds, "profile_id = ?")
		args = append(args, filter.ProfileID)
	}
	if filter.ServerID != "" {
		conds = append(conds, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.RequestType != "" {
		conds = append(conds, "request_type = ?")
		args = append(args, filter.RequestType)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, profile_id, server_id, request_type, request, response,
		status, error_message, duration_ms, created_at FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []*store.AuditRecord
	for rows.Next() {
		var (
			rec               store.AuditRecord
			status            string
			request, response sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&rec.ID, &rec.ProfileID, &rec.ServerID,
			&rec.RequestType, &request, &response, &status,
			&rec.ErrorMessage, &rec.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Status = store.AuditStatus(status)
		if request.Valid {
			rec.Request = json.RawMessage(request.String)
		}
		if response.Valid {
			rec.Response = json.RawMessage(response.String)
		}
		if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// rawOrNull stores raw JSON as TEXT, mapping empty payloads to SQL NULL.
func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// Package store defines the durable entities behind the gateway and the
// contract their persistence layer must satisfy.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the durable contract consumed by the aggregation engine, the
// credential injector, the schema cache and the request tracer. All methods
// are safe for concurrent use.
type Store interface {
	// Servers.
	CreateServer(ctx context.Context, cfg *ServerConfig) error
	GetServer(ctx context.Context, id string) (*ServerConfig, error)
	GetServerByName(ctx context.Context, name string) (*ServerConfig, error)
	ListServers(ctx context.Context) ([]*ServerConfig, error)
	UpdateServer(ctx context.Context, cfg *ServerConfig) error
	DeleteServer(ctx context.Context, id string) error

	// Profiles.
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByName(ctx context.Context, name string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
	UpdateProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, id string) error

	// Assignments. ListAssignments returns rows ordered by position; a
	// duplicate (profile, server) pair yields ErrAlreadyExists.
	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, profileID, serverID string) (*Assignment, error)
	ListAssignments(ctx context.Context, profileID string) ([]*Assignment, error)
	SetAssignmentActive(ctx context.Context, id string, active bool) error
	DeleteAssignment(ctx context.Context, id string) error

	// Tool customizations, keyed by (assignment, original tool name).
	UpsertToolCustomization(ctx context.Context, c *ToolCustomization) error
	GetToolCustomization(ctx context.Context, assignmentID, toolName string) (*ToolCustomization, error)
	ListToolCustomizations(ctx context.Context, assignmentID string) ([]*ToolCustomization, error)
	DeleteToolCustomization(ctx context.Context, assignmentID, toolName string) error

	// Credentials, one record per server.
	PutCredential(ctx context.Context, rec *CredentialRecord) error
	GetCredential(ctx context.Context, serverID string) (*CredentialRecord, error)
	DeleteCredential(ctx context.Context, serverID string) error

	// Tool schema cache, keyed by (server, tool name).
	UpsertToolSchemaCache(ctx context.Context, entry *ToolSchemaCacheEntry) error
	ListToolSchemaCache(ctx context.Context, serverID string) ([]*ToolSchemaCacheEntry, error)

	// Audit trail.
	CreateAuditRecord(ctx context.Context, rec *AuditRecord) error
	FinishAuditRecord(ctx context.Context, id string, status AuditStatus, response json.RawMessage, errMsg string, durationMs int64) error
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)

	Close() error
}

package store

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// ServerKind selects the transport variant used to reach a backend.
type ServerKind string

const (
	KindHTTP      ServerKind = "http"
	KindStreaming ServerKind = "streaming"
	KindProcess   ServerKind = "process"
	KindExtension ServerKind = "extension"
)

// OAuthConfig is the management-plane OAuth client configuration for a
// backend. The gateway never drives the authorize/refresh flow; it only reads
// the resulting CredentialRecord.
type OAuthConfig struct {
	ClientID     string   `json:"clientId"`
	AuthorizeURL string   `json:"authorizeUrl"`
	TokenURL     string   `json:"tokenUrl"`
	Scopes       []string `json:"scopes,omitempty"`
}

// APIKeyConfig describes how a static API key is presented to a backend.
// ValueTemplate substitutes "{key}" with the secret; an empty template sends
// the bare key.
type APIKeyConfig struct {
	HeaderName    string `json:"headerName"`
	ValueTemplate string `json:"valueTemplate,omitempty"`
}

// ServerConfig describes one backend server. Rows are created and edited by
// the management plane; the gateway consumes them read-only and must drop any
// cached adapter or session state when a row changes.
type ServerConfig struct {
	ID       string
	Name     string // unique
	Kind     ServerKind
	Endpoint string // http, streaming
	Command  string // process
	Args     []string
	// StreamFirst and SessionFromHeader form the declarative capability
	// descriptor consumed at adapter construction.
	StreamFirst       bool
	SessionFromHeader bool
	OAuth             *OAuthConfig
	APIKey            *APIKeyConfig
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Profile is a named virtual endpoint composed from backend assignments. Its
// lifecycle is unrelated to any ServerConfig.
type Profile struct {
	ID          string
	Name        string // unique
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment links one Profile to one ServerConfig. Position defines merge
// precedence (lower wins collisions); inactive assignments are excluded from
// aggregation but keep their customizations.
type Assignment struct {
	ID        string
	ProfileID string
	ServerID  string
	Position  int
	IsActive  bool
	CreatedAt time.Time
}

// ToolCustomization overrides how one backend tool appears within one
// assignment. It lives exactly as long as its owning assignment.
type ToolCustomization struct {
	ID                string
	AssignmentID      string
	ToolName          string // the backend's original tool name
	IsEnabled         bool
	CustomName        string // empty = no override
	CustomDescription string
	CustomInputSchema map[string]any // nil = no override
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// APIKeyCredential is the API-key half of a credential record.
type APIKeyCredential struct {
	Key           string `json:"key"`
	HeaderName    string `json:"headerName"`
	ValueTemplate string `json:"valueTemplate,omitempty"`
}

// CredentialRecord holds the current credential for one backend. Exactly one
// applies at a time; an unexpired OAuth token takes precedence over the API
// key. Issuance and refresh are external responsibilities.
type CredentialRecord struct {
	ServerID  string
	OAuth     *oauth2.Token
	APIKey    *APIKeyCredential
	UpdatedAt time.Time
}

// ToolSchemaCacheEntry records the last-seen shape of one backend tool for
// drift detection. It is never the source of truth for serving.
type ToolSchemaCacheEntry struct {
	ServerID    string
	ToolName    string
	Description string
	InputSchema map[string]any
	Fingerprint string
	FetchedAt   time.Time
}

// AuditStatus is the lifecycle of an audit record.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditRecord captures one proxied exchange. Created with status pending
// before dispatch and finished afterwards; persistence failures never fail
// the underlying call.
type AuditRecord struct {
	ID           string
	ProfileID    string
	ServerID     string // empty for profile-wide operations
	RequestType  string
	Request      json.RawMessage
	Response     json.RawMessage
	Status       AuditStatus
	ErrorMessage string
	DurationMs   int64
	CreatedAt    time.Time
}

// AuditFilter selects audit records for the read API. Zero values match
// everything; Limit defaults to 50 and is capped at 500.
type AuditFilter struct {
	ProfileID   string
	ServerID    string
	RequestType string
	Status      AuditStatus
	Limit       int
	Offset      int
}

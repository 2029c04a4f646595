package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toolfront/toolfront/pkg/store"
)

// Tracer persists one audit record per proxied exchange. Records open as
// pending before dispatch and settle afterwards; a store failure is logged
// and never fails the traced call.
type Tracer struct {
	store  store.Store
	logger *slog.Logger
}

// NewTracer builds a tracer writing to st.
func NewTracer(st store.Store, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{store: st, logger: logger}
}

// Trace is one in-flight audit record.
type Trace struct {
	tracer *Tracer
	id     string
	start  time.Time
}

// Begin opens a pending record for one exchange. The request payload is
// snapshotted immediately so later mutation cannot leak into the trail.
func (t *Tracer) Begin(ctx context.Context, profileID, serverID, requestType string, request any) *Trace {
	tr := &Trace{tracer: t, id: uuid.NewString(), start: time.Now()}

	snapshot, err := json.Marshal(request)
	if err != nil {
		t.logger.Warn("encoding audit request failed", "request_type", requestType, "error", err)
		snapshot = nil
	}
	if err := t.store.CreateAuditRecord(ctx, &store.AuditRecord{
		ID:          tr.id,
		ProfileID:   profileID,
		ServerID:    serverID,
		RequestType: requestType,
		Request:     snapshot,
		Status:      store.AuditPending,
	}); err != nil {
		t.logger.Warn("creating audit record failed", "request_type", requestType, "error", err)
	}
	return tr
}

// Success settles the record with a response snapshot.
func (tr *Trace) Success(ctx context.Context, response any) {
	snapshot, err := json.Marshal(response)
	if err != nil {
		tr.tracer.logger.Warn("encoding audit response failed", "error", err)
		snapshot = nil
	}
	tr.finish(ctx, store.AuditSuccess, snapshot, "")
}

// Error settles the record with the failure message.
func (tr *Trace) Error(ctx context.Context, callErr error) {
	tr.finish(ctx, store.AuditError, nil, callErr.Error())
}

func (tr *Trace) finish(ctx context.Context, status store.AuditStatus, response json.RawMessage, errMsg string) {
	elapsed := time.Since(tr.start).Milliseconds()
	if err := tr.tracer.store.FinishAuditRecord(ctx, tr.id, status, response, errMsg, elapsed); err != nil {
		tr.tracer.logger.Warn("finishing audit record failed", "audit_id", tr.id, "error", err)
	}
}

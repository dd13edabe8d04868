package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctflow/ctflow/internal/platform/middleware"
)

// Recorder fans events from the domain services into the trail. Its method
// set lines up with the event sink interfaces each service declares, so
// wiring hands the same recorder to all of them. The sinks carry no error
// channel: a failed write is logged and the clinical flow continues.
type Recorder struct {
	svc    *Service
	logger zerolog.Logger
}

func NewRecorder(svc *Service, logger zerolog.Logger) *Recorder {
	return &Recorder{svc: svc, logger: logger}
}

func (r *Recorder) RecordScanEvent(ctx context.Context, action string, scanID uuid.UUID, actor string, detail map[string]interface{}) {
	r.record(ctx, action, "scan", scanID.String(), actor, detail)
}

// RecordWorkflowEvent files queue events under the scan they concern, so a
// scan's trail tells its whole story including escalations.
func (r *Recorder) RecordWorkflowEvent(ctx context.Context, action string, scanID uuid.UUID, actor string, detail map[string]interface{}) {
	r.record(ctx, action, "scan", scanID.String(), actor, detail)
}

func (r *Recorder) RecordScannerEvent(ctx context.Context, action string, scannerID uuid.UUID, actor string, detail map[string]interface{}) {
	r.record(ctx, action, "scanner", scannerID.String(), actor, detail)
}

func (r *Recorder) RecordPatientEvent(ctx context.Context, action string, patientID uuid.UUID, actor string, detail map[string]interface{}) {
	r.record(ctx, action, "patient", patientID.String(), actor, detail)
}

// RecordAuthEvent treats the account as both actor and subject.
func (r *Recorder) RecordAuthEvent(ctx context.Context, action string, userID uuid.UUID, detail map[string]interface{}) {
	r.record(ctx, action, "user", userID.String(), userID.String(), detail)
}

// RecordAccess persists read access from the HTTP layer as view entries.
// Mutations are skipped here: the domain services record those through the
// event sinks, with the before and after images the HTTP layer cannot see.
// Failed requests are skipped too, nothing was disclosed.
func (r *Recorder) RecordAccess(entry middleware.AuditEntry) error {
	if entry.Action != "read" || entry.StatusCode >= 400 {
		return nil
	}
	e := &Entry{
		Action:       "view",
		ResourceType: entry.ResourceType,
		RecordedAt:   entry.Timestamp,
	}
	if id, err := uuid.Parse(entry.UserID); err == nil {
		e.UserID = &id
	}
	if entry.ResourceID != "" {
		e.ResourceID = &entry.ResourceID
	}
	if entry.IPAddress != "" {
		e.IPAddress = &entry.IPAddress
	}
	if entry.UserAgent != "" {
		e.UserAgent = &entry.UserAgent
	}
	access := map[string]interface{}{"method": entry.Method, "path": entry.Path}
	if entry.RequestID != "" {
		access["request_id"] = entry.RequestID
	}
	e.NewValues, _ = json.Marshal(access)

	// The request context may be gone by the time the middleware runs this.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.svc.Record(ctx, e)
}

func (r *Recorder) record(ctx context.Context, action, resourceType, resourceID, actor string, detail map[string]interface{}) {
	e := &Entry{
		Action:       action,
		ResourceType: resourceType,
	}
	if resourceID != "" {
		e.ResourceID = &resourceID
	}
	if id, err := uuid.Parse(actor); err == nil {
		e.UserID = &id
	} else if actor != "" {
		cp := make(map[string]interface{}, len(detail)+1)
		for k, v := range detail {
			cp[k] = v
		}
		cp["actor"] = actor
		detail = cp
	}
	e.OldValues, e.NewValues = splitImages(detail)
	if err := r.svc.Record(ctx, e); err != nil {
		r.logger.Error().Err(err).
			Str("action", action).
			Str("resource_type", resourceType).
			Str("resource_id", resourceID).
			Msg("audit entry dropped")
	}
}

// splitImages separates a transition detail into before and after images.
// A detail carrying from/to keys describes a status move: the old image is
// the prior status, and everything else lands in the new image with "to"
// renamed to "status". Details without a "from" key have no before image.
func splitImages(detail map[string]interface{}) (oldVals, newVals json.RawMessage) {
	if len(detail) == 0 {
		return nil, nil
	}
	rest := make(map[string]interface{}, len(detail))
	for k, v := range detail {
		rest[k] = v
	}
	if from, ok := rest["from"]; ok {
		oldVals, _ = json.Marshal(map[string]interface{}{"status": from})
		delete(rest, "from")
	}
	if to, ok := rest["to"]; ok {
		rest["status"] = to
		delete(rest, "to")
	}
	if len(rest) > 0 {
		newVals, _ = json.Marshal(rest)
	}
	return oldVals, newVals
}

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	JobCreated            = "job.created"
	JobVerified           = "job.verified"
	JobStatusChanged      = "job.status_changed"
	JobSupervisorApproved = "job.supervisor_approved"
	JobApproved           = "job.approved"
	JobRejected           = "job.rejected"
	ItemEstimateUpdated   = "item.estimate_updated"
	ItemStatusChanged     = "item.status_changed"
	ItemQAGood            = "item.qa_good"
	ItemQANeedsWork       = "item.qa_needs_work"
	WorkerAssigned        = "assignment.worker_added"
	WorkerRemoved         = "assignment.worker_removed"
	MachineAssigned       = "assignment.machine_added"
	MachineRemoved        = "assignment.machine_removed"
	TimerStarted          = "timer.started"
	TimerPaused           = "timer.paused"
	TimerStopped          = "timer.stopped"
	ConsumableAdded       = "consumable.added"
	ConsumableUpdated     = "consumable.updated"
	RoleGranted           = "rbac.role_granted"
	RoleRevoked           = "rbac.role_revoked"
	ShopConfigUpdated     = "shop.config_updated"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, shopID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,shop_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(shopID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

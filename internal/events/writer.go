package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Document event types.
const (
	DocumentCreated = "document.created"
	StatusUpdated   = "status.updated"
	StatusResynced  = "status.resynced"
)

// SystemActor is recorded when no authenticated actor is known.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records one event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, urlKey, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,url_key,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, urlKey, actorID, string(data))
	return err
}

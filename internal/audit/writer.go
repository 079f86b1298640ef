package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the durable event log inside the caller's transaction.
// The log is the queue the sink dispatcher drains, so events become visible
// to the sink only after the mutation they record has committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, entityKind, entityID, siteID, pic string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,kind,entity_kind,entity_id,site_id,pic,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, kind, entityKind, nullable(entityID), nullable(siteID), nullable(pic), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

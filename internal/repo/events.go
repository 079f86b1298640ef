package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rampline/internal/domain"
)

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, kind, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,kind,entity_kind,entity_id,site_id,pic,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. The audit dispatcher drains the log through this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,kind,entity_kind,entity_id,site_id,pic,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, siteID, pic, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.EntityKind, &entityID, &siteID, &pic, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.SiteID = siteID.String
		e.PIC = pic.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditCursor reads a sink's drain position; zero when the sink is new.
func (r Repo) AuditCursor(ctx context.Context, sink string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM audit_cursors WHERE sink=?`, sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetAuditCursor(ctx context.Context, sink string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_cursors(sink,last_event_id) VALUES (?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id`, sink, eventID)
	return err
}

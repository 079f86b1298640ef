package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"rampline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `run_id,site_id,run_type,status,pic,truck_id,lot_number,counterparty_name,counterparty_code,notes,created_at,updated_at,confirmed_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var truckID, lotNumber, cpName, cpCode, notes, confirmedAt sql.NullString
	err := scan(&r.RunID, &r.SiteID, &r.RunType, &r.Status, &r.PIC,
		&truckID, &lotNumber, &cpName, &cpCode, &notes,
		&r.CreatedAt, &r.UpdatedAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Metadata = domain.RunMetadata{
		TruckID:          truckID.String,
		LotNumber:        lotNumber.String,
		CounterpartyName: cpName.String,
		CounterpartyCode: cpCode.String,
		Notes:            notes.String,
	}
	if confirmedAt.Valid {
		r.ConfirmedAt = &confirmedAt.String
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.SiteID, run.RunType, run.Status, run.PIC,
		nullable(run.Metadata.TruckID), nullable(run.Metadata.LotNumber),
		nullable(run.Metadata.CounterpartyName), nullable(run.Metadata.CounterpartyCode),
		nullable(run.Metadata.Notes),
		run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.ConfirmedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, runID string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	return scanRun(row.Scan)
}

// UpdateRunStatus flips a run's status and timestamps inside tx.
func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, runID, status, updatedAt string, confirmedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=?, confirmed_at=COALESCE(?, confirmed_at) WHERE run_id=?`,
		status, updatedAt, nullableStringPtr(confirmedAt), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RunFilters struct {
	Status  string
	RunType string
	SiteID  string
	Limit   int
	Offset  int
}

// ListRuns returns the page and the total count matching the filters.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RunType != "" {
		clauses = append(clauses, "run_type=?")
		args = append(args, f.RunType)
	}
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, run)
	}
	return res, total, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

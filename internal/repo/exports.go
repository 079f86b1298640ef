package repo

import (
	"context"
	"database/sql"

	"rampline/internal/domain"
)

const exportColumns = `export_id,run_id,site_id,pic,status,file_name,file_url,upload_status,generated_at`

func scanExport(scan func(dest ...any) error) (domain.NlisExport, error) {
	var e domain.NlisExport
	var fileName, fileURL, generatedAt sql.NullString
	err := scan(&e.ExportID, &e.RunID, &e.SiteID, &e.PIC, &e.Status, &fileName, &fileURL, &e.UploadStatus, &generatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.FileName = fileName.String
	e.FileURL = fileURL.String
	if generatedAt.Valid {
		e.GeneratedAt = &generatedAt.String
	}
	return e, nil
}

// UpsertExport is keyed by run id: a re-confirmed run refreshes its existing
// export record instead of creating a second one.
func (r Repo) UpsertExport(ctx context.Context, tx *sql.Tx, e domain.NlisExport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO nlis_exports(`+exportColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, file_name=excluded.file_name, file_url=excluded.file_url, generated_at=excluded.generated_at`,
		e.ExportID, e.RunID, e.SiteID, e.PIC, e.Status,
		nullable(e.FileName), nullable(e.FileURL), e.UploadStatus, nullableStringPtr(e.GeneratedAt))
	return err
}

func (r Repo) GetExportByRun(ctx context.Context, runID string) (domain.NlisExport, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM nlis_exports WHERE run_id=?`, runID)
	return scanExport(row.Scan)
}

func (r Repo) GetExportByRunTx(ctx context.Context, tx *sql.Tx, runID string) (domain.NlisExport, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM nlis_exports WHERE run_id=?`, runID)
	return scanExport(row.Scan)
}

func (r Repo) SetExportUploadStatus(ctx context.Context, tx *sql.Tx, runID, uploadStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE nlis_exports SET upload_status=? WHERE run_id=?`, uploadStatus, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package repo

import (
	"context"
	"database/sql"

	"rampline/internal/domain"
)

const commitmentColumns = `commitment_id,entity_kind,entity_id,data_type,content_hash,chain,status,tx_hash,explorer_url,created_at,confirmed_at`

func scanCommitment(scan func(dest ...any) error) (domain.Commitment, error) {
	var c domain.Commitment
	var txHash, explorerURL, confirmedAt sql.NullString
	err := scan(&c.CommitmentID, &c.EntityKind, &c.EntityID, &c.DataType, &c.ContentHash,
		&c.Chain, &c.Status, &txHash, &explorerURL, &c.CreatedAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if txHash.Valid {
		c.TxHash = &txHash.String
	}
	if explorerURL.Valid {
		c.ExplorerURL = &explorerURL.String
	}
	if confirmedAt.Valid {
		c.ConfirmedAt = &confirmedAt.String
	}
	return c, nil
}

func (r Repo) InsertCommitment(ctx context.Context, tx *sql.Tx, c domain.Commitment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commitments(`+commitmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.CommitmentID, c.EntityKind, c.EntityID, c.DataType, c.ContentHash,
		c.Chain, c.Status, nullableStringPtr(c.TxHash), nullableStringPtr(c.ExplorerURL),
		c.CreatedAt, nullableStringPtr(c.ConfirmedAt))
	return err
}

func (r Repo) GetCommitment(ctx context.Context, id string) (domain.Commitment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE commitment_id=?`, id)
	return scanCommitment(row.Scan)
}

// LatestCommitment returns the most recently created commitment for an
// entity. The latest one determines the reported proof state.
func (r Repo) LatestCommitment(ctx context.Context, entityID string) (domain.Commitment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE entity_id=? ORDER BY created_at DESC, commitment_id DESC LIMIT 1`, entityID)
	return scanCommitment(row.Scan)
}

func (r Repo) ListCommitments(ctx context.Context, entityID string) ([]domain.Commitment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE entity_id=? ORDER BY created_at DESC, commitment_id DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCommitmentStatus(ctx context.Context, tx *sql.Tx, id, status string, txHash, explorerURL, confirmedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commitments SET status=?, tx_hash=?, explorer_url=?, confirmed_at=? WHERE commitment_id=?`,
		status, nullableStringPtr(txHash), nullableStringPtr(explorerURL), nullableStringPtr(confirmedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

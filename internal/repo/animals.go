package repo

import (
	"context"
	"database/sql"

	"rampline/internal/domain"
)

const animalColumns = `run_id,temp_ref,animal_id,nlis_id,thumbnail_url,media_hash,lameness_score,lameness_class,condition_score,tick_index,model_confidence,excluded,exclusion_reason,created_at,updated_at`

func scanAnimal(scan func(dest ...any) error) (domain.Animal, error) {
	var a domain.Animal
	var animalID, nlisID, lamenessClass, exclusionReason sql.NullString
	var lamenessScore, conditionScore, tickIndex sql.NullFloat64
	err := scan(&a.RunID, &a.TempRef, &animalID, &nlisID, &a.ThumbnailURL, &a.MediaHash,
		&lamenessScore, &lamenessClass, &conditionScore, &tickIndex,
		&a.ModelConfidence, &a.Excluded, &exclusionReason, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if animalID.Valid {
		a.AnimalID = &animalID.String
	}
	if nlisID.Valid {
		a.NlisID = &nlisID.String
	}
	if lamenessClass.Valid {
		a.LamenessClass = &lamenessClass.String
	}
	if exclusionReason.Valid {
		a.ExclusionReason = &exclusionReason.String
	}
	if lamenessScore.Valid {
		a.LamenessScore = &lamenessScore.Float64
	}
	if conditionScore.Valid {
		a.ConditionScore = &conditionScore.Float64
	}
	if tickIndex.Valid {
		a.TickIndex = &tickIndex.Float64
	}
	return a, nil
}

func (r Repo) InsertAnimal(ctx context.Context, tx *sql.Tx, a domain.Animal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_animals(`+animalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.RunID, a.TempRef, nullableStringPtr(a.AnimalID), nullableStringPtr(a.NlisID),
		a.ThumbnailURL, a.MediaHash,
		nullableFloatPtr(a.LamenessScore), nullableStringPtr(a.LamenessClass),
		nullableFloatPtr(a.ConditionScore), nullableFloatPtr(a.TickIndex),
		a.ModelConfidence, a.Excluded, nullableStringPtr(a.ExclusionReason),
		a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAnimal(ctx context.Context, runID, tempRef string) (domain.Animal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+animalColumns+` FROM run_animals WHERE run_id=? AND temp_ref=?`, runID, tempRef)
	return scanAnimal(row.Scan)
}

func (r Repo) GetAnimalTx(ctx context.Context, tx *sql.Tx, runID, tempRef string) (domain.Animal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+animalColumns+` FROM run_animals WHERE run_id=? AND temp_ref=?`, runID, tempRef)
	return scanAnimal(row.Scan)
}

// ListAnimals returns a run's animals ordered by temp_ref for determinism.
func (r Repo) ListAnimals(ctx context.Context, runID string) ([]domain.Animal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+animalColumns+` FROM run_animals WHERE run_id=? ORDER BY temp_ref ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Animal
	for rows.Next() {
		a, err := scanAnimal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAnimalExclusion(ctx context.Context, tx *sql.Tx, runID, tempRef string, excluded bool, reason *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE run_animals SET excluded=?, exclusion_reason=?, updated_at=? WHERE run_id=? AND temp_ref=?`,
		excluded, nullableStringPtr(reason), updatedAt, runID, tempRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAnimalNlisID(ctx context.Context, tx *sql.Tx, runID, tempRef, nlisID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE run_animals SET nlis_id=?, updated_at=? WHERE run_id=? AND temp_ref=?`,
		nlisID, updatedAt, runID, tempRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindAnimalByIdentity locates the most recent record matching either the
// durable animal id or the NLIS tag. Tags are operator-assigned and not
// guaranteed unique; latest record wins.
func (r Repo) FindAnimalByIdentity(ctx context.Context, ref string) (domain.Animal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+animalColumns+` FROM run_animals WHERE animal_id=? OR nlis_id=? ORDER BY created_at DESC LIMIT 1`, ref, ref)
	return scanAnimal(row.Scan)
}

// ListAnimalAppearances returns every run record for an identity, joined with
// the owning run, newest first. Used by the cross-run history query.
type AnimalAppearance struct {
	Animal domain.Animal
	Run    domain.Run
}

func (r Repo) ListAnimalAppearances(ctx context.Context, animalID, nlisID *string) ([]AnimalAppearance, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.run_id,a.temp_ref,a.animal_id,a.nlis_id,a.thumbnail_url,a.media_hash,
       a.lameness_score,a.lameness_class,a.condition_score,a.tick_index,
       a.model_confidence,a.excluded,a.exclusion_reason,a.created_at,a.updated_at,
       r.run_id,r.site_id,r.run_type,r.status,r.pic,r.truck_id,r.lot_number,
       r.counterparty_name,r.counterparty_code,r.notes,r.created_at,r.updated_at,r.confirmed_at
FROM run_animals a
JOIN runs r ON r.run_id = a.run_id
WHERE (a.animal_id = ? AND ? IS NOT NULL) OR (a.nlis_id = ? AND ? IS NOT NULL)
ORDER BY r.created_at DESC, a.temp_ref ASC`,
		nullableStringPtr(animalID), nullableStringPtr(animalID),
		nullableStringPtr(nlisID), nullableStringPtr(nlisID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AnimalAppearance
	for rows.Next() {
		var app AnimalAppearance
		var animalID, nlisID, lamenessClass, exclusionReason sql.NullString
		var lamenessScore, conditionScore, tickIndex sql.NullFloat64
		var truckID, lotNumber, cpName, cpCode, notes, confirmedAt sql.NullString
		if err := rows.Scan(
			&app.Animal.RunID, &app.Animal.TempRef, &animalID, &nlisID,
			&app.Animal.ThumbnailURL, &app.Animal.MediaHash,
			&lamenessScore, &lamenessClass, &conditionScore, &tickIndex,
			&app.Animal.ModelConfidence, &app.Animal.Excluded, &exclusionReason,
			&app.Animal.CreatedAt, &app.Animal.UpdatedAt,
			&app.Run.RunID, &app.Run.SiteID, &app.Run.RunType, &app.Run.Status, &app.Run.PIC,
			&truckID, &lotNumber, &cpName, &cpCode, &notes,
			&app.Run.CreatedAt, &app.Run.UpdatedAt, &confirmedAt,
		); err != nil {
			return nil, err
		}
		if animalID.Valid {
			app.Animal.AnimalID = &animalID.String
		}
		if nlisID.Valid {
			app.Animal.NlisID = &nlisID.String
		}
		if lamenessClass.Valid {
			app.Animal.LamenessClass = &lamenessClass.String
		}
		if exclusionReason.Valid {
			app.Animal.ExclusionReason = &exclusionReason.String
		}
		if lamenessScore.Valid {
			app.Animal.LamenessScore = &lamenessScore.Float64
		}
		if conditionScore.Valid {
			app.Animal.ConditionScore = &conditionScore.Float64
		}
		if tickIndex.Valid {
			app.Animal.TickIndex = &tickIndex.Float64
		}
		app.Run.Metadata = domain.RunMetadata{
			TruckID:          truckID.String,
			LotNumber:        lotNumber.String,
			CounterpartyName: cpName.String,
			CounterpartyCode: cpCode.String,
			Notes:            notes.String,
		}
		if confirmedAt.Valid {
			app.Run.ConfirmedAt = &confirmedAt.String
		}
		res = append(res, app)
	}
	return res, rows.Err()
}

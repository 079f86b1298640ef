package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rampline/internal/audit"
	"rampline/internal/domain"
	"rampline/internal/repo"
)

// HighTickThreshold is the tick-burden index above which an animal is
// flagged HIGH_TICK.
const HighTickThreshold = 0.8

// DeriveFlags computes welfare flags from the stored scores. Flags are a
// pure function of the scores and are never persisted, so they cannot
// drift from the underlying measurements.
func DeriveFlags(a domain.Animal) []string {
	var flags []string
	if a.LamenessClass != nil {
		switch *a.LamenessClass {
		case domain.LamenessModerate, domain.LamenessSevere:
			flags = append(flags, domain.FlagHighLameness)
		}
	}
	if a.TickIndex != nil && *a.TickIndex > HighTickThreshold {
		flags = append(flags, domain.FlagHighTick)
	}
	return flags
}

// Summarize aggregates over the full record set in one pass. It never
// consults cached counts; callers must pass the current records.
func Summarize(animals []domain.Animal) domain.RunSummary {
	s := domain.RunSummary{TotalDetected: len(animals)}
	for _, a := range animals {
		if !a.Excluded {
			s.TotalIncluded++
		}
		for _, f := range DeriveFlags(a) {
			switch f {
			case domain.FlagHighLameness:
				s.HighLameness++
			case domain.FlagHighTick:
				s.HighTick++
			}
		}
	}
	return s
}

// Ledger owns per-run animal records: inclusion state and identity
// assignment. All mutations are transactional and append to the event log.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events audit.Writer
	Now    func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Exclude marks an animal excluded with an optional reason. Excluding an
// already-excluded animal is a no-op, not an error.
func (l Ledger) Exclude(ctx context.Context, runID, tempRef string, reason *string) (domain.Animal, error) {
	run, err := l.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Animal{}, err
	}
	a, err := l.Repo.GetAnimal(ctx, runID, tempRef)
	if err != nil {
		return a, err
	}
	if a.Excluded {
		return a, nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.SetAnimalExclusion(ctx, tx, runID, tempRef, true, reason, now); err != nil {
		return a, err
	}
	payload := audit.Payload{"temp_ref": tempRef}
	if reason != nil {
		payload["reason"] = *reason
	}
	if err := l.Events.Append(ctx, tx, "ANIMAL_EXCLUDED", "animal", runID+"/"+tempRef, run.SiteID, run.PIC, payload); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Excluded = true
	a.ExclusionReason = reason
	a.UpdatedAt = now
	return a, nil
}

// Include reverses an exclusion and clears the reason.
func (l Ledger) Include(ctx context.Context, runID, tempRef string) (domain.Animal, error) {
	run, err := l.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Animal{}, err
	}
	a, err := l.Repo.GetAnimal(ctx, runID, tempRef)
	if err != nil {
		return a, err
	}
	if !a.Excluded {
		return a, nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.SetAnimalExclusion(ctx, tx, runID, tempRef, false, nil, now); err != nil {
		return a, err
	}
	if err := l.Events.Append(ctx, tx, "ANIMAL_INCLUDED", "animal", runID+"/"+tempRef, run.SiteID, run.PIC, audit.Payload{"temp_ref": tempRef}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Excluded = false
	a.ExclusionReason = nil
	a.UpdatedAt = now
	return a, nil
}

// SetNlisID assigns the operator-entered identity tag. Uniqueness within the
// run is deliberately not enforced; duplicate tags are operator errors that
// stay visible rather than being silently deduplicated.
func (l Ledger) SetNlisID(ctx context.Context, runID, tempRef, nlisID string) (domain.Animal, error) {
	if nlisID == "" {
		return domain.Animal{}, errors.New("nlis id is required")
	}
	run, err := l.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Animal{}, err
	}
	a, err := l.Repo.GetAnimal(ctx, runID, tempRef)
	if err != nil {
		return a, err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.SetAnimalNlisID(ctx, tx, runID, tempRef, nlisID, now); err != nil {
		return a, err
	}
	if err := l.Events.Append(ctx, tx, "ANIMAL_IDENTIFIED", "animal", runID+"/"+tempRef, run.SiteID, run.PIC, audit.Payload{"temp_ref": tempRef, "nlis_id": nlisID}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.NlisID = &nlisID
	a.UpdatedAt = now
	return a, nil
}

// Merge resolves a double-detection by excluding the duplicate with a reason
// pointing at the primary. The primary record is left untouched; media and
// scores are not unified.
func (l Ledger) Merge(ctx context.Context, runID, primaryRef, duplicateRef string) (domain.Animal, error) {
	if primaryRef == duplicateRef {
		return domain.Animal{}, errors.New("primary and duplicate refs must differ")
	}
	run, err := l.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Animal{}, err
	}
	if _, err := l.Repo.GetAnimal(ctx, runID, primaryRef); err != nil {
		return domain.Animal{}, err
	}
	dup, err := l.Repo.GetAnimal(ctx, runID, duplicateRef)
	if err != nil {
		return dup, err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return dup, err
	}
	defer tx.Rollback()
	now := l.now().UTC().Format(time.RFC3339)
	reason := fmt.Sprintf("Merged into %s", primaryRef)
	if err := l.Repo.SetAnimalExclusion(ctx, tx, runID, duplicateRef, true, &reason, now); err != nil {
		return dup, err
	}
	dup, err = l.Repo.GetAnimalTx(ctx, tx, runID, duplicateRef)
	if err != nil {
		return dup, err
	}
	if err := l.Events.Append(ctx, tx, "ANIMALS_MERGED", "animal", runID+"/"+duplicateRef, run.SiteID, run.PIC, audit.Payload{
		"primary_ref":   primaryRef,
		"duplicate_ref": duplicateRef,
	}); err != nil {
		return dup, err
	}
	if err := tx.Commit(); err != nil {
		return dup, err
	}
	return dup, nil
}

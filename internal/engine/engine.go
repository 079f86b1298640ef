package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rampline/internal/audit"
	"rampline/internal/config"
	"rampline/internal/domain"
	"rampline/internal/pic"
	"rampline/internal/proof"
	"rampline/internal/repo"
	"rampline/internal/review"
)

// Engine owns the run state machine and orchestrates the review ledger,
// commitment tracker and event log. Every mutating operation runs in its own
// transaction; the store serializes writers, so the engine keeps no shared
// mutable state of its own.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events audit.Writer
	Review review.Ledger
	Proofs proof.Tracker
	PICs   pic.Resolver
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	w := audit.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Review: review.Ledger{DB: db, Repo: r, Events: w},
		Proofs: proof.Tracker{DB: db, Repo: r},
		PICs:   pic.Resolver{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunView is the full read model for one run: the run itself, its animals
// with derived flags and proof state, the live summary, and the export
// record when one exists.
type RunView struct {
	Run        domain.Run        `json:"run"`
	Animals    []AnimalView      `json:"animals"`
	Summary    domain.RunSummary `json:"summary"`
	Export     *domain.NlisExport `json:"nlis_export,omitempty"`
	Proof      *domain.Proof     `json:"proof,omitempty"`
	PICDetails *domain.PICRecord `json:"pic_details,omitempty"`
}

type AnimalView struct {
	domain.Animal
	Flags []string      `json:"flags"`
	Proof *domain.Proof `json:"proof,omitempty"`
}

type CreateRunOptions struct {
	RunID    string
	SiteID   string
	RunType  string
	Metadata domain.RunMetadata
}

func newRunID() string {
	return "RUN-" + strings.ToUpper(strings.Split(uuid.New().String(), "-")[0])
}

// CreateRun resolves the site's PIC, persists a DRAFT run and records the
// RUN_CREATED event. An unregistered site fails with UnresolvedSiteError;
// there is no fallback sentinel code.
func (e Engine) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.Run, error) {
	switch opts.RunType {
	case domain.RunTypeIncoming, domain.RunTypeOutgoing:
	default:
		return domain.Run{}, fmt.Errorf("run type must be INCOMING or OUTGOING, got %q", opts.RunType)
	}
	if opts.SiteID == "" {
		return domain.Run{}, errors.New("site id is required")
	}
	picCode, err := e.PICs.Resolve(ctx, opts.SiteID)
	if err != nil {
		return domain.Run{}, err
	}
	id := opts.RunID
	if id == "" {
		id = newRunID()
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		RunID:     id,
		SiteID:    opts.SiteID,
		RunType:   opts.RunType,
		Status:    domain.RunStatusDraft,
		PIC:       picCode,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return run, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "RUN_CREATED", "run", run.RunID, run.SiteID, run.PIC, audit.Payload{
		"runType": run.RunType,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// ensureTransition enforces the strictly forward state machine. CONFIRMED is
// terminal.
func ensureTransition(runID, from, to string) error {
	allowed := map[string]string{
		domain.RunStatusDraft:      domain.RunStatusCapturing,
		domain.RunStatusCapturing:  domain.RunStatusProcessing,
		domain.RunStatusProcessing: domain.RunStatusReview,
		domain.RunStatusReview:     domain.RunStatusConfirmed,
	}
	if next, ok := allowed[from]; ok && next == to {
		return nil
	}
	return domain.InvalidTransitionError{RunID: runID, From: from, To: to}
}

func (e Engine) transition(ctx context.Context, runID, to, eventKind string, payload audit.Payload) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureTransition(runID, run.Status, to); err != nil {
		return run, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunStatus(ctx, tx, runID, to, now, nil); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, eventKind, "run", runID, run.SiteID, run.PIC, payload); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = to
	run.UpdatedAt = now
	return run, nil
}

// StartCapture moves a DRAFT run to CAPTURING.
func (e Engine) StartCapture(ctx context.Context, runID string) (domain.Run, error) {
	return e.transition(ctx, runID, domain.RunStatusCapturing, "CAPTURE_STARTED", nil)
}

// StartProcessing moves a CAPTURING run to PROCESSING. The vision pipeline
// that produces the scores runs elsewhere.
func (e Engine) StartProcessing(ctx context.Context, runID string) (domain.Run, error) {
	return e.transition(ctx, runID, domain.RunStatusProcessing, "PROCESSING_STARTED", nil)
}

// Detection is one animal as delivered by the vision pipeline.
type Detection struct {
	TempRef         string
	AnimalID        *string
	ThumbnailURL    string
	MediaHash       string
	LamenessScore   *float64
	LamenessClass   *string
	ConditionScore  *float64
	TickIndex       *float64
	ModelConfidence float64
}

// RecordDetections bulk-inserts the pipeline's output for a PROCESSING run
// and moves it to REVIEW. Records are included by default and persist for
// the life of the run; there is no delete.
func (e Engine) RecordDetections(ctx context.Context, runID string, detections []Detection) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureTransition(runID, run.Status, domain.RunStatusReview); err != nil {
		return run, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	for _, d := range detections {
		if d.TempRef == "" {
			return run, errors.New("detection temp ref is required")
		}
		a := domain.Animal{
			RunID:           runID,
			TempRef:         d.TempRef,
			AnimalID:        d.AnimalID,
			ThumbnailURL:    d.ThumbnailURL,
			MediaHash:       d.MediaHash,
			LamenessScore:   d.LamenessScore,
			LamenessClass:   d.LamenessClass,
			ConditionScore:  d.ConditionScore,
			TickIndex:       d.TickIndex,
			ModelConfidence: d.ModelConfidence,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.Repo.InsertAnimal(ctx, tx, a); err != nil {
			return run, fmt.Errorf("insert animal %s: %w", d.TempRef, err)
		}
		payload := audit.Payload{"tempRef": d.TempRef}
		if d.AnimalID != nil {
			payload["animalId"] = *d.AnimalID
		}
		if err := e.Events.Append(ctx, tx, "ANIMAL_DETECTED", "animal", runID+"/"+d.TempRef, run.SiteID, run.PIC, payload); err != nil {
			return run, err
		}
	}
	if err := e.Repo.UpdateRunStatus(ctx, tx, runID, domain.RunStatusReview, now, nil); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = domain.RunStatusReview
	run.UpdatedAt = now
	return run, nil
}

// ConfirmResult is returned by ConfirmRun.
type ConfirmResult struct {
	Run        domain.Run        `json:"run"`
	Export     domain.NlisExport `json:"nlis_export"`
	Commitment domain.Commitment `json:"commitment"`
}

// ConfirmRun finalizes a REVIEW run: flips it to CONFIRMED, upserts the NLIS
// export record and requests a run commitment, all in one transaction, then
// records RUN_CONFIRMED followed by NLIS_EXPORT_GENERATED. Confirming an
// already-confirmed run fails with AlreadyConfirmedError; the export upsert
// is keyed by run id so a duplicate record can never appear.
func (e Engine) ConfirmRun(ctx context.Context, runID string) (ConfirmResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if run.Status == domain.RunStatusConfirmed {
		return ConfirmResult{}, domain.AlreadyConfirmedError{RunID: runID}
	}
	if err := ensureTransition(runID, run.Status, domain.RunStatusConfirmed); err != nil {
		return ConfirmResult{}, err
	}
	animals, err := e.Repo.ListAnimals(ctx, runID)
	if err != nil {
		return ConfirmResult{}, err
	}
	summary := review.Summarize(animals)
	now := e.now().UTC().Format(time.RFC3339)

	export := domain.NlisExport{
		ExportID:     "EXP-" + runID,
		RunID:        runID,
		SiteID:       run.SiteID,
		PIC:          run.PIC,
		Status:       domain.ExportStatusReady,
		FileName:     fmt.Sprintf("nlis-%s.csv", runID),
		FileURL:      fmt.Sprintf("%s/%s.csv", e.exportURLBase(), runID),
		UploadStatus: domain.UploadNotUploaded,
		GeneratedAt:  &now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer tx.Rollback()
	// re-check inside the transaction so two racing confirms cannot both win
	current, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if current.Status == domain.RunStatusConfirmed {
		return ConfirmResult{}, domain.AlreadyConfirmedError{RunID: runID}
	}
	if current.Status != domain.RunStatusReview {
		return ConfirmResult{}, domain.InvalidTransitionError{RunID: runID, From: current.Status, To: domain.RunStatusConfirmed}
	}
	if err := e.Repo.UpdateRunStatus(ctx, tx, runID, domain.RunStatusConfirmed, now, &now); err != nil {
		return ConfirmResult{}, err
	}
	if err := e.Repo.UpsertExport(ctx, tx, export); err != nil {
		return ConfirmResult{}, fmt.Errorf("upsert export: %w", err)
	}
	export, err = e.Repo.GetExportByRunTx(ctx, tx, runID)
	if err != nil {
		return ConfirmResult{}, err
	}
	commitment, err := e.Proofs.RequestTx(ctx, tx, "run", runID, "ramp.run.summary", summaryHash(runID, summary), e.chain())
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("request commitment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "RUN_CONFIRMED", "run", runID, run.SiteID, run.PIC, audit.Payload{
		"runType":     run.RunType,
		"animalCount": summary.TotalIncluded,
	}); err != nil {
		return ConfirmResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "NLIS_EXPORT_GENERATED", "run", runID, run.SiteID, run.PIC, audit.Payload{
		"exportId": export.ExportID,
		"fileName": export.FileName,
	}); err != nil {
		return ConfirmResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConfirmResult{}, err
	}
	run.Status = domain.RunStatusConfirmed
	run.UpdatedAt = now
	run.ConfirmedAt = &now
	return ConfirmResult{Run: run, Export: export, Commitment: commitment}, nil
}

func summaryHash(runID string, s domain.RunSummary) string {
	data, _ := json.Marshal(struct {
		RunID   string            `json:"run_id"`
		Summary domain.RunSummary `json:"summary"`
	}{runID, s})
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (e Engine) chain() string {
	if e.Config != nil && e.Config.Proof.Chain != "" {
		return e.Config.Proof.Chain
	}
	return proof.ChainTestnet
}

func (e Engine) exportURLBase() string {
	if e.Config != nil && e.Config.Export.FileURLBase != "" {
		return strings.TrimRight(e.Config.Export.FileURLBase, "/")
	}
	return "/v0/exports"
}

// GetRun assembles the full run view. The summary is recomputed from the
// current animal set on every call; nothing is cached across mutations.
func (e Engine) GetRun(ctx context.Context, runID string) (RunView, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	animals, err := e.Repo.ListAnimals(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	view := RunView{
		Run:     run,
		Animals: make([]AnimalView, 0, len(animals)),
		Summary: review.Summarize(animals),
	}
	for _, a := range animals {
		av := AnimalView{Animal: a, Flags: review.DeriveFlags(a)}
		if av.Flags == nil {
			av.Flags = []string{}
		}
		if p, err := e.Proofs.State(ctx, animalEntityID(a)); err == nil && p.State != domain.ProofNone {
			av.Proof = &p
		} else if err != nil {
			return RunView{}, err
		}
		view.Animals = append(view.Animals, av)
	}
	if p, err := e.Proofs.State(ctx, runID); err != nil {
		return RunView{}, err
	} else if p.State != domain.ProofNone {
		view.Proof = &p
	}
	export, err := e.Repo.GetExportByRun(ctx, runID)
	if err == nil {
		view.Export = &export
	} else if !errors.Is(err, repo.ErrNotFound) {
		return RunView{}, err
	}
	if details, err := e.PICs.Details(ctx, run.PIC); err == nil {
		view.PICDetails = &details
	} else if !errors.Is(err, repo.ErrNotFound) {
		return RunView{}, err
	}
	return view, nil
}

// animalEntityID picks the identity a commitment would be recorded against:
// durable animal id first, then the NLIS tag, then the run-scoped ref.
func animalEntityID(a domain.Animal) string {
	if a.AnimalID != nil && *a.AnimalID != "" {
		return *a.AnimalID
	}
	if a.NlisID != nil && *a.NlisID != "" {
		return *a.NlisID
	}
	return a.RunID + "/" + a.TempRef
}

// ListRuns applies the AND of the provided filters, newest first, and
// returns the page plus the total matching count.
func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, int, error) {
	return e.Repo.ListRuns(ctx, f)
}

func (e Engine) GetExport(ctx context.Context, runID string) (domain.NlisExport, error) {
	return e.Repo.GetExportByRun(ctx, runID)
}

// MarkExportUploaded records the outcome of submitting the export file to
// NLIS. The submission itself happens out of band; this only tracks it.
func (e Engine) MarkExportUploaded(ctx context.Context, runID, uploadStatus string) (domain.NlisExport, error) {
	switch uploadStatus {
	case domain.UploadUploaded, domain.UploadNotUploaded, domain.UploadUnknown:
	default:
		return domain.NlisExport{}, fmt.Errorf("invalid upload status %q", uploadStatus)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.NlisExport{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.NlisExport{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetExportUploadStatus(ctx, tx, runID, uploadStatus); err != nil {
		return domain.NlisExport{}, err
	}
	export, err := e.Repo.GetExportByRunTx(ctx, tx, runID)
	if err != nil {
		return domain.NlisExport{}, err
	}
	if err := e.Events.Append(ctx, tx, "NLIS_EXPORT_UPLOAD_SET", "export", export.ExportID, run.SiteID, run.PIC, audit.Payload{
		"uploadStatus": uploadStatus,
	}); err != nil {
		return domain.NlisExport{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.NlisExport{}, err
	}
	return export, nil
}

// History is the cross-run view for one animal identity.
type History struct {
	AnimalID string                `json:"animal_id"`
	NlisID   *string               `json:"nlis_id,omitempty"`
	Events   []domain.HistoryEvent `json:"events"`
}

// AnimalHistory joins run records and commitments for an animal looked up by
// durable id or NLIS tag. Unknown identities return an empty history rather
// than an error, matching the lookup-by-guess usage.
func (e Engine) AnimalHistory(ctx context.Context, ref string) (History, error) {
	if ref == "" {
		return History{}, errors.New("animal id or nlis id is required")
	}
	anchor, err := e.Repo.FindAnimalByIdentity(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return History{AnimalID: ref, Events: []domain.HistoryEvent{}}, nil
	}
	if err != nil {
		return History{}, err
	}
	apps, err := e.Repo.ListAnimalAppearances(ctx, anchor.AnimalID, anchor.NlisID)
	if err != nil {
		return History{}, err
	}
	h := History{AnimalID: ref, NlisID: anchor.NlisID, Events: make([]domain.HistoryEvent, 0, len(apps))}
	if anchor.AnimalID != nil {
		h.AnimalID = *anchor.AnimalID
	}
	for _, app := range apps {
		occurred := app.Run.CreatedAt
		if app.Run.ConfirmedAt != nil {
			occurred = *app.Run.ConfirmedAt
		}
		evt := domain.HistoryEvent{
			EventType:      "RAMP_RUN",
			RunID:          app.Run.RunID,
			SiteID:         app.Run.SiteID,
			OccurredAt:     occurred,
			LamenessClass:  app.Animal.LamenessClass,
			ConditionScore: app.Animal.ConditionScore,
			TickIndex:      app.Animal.TickIndex,
		}
		if p, err := e.Proofs.State(ctx, app.Run.RunID); err != nil {
			return History{}, err
		} else if p.State != domain.ProofNone {
			evt.Proof = &p
		}
		h.Events = append(h.Events, evt)
	}
	return h, nil
}

// SeedRun inserts a run, optionally with animals, directly in the given
// status. It exists for tests and demo seeding; it is not a lifecycle
// transition and performs no state-machine checks.
func (e Engine) SeedRun(ctx context.Context, run domain.Run, animals []domain.Animal) error {
	now := e.now().UTC().Format(time.RFC3339)
	if run.CreatedAt == "" {
		run.CreatedAt = now
	}
	if run.UpdatedAt == "" {
		run.UpdatedAt = run.CreatedAt
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return err
	}
	for _, a := range animals {
		a.RunID = run.RunID
		if a.CreatedAt == "" {
			a.CreatedAt = run.CreatedAt
		}
		if a.UpdatedAt == "" {
			a.UpdatedAt = a.CreatedAt
		}
		if err := e.Repo.InsertAnimal(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

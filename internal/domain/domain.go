package domain

import "fmt"

// Run statuses. Transitions are strictly forward; CONFIRMED is terminal.
const (
	RunStatusDraft      = "DRAFT"
	RunStatusCapturing  = "CAPTURING"
	RunStatusProcessing = "PROCESSING"
	RunStatusReview     = "REVIEW"
	RunStatusConfirmed  = "CONFIRMED"
)

const (
	RunTypeIncoming = "INCOMING"
	RunTypeOutgoing = "OUTGOING"
)

// Lameness classes, ordered by severity.
const (
	LamenessNone     = "NONE"
	LamenessMild     = "MILD"
	LamenessModerate = "MODERATE"
	LamenessSevere   = "SEVERE"
)

const (
	FlagHighLameness = "HIGH_LAMENESS"
	FlagHighTick     = "HIGH_TICK"
)

// Commitment statuses.
const (
	CommitmentPending   = "PENDING"
	CommitmentConfirmed = "CONFIRMED"
	CommitmentFailed    = "FAILED"
)

// Proof states derived from commitments.
const (
	ProofNone     = "NONE"
	ProofPending  = "PENDING"
	ProofVerified = "VERIFIED"
)

const (
	ExportStatusReady      = "READY"
	ExportStatusGenerating = "GENERATING"
	ExportStatusFailed     = "FAILED"
)

const (
	UploadNotUploaded = "NOT_UPLOADED"
	UploadUploaded    = "UPLOADED"
	UploadUnknown     = "UNKNOWN"
)

type RunMetadata struct {
	TruckID          string `json:"truck_id,omitempty"`
	LotNumber        string `json:"lot_number,omitempty"`
	CounterpartyName string `json:"counterparty_name,omitempty"`
	CounterpartyCode string `json:"counterparty_code,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

type Run struct {
	RunID       string      `json:"run_id"`
	SiteID      string      `json:"site_id"`
	RunType     string      `json:"run_type" enum:"INCOMING,OUTGOING"`
	Status      string      `json:"status" enum:"DRAFT,CAPTURING,PROCESSING,REVIEW,CONFIRMED"`
	PIC         string      `json:"pic"`
	Metadata    RunMetadata `json:"metadata"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
	ConfirmedAt *string     `json:"confirmed_at,omitempty" format:"date-time"`
}

// Animal is one detected animal within a run, keyed by temp_ref inside the
// run. Flags are never stored; they are derived from the scores on read.
type Animal struct {
	RunID           string   `json:"run_id"`
	TempRef         string   `json:"temp_ref"`
	AnimalID        *string  `json:"animal_id,omitempty"`
	NlisID          *string  `json:"nlis_id,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url"`
	MediaHash       string   `json:"media_hash"`
	LamenessScore   *float64 `json:"lameness_score,omitempty"`
	LamenessClass   *string  `json:"lameness_class,omitempty" enum:"NONE,MILD,MODERATE,SEVERE"`
	ConditionScore  *float64 `json:"condition_score,omitempty"`
	TickIndex       *float64 `json:"tick_index,omitempty"`
	ModelConfidence float64  `json:"model_confidence"`
	Excluded        bool     `json:"excluded"`
	ExclusionReason *string  `json:"exclusion_reason,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// RunSummary is derived, never persisted. It is recomputed from the current
// animal set on every read.
type RunSummary struct {
	TotalDetected int `json:"total_detected"`
	TotalIncluded int `json:"total_included"`
	HighLameness  int `json:"high_lameness"`
	HighTick      int `json:"high_tick"`
}

type Commitment struct {
	CommitmentID string  `json:"commitment_id"`
	EntityKind   string  `json:"entity_kind"`
	EntityID     string  `json:"entity_id"`
	DataType     string  `json:"data_type"`
	ContentHash  string  `json:"content_hash"`
	Chain        string  `json:"chain" enum:"REDBELLY_TESTNET,REDBELLY_MAINNET"`
	Status       string  `json:"status" enum:"PENDING,CONFIRMED,FAILED"`
	TxHash       *string `json:"tx_hash,omitempty"`
	ExplorerURL  *string `json:"explorer_url,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ConfirmedAt  *string `json:"confirmed_at,omitempty" format:"date-time"`
}

// Proof is the externally visible view of an entity's latest commitment.
type Proof struct {
	State        string  `json:"state" enum:"NONE,PENDING,VERIFIED"`
	CommitmentID *string `json:"commitment_id,omitempty"`
	Chain        *string `json:"chain,omitempty"`
	TxHash       *string `json:"tx_hash,omitempty"`
	ExplorerURL  *string `json:"explorer_url,omitempty"`
}

type NlisExport struct {
	ExportID     string  `json:"export_id"`
	RunID        string  `json:"run_id"`
	SiteID       string  `json:"site_id"`
	PIC          string  `json:"pic"`
	Status       string  `json:"status" enum:"READY,GENERATING,FAILED"`
	FileName     string  `json:"file_name,omitempty"`
	FileURL      string  `json:"file_url,omitempty"`
	UploadStatus string  `json:"upload_status" enum:"NOT_UPLOADED,UPLOADED,UNKNOWN"`
	GeneratedAt  *string `json:"generated_at,omitempty" format:"date-time"`
}

// PICRecord is one row of the property reference registry.
type PICRecord struct {
	PICCode      string `json:"pic_code"`
	Jurisdiction string `json:"jurisdiction"`
	PropertyName string `json:"property_name"`
	Region       string `json:"region,omitempty"`
	LGA          string `json:"lga,omitempty"`
	IsActive     bool   `json:"is_active"`
	HasBMP       bool   `json:"has_bmp"`
}

type HistoryEvent struct {
	EventType      string   `json:"event_type" enum:"RAMP_RUN,MOVEMENT,HEALTH"`
	RunID          string   `json:"run_id,omitempty"`
	SiteID         string   `json:"site_id,omitempty"`
	OccurredAt     string   `json:"occurred_at" format:"date-time"`
	LamenessClass  *string  `json:"lameness_class,omitempty"`
	ConditionScore *float64 `json:"condition_score,omitempty"`
	TickIndex      *float64 `json:"tick_index,omitempty"`
	Proof          *Proof   `json:"proof,omitempty"`
}

// Event is one row of the durable audit event log, appended in the same
// transaction as the mutation it records.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Kind       string `json:"kind"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
	PIC        string `json:"pic,omitempty"`
	Payload    string `json:"payload_json"`
}

// Error taxonomy surfaced by the engine. Audit emission failures never show
// up here; they are absorbed inside internal/audit.

type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition %s -> %s for %s", e.From, e.To, e.RunID)
}

type UnresolvedSiteError struct {
	SiteID string
}

func (e UnresolvedSiteError) Error() string {
	return fmt.Sprintf("no PIC registered for site %s", e.SiteID)
}

type AlreadyConfirmedError struct {
	RunID string
}

func (e AlreadyConfirmedError) Error() string {
	return fmt.Sprintf("run %s is already confirmed", e.RunID)
}

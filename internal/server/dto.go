package server

import "rampline/internal/domain"

// Request payloads

type CreateRunRequest struct {
	RunID    *string             `json:"run_id,omitempty"`
	SiteID   string              `json:"site_id"`
	RunType  string              `json:"run_type" enum:"INCOMING,OUTGOING"`
	Metadata *domain.RunMetadata `json:"metadata,omitempty"`
}

type DetectionRequest struct {
	TempRef         string   `json:"temp_ref"`
	AnimalID        *string  `json:"animal_id,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	MediaHash       string   `json:"media_hash,omitempty"`
	LamenessScore   *float64 `json:"lameness_score,omitempty"`
	LamenessClass   *string  `json:"lameness_class,omitempty" enum:"NONE,MILD,MODERATE,SEVERE"`
	ConditionScore  *float64 `json:"condition_score,omitempty"`
	TickIndex       *float64 `json:"tick_index,omitempty"`
	ModelConfidence float64  `json:"model_confidence,omitempty"`
}

type RecordDetectionsRequest struct {
	Detections []DetectionRequest `json:"detections"`
}

type ExcludeAnimalRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type IdentifyAnimalRequest struct {
	NlisID string `json:"nlis_id"`
}

type MergeAnimalsRequest struct {
	DuplicateRef string `json:"duplicate_ref"`
}

type MarkProofConfirmedRequest struct {
	TxHash string `json:"tx_hash"`
}

type SetUploadStatusRequest struct {
	UploadStatus string `json:"upload_status" enum:"NOT_UPLOADED,UPLOADED,UNKNOWN"`
}

// Response payloads

type RunListResponse struct {
	Runs  []domain.Run `json:"runs"`
	Total int          `json:"total"`
}

type PICSearchResponse struct {
	Results []domain.PICRecord `json:"results"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

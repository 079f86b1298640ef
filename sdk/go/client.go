package ramplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Rampline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	RunID       string  `json:"run_id"`
	SiteID      string  `json:"site_id"`
	RunType     string  `json:"run_type"`
	Status      string  `json:"status"`
	PIC         string  `json:"pic"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ConfirmedAt *string `json:"confirmed_at,omitempty"`
}

// Animal represents one detected animal within a run (partial).
type Animal struct {
	RunID           string   `json:"run_id"`
	TempRef         string   `json:"temp_ref"`
	AnimalID        *string  `json:"animal_id,omitempty"`
	NlisID          *string  `json:"nlis_id,omitempty"`
	LamenessClass   *string  `json:"lameness_class,omitempty"`
	ConditionScore  *float64 `json:"condition_score,omitempty"`
	TickIndex       *float64 `json:"tick_index,omitempty"`
	Excluded        bool     `json:"excluded"`
	ExclusionReason *string  `json:"exclusion_reason,omitempty"`
	Flags           []string `json:"flags,omitempty"`
}

type Summary struct {
	TotalDetected int `json:"total_detected"`
	TotalIncluded int `json:"total_included"`
	HighLameness  int `json:"high_lameness"`
	HighTick      int `json:"high_tick"`
}

type Export struct {
	ExportID     string `json:"export_id"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	FileName     string `json:"file_name,omitempty"`
	FileURL      string `json:"file_url,omitempty"`
	UploadStatus string `json:"upload_status"`
}

type Proof struct {
	State        string  `json:"state"`
	CommitmentID *string `json:"commitment_id,omitempty"`
	Chain        *string `json:"chain,omitempty"`
	TxHash       *string `json:"tx_hash,omitempty"`
	ExplorerURL  *string `json:"explorer_url,omitempty"`
}

type Commitment struct {
	CommitmentID string  `json:"commitment_id"`
	EntityID     string  `json:"entity_id"`
	Chain        string  `json:"chain"`
	Status       string  `json:"status"`
	TxHash       *string `json:"tx_hash,omitempty"`
	ExplorerURL  *string `json:"explorer_url,omitempty"`
}

// RunView is the full read model returned by GetRun.
type RunView struct {
	Run     Run      `json:"run"`
	Animals []Animal `json:"animals"`
	Summary Summary  `json:"summary"`
	Export  *Export  `json:"nlis_export,omitempty"`
	Proof   *Proof   `json:"proof,omitempty"`
}

// ConfirmResult is returned by ConfirmRun.
type ConfirmResult struct {
	Run        Run        `json:"run"`
	Export     Export     `json:"nlis_export"`
	Commitment Commitment `json:"commitment"`
}

type RunPage struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

type PICRecord struct {
	PICCode      string `json:"pic_code"`
	Jurisdiction string `json:"jurisdiction"`
	PropertyName string `json:"property_name"`
	Region       string `json:"region,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// Detection is one pipeline detection for RecordDetections.
type Detection struct {
	TempRef         string   `json:"temp_ref"`
	AnimalID        *string  `json:"animal_id,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	MediaHash       string   `json:"media_hash,omitempty"`
	LamenessScore   *float64 `json:"lameness_score,omitempty"`
	LamenessClass   *string  `json:"lameness_class,omitempty"`
	ConditionScore  *float64 `json:"condition_score,omitempty"`
	TickIndex       *float64 `json:"tick_index,omitempty"`
	ModelConfidence float64  `json:"model_confidence,omitempty"`
}

// APIError is the decoded error envelope returned by the server.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(data))}
		}
		envelope.Error.Status = resp.StatusCode
		return &envelope.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) CreateRun(ctx context.Context, siteID, runType string) (Run, error) {
	body := map[string]string{"site_id": siteID, "run_type": runType}
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs", body, &run)
	return run, err
}

// ListRunsOptions mirror the list query parameters; zero values are omitted.
type ListRunsOptions struct {
	Status  string
	RunType string
	SiteID  string
	Limit   int
	Offset  int
}

func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (RunPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.RunType != "" {
		q.Set("run_type", opts.RunType)
	}
	if opts.SiteID != "" {
		q.Set("site_id", opts.SiteID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page RunPage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (RunView, error) {
	var view RunView
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &view)
	return view, err
}

func (c *Client) StartCapture(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/capture", nil, &run)
	return run, err
}

func (c *Client) StartProcessing(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/process", nil, &run)
	return run, err
}

func (c *Client) RecordDetections(ctx context.Context, runID string, detections []Detection) (Run, error) {
	body := map[string]any{"detections": detections}
	var run Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/detections", body, &run)
	return run, err
}

func (c *Client) ConfirmRun(ctx context.Context, runID string) (ConfirmResult, error) {
	var result ConfirmResult
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/confirm", nil, &result)
	return result, err
}

func (c *Client) ExcludeAnimal(ctx context.Context, runID, tempRef, reason string) (Animal, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var a Animal
	err := c.do(ctx, http.MethodPost, animalPath(runID, tempRef)+"/exclude", body, &a)
	return a, err
}

func (c *Client) IncludeAnimal(ctx context.Context, runID, tempRef string) (Animal, error) {
	var a Animal
	err := c.do(ctx, http.MethodPost, animalPath(runID, tempRef)+"/include", nil, &a)
	return a, err
}

func (c *Client) IdentifyAnimal(ctx context.Context, runID, tempRef, nlisID string) (Animal, error) {
	body := map[string]string{"nlis_id": nlisID}
	var a Animal
	err := c.do(ctx, http.MethodPost, animalPath(runID, tempRef)+"/identify", body, &a)
	return a, err
}

func (c *Client) MergeAnimals(ctx context.Context, runID, primaryRef, duplicateRef string) (Animal, error) {
	body := map[string]string{"duplicate_ref": duplicateRef}
	var a Animal
	err := c.do(ctx, http.MethodPost, animalPath(runID, primaryRef)+"/merge", body, &a)
	return a, err
}

// History is the cross-run view returned by AnimalHistory.
type History struct {
	AnimalID string         `json:"animal_id"`
	NlisID   *string        `json:"nlis_id,omitempty"`
	Events   []HistoryEvent `json:"events"`
}

type HistoryEvent struct {
	EventType  string `json:"event_type"`
	RunID      string `json:"run_id,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
	OccurredAt string `json:"occurred_at"`
	Proof      *Proof `json:"proof,omitempty"`
}

func (c *Client) AnimalHistory(ctx context.Context, ref string) (History, error) {
	var h History
	err := c.do(ctx, http.MethodGet, "/animals/"+url.PathEscape(ref)+"/history", nil, &h)
	return h, err
}

func (c *Client) GetExport(ctx context.Context, runID string) (Export, error) {
	var export Export
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/export", nil, &export)
	return export, err
}

func (c *Client) SetExportUploadStatus(ctx context.Context, runID, uploadStatus string) (Export, error) {
	var export Export
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/export/upload-status",
		map[string]string{"upload_status": uploadStatus}, &export)
	return export, err
}

func (c *Client) ProofState(ctx context.Context, entityID string) (Proof, error) {
	var p Proof
	err := c.do(ctx, http.MethodGet, "/proofs/"+url.PathEscape(entityID), nil, &p)
	return p, err
}

func (c *Client) SearchPICs(ctx context.Context, query, jurisdiction string, limit int) ([]PICRecord, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if jurisdiction != "" {
		q.Set("jurisdiction", jurisdiction)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/pics"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Results []PICRecord `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Results, err
}

func (c *Client) ResolveSite(ctx context.Context, siteID string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/sites/"+url.PathEscape(siteID)+"/pic", nil, &out); err != nil {
		return "", err
	}
	return out["pic"], nil
}

func animalPath(runID, tempRef string) string {
	return "/runs/" + url.PathEscape(runID) + "/animals/" + url.PathEscape(tempRef)
}

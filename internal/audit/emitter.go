package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"rampline/internal/domain"
	"rampline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	cursorSink      = "audit"
)

// Kinds forwarded to the external sink by default. Everything else stays in
// the local event log only.
var DefaultSinkKinds = []string{"RUN_CREATED", "RUN_CONFIRMED", "NLIS_EXPORT_GENERATED", "ANIMAL_DETECTED"}

// SinkConfig describes the external audit sink.
type SinkConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	Interval time.Duration
	Kinds    []string
}

// Emitter drains the committed event log and POSTs envelopes to the sink as
// a detached task. Sink latency and failures never reach the request path:
// delivery errors are logged with enough context to replay manually and the
// cursor advances past them. The persisted cursor is the extension point for
// a real retry queue; holding the cursor back instead of advancing it would
// turn the drain loop into one.
type Emitter struct {
	Repo   repo.Repo
	Config SinkConfig
	client *http.Client
	filter map[string]struct{}
}

func NewEmitter(r repo.Repo, cfg SinkConfig) *Emitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = DefaultSinkKinds
	}
	filter := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		if k != "" {
			filter[k] = struct{}{}
		}
	}
	return &Emitter{
		Repo:   r,
		Config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		filter: filter,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (e *Emitter) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Emitter) run(ctx context.Context) {
	ticker := time.NewTicker(e.Config.Interval)
	defer ticker.Stop()
	for {
		e.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain forwards all committed events past the cursor. It never returns an
// error; every failure is logged and the event dropped.
func (e *Emitter) Drain(ctx context.Context) {
	if e.Config.URL == "" {
		return
	}
	cursor, err := e.Repo.AuditCursor(ctx, cursorSink)
	if err != nil {
		log.Printf("audit: read cursor failed: %v", err)
		return
	}
	events, err := e.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Printf("audit: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if _, ok := e.filter[evt.Kind]; ok {
			if err := e.post(ctx, evt); err != nil {
				log.Printf("audit: deliver event %d (%s, entity %s) to %s failed, dropping: %v",
					evt.ID, evt.Kind, evt.EntityID, e.Config.URL, err)
			}
		}
		if err := e.Repo.SetAuditCursor(ctx, cursorSink, evt.ID); err != nil {
			log.Printf("audit: advance cursor failed: %v", err)
			return
		}
	}
}

// envelope is the sink wire format. The PIC travels as an opaque location
// reference; no property-owner data is attached.
type envelope struct {
	EventType string         `json:"eventType"`
	EntityID  string         `json:"entityId"`
	Location  location       `json:"location"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
}

type location struct {
	SiteID  string `json:"siteId"`
	PICCode string `json:"picCode"`
}

func (e *Emitter) post(ctx context.Context, evt domain.Event) error {
	metadata := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &metadata); err != nil {
			metadata = map[string]any{"payload_raw": evt.Payload}
		}
	}
	body := envelope{
		EventType: "icattle.ramp." + strings.ToLower(evt.Kind),
		EntityID:  evt.EntityID,
		Location:  location{SiteID: evt.SiteID, PICCode: evt.PIC},
		Metadata:  metadata,
		Timestamp: evt.TS,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, e.Config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.Config.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rampline-Event", evt.Kind)
	req.Header.Set("X-Rampline-Delivery", fmt.Sprintf("%d", evt.ID))
	if e.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.Config.APIKey)
	}
	res, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

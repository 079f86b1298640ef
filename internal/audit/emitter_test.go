package audit_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rampline/internal/audit"
	"rampline/internal/db"
	"rampline/internal/migrate"
	"rampline/internal/repo"
)

type sinkRecorder struct {
	mu       sync.Mutex
	requests []sinkRequest
	fail     bool
}

type sinkRequest struct {
	Auth     string
	Kind     string
	Delivery string
	Body     map[string]any
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		s.mu.Lock()
		s.requests = append(s.requests, sinkRequest{
			Auth:     r.Header.Get("Authorization"),
			Kind:     r.Header.Get("X-Rampline-Event"),
			Delivery: r.Header.Get("X-Rampline-Delivery"),
			Body:     body,
		})
		fail := s.fail
		s.mu.Unlock()
		if fail {
			http.Error(w, "sink down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *sinkRecorder) recorded() []sinkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func newEventLog(t *testing.T) repo.Repo {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func appendEvent(t *testing.T, r repo.Repo, kind, entityID string, payload audit.Payload) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	w := audit.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC) }}
	if err := w.Append(ctx, tx, kind, "run", entityID, "SITE-1", "NSW123456", payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestDrainDeliversEnvelope(t *testing.T) {
	r := newEventLog(t)
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	appendEvent(t, r, "RUN_CONFIRMED", "RUN-001", audit.Payload{"animalCount": 11})
	emitter := audit.NewEmitter(r, audit.SinkConfig{URL: srv.URL, APIKey: "secret-key"})
	emitter.Drain(context.Background())

	got := sink.recorded()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	req := got[0]
	if req.Auth != "Bearer secret-key" {
		t.Fatalf("auth = %q", req.Auth)
	}
	if req.Kind != "RUN_CONFIRMED" {
		t.Fatalf("kind header = %q", req.Kind)
	}
	if req.Body["eventType"] != "icattle.ramp.run_confirmed" {
		t.Fatalf("eventType = %v", req.Body["eventType"])
	}
	if req.Body["entityId"] != "RUN-001" {
		t.Fatalf("entityId = %v", req.Body["entityId"])
	}
	loc, _ := req.Body["location"].(map[string]any)
	if loc["siteId"] != "SITE-1" || loc["picCode"] != "NSW123456" {
		t.Fatalf("location = %v", loc)
	}
	meta, _ := req.Body["metadata"].(map[string]any)
	if meta["animalCount"] != float64(11) {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestDrainFiltersLocalKinds(t *testing.T) {
	r := newEventLog(t)
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	appendEvent(t, r, "ANIMAL_EXCLUDED", "RUN-001/A-0001", nil)
	appendEvent(t, r, "RUN_CREATED", "RUN-001", nil)
	emitter := audit.NewEmitter(r, audit.SinkConfig{URL: srv.URL})
	emitter.Drain(context.Background())

	got := sink.recorded()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Kind != "RUN_CREATED" {
		t.Fatalf("delivered kind = %s", got[0].Kind)
	}
	// the local-only event still advanced the cursor
	cursor, err := r.AuditCursor(context.Background(), "audit")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 2 {
		t.Fatalf("cursor = %d, want 2", cursor)
	}
}

func TestDrainDropsOnSinkFailure(t *testing.T) {
	r := newEventLog(t)
	sink := &sinkRecorder{fail: true}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	appendEvent(t, r, "RUN_CREATED", "RUN-001", nil)
	appendEvent(t, r, "RUN_CONFIRMED", "RUN-001", nil)
	emitter := audit.NewEmitter(r, audit.SinkConfig{URL: srv.URL})
	// must not panic or error back to the caller
	emitter.Drain(context.Background())

	cursor, err := r.AuditCursor(context.Background(), "audit")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 2 {
		t.Fatalf("cursor = %d, want 2 (failures are dropped, not retried)", cursor)
	}

	// after the sink recovers, only new events flow
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	appendEvent(t, r, "NLIS_EXPORT_GENERATED", "RUN-001", nil)
	emitter.Drain(context.Background())
	got := sink.recorded()
	last := got[len(got)-1]
	if last.Kind != "NLIS_EXPORT_GENERATED" {
		t.Fatalf("last delivered = %s", last.Kind)
	}
}

func TestDrainWithoutSinkURLIsNoop(t *testing.T) {
	r := newEventLog(t)
	appendEvent(t, r, "RUN_CREATED", "RUN-001", nil)
	emitter := audit.NewEmitter(r, audit.SinkConfig{})
	emitter.Drain(context.Background())
	cursor, err := r.AuditCursor(context.Background(), "audit")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 0 {
		t.Fatalf("cursor = %d, want 0", cursor)
	}
}

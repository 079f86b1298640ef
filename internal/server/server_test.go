package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"rampline/internal/config"
	"rampline/internal/db"
	"rampline/internal/domain"
	"rampline/internal/engine"
	"rampline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"run_id":   "RUN-HTTP",
		"site_id":  "SITE-1",
		"run_type": "INCOMING",
		"metadata": map[string]any{"truck_id": "TRK-1"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var created domain.Run
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if created.Status != domain.RunStatusDraft || created.PIC != "NSW123456" {
		t.Fatalf("created = %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-HTTP/capture", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capture: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-HTTP/process", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-HTTP/detections", map[string]any{
		"detections": []map[string]any{
			{"temp_ref": "A-0001", "lameness_class": "NONE", "tick_index": 0.1, "model_confidence": 0.95},
			{"temp_ref": "A-0002", "lameness_class": "SEVERE", "tick_index": 0.92, "model_confidence": 0.9},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detections: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-HTTP/animals/A-0002/exclude", map[string]any{
		"reason": "duplicate frame",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("exclude: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-HTTP/confirm", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}
	var confirmed struct {
		Run        domain.Run        `json:"run"`
		Export     domain.NlisExport `json:"nlis_export"`
		Commitment domain.Commitment `json:"commitment"`
	}
	if err := json.Unmarshal(data, &confirmed); err != nil {
		t.Fatalf("unmarshal confirm: %v", err)
	}
	if confirmed.Run.Status != domain.RunStatusConfirmed {
		t.Fatalf("status = %s", confirmed.Run.Status)
	}
	if confirmed.Export.FileName != "nlis-RUN-HTTP.csv" {
		t.Fatalf("export = %+v", confirmed.Export)
	}
	if confirmed.Commitment.Status != domain.CommitmentPending {
		t.Fatalf("commitment = %+v", confirmed.Commitment)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/RUN-HTTP", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	var view engine.RunView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.Summary.TotalDetected != 2 || view.Summary.TotalIncluded != 1 {
		t.Fatalf("summary = %+v", view.Summary)
	}
	if view.Export == nil || view.Proof == nil {
		t.Fatalf("view missing export or proof: %+v", view)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	type errBody struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	// unknown site -> 422 unresolved_site
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"site_id":  "SITE-MISSING",
		"run_type": "INCOMING",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope errBody
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "unresolved_site" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// unknown run -> 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/RUN-NOPE", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	// illegal transition -> 409 invalid_transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"run_id": "RUN-T", "site_id": "SITE-1", "run_type": "OUTGOING",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-T/process", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	envelope = errBody{}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// missing required field -> 400
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"run_type": "INCOMING",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestDoubleConfirmConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, step := range []struct {
		path string
		body any
	}{
		{"/v0/runs", map[string]any{"run_id": "RUN-DC", "site_id": "SITE-1", "run_type": "INCOMING"}},
		{"/v0/runs/RUN-DC/capture", nil},
		{"/v0/runs/RUN-DC/process", nil},
		{"/v0/runs/RUN-DC/detections", map[string]any{"detections": []map[string]any{{"temp_ref": "A-0001"}}}},
		{"/v0/runs/RUN-DC/confirm", nil},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+step.path, step.body)
		if res.StatusCode >= 300 {
			t.Fatalf("%s: %d %s", step.path, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/RUN-DC/confirm", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "already_confirmed" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestPICSearchAndResolve(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/pics?q=Glenmore", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		Results []domain.PICRecord `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].PICCode != "NSW123456" {
		t.Fatalf("results = %+v", out.Results)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sites/SITE-2/pic", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved map[string]string
	_ = json.Unmarshal(data, &resolved)
	if resolved["pic"] != "QLD111222" {
		t.Fatalf("resolved = %v", resolved)
	}
}

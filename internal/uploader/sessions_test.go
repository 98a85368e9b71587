package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/sessions"
)

func noSleep(context.Context, time.Duration) error { return nil }

func writeCandidate(t *testing.T, dir, agent, session, body string) sessions.Candidate {
	t.Helper()
	path := filepath.Join(dir, session+".jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return sessions.Candidate{
		AgentID:   agent,
		SessionID: session,
		FilePath:  path,
		SizeBytes: int64(len(body)),
		ModTime:   time.Now(),
		LedgerKey: ledger.SessionKey(agent, session+".jsonl"),
	}
}

type ingestRecorder struct {
	calls  atomic.Int32
	status int
	lines  []SessionLine
}

func (r *ingestRecorder) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.calls.Add(1)
		var body struct {
			Lines []SessionLine `json:"lines"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		r.lines = body.Lines
		w.WriteHeader(r.status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sessionUploader(url string) *SessionUploader {
	return &SessionUploader{
		Client:       &Client{BaseURL: url, APIKey: "k"},
		DeploymentID: "dep",
		ProjectID:    "proj",
		Retry:        RetryPolicy{Attempts: 3},
		Sleep:        noSleep,
		Now:          func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func TestSessionUpload_Envelopes(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusOK}
	srv := rec.server(t)
	dir := t.TempDir()
	body := "{\"type\":\"user\"}\n\nnot json\n{\"type\":\"assistant\"}"
	c := writeCandidate(t, dir, "main", "s1", body)

	res := sessionUploader(srv.URL).Upload(context.Background(), []sessions.Candidate{c})
	if len(res.Failed) != 0 || len(res.Uploaded) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	up := res.Uploaded[0]
	if up.Lines != 3 || up.SizeBytes != int64(len(body)) || up.Digest != ledger.ComputeDigest([]byte(body)) {
		t.Fatalf("unexpected uploaded record %+v", up)
	}
	if len(rec.lines) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(rec.lines))
	}
	first := rec.lines[0]
	if first.DeploymentID != "dep" || first.ProjectID != "proj" || first.AgentID != "main" ||
		first.SessionID != "s1" || first.SessionFileID != "agents/main/sessions/s1.jsonl" ||
		first.CapturedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected envelope %+v", first)
	}
	if idx := []int{rec.lines[0].LineIndex, rec.lines[1].LineIndex, rec.lines[2].LineIndex}; idx[0] != 0 || idx[1] != 2 || idx[2] != 3 {
		t.Fatalf("expected physical line indexes [0 2 3], got %v", idx)
	}
	var raw map[string]string
	if err := json.Unmarshal(rec.lines[1].Payload, &raw); err != nil || raw["raw"] != "not json" {
		t.Fatalf("expected raw wrapper, got %s", rec.lines[1].Payload)
	}
	var parsed map[string]string
	if err := json.Unmarshal(rec.lines[2].Payload, &parsed); err != nil || parsed["type"] != "assistant" {
		t.Fatalf("expected parsed payload, got %s", rec.lines[2].Payload)
	}
}

func TestSessionUpload_BudgetDefers(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusOK}
	srv := rec.server(t)
	dir := t.TempDir()
	a := writeCandidate(t, dir, "main", "a", "{}\n{}\n")
	b := writeCandidate(t, dir, "main", "b", "{}\n{}\n")
	c := writeCandidate(t, dir, "main", "c", "{}\n{}\n")

	u := sessionUploader(srv.URL)
	u.MaxBatchBytes = 12
	res := u.Upload(context.Background(), []sessions.Candidate{a, b, c})
	if len(res.Uploaded) != 2 || len(res.Deferred) != 1 || res.Deferred[0].SessionID != "c" {
		t.Fatalf("unexpected result %+v", res)
	}
	if rec.calls.Load() != 1 {
		t.Fatalf("expected one request, got %d", rec.calls.Load())
	}
}

func TestSessionUpload_BatchAtomicFailure(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusServiceUnavailable}
	srv := rec.server(t)
	dir := t.TempDir()
	a := writeCandidate(t, dir, "main", "a", "{}\n")
	b := writeCandidate(t, dir, "ops", "b", "{}\n")

	res := sessionUploader(srv.URL).Upload(context.Background(), []sessions.Candidate{a, b})
	if len(res.Uploaded) != 0 || len(res.Failed) != 2 {
		t.Fatalf("expected every candidate failed, got %+v", res)
	}
	if res.Attempts != 3 || rec.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d calls)", res.Attempts, rec.calls.Load())
	}
	if res.Failed[0].Err != res.Failed[1].Err || res.Failed[0].Err == "" {
		t.Fatalf("expected the same last error on every failure, got %+v", res.Failed)
	}
}

func TestSessionUpload_UnreadableFileFailsAlone(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusOK}
	srv := rec.server(t)
	dir := t.TempDir()
	ok := writeCandidate(t, dir, "main", "ok", "{}\n")
	gone := writeCandidate(t, dir, "main", "gone", "{}\n")
	if err := os.Remove(gone.FilePath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := sessionUploader(srv.URL).Upload(context.Background(), []sessions.Candidate{gone, ok})
	if len(res.Failed) != 1 || res.Failed[0].Key != gone.LedgerKey {
		t.Fatalf("expected only the missing file to fail, got %+v", res.Failed)
	}
	if len(res.Uploaded) != 1 || res.Uploaded[0].Candidate.SessionID != "ok" {
		t.Fatalf("expected readable file uploaded, got %+v", res.Uploaded)
	}
}

func TestSessionUpload_NothingReadableSkipsRequest(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusOK}
	srv := rec.server(t)
	c := sessions.Candidate{AgentID: "main", SessionID: "x", FilePath: filepath.Join(t.TempDir(), "x.jsonl"), LedgerKey: "k"}
	res := sessionUploader(srv.URL).Upload(context.Background(), []sessions.Candidate{c})
	if rec.calls.Load() != 0 || len(res.Failed) != 1 {
		t.Fatalf("expected no request and one failure, got calls=%d res=%+v", rec.calls.Load(), res)
	}
}

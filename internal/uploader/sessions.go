package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/sessions"
	"github.com/basket/clawsync/internal/shared"
)

// SessionLine is the envelope for one transcript line.
type SessionLine struct {
	DeploymentID  string          `json:"deploymentId"`
	ProjectID     string          `json:"projectId"`
	AgentID       string          `json:"agentId"`
	SessionID     string          `json:"sessionId"`
	SessionFileID string          `json:"sessionFileId"`
	LineIndex     int             `json:"lineIndex"`
	CapturedAt    string          `json:"capturedAt"`
	Payload       json.RawMessage `json:"payload"`
}

type sessionBatch struct {
	Lines []SessionLine `json:"lines"`
}

// UploadedSession records what was actually sent for one transcript, which
// may be more than the collector saw if the file grew in between.
type UploadedSession struct {
	Candidate sessions.Candidate
	Lines     int
	SizeBytes int64
	Digest    string
}

// Failure is one candidate that was not uploaded.
type Failure struct {
	Key string
	Err string
}

type SessionResult struct {
	Uploaded []UploadedSession
	Failed   []Failure
	// Deferred candidates did not fit the byte budget; they stay dirty.
	Deferred []sessions.Candidate
	Attempts int
}

// SessionUploader sends transcripts as line envelopes.
type SessionUploader struct {
	Client       *Client
	DeploymentID string
	ProjectID    string
	// MaxBatchBytes gates entry into the batch; <= 0 is unlimited.
	MaxBatchBytes int64
	Retry         RetryPolicy
	Sleep         SleepFunc
	Now           func() time.Time
	Logger        *slog.Logger
}

func (u *SessionUploader) log() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

func (u *SessionUploader) now() time.Time {
	if u.Now != nil {
		return u.Now()
	}
	return time.Now()
}

// Upload admits candidates by budget, reads them, and posts every line in
// one request. A file that cannot be read fails alone; a failed post fails
// every file in the request.
func (u *SessionUploader) Upload(ctx context.Context, candidates []sessions.Candidate) SessionResult {
	var res SessionResult
	accepted, deferred := Admit(candidates, u.MaxBatchBytes)
	res.Deferred = deferred
	if len(deferred) > 0 {
		u.log().Info("session batch over budget; deferring",
			"accepted", len(accepted),
			"deferred", len(deferred),
			"max_batch_bytes", u.MaxBatchBytes,
		)
	}

	captured := capturedAt(u.now())
	var batch sessionBatch
	var pending []UploadedSession
	for _, c := range accepted {
		lines, read, err := u.readLines(c, captured)
		if err != nil {
			u.log().Warn("session read failed", "session_key", c.LedgerKey, "error", err)
			res.Failed = append(res.Failed, Failure{Key: c.LedgerKey, Err: shared.Redact(err.Error())})
			continue
		}
		batch.Lines = append(batch.Lines, lines...)
		pending = append(pending, UploadedSession{
			Candidate: c,
			Lines:     len(lines),
			SizeBytes: read.size,
			Digest:    read.digest,
		})
	}
	if len(pending) == 0 {
		return res
	}

	attempts, err := Send(ctx, u.Retry, u.Sleep, func(ctx context.Context) error {
		return u.Client.Post(ctx, SessionsPath(u.ProjectID), batch)
	})
	res.Attempts = attempts
	if err != nil {
		msg := shared.Redact(err.Error())
		u.log().Warn("session batch upload failed", "sessions", len(pending), "lines", len(batch.Lines), "attempts", attempts, "error", msg)
		for _, p := range pending {
			res.Failed = append(res.Failed, Failure{Key: p.Candidate.LedgerKey, Err: msg})
		}
		return res
	}
	res.Uploaded = pending
	return res
}

type readInfo struct {
	size   int64
	digest string
}

func (u *SessionUploader) readLines(c sessions.Candidate, captured string) ([]SessionLine, readInfo, error) {
	data, err := os.ReadFile(c.FilePath)
	if err != nil {
		return nil, readInfo{}, fmt.Errorf("read transcript: %w", err)
	}
	var out []SessionLine
	for idx, line := range bytes.Split(data, []byte{'\n'}) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		out = append(out, SessionLine{
			DeploymentID:  u.DeploymentID,
			ProjectID:     u.ProjectID,
			AgentID:       c.AgentID,
			SessionID:     c.SessionID,
			SessionFileID: c.LedgerKey,
			LineIndex:     idx,
			CapturedAt:    captured,
			Payload:       linePayload(trimmed),
		})
	}
	return out, readInfo{size: int64(len(data)), digest: ledger.ComputeDigest(data)}, nil
}

// linePayload passes valid JSON through and wraps anything else.
func linePayload(line []byte) json.RawMessage {
	if json.Valid(line) {
		return json.RawMessage(bytes.Clone(line))
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(line)})
	return wrapped
}

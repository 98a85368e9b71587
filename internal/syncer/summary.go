package syncer

import (
	"time"

	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/shared"
)

// maxErrorLen bounds each error string kept in a summary.
const maxErrorLen = 512

// Summary is the user-visible outcome of one cycle.
type Summary struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	SessionsScanned  int `json:"sessions_scanned"`
	SessionsUploaded int `json:"sessions_uploaded"`
	SessionsFailed   int `json:"sessions_failed"`
	SessionsDeferred int `json:"sessions_deferred"`
	LinesUploaded    int `json:"lines_uploaded"`

	SkillsScanned  int `json:"skills_scanned"`
	SkillsUploaded int `json:"skills_uploaded"`
	SkillsFailed   int `json:"skills_failed"`
	SkillsRemoved  int `json:"skills_removed"`

	UploadAttempts int `json:"upload_attempts"`

	// Errors are redacted and truncated.
	Errors []string `json:"errors,omitempty"`
}

func (s *Summary) addError(err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, shared.Truncate(shared.Redact(err.Error()), maxErrorLen))
}

// FirstError returns the first recorded error, or "".
func (s Summary) FirstError() string {
	if len(s.Errors) == 0 {
		return ""
	}
	return s.Errors[0]
}

func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Run converts the summary to its history row.
func (s Summary) Run() persistence.Run {
	return persistence.Run{
		RunID:            s.RunID,
		Trigger:          s.Trigger,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		SessionsUploaded: s.SessionsUploaded,
		SessionsFailed:   s.SessionsFailed,
		SessionsDeferred: s.SessionsDeferred,
		LinesUploaded:    s.LinesUploaded,
		SkillsUploaded:   s.SkillsUploaded,
		SkillsFailed:     s.SkillsFailed,
		SkillsRemoved:    s.SkillsRemoved,
		ErrorCount:       len(s.Errors),
		FirstError:       s.FirstError(),
	}
}

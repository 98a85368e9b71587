package uploader

import (
	"context"
	"log/slog"

	"github.com/basket/clawsync/internal/shared"
	"github.com/basket/clawsync/internal/skills"
)

// SkillEnvelope describes one skill for one agent. Content is set only
// when the skill changed since the last sync; a changed but empty SKILL.md
// is sent as "".
type SkillEnvelope struct {
	DeploymentID  string  `json:"deploymentId"`
	ProjectID     string  `json:"projectId"`
	AgentName     string  `json:"agentName"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Source        string  `json:"source"`
	Version       string  `json:"version,omitempty"`
	Author        string  `json:"author,omitempty"`
	Content       *string `json:"content,omitempty"`
	ContentDigest string  `json:"contentDigest"`
	Available     bool    `json:"available"`
}

type skillManifest struct {
	Manifest bool            `json:"manifest"`
	Skills   []SkillEnvelope `json:"skills"`
}

type SkillResult struct {
	// Uploaded holds the dirty candidates the endpoint accepted.
	Uploaded []skills.Candidate
	Failed   []Failure
	Attempts int
	// Err is the last error when the manifest was rejected.
	Err error
}

// SkillUploader sends the complete skill manifest so the endpoint can
// treat absent skills as removed.
type SkillUploader struct {
	Client       *Client
	DeploymentID string
	ProjectID    string
	Retry        RetryPolicy
	Sleep        SleepFunc
	Logger       *slog.Logger
}

func (u *SkillUploader) log() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

// Envelopes builds the wire form of m, dirty skills first.
func (u *SkillUploader) Envelopes(m skills.Manifest) []SkillEnvelope {
	out := make([]SkillEnvelope, 0, len(m.Dirty)+len(m.Clean))
	for _, c := range m.Dirty {
		out = append(out, u.envelope(c, true))
	}
	for _, c := range m.Clean {
		out = append(out, u.envelope(c, false))
	}
	return out
}

func (u *SkillUploader) envelope(c skills.Candidate, withContent bool) SkillEnvelope {
	env := SkillEnvelope{
		DeploymentID:  u.DeploymentID,
		ProjectID:     u.ProjectID,
		AgentName:     c.AgentName,
		Name:          c.Name,
		Description:   c.Description,
		Source:        c.Source.String(),
		Version:       c.Version,
		Author:        c.Author,
		ContentDigest: c.ContentDigest,
		Available:     c.Available,
	}
	if withContent {
		content := c.RawContent
		env.Content = &content
	}
	return env
}

// Upload posts the manifest. It is not byte-budgeted: clean entries carry
// no content and the manifest must be complete to signal removals.
func (u *SkillUploader) Upload(ctx context.Context, m skills.Manifest) SkillResult {
	body := skillManifest{Manifest: true, Skills: u.Envelopes(m)}
	attempts, err := Send(ctx, u.Retry, u.Sleep, func(ctx context.Context) error {
		return u.Client.Post(ctx, SkillsPath(u.ProjectID), body)
	})
	res := SkillResult{Attempts: attempts}
	if err != nil {
		msg := shared.Redact(err.Error())
		u.log().Warn("skill manifest upload failed", "skills", len(body.Skills), "attempts", attempts, "error", msg)
		res.Err = err
		for _, c := range m.Dirty {
			res.Failed = append(res.Failed, Failure{Key: c.LedgerKey, Err: msg})
		}
		return res
	}
	res.Uploaded = m.Dirty
	return res
}

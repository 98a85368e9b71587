// Package syncer runs sync cycles: load the ledger, collect dirty
// transcripts and skills, upload them, and persist what was accepted.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/ledger"
	clawotel "github.com/basket/clawsync/internal/otel"
	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/probe"
	"github.com/basket/clawsync/internal/sessions"
	"github.com/basket/clawsync/internal/shared"
	"github.com/basket/clawsync/internal/skills"
	"github.com/basket/clawsync/internal/uploader"
)

// ErrCycleInProgress is returned by TryRunCycle when a cycle is running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// State is where the engine is within a cycle.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateCollecting
	StateUploading
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateCollecting:
		return "collecting"
	case StateUploading:
		return "uploading"
	case StatePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HistoryRecorder stores cycle summaries. *persistence.Store implements it.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, r persistence.Run) error
}

type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Probe   probe.Probe
	HTTP    *http.Client
	Tracer  trace.Tracer
	Metrics *clawotel.Metrics
	History HistoryRecorder
	Now     func() time.Time
	// Sleep replaces the retry backoff wait; tests pass a no-op.
	Sleep uploader.SleepFunc
	// PersonalSkillsDir overrides ~/.agents/skills.
	PersonalSkillsDir string
}

// Engine owns the ledger for the duration of each cycle. Cycles are
// serialized in-process by cycleMu and across processes by the ledger
// lock file, so the on-disk ledger has a single writer.
type Engine struct {
	cycleMu sync.Mutex

	cfgMu sync.RWMutex
	cfg   config.Config

	state atomic.Int32

	logger      *slog.Logger
	probe       probe.Probe
	http        *http.Client
	tracer      trace.Tracer
	metrics     *clawotel.Metrics
	history     HistoryRecorder
	now         func() time.Time
	sleep       uploader.SleepFunc
	personalDir string
}

// New builds an engine. It returns an error wrapping
// config.ErrSyncNotConfigured when required settings are absent.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.Sync.Ready(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         opts.Config,
		logger:      opts.Logger,
		probe:       opts.Probe,
		http:        opts.HTTP,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		history:     opts.History,
		now:         opts.Now,
		sleep:       opts.Sleep,
		personalDir: opts.PersonalSkillsDir,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.probe == nil {
		e.probe = probe.System()
	}
	if e.http == nil {
		e.http = &http.Client{}
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(clawotel.TracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Config returns the configuration the next cycle will use.
func (e *Engine) Config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// UpdateConfig swaps in cfg for the next cycle. A config that cannot sync
// is rejected and the current one kept.
func (e *Engine) UpdateConfig(cfg config.Config) error {
	if err := cfg.Sync.Ready(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	return nil
}

type triggerKey struct{}

// WithTrigger labels cycles started with ctx ("schedule", "manual", ...).
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerOf(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok && v != "" {
		return v
	}
	return "manual"
}

// RunCycle runs one cycle, waiting for any in-flight cycle first, including
// one run by another process on the same home directory. The cycle ignores
// ctx cancellation so a shutdown never abandons an upload with the ledger
// half-updated.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	lock, err := ledger.AcquireLock(e.Config().HomeDir)
	if err != nil {
		return Summary{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer e.release(lock)
	return e.runLocked(context.WithoutCancel(ctx))
}

// TryRunCycle runs a cycle unless one is already running here or in
// another process sharing the ledger.
func (e *Engine) TryRunCycle(ctx context.Context) (Summary, error) {
	if !e.cycleMu.TryLock() {
		return Summary{}, ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()
	lock, err := ledger.TryLock(e.Config().HomeDir)
	if errors.Is(err, ledger.ErrLocked) {
		return Summary{}, ErrCycleInProgress
	}
	if err != nil {
		return Summary{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer e.release(lock)
	return e.runLocked(context.WithoutCancel(ctx))
}

func (e *Engine) release(lock *ledger.Lock) {
	if err := lock.Release(); err != nil {
		e.logger.Warn("release ledger lock failed", "error", err)
	}
}

func (e *Engine) runLocked(ctx context.Context) (Summary, error) {
	cfg := e.Config()
	sum := Summary{
		RunID:     shared.NewRunID(),
		Trigger:   triggerOf(ctx),
		StartedAt: e.now(),
	}
	ctx = shared.WithRunID(ctx, sum.RunID)
	log := e.logger.With("run_id", sum.RunID)

	ctx, span := clawotel.StartSpan(ctx, e.tracer, clawotel.SpanCycle,
		clawotel.AttrRunID.String(sum.RunID),
		clawotel.AttrTrigger.String(sum.Trigger),
		clawotel.AttrProjectID.String(cfg.Sync.ProjectID),
	)
	defer span.End()
	defer e.setState(StateIdle)

	e.setState(StateLoading)
	live, err := ledger.Load(cfg.HomeDir)
	if err != nil {
		// An unreadable (not merely invalid) ledger must not be overwritten.
		sum.addError(err)
		sum.FinishedAt = e.now()
		e.finish(ctx, log, span, &sum)
		return sum, fmt.Errorf("load ledger: %w", err)
	}
	snapshot := live.Clone()

	e.setState(StateCollecting)
	col := e.collect(ctx, cfg, snapshot)
	sum.SessionsScanned = col.sessionStats.Files
	sum.SkillsScanned = len(col.manifest.Dirty) + len(col.manifest.Clean)
	if col.sessionErr != nil {
		log.Warn("session collection incomplete", "error", shared.Redact(col.sessionErr.Error()))
		sum.addError(col.sessionErr)
	}

	e.setState(StateUploading)
	e.uploadSessions(ctx, log, cfg, col.sessions, live, &sum)
	if cfg.Sync.SkillsEnabled() {
		if col.skillErr != nil {
			log.Warn("skill collection failed; manifest not sent", "error", shared.Redact(col.skillErr.Error()))
			sum.addError(col.skillErr)
		} else {
			e.uploadSkills(ctx, log, cfg, col.manifest, live, &sum)
		}
	}

	e.setState(StatePersisting)
	stamp := e.now()
	live.LastRunAt = &stamp
	var saveErr error
	if err := ledger.Save(cfg.HomeDir, live); err != nil {
		saveErr = fmt.Errorf("save ledger: %w", err)
		sum.addError(saveErr)
	}
	sum.FinishedAt = e.now()
	e.finish(ctx, log, span, &sum)
	return sum, saveErr
}

type collection struct {
	sessions     []sessions.Candidate
	sessionStats sessions.Stats
	sessionErr   error
	manifest     skills.Manifest
	skillErr     error
}

// collect runs both collectors concurrently against the same snapshot.
func (e *Engine) collect(ctx context.Context, cfg config.Config, snapshot *ledger.Ledger) collection {
	var col collection
	var g errgroup.Group

	g.Go(func() error {
		ctx, span := clawotel.StartSpan(ctx, e.tracer, clawotel.SpanCollectSessions)
		defer span.End()
		c := &sessions.Collector{
			Root: sessions.TranscriptRoot(cfg.HomeDir),
			Filter: &sessions.Filter{
				Scope:    sessions.AgentScope{Allow: cfg.Sync.IncludeAgents, Deny: cfg.Sync.ExcludeAgents},
				Sessions: sessions.CompileGlobs(cfg.Sync.ExcludeSessions),
				MinBytes: cfg.Sync.MinSessionBytes,
				MinLines: cfg.Sync.MinSessionLines,
			},
			MaxCandidates: cfg.Sync.MaxSessionsPerRun,
			Logger:        e.logger,
		}
		col.sessions, col.sessionStats, col.sessionErr = c.Collect(ctx, snapshot)
		span.SetAttributes(clawotel.AttrCandidates.Int(len(col.sessions)))
		return nil
	})

	if cfg.Sync.SkillsEnabled() {
		g.Go(func() error {
			ctx, span := clawotel.StartSpan(ctx, e.tracer, clawotel.SpanCollectSkills)
			defer span.End()
			c := &skills.Collector{
				Config:      &cfg,
				Probe:       e.probe,
				Logger:      e.logger,
				PersonalDir: e.personalDir,
			}
			col.manifest, col.skillErr = c.CollectManifest(ctx, snapshot)
			span.SetAttributes(clawotel.AttrCandidates.Int(len(col.manifest.Dirty)))
			return nil
		})
	}

	_ = g.Wait()
	return col
}

func (e *Engine) client(cfg config.Config) *uploader.Client {
	return &uploader.Client{
		BaseURL:     cfg.Sync.APIURL,
		APIKey:      cfg.Sync.APIKey,
		ProjectID:   cfg.Sync.ProjectID,
		Compression: uploader.Compression(cfg.Sync.Compression),
		HTTP:        e.http,
	}
}

func retryPolicy(cfg config.Config) uploader.RetryPolicy {
	return uploader.RetryPolicy{
		Attempts: cfg.Sync.RetryAttempts,
		Backoff:  cfg.Sync.RetryBackoffDuration(),
		Timeout:  cfg.Sync.RequestTimeoutDuration(),
	}
}

func (e *Engine) uploadSessions(ctx context.Context, log *slog.Logger, cfg config.Config, candidates []sessions.Candidate, live *ledger.Ledger, sum *Summary) {
	if len(candidates) == 0 {
		log.Info("no changed sessions; skipping session upload")
		return
	}
	ctx, span := clawotel.StartClientSpan(ctx, e.tracer, clawotel.SpanUploadSessions,
		clawotel.AttrCandidates.Int(len(candidates)),
	)
	defer span.End()

	u := &uploader.SessionUploader{
		Client:        e.client(cfg),
		DeploymentID:  cfg.Sync.DeploymentID,
		ProjectID:     cfg.Sync.ProjectID,
		MaxBatchBytes: cfg.Sync.MaxBatchBytes,
		Retry:         retryPolicy(cfg),
		Sleep:         e.sleep,
		Now:           e.now,
		Logger:        log,
	}
	res := u.Upload(ctx, candidates)

	uploadedAt := e.now()
	for _, up := range res.Uploaded {
		live.Files[up.Candidate.LedgerKey] = ledger.FileEntry{
			UploadedAt:        uploadedAt,
			UploadedSizeBytes: up.SizeBytes,
			UploadedLines:     up.Lines,
			ContentDigest:     up.Digest,
		}
		sum.LinesUploaded += up.Lines
	}
	sum.SessionsUploaded = len(res.Uploaded)
	sum.SessionsFailed = len(res.Failed)
	sum.SessionsDeferred = len(res.Deferred)
	sum.UploadAttempts += res.Attempts
	for _, f := range res.Failed {
		sum.Errors = append(sum.Errors, f.Key+": "+f.Err)
	}

	span.SetAttributes(
		clawotel.AttrUploaded.Int(len(res.Uploaded)),
		clawotel.AttrFailed.Int(len(res.Failed)),
		clawotel.AttrAttempts.Int(res.Attempts),
	)
	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, "session upload failed")
	}
	log.Info("session upload finished",
		"uploaded", len(res.Uploaded),
		"failed", len(res.Failed),
		"deferred", len(res.Deferred),
		"lines", sum.LinesUploaded,
	)
}

// uploadSkills sends the full manifest when anything changed or a
// previously synced skill disappeared. Removed keys leave the ledger only
// once the endpoint has accepted the manifest that omits them.
func (e *Engine) uploadSkills(ctx context.Context, log *slog.Logger, cfg config.Config, m skills.Manifest, live *ledger.Ledger, sum *Summary) {
	present := m.Keys()
	var removed []string
	for key := range live.Skills {
		if !present[key] {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)

	if len(m.Dirty) == 0 && len(removed) == 0 {
		log.Debug("skills unchanged; manifest not sent", "skills", len(m.Clean))
		return
	}

	ctx, span := clawotel.StartClientSpan(ctx, e.tracer, clawotel.SpanUploadSkills,
		clawotel.AttrCandidates.Int(len(m.Dirty)+len(m.Clean)),
		attribute.Int("clawsync.skills.removed", len(removed)),
	)
	defer span.End()

	u := &uploader.SkillUploader{
		Client:       e.client(cfg),
		DeploymentID: cfg.Sync.DeploymentID,
		ProjectID:    cfg.Sync.ProjectID,
		Retry:        retryPolicy(cfg),
		Sleep:        e.sleep,
		Logger:       log,
	}
	res := u.Upload(ctx, m)
	sum.UploadAttempts += res.Attempts
	span.SetAttributes(clawotel.AttrAttempts.Int(res.Attempts))

	if res.Err != nil {
		sum.SkillsFailed = len(res.Failed)
		sum.addError(fmt.Errorf("skill manifest: %w", res.Err))
		span.SetStatus(codes.Error, "skill manifest rejected")
		return
	}

	uploadedAt := e.now()
	for _, c := range res.Uploaded {
		live.Skills[c.LedgerKey] = ledger.SkillEntry{
			UploadedAt:    uploadedAt,
			ContentDigest: c.ContentDigest,
			Available:     c.Available,
		}
	}
	for _, key := range removed {
		delete(live.Skills, key)
	}
	sum.SkillsUploaded = len(res.Uploaded)
	sum.SkillsRemoved = len(removed)
	span.SetAttributes(clawotel.AttrUploaded.Int(len(res.Uploaded)))
	log.Info("skill manifest uploaded",
		"changed", len(res.Uploaded),
		"unchanged", len(m.Clean),
		"removed", len(removed),
	)
}

// finish records the summary to logs, metrics, and history.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, span trace.Span, sum *Summary) {
	if len(sum.Errors) > 0 {
		span.SetStatus(codes.Error, sum.FirstError())
	}
	log.Info("sync cycle complete",
		"trigger", sum.Trigger,
		"duration_ms", sum.Duration().Milliseconds(),
		"sessions_uploaded", sum.SessionsUploaded,
		"sessions_failed", sum.SessionsFailed,
		"sessions_deferred", sum.SessionsDeferred,
		"skills_uploaded", sum.SkillsUploaded,
		"skills_removed", sum.SkillsRemoved,
		"errors", len(sum.Errors),
	)

	if m := e.metrics; m != nil {
		m.CycleDuration.Record(ctx, sum.Duration().Seconds())
		m.CyclesTotal.Add(ctx, 1)
		m.SessionsUploaded.Add(ctx, int64(sum.SessionsUploaded))
		m.SessionsFailed.Add(ctx, int64(sum.SessionsFailed))
		m.SessionsDeferred.Add(ctx, int64(sum.SessionsDeferred))
		m.LinesUploaded.Add(ctx, int64(sum.LinesUploaded))
		m.SkillsUploaded.Add(ctx, int64(sum.SkillsUploaded))
		m.SkillsFailed.Add(ctx, int64(sum.SkillsFailed))
		m.SkillsRemoved.Add(ctx, int64(sum.SkillsRemoved))
		m.UploadAttempts.Add(ctx, int64(sum.UploadAttempts))
	}

	if e.history != nil {
		if err := e.history.RecordRun(ctx, sum.Run()); err != nil {
			log.Warn("record sync run failed", "error", err)
		}
	}
}

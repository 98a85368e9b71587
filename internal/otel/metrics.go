package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the sync engine's instruments.
type Metrics struct {
	CycleDuration    metric.Float64Histogram
	CyclesTotal      metric.Int64Counter
	SessionsUploaded metric.Int64Counter
	SessionsFailed   metric.Int64Counter
	SessionsDeferred metric.Int64Counter
	LinesUploaded    metric.Int64Counter
	SkillsUploaded   metric.Int64Counter
	SkillsFailed     metric.Int64Counter
	SkillsRemoved    metric.Int64Counter
	UploadAttempts   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("clawsync.cycle.duration",
		metric.WithDescription("Sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CyclesTotal, "clawsync.cycles", "Sync cycles run"},
		{&m.SessionsUploaded, "clawsync.sessions.uploaded", "Transcripts uploaded"},
		{&m.SessionsFailed, "clawsync.sessions.failed", "Transcripts that failed to upload"},
		{&m.SessionsDeferred, "clawsync.sessions.deferred", "Transcripts deferred by the byte budget"},
		{&m.LinesUploaded, "clawsync.lines.uploaded", "Transcript lines uploaded"},
		{&m.SkillsUploaded, "clawsync.skills.uploaded", "Changed skills uploaded"},
		{&m.SkillsFailed, "clawsync.skills.failed", "Changed skills that failed to upload"},
		{&m.SkillsRemoved, "clawsync.skills.removed", "Skills dropped from the ledger after removal"},
		{&m.UploadAttempts, "clawsync.upload.attempts", "Ingest requests attempted"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

package sync

import (
	"time"

	"github.com/evertrack/eventsync/internal/store"
)

// RunMetrics accumulates whole-run counters. Created at run start,
// mutated throughout the run, and persisted append-only to the run log.
type RunMetrics struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DryRun     bool       `json:"dry_run"`
	State      RunState   `json:"state"`

	Checked int      `json:"checked"`
	Added   int      `json:"added"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`

	BatchCount       int           `json:"batch_count"`
	BatchesSucceeded int           `json:"batches_succeeded"`
	BatchesFailed    int           `json:"batches_failed"`
	BatchResults     []BatchResult `json:"batch_results,omitempty"`

	ValidationPassed bool     `json:"validation_passed"`
	Warnings         []string `json:"warnings,omitempty"`
	Issues           []string `json:"issues,omitempty"`

	VenueFillRate float64 `json:"venue_fill_rate"`
}

// AddError appends a run-level error message.
func (m *RunMetrics) AddError(msg string) {
	m.Errors = append(m.Errors, msg)
}

// RecordBatch folds one batch outcome into the run counters.
func (m *RunMetrics) RecordBatch(res BatchResult) {
	m.BatchResults = append(m.BatchResults, res)
	if res.Success {
		m.BatchesSucceeded++
		m.Added += res.Added
		m.Updated += res.Updated
	} else {
		m.BatchesFailed++
		if res.Error != "" {
			m.AddError(res.Error)
		}
	}
}

// Record converts the metrics into a run-log row.
func (m *RunMetrics) Record() *store.RunRecord {
	return &store.RunRecord{
		ID:               m.RunID,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		DryRun:           m.DryRun,
		Checked:          m.Checked,
		Added:            m.Added,
		Updated:          m.Updated,
		BatchCount:       m.BatchCount,
		BatchesSucceeded: m.BatchesSucceeded,
		BatchesFailed:    m.BatchesFailed,
		ErrorCount:       len(m.Errors),
		ValidationPassed: m.ValidationPassed,
		VenueFillRate:    m.VenueFillRate,
		Errors:           m.Errors,
		Warnings:         m.Warnings,
		Issues:           m.Issues,
	}
}

package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/evertrack/eventsync/internal/store"
)

// Thresholds configures the post-run validator and anomaly detector.
type Thresholds struct {
	// MinEventFloor: the store must not shrink below this after a run.
	MinEventFloor int

	// MaxAdditionsPerRun is the absolute plausibility bound on additions.
	MaxAdditionsPerRun int

	// SpikeFactor is the K in "current > K x trailing average" for the
	// addition and error spike detectors.
	SpikeFactor float64

	// HistoryWindow is how many past runs feed the trailing averages.
	HistoryWindow int

	// EpochFloor: no event date may precede this.
	EpochFloor time.Time

	// MaxFutureYears: no event date may exceed now + this many years.
	MaxFutureYears int

	// MaxMissingChildrenRatio: warn when more than this fraction of
	// events have no categories.
	MaxMissingChildrenRatio float64

	// FillDropThreshold: warn when the venue fill rate drops more than
	// this below its trailing average.
	FillDropThreshold float64
}

// DefaultThresholds returns the tuned defaults.
//
// The spike factors are deliberately loose; false-positive behavior under
// seasonal variation in catalog activity is still being observed, and a
// blocking threshold that fires too often turns every busy week into a
// full-run rollback.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinEventFloor:           0,
		MaxAdditionsPerRun:      10000,
		SpikeFactor:             3.0,
		HistoryWindow:           10,
		EpochFloor:              time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxFutureYears:          2,
		MaxMissingChildrenRatio: 0.5,
		FillDropThreshold:       0.2,
	}
}

// Validator runs the post-run rule checks and statistical anomaly
// detection that decide accept versus full rollback.
type Validator struct {
	store      *store.Store
	thresholds Thresholds
	logger     *log.Logger
}

// NewValidator creates a Validator. If logger is nil, a default logger
// writing to stderr is used.
func NewValidator(st *store.Store, thresholds Thresholds, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.New(os.Stderr, "[validate] ", log.LstdFlags)
	}
	return &Validator{
		store:      st,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Validate checks the store and run metrics after all batches have been
// attempted. Each finding is classified as a warning (non-blocking) or an
// issue (blocking); any issue means overall failure and the orchestrator
// restores the whole run from backup.
func (v *Validator) Validate(ctx context.Context, m *RunMetrics, history []*store.RunRecord) (bool, []string, []string, error) {
	var warnings, issues []string

	// Counts non-negative and within plausible bounds
	if m.Checked < 0 || m.Added < 0 || m.Updated < 0 {
		issues = append(issues, "negative run counters")
	}
	if !m.DryRun && m.BatchesSucceeded+m.BatchesFailed != m.BatchCount {
		issues = append(issues, fmt.Sprintf("batch accounting mismatch: %d + %d != %d",
			m.BatchesSucceeded, m.BatchesFailed, m.BatchCount))
	}
	if m.Added > v.thresholds.MaxAdditionsPerRun {
		issues = append(issues, fmt.Sprintf("added %d events, above plausible bound %d",
			m.Added, v.thresholds.MaxAdditionsPerRun))
	}

	count, err := v.store.GetEventCount(ctx)
	if err != nil {
		return false, warnings, issues, err
	}
	if count < v.thresholds.MinEventFloor {
		issues = append(issues, fmt.Sprintf("event count %d below configured floor %d",
			count, v.thresholds.MinEventFloor))
	}

	// Date sanity window
	ceiling := time.Now().UTC().AddDate(v.thresholds.MaxFutureYears, 0, 0)
	badDates, err := v.store.DatesOutsideRange(ctx, v.thresholds.EpochFloor, ceiling)
	if err != nil {
		return false, warnings, issues, err
	}
	if badDates > 0 {
		issues = append(issues, fmt.Sprintf("%d events with dates outside [%s, %s]",
			badDates, v.thresholds.EpochFloor.Format("2006-01-02"), ceiling.Format("2006-01-02")))
	}

	// Referential integrity
	violations, err := v.store.ForeignKeyViolations(ctx)
	if err != nil {
		return false, warnings, issues, err
	}
	if violations > 0 {
		issues = append(issues, fmt.Sprintf("%d referential integrity violations", violations))
	}

	// Duplicate business keys
	dupes, err := v.store.DuplicateBusinessKeys(ctx)
	if err != nil {
		return false, warnings, issues, err
	}
	for _, d := range dupes {
		issues = append(issues, "duplicate business key: "+d)
	}

	// Parent records missing expected children
	orphanRatio, err := v.store.MissingChildrenRatio(ctx)
	if err != nil {
		return false, warnings, issues, err
	}
	if orphanRatio > v.thresholds.MaxMissingChildrenRatio {
		warnings = append(warnings, fmt.Sprintf("%.0f%% of events have no categories (threshold %.0f%%)",
			orphanRatio*100, v.thresholds.MaxMissingChildrenRatio*100))
	}

	// Current fill rate feeds both the drop detector and the run log
	fillRate, err := v.store.VenueFillRate(ctx)
	if err != nil {
		return false, warnings, issues, err
	}
	m.VenueFillRate = fillRate

	statWarnings, statIssues := v.checkTrends(m, history, fillRate)
	warnings = append(warnings, statWarnings...)
	issues = append(issues, statIssues...)

	passed := len(issues) == 0
	v.logger.Printf("Post-run validation: passed=%v warnings=%d issues=%d",
		passed, len(warnings), len(issues))
	return passed, warnings, issues, nil
}

// checkTrends runs the statistical checks against trailing run history.
func (v *Validator) checkTrends(m *RunMetrics, history []*store.RunRecord, fillRate float64) ([]string, []string) {
	var warnings, issues []string

	window := history
	if len(window) > v.thresholds.HistoryWindow {
		window = window[:v.thresholds.HistoryWindow]
	}
	if len(window) == 0 {
		return nil, nil
	}

	var addSum, errSum, fillSum float64
	for _, rec := range window {
		addSum += float64(rec.Added)
		errSum += float64(rec.ErrorCount)
		fillSum += rec.VenueFillRate
	}
	n := float64(len(window))
	addAvg := addSum / n
	errAvg := errSum / n
	fillAvg := fillSum / n

	// Addition spike: the silent-corruption detector. Blocking, because a
	// sudden flood of "new" events usually means the change detector or
	// the upstream feed broke, not that the catalog grew 10x overnight.
	if addAvg > 0 && float64(m.Added) > v.thresholds.SpikeFactor*addAvg {
		issues = append(issues, fmt.Sprintf(
			"addition spike: %d added vs trailing average %.1f (factor %.1f)",
			m.Added, addAvg, v.thresholds.SpikeFactor))
	}

	// Error-rate spike: non-blocking; the failing batches already
	// protected the store, this just surfaces the trend.
	if errAvg > 0 && float64(len(m.Errors)) > v.thresholds.SpikeFactor*errAvg {
		warnings = append(warnings, fmt.Sprintf(
			"error spike: %d errors vs trailing average %.1f",
			len(m.Errors), errAvg))
	}

	// Fill-rate drop in a normally-present field
	if fillAvg-fillRate > v.thresholds.FillDropThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"venue fill rate dropped to %.0f%% from trailing average %.0f%%",
			fillRate*100, fillAvg*100))
	}

	return warnings, issues
}

package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"llm_wallet/internal/metrics"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

// Backlog summarizes open anomalies
type Backlog interface {
	SummarizeUnresolved(ctx context.Context) (*storage.AnomalySummary, error)
}

// Reporter publishes the open anomaly backlog on a cron schedule
type Reporter struct {
	backlog  Backlog
	metrics  *metrics.Metrics
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
	logger   *utils.Logger
}

// NewReporter creates a reporter. An empty schedule disables it.
func NewReporter(backlog Backlog, m *metrics.Metrics, schedule string) *Reporter {
	return &Reporter{
		backlog:  backlog,
		metrics:  m,
		schedule: schedule,
		cron:     cron.New(),
		logger:   utils.NewLogger("anomaly-report"),
	}
}

// Start reports once and then on every tick of the schedule until ctx is
// cancelled or Stop is called.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" {
		r.logger.Info("Anomaly report schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", r.schedule, err)
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Anomaly report failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule anomaly report: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("Anomaly reporter started", "schedule", r.schedule)

	go func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Initial anomaly report failed", "error", err)
		}
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// RunOnce reads the backlog and updates the gauges
func (r *Reporter) RunOnce(ctx context.Context) error {
	summary, err := r.backlog.SummarizeUnresolved(ctx)
	if err != nil {
		return err
	}

	r.metrics.SetAnomalyBacklog(summary.Count, summary.CostCents)
	if summary.Count > 0 {
		r.logger.Warn("Unresolved settlement anomalies", "count", summary.Count, "cost_cents", summary.CostCents)
	}
	return nil
}

// Stop stops the schedule and waits for a running report
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("Anomaly reporter stopped")
	}
}

// IsRunning reports whether the schedule is active
func (r *Reporter) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NextRun returns the next scheduled report, or nil when not running
func (r *Reporter) NextRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	if !r.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

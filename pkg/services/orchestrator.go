package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/logging"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/repositories"
	"github.com/openmdm/mdm-engine/pkg/retry"
	"github.com/openmdm/mdm-engine/pkg/services/syncqueue"
)

// SyncOrchestrator owns the sync run lifecycle: it scans for due
// configurations, serializes runs per configuration through the queue,
// drives page fetching and classification, and finalizes run statistics.
type SyncOrchestrator struct {
	configs    repositories.ConfigRepository
	runs       repositories.SyncRunRepository
	detection  *ChangeDetectionService
	connectors *connector.Registry
	queue      *syncqueue.Queue
	cfg        config.SyncConfig
	logger     *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewSyncOrchestrator creates a new sync orchestrator.
func NewSyncOrchestrator(
	configs repositories.ConfigRepository,
	runs repositories.SyncRunRepository,
	detection *ChangeDetectionService,
	connectors *connector.Registry,
	queue *syncqueue.Queue,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *SyncOrchestrator {
	return &SyncOrchestrator{
		configs:    configs,
		runs:       runs,
		detection:  detection,
		connectors: connectors,
		queue:      queue,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
	}
}

// syncTask wraps one scheduled sync through the queue. Tasks are keyed by
// configuration ID, so the queue drops a tick that lands while the same
// configuration is still syncing (skip, not queue).
type syncTask struct {
	syncqueue.BaseTask
	orchestrator *SyncOrchestrator
	tableCfg     *models.SourceTableConfig

	// run is pre-created for manually triggered syncs so the caller gets the
	// run ID back immediately; nil for scheduled ticks.
	run *models.SyncRun
}

func (t *syncTask) Execute(ctx context.Context, _ syncqueue.TaskEnqueuer) error {
	run := t.run
	if run == nil {
		var err error
		run, err = t.orchestrator.startRun(ctx, t.tableCfg.ID)
		if errors.Is(err, apperrors.ErrAlreadyRunning) {
			// Another process beat us to it.
			return nil
		}
		if err != nil {
			return err
		}
	}

	// Run outcomes are recorded on the run row, never bubbled to the queue:
	// re-executing would create a second run for this tick.
	t.orchestrator.executeRun(ctx, t.tableCfg, run)
	return nil
}

// Tick scans all active configurations whose next_due_at has passed and
// starts a run for each one not currently running.
func (o *SyncOrchestrator) Tick(ctx context.Context, now time.Time) error {
	due, err := o.configs.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due configs: %w", err)
	}

	for _, tableCfg := range due {
		task := &syncTask{
			BaseTask:     syncqueue.NewBaseTask(fmt.Sprintf("sync %s", tableCfg.Name), tableCfg.ID.String()),
			orchestrator: o,
			tableCfg:     tableCfg,
		}
		o.queue.Enqueue(task)
	}

	return nil
}

// TriggerSync starts a run for a configuration immediately, outside its
// schedule. Returns the new run's ID, or ErrAlreadyRunning.
func (o *SyncOrchestrator) TriggerSync(ctx context.Context, configID uuid.UUID) (uuid.UUID, error) {
	tableCfg, err := o.configs.GetByID(ctx, configID)
	if err != nil {
		return uuid.Nil, err
	}

	run, err := o.startRun(ctx, configID)
	if err != nil {
		return uuid.Nil, err
	}

	task := &syncTask{
		BaseTask:     syncqueue.NewBaseTask(fmt.Sprintf("sync %s (manual)", tableCfg.Name), configID.String()),
		orchestrator: o,
		tableCfg:     tableCfg,
		run:          run,
	}
	if !o.queue.Enqueue(task) {
		// A scheduled task for this configuration slipped in between the run
		// insert and the enqueue. Give the slot back.
		o.finalizeRun(ctx, run, models.RunStatusCancelled, "superseded by a concurrent sync", time.Now())
		return uuid.Nil, apperrors.ErrAlreadyRunning
	}

	return run.ID, nil
}

// GetRunStatus returns a run by ID.
func (o *SyncOrchestrator) GetRunStatus(ctx context.Context, runID uuid.UUID) (*models.SyncRun, error) {
	return o.runs.GetByID(ctx, runID)
}

// ListRuns returns the most recent runs for a configuration.
func (o *SyncOrchestrator) ListRuns(ctx context.Context, configID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	if limit < 1 {
		limit = 20
	}
	return o.runs.ListByConfig(ctx, configID, limit)
}

// CancelRun requests cooperative cancellation of an in-flight run. The run
// stops at the next page boundary; pages already committed stay.
func (o *SyncOrchestrator) CancelRun(runID uuid.UUID) error {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()

	if !ok {
		return apperrors.ErrNotFound
	}
	cancel()
	return nil
}

// startRun inserts the run row. The partial unique index on running runs
// makes the existence check and insert atomic.
func (o *SyncOrchestrator) startRun(ctx context.Context, configID uuid.UUID) (*models.SyncRun, error) {
	run := &models.SyncRun{ConfigID: configID}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// executeRun drives one sync run to a terminal state. Never returns an
// error: every outcome is recorded on the run row.
func (o *SyncOrchestrator) executeRun(ctx context.Context, tableCfg *models.SourceTableConfig, run *models.SyncRun) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.cancels == nil {
		o.cancels = make(map[uuid.UUID]context.CancelFunc)
	}
	o.cancels[run.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
	}()

	start := time.Now()
	logger := o.logger.With(
		zap.String("config_id", tableCfg.ID.String()),
		zap.String("run_id", run.ID.String()),
	)
	logger.Info("sync run started", zap.String("source_table", tableCfg.SourceTable))

	conn, ok := o.connectors.Get(tableCfg.SourceType)
	if !ok {
		o.finalizeRun(ctx, run, models.RunStatusFailed,
			fmt.Sprintf("no connector registered for source type %q", tableCfg.SourceType), start)
		o.advanceSchedule(ctx, tableCfg)
		return
	}

	cursor := ""
	var failedKeys []string
	for {
		// Cancellation is cooperative between page boundaries.
		if runCtx.Err() != nil {
			logger.Info("sync run cancelled")
			o.finalizeRun(ctx, run, models.RunStatusCancelled, "", start)
			o.advanceSchedule(ctx, tableCfg)
			return
		}

		page, err := o.fetchPage(runCtx, conn, tableCfg, cursor)
		if err != nil {
			if runCtx.Err() != nil {
				o.finalizeRun(ctx, run, models.RunStatusCancelled, "", start)
			} else {
				logger.Error("page fetch failed", zap.String("error", logging.SanitizeError(err)))
				o.finalizeRun(ctx, run, models.RunStatusFailed, logging.SanitizeError(err), start)
			}
			o.advanceSchedule(ctx, tableCfg)
			return
		}

		stats, err := o.detection.ProcessPage(runCtx, tableCfg, run, page.Records)
		run.Processed += stats.Processed
		run.Created += stats.Created
		run.Updated += stats.Updated
		failedKeys = append(failedKeys, stats.FailedKeys...)
		if err != nil {
			// Only context cancellation escapes ProcessPage.
			o.finalizeRun(ctx, run, models.RunStatusCancelled, "", start)
			o.advanceSchedule(ctx, tableCfg)
			return
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	deleted, pending, err := o.detection.SweepDeletions(runCtx, tableCfg, run, failedKeys)
	run.Deleted = deleted
	if err != nil {
		if runCtx.Err() != nil {
			o.finalizeRun(ctx, run, models.RunStatusCancelled, "", start)
		} else {
			o.finalizeRun(ctx, run, models.RunStatusFailed, logging.SanitizeError(err), start)
		}
		o.advanceSchedule(ctx, tableCfg)
		return
	}

	o.finalizeRun(ctx, run, models.RunStatusCompleted, "", start)
	o.advanceSchedule(ctx, tableCfg)

	logger.Info("sync run completed",
		zap.Int("processed", run.Processed),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("deleted", run.Deleted),
		zap.Int("pending_deletion", pending),
		zap.Duration("elapsed", time.Since(start)))
}

// fetchPage fetches one page with a bounded timeout. Only transient failures
// are retried; a permanent one, like a cursor the connector rejects, fails
// the fetch on the first attempt.
func (o *SyncOrchestrator) fetchPage(ctx context.Context, conn connector.Connector, tableCfg *models.SourceTableConfig, cursor string) (*connector.Page, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectorTimeout)
	defer cancel()

	return retry.DoIfRetryable(fetchCtx, nil, func() (*connector.Page, error) {
		return conn.FetchPage(fetchCtx, tableCfg, cursor, o.cfg.PageSize)
	})
}

// finalizeRun writes the run's terminal state. Uses a context detached from
// the run's cancellation so a cancelled run can still be finalized.
func (o *SyncOrchestrator) finalizeRun(ctx context.Context, run *models.SyncRun, status, errorMessage string, start time.Time) {
	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.ExecutionTimeMs = time.Since(start).Milliseconds()
	run.ErrorMessage = errorMessage

	if err := o.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to finalize sync run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
}

// advanceSchedule moves next_due_at past now. Schedules advance only when a
// run reaches a terminal state.
func (o *SyncOrchestrator) advanceSchedule(ctx context.Context, tableCfg *models.SourceTableConfig) {
	now := time.Now()
	next, err := NextDue(tableCfg, now)
	if err != nil {
		o.logger.Error("failed to compute next due time",
			zap.String("config_id", tableCfg.ID.String()),
			zap.Error(err))
		return
	}

	if err := o.configs.AdvanceSchedule(context.WithoutCancel(ctx), tableCfg.ID, next, now); err != nil {
		o.logger.Error("failed to advance schedule",
			zap.String("config_id", tableCfg.ID.String()),
			zap.Error(err))
	}
}

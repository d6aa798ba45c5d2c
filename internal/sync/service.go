package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/exchange_sync/internal/bitrix"
	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/metrics"
	"github.com/cybertec-postgresql/exchange_sync/internal/retry"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

// Source pulls records of an entity type from the external system
type Source interface {
	ObjectType(entityType string) (string, bool)
	Identify(entityType string, obj mapping.WireObject) (id string, modifiedAt time.Time)
	Fetch(ctx context.Context, entityType string, since *time.Time, offset, limit int) ([]mapping.WireObject, error)
	Get(ctx context.Context, entityType, id string) (mapping.WireObject, error)
}

// Registry resolves object types to mappings
type Registry interface {
	Mapping(objectType string) (mapping.ObjectMapping, bool)
	IsPriority(objectType string) bool
}

// StateStore persists per-type progress
type StateStore interface {
	Get(ctx context.Context, entityType string) (*store.State, error)
	GetLastSync(ctx context.Context, entityType string) (*time.Time, error)
	UpdateLastSync(ctx context.Context, entityType string, u store.StateUpdate) (*store.State, error)
}

// ChangeLog is the retry ledger
type ChangeLog interface {
	Record(ctx context.Context, c store.Change) (*store.Change, error)
	Claim(ctx context.Context, now time.Time, staleTimeout time.Duration, limit int) ([]store.Change, error)
	Reschedule(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastErr string) error
	Complete(ctx context.Context, id int64, status store.ChangeStatus, lastErr string) error
}

// EntityStore persists mapped entities
type EntityStore interface {
	Upsert(ctx context.Context, e mapping.Entity) (store.UpsertResult, error)
}

// Metrics receives sync telemetry
type Metrics interface {
	Record(entity, outcome string)
	Cycle(entity, result string, d time.Duration)
	Watermark(entity string, t time.Time)
	Ledger(entity, status string)
	Alert(entity string)
}

// Deps are the collaborators of a Service. Locker, Metrics and Now are optional.
type Deps struct {
	Source   Source
	Registry Registry
	State    StateStore
	Ledger   ChangeLog
	Entities EntityStore
	Locker   Locker
	Metrics  Metrics
	Now      func() time.Time
}

// Service runs sync cycles
type Service struct {
	cfg      Config
	source   Source
	registry Registry
	state    StateStore
	ledger   ChangeLog
	entities EntityStore
	locker   Locker
	metrics  Metrics
	now      func() time.Time
	logger   *logrus.Entry

	mu         gosync.Mutex
	boundaries map[string]boundary
}

// boundary holds the ids of the records already processed at a stored watermark
type boundary struct {
	at  time.Time
	ids map[string]struct{}
}

// NewService creates a Service
func NewService(cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		source:   deps.Source,
		registry: deps.Registry,
		state:    deps.State,
		ledger:   deps.Ledger,
		entities: deps.Entities,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		now:        deps.Now,
		logger:     logrus.WithField("component", "sync"),
		boundaries: make(map[string]boundary),
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Counters tallies record outcomes
type Counters struct {
	Pulled    int64
	Created   int64
	Updated   int64
	Unchanged int64
	Invalid   int64
	Skipped   int64
	Retried   int64
	Failed    int64
}

// Errors counts records that ended in error
func (c Counters) Errors() int64 { return c.Invalid + c.Failed }

func (c *Counters) add(o Outcome) {
	switch o {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeUnchanged:
		c.Unchanged++
	case OutcomeInvalid:
		c.Invalid++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeRetry:
		c.Retried++
	case OutcomeFailed:
		c.Failed++
	}
}

func (c *Counters) merge(o Counters) {
	c.Pulled += o.Pulled
	c.Created += o.Created
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Invalid += o.Invalid
	c.Skipped += o.Skipped
	c.Retried += o.Retried
	c.Failed += o.Failed
}

func (c Counters) stateUpdate() store.StateUpdate {
	return store.StateUpdate{
		Pulled:  c.Pulled,
		Created: c.Created,
		Updated: c.Updated,
		Errors:  c.Errors(),
		Skipped: c.Skipped,
	}
}

// CycleReport describes one cycle of an entity type
type CycleReport struct {
	Counters
	CycleID    string
	EntityType string
	// Locked is set when another cycle of the same type was running
	Locked    bool
	Chunks    int
	Watermark *time.Time
	Duration  time.Duration
}

// RunCycle pulls every record of entityType modified since its watermark, chunk by chunk.
// The watermark only moves after a chunk has been fully processed.
func (s *Service) RunCycle(ctx context.Context, entityType string) (*CycleReport, error) {
	report := &CycleReport{CycleID: uuid.NewString(), EntityType: entityType}
	logger := s.logger.WithFields(logrus.Fields{"entity": entityType, "cycle_id": report.CycleID})

	if _, ok := s.source.ObjectType(entityType); !ok {
		return report, fmt.Errorf("unknown entity type %q", entityType)
	}
	release, acquired, err := s.locker.TryLock(ctx, entityType)
	if err != nil {
		return report, fmt.Errorf("failed to acquire cycle lock of %s: %w", entityType, err)
	}
	if !acquired {
		report.Locked = true
		logger.Info("Previous cycle still running, skipping")
		s.metrics.Cycle(entityType, "locked", 0)
		return report, nil
	}
	defer release()

	start := s.now()
	logger.Debug("Cycle started")
	err = s.runChunks(ctx, logger, report)
	report.Duration = s.now().Sub(start)

	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = "cancelled"
	case syncerr.KindOf(err) == syncerr.KindMappingNotFound:
		result = "fatal"
	default:
		result = "failed"
	}
	s.metrics.Cycle(entityType, result, report.Duration)

	fields := logrus.Fields{
		"chunks":    report.Chunks,
		"pulled":    report.Pulled,
		"created":   report.Created,
		"updated":   report.Updated,
		"unchanged": report.Unchanged,
		"errors":    report.Errors(),
		"skipped":   report.Skipped,
		"retried":   report.Retried,
		"duration":  report.Duration,
	}
	if report.Watermark != nil {
		fields["watermark"] = report.Watermark.Format(time.RFC3339)
	}
	if threshold := s.cfg.AlertThresholds[entityType]; threshold > 0 && report.Errors() >= int64(threshold) {
		s.metrics.Alert(entityType)
		logger.WithFields(fields).WithField("alert", true).WithField("threshold", threshold).
			Error("Error threshold reached")
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("Cycle aborted, watermark kept")
		return report, err
	}
	logger.WithFields(fields).Info("Cycle finished")
	return report, nil
}

// runChunks walks the records after the watermark. The cursor is the watermark plus the
// number of records already read at that timestamp, so groups sharing one modification
// time are read through even when they exceed a chunk or a cycle.
func (s *Service) runChunks(ctx context.Context, logger *logrus.Entry, report *CycleReport) error {
	entityType := report.EntityType
	watermark, err := s.state.GetLastSync(ctx, entityType)
	if err != nil {
		return err
	}
	if watermark == nil {
		if minDate, ok := s.cfg.MinDates[entityType]; ok {
			watermark = &minDate
		}
	}
	seen := s.boundaryAt(entityType, watermark)

	offset := len(seen)
	for report.Chunks < s.cfg.MaxChunksPerCycle {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := s.fetch(ctx, entityType, watermark, offset)
		if err != nil {
			return err
		}
		report.Chunks++

		latest, tail := s.chunkBoundary(entityType, records)
		counters, err := s.processChunk(ctx, logger, entityType, s.unseen(entityType, records, watermark, seen))
		if err != nil {
			report.merge(counters)
			return err
		}

		now := s.now()
		update := counters.stateUpdate()
		update.SyncedAt = &now
		update.Watermark = latest
		st, err := s.state.UpdateLastSync(ctx, entityType, update)
		if err != nil {
			return err
		}
		report.merge(counters)
		report.Watermark = st.LastExternalUpdatedAt
		if st.LastExternalUpdatedAt != nil {
			s.metrics.Watermark(entityType, *st.LastExternalUpdatedAt)
		}

		if latest != nil && (watermark == nil || latest.After(*watermark)) {
			watermark, offset = latest, len(tail)
			seen = make(map[string]struct{}, len(tail))
		} else {
			// every record of the chunk carries the watermark timestamp
			offset += len(records)
		}
		for _, id := range tail {
			seen[id] = struct{}{}
		}
		if watermark != nil {
			s.setBoundary(entityType, boundary{at: *watermark, ids: seen})
		}

		if len(records) < s.cfg.ChunkSize {
			return nil
		}
	}
	logger.WithField("max_chunks", s.cfg.MaxChunksPerCycle).Info("Chunk limit reached, continuing next cycle")
	return nil
}

// chunkBoundary returns the latest modification time in records and the ids carrying it
func (s *Service) chunkBoundary(entityType string, records []mapping.WireObject) (*time.Time, []string) {
	var (
		latest *time.Time
		ids    []string
	)
	for _, obj := range records {
		id, modified := s.source.Identify(entityType, obj)
		if modified.IsZero() {
			continue
		}
		switch {
		case latest == nil || modified.After(*latest):
			latest, ids = &modified, []string{id}
		case modified.Equal(*latest):
			ids = append(ids, id)
		}
	}
	return latest, ids
}

// unseen drops records at the watermark that an earlier chunk or cycle already processed
func (s *Service) unseen(entityType string, records []mapping.WireObject, watermark *time.Time, seen map[string]struct{}) []mapping.WireObject {
	if watermark == nil || len(seen) == 0 {
		return records
	}
	out := records[:0:0]
	for _, obj := range records {
		id, modified := s.source.Identify(entityType, obj)
		if _, ok := seen[id]; ok && modified.Equal(*watermark) {
			continue
		}
		out = append(out, obj)
	}
	return out
}

func (s *Service) boundaryAt(entityType string, watermark *time.Time) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boundaries[entityType]
	if !ok || watermark == nil || !b.at.Equal(*watermark) {
		return make(map[string]struct{})
	}
	ids := make(map[string]struct{}, len(b.ids))
	for id := range b.ids {
		ids[id] = struct{}{}
	}
	return ids
}

func (s *Service) setBoundary(entityType string, b boundary) {
	ids := make(map[string]struct{}, len(b.ids))
	for id := range b.ids {
		ids[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundaries[entityType] = boundary{at: b.at, ids: ids}
}

func (s *Service) fetch(ctx context.Context, entityType string, since *time.Time, offset int) ([]mapping.WireObject, error) {
	var records []mapping.WireObject
	err := retry.WithClassifier(ctx, s.cfg.FetchRetry, func() error {
		var fetchErr error
		records, fetchErr = s.source.Fetch(ctx, entityType, since, offset, s.cfg.ChunkSize)
		return fetchErr
	}, "fetch "+entityType, func(err error) bool {
		return syncerr.Classify(err).Retryable()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", entityType, err)
	}
	return records, nil
}

// processChunk processes records concurrently and returns the chunk counters. Every record
// ends stored, rejected, skipped or parked in the change log unless an error is returned,
// in which case the chunk must not advance the watermark.
func (s *Service) processChunk(ctx context.Context, logger *logrus.Entry, entityType string, records []mapping.WireObject) (Counters, error) {
	results := make([]recordResult, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, obj := range records {
		g.Go(func() error {
			r := s.processRecord(gctx, entityType, obj)
			if r.outcome == OutcomeRetry || r.outcome == OutcomeFailed {
				r = s.park(gctx, entityType, obj, r)
			}
			results[i] = r
			switch r.outcome {
			case OutcomeFatal, OutcomeCancelled:
				return r.err
			}
			return nil
		})
	}
	groupErr := g.Wait()

	counters := Counters{Pulled: int64(len(records))}
	for _, r := range results {
		counters.add(r.outcome)
		s.metrics.Record(entityType, string(r.outcome))
		entry := logger.WithFields(logrus.Fields{"external_id": r.externalID, "outcome": r.outcome})
		switch r.outcome {
		case OutcomeInvalid:
			entry.WithError(r.err).Warn("Record rejected")
		case OutcomeSkipped:
			entry.WithError(r.err).Info("Record skipped")
		case OutcomeRetry:
			entry.WithError(r.err).Info("Record parked for retry")
		case OutcomeFailed, OutcomeFatal:
			entry.WithError(r.err).Error("Record failed")
		}
	}

	if err := ctx.Err(); err != nil {
		return counters, err
	}
	if groupErr != nil {
		return counters, fmt.Errorf("cycle of %s aborted: %w", entityType, groupErr)
	}
	return counters, nil
}

// park writes a failed record to the change log so that the retry pass picks it up
func (s *Service) park(ctx context.Context, entityType string, obj mapping.WireObject, r recordResult) recordResult {
	if r.externalID == "" {
		r.outcome = OutcomeFailed
		return r
	}
	change := store.Change{
		EntityType: entityType,
		ExternalID: r.externalID,
		ObjectType: r.objectType,
		Payload:    obj,
		LastError:  r.err.Error(),
	}
	if !r.modifiedAt.IsZero() {
		modified := r.modifiedAt
		change.ModifiedAt = &modified
	}
	if r.outcome == OutcomeRetry && s.cfg.MaxRetries >= 1 {
		next := s.now().Add(max(s.cfg.retryDelay(1), syncerr.RetryAfter(r.err)))
		change.Status = store.StatusRetry
		change.RetryCount = 1
		change.NextRetryAt = &next
	} else {
		change.Status = store.StatusError
		r.outcome = OutcomeFailed
	}

	stored, err := s.ledger.Record(ctx, change)
	if err != nil {
		if ctx.Err() != nil {
			return recordResult{outcome: OutcomeCancelled, externalID: r.externalID, err: ctx.Err()}
		}
		return recordResult{
			outcome:    OutcomeFatal,
			externalID: r.externalID,
			err:        fmt.Errorf("failed to record change of %s %s: %w", entityType, r.externalID, err),
		}
	}
	s.metrics.Ledger(entityType, string(stored.Status))
	return r
}

// RetryReport describes one retry pass
type RetryReport struct {
	Claimed     int
	Processed   int
	Rescheduled int
	Failed      int
	Skipped     int
	PerType     map[string]Counters
}

// ProcessRetries claims due changes from the change log and processes them again.
// Counters are added to the sync state without touching the watermark.
func (s *Service) ProcessRetries(ctx context.Context) (*RetryReport, error) {
	report := &RetryReport{PerType: make(map[string]Counters)}
	changes, err := s.ledger.Claim(ctx, s.now(), s.cfg.StaleLockTimeout, s.cfg.RetryBatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(changes)
	if len(changes) == 0 {
		return report, nil
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, change := range changes {
		g.Go(func() error {
			outcome, status, err := s.retryChange(gctx, change)
			if err != nil {
				return err
			}
			s.metrics.Record(change.EntityType, string(outcome))
			s.metrics.Ledger(change.EntityType, string(status))

			mu.Lock()
			defer mu.Unlock()
			c := report.PerType[change.EntityType]
			c.add(outcome)
			report.PerType[change.EntityType] = c
			switch status {
			case store.StatusProcessed:
				report.Processed++
			case store.StatusRetry:
				report.Rescheduled++
			case store.StatusSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			return nil
		})
	}
	groupErr := g.Wait()

	for entityType, c := range report.PerType {
		if _, err := s.state.UpdateLastSync(ctx, entityType, c.stateUpdate()); err != nil {
			return report, err
		}
	}
	if groupErr != nil {
		return report, fmt.Errorf("retry pass aborted: %w", groupErr)
	}
	s.logger.WithFields(logrus.Fields{
		"claimed":     report.Claimed,
		"processed":   report.Processed,
		"rescheduled": report.Rescheduled,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
	}).Info("Retry pass finished")
	return report, nil
}

func (s *Service) retryChange(ctx context.Context, c store.Change) (Outcome, store.ChangeStatus, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"entity":      c.EntityType,
		"external_id": c.ExternalID,
		"change_id":   c.ID,
		"retry_count": c.RetryCount,
	})

	var r recordResult
	obj := c.Payload
	if obj == nil {
		fetched, err := s.source.Get(ctx, c.EntityType, c.ExternalID)
		switch {
		case bitrix.IsNotFound(err):
			r = recordResult{outcome: OutcomeSkipped, err: err}
		case err != nil:
			r = recordResult{outcome: classifyFailure(err), err: err}
		default:
			obj = fetched
		}
	}
	if obj != nil {
		r = s.processRecord(ctx, c.EntityType, obj)
	}

	var (
		status  store.ChangeStatus
		lastErr string
	)
	if r.err != nil {
		lastErr = r.err.Error()
	}
	switch {
	case r.outcome == OutcomeCancelled:
		return r.outcome, store.StatusProcessing, ctx.Err()
	case r.outcome.Succeeded():
		status = store.StatusProcessed
	case r.outcome == OutcomeSkipped:
		status = store.StatusSkipped
	case r.outcome == OutcomeRetry:
		failures := c.RetryCount + 1
		if failures > s.cfg.MaxRetries {
			logger.WithError(r.err).Error("Retries exhausted")
			r.outcome = OutcomeFailed
			status = store.StatusError
			break
		}
		next := s.now().Add(max(s.cfg.retryDelay(failures), syncerr.RetryAfter(r.err)))
		if err := s.ledger.Reschedule(ctx, c.ID, failures, next, lastErr); err != nil {
			return r.outcome, "", err
		}
		logger.WithField("next_retry_at", next).WithError(r.err).Info("Change rescheduled")
		return r.outcome, store.StatusRetry, nil
	default:
		if r.outcome == OutcomeFatal {
			r.outcome = OutcomeFailed
		}
		status = store.StatusError
	}

	if err := s.ledger.Complete(ctx, c.ID, status, lastErr); err != nil {
		return r.outcome, "", err
	}
	logger.WithField("status", status).Debug("Change completed")
	return r.outcome, status, nil
}

// PassReport describes a full pass over all entity types
type PassReport struct {
	Cycles  []*CycleReport
	Blocked []string
	Failed  map[string]error
}

// RunPass runs one cycle per entity type in dependency order. A type whose mandatory
// dependency never completed a cycle is left out.
func (s *Service) RunPass(ctx context.Context) (*PassReport, error) {
	report := &PassReport{Failed: make(map[string]error)}
	for _, entityType := range Order {
		if _, ok := s.source.ObjectType(entityType); !ok {
			continue
		}
		dep, ready, err := s.dependenciesReady(ctx, entityType)
		if err != nil {
			return report, err
		}
		if !ready {
			s.logger.WithFields(logrus.Fields{"entity": entityType, "dependency": dep}).
				Warn("Dependency never completed a cycle, skipping")
			report.Blocked = append(report.Blocked, entityType)
			continue
		}
		cycle, err := s.RunCycle(ctx, entityType)
		report.Cycles = append(report.Cycles, cycle)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed[entityType] = err
		}
	}
	return report, nil
}

func (s *Service) dependenciesReady(ctx context.Context, entityType string) (string, bool, error) {
	for _, dep := range Dependencies[entityType] {
		st, err := s.state.Get(ctx, dep)
		if err != nil {
			return dep, false, err
		}
		if st == nil || st.LastSyncAt == nil {
			return dep, false, nil
		}
	}
	return "", true, nil
}

// Start runs a pass followed by a retry pass on the configured schedule until ctx is done.
// A tick is skipped while the previous run is still going.
func (s *Service) Start(ctx context.Context) error {
	schedule, err := cron.ParseStandard(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))).
		Then(cron.FuncJob(func() { s.runScheduled(ctx) }))

	c := cron.New()
	c.Schedule(schedule, job)
	c.Start()
	s.logger.WithField("schedule", s.cfg.Schedule).Info("Sync scheduler started")
	if s.cfg.RunOnStart {
		go job.Run()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
	return ctx.Err()
}

func (s *Service) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pass, err := s.RunPass(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Sync pass failed")
		return
	}
	for entityType, cycleErr := range pass.Failed {
		s.logger.WithField("entity", entityType).WithError(cycleErr).Warn("Cycle failed during pass")
	}
	if _, err := s.ProcessRetries(ctx); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("Retry pass failed")
	}
}

package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/snapshot"
)

var (
	ErrReplayNotFound = errors.New("replay not found")
	ErrReplayFinished = errors.New("replay already finished")
)

type Config struct {
	Log      *slog.Logger
	Store    es.EventStore
	Notifier es.Notifier
	Metrics  es.CoreMetrics

	// Snapshots, when set, enables the snapshot optimization.
	Snapshots *snapshot.Manager

	// Enabled gates the whole component.
	Enabled bool

	// SnapshotThreshold is the minimum number of events in range before
	// a replay is seeded from a snapshot (default: 100).
	SnapshotThreshold int

	// RetryCount bounds re-applications under StrategyRetry (default: 3).
	RetryCount int
	// RetryDelay is the base delay between retries; attempt N waits
	// N*RetryDelay (default: 50ms).
	RetryDelay time.Duration

	// ProgressInterval is the progress callback cadence in events
	// (default: 100).
	ProgressInterval int

	// DefaultTimeout caps a replay when the request sets none
	// (default: 5m).
	DefaultTimeout time.Duration

	// RetainFinished bounds how many finished replays stay queryable
	// through Status; the oldest are evicted first (default: 128).
	RetainFinished int
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = es.NopNotifier{}
	}
	if c.Metrics == nil {
		c.Metrics = es.NopCoreMetrics()
	}
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 100
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 128
	}
}

// Engine replays aggregate event streams through registered state
// builders.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	store    es.EventStore
	registry *builderRegistry

	mu       sync.Mutex
	runs     map[string]*run
	finished []string

	statsMu sync.Mutex
	stats   Stats
}

// run is the shared record of one replay. Both the replaying goroutine
// and Status/Cancel callers touch it, so all access goes through mu.
type run struct {
	mu     sync.Mutex
	result Result
	cancel context.CancelFunc
}

func (r *run) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.result
	cp.Errors = append([]EventError(nil), r.result.Errors...)
	return cp
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil && cfg.Enabled {
		return nil, errors.New("store is required")
	}
	cfg.setDefaults()

	return &Engine{
		cfg:      cfg,
		log:      cfg.Log.With(slog.String("component", "eventreplay")),
		store:    cfg.Store,
		registry: newBuilderRegistry(),
		runs:     map[string]*run{},
	}, nil
}

// RegisterBuilder registers (or replaces) the state builder for its
// aggregate type.
func (e *Engine) RegisterBuilder(b StateBuilder) error {
	return e.registry.register(b)
}

// UnregisterBuilder removes the builder for the aggregate type.
func (e *Engine) UnregisterBuilder(aggType string) {
	e.registry.unregister(aggType)
}

// ReplayAggregate reconstructs the aggregate state described by req.
// The returned result carries the serialized final state, the range
// actually covered, and full per-event error details.
func (e *Engine) ReplayAggregate(ctx context.Context, req Request) (*Result, error) {
	if !e.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	builder, err := e.registry.resolve(req.AggregateType)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &run{
		cancel: cancel,
		result: Result{
			ReplayID:      gonanoid.Must(8),
			AggregateID:   req.AggregateID,
			AggregateType: req.AggregateType,
			Status:        StatusRunning,
			StartedAt:     time.Now(),
		},
	}
	e.mu.Lock()
	e.runs[r.result.ReplayID] = r
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.Replays++
	e.statsMu.Unlock()

	e.notify(ctx, "started", r.snapshot())
	result := e.execute(runCtx, r, req, builder)
	e.notify(ctx, string(result.Status), *result)

	e.statsMu.Lock()
	switch result.Status {
	case StatusCompleted:
		e.stats.Completed++
	case StatusFailed:
		e.stats.Failed++
	case StatusCancelled:
		e.stats.Cancelled++
	}
	e.stats.EventsProcessed += int64(result.EventsProcessed)
	e.stats.EventsFailed += int64(result.EventsFailed)
	if result.SnapshotUsed {
		e.stats.SnapshotsUsed++
	}
	e.statsMu.Unlock()

	e.retire(result.ReplayID)
	return result, nil
}

// retire moves a finished replay into the bounded retention window so
// the run registry cannot grow without bound.
func (e *Engine) retire(replayID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, replayID)
	for len(e.finished) > e.cfg.RetainFinished {
		delete(e.runs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// ReplayToVersion replays the aggregate from scratch up to and
// including toVersion.
func (e *Engine) ReplayToVersion(ctx context.Context, aggID, aggType string, toVersion es.Version) (*Result, error) {
	return e.ReplayAggregate(ctx, Request{
		AggregateID:   aggID,
		AggregateType: aggType,
		ToVersion:     toVersion,
	})
}

// ReplayToTime replays the aggregate from scratch up to and including
// toTime.
func (e *Engine) ReplayToTime(ctx context.Context, aggID, aggType string, toTime time.Time) (*Result, error) {
	return e.ReplayAggregate(ctx, Request{
		AggregateID:   aggID,
		AggregateType: aggType,
		ToTime:        toTime,
	})
}

// Status returns a copy of the replay's current result.
func (e *Engine) Status(replayID string) (Result, error) {
	e.mu.Lock()
	r, ok := e.runs[replayID]
	e.mu.Unlock()
	if !ok {
		return Result{}, ErrReplayNotFound
	}
	return r.snapshot(), nil
}

// Cancel requests cooperative cancellation of a running replay. The
// fold stops before the next event application.
func (e *Engine) Cancel(replayID string) error {
	e.mu.Lock()
	r, ok := e.runs[replayID]
	e.mu.Unlock()
	if !ok {
		return ErrReplayNotFound
	}

	r.mu.Lock()
	running := r.result.Status == StatusRunning
	r.mu.Unlock()
	if !running {
		return ErrReplayFinished
	}
	r.cancel()
	return nil
}

// Active returns the currently running replays.
func (e *Engine) Active() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Result, 0)
	for _, r := range e.runs {
		cp := r.snapshot()
		if cp.Status == StatusRunning {
			out = append(out, cp)
		}
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) ResetStats() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Stats{}
}

func (e *Engine) Health(context.Context) es.Health {
	if !e.cfg.Enabled {
		return es.Disabled()
	}
	return es.Healthy().
		WithDetail("builders", e.registry.len()).
		WithDetail("active", len(e.Active()))
}

// === fold ===

func (e *Engine) execute(ctx context.Context, r *run, req Request, builder StateBuilder) *Result {
	defer e.cfg.Metrics.ReplayDuration(req.AggregateType).ObserveDuration()

	fail := func(err error) *Result {
		r.mu.Lock()
		r.result.Status = StatusFailed
		r.result.CompletedAt = time.Now()
		r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
		cp := r.snapshotLocked()
		r.mu.Unlock()
		e.log.Error("replay failed", slog.String("replay_id", cp.ReplayID), slog.Any("error", err))
		return &cp
	}

	events, err := e.store.Query(ctx, es.EventQuery{
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		FromVersion:   req.FromVersion,
		ToVersion:     req.ToVersion,
		FromTime:      req.FromTime,
		ToTime:        req.ToTime,
		OrderBy:       es.OrderByVersion,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: query events: %w", es.ErrStorageFailure, err))
	}

	state := builder.BuildInitialState()

	// snapshot optimization: seed from the newest eligible snapshot
	// when the range is large enough. Only full-from-start replays
	// qualify; a lower bound means the caller wants the raw fold.
	if e.cfg.Snapshots != nil && !req.DisableSnapshot &&
		req.FromVersion <= 1 && req.FromTime.IsZero() &&
		len(events) > e.cfg.SnapshotThreshold {
		if snap, err := e.cfg.Snapshots.LatestAtOrBelow(ctx, req.AggregateID, req.AggregateType, req.ToVersion); err == nil {
			if seeded, err := builder.DeserializeState(snap.State); err == nil {
				state = seeded
				events = eventsAfter(events, snap.AggregateVersion)
				r.mu.Lock()
				r.result.SnapshotUsed = true
				r.result.SnapshotVersion = snap.AggregateVersion
				r.result.FromVersion = snap.AggregateVersion + 1
				r.mu.Unlock()
				e.cfg.Metrics.ReplaySnapshotUsed(req.AggregateType)
				e.log.Debug(
					"replay seeded from snapshot",
					slog.String("replay_id", r.result.ReplayID),
					snap.AggregateVersion.SlogAttrWithKey("snapshot_version"),
				)
			}
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategySkip
	}

	total := len(events)
	progressAt := time.Now()

	for i, ev := range events {
		// cooperative cancellation, checked between applications
		select {
		case <-ctx.Done():
			return e.finishCancelled(r)
		default:
		}

		next, evErr := e.applyOne(ctx, builder, state, ev, strategy, req.ValidateEachStep)
		if evErr == nil {
			state = next
			r.mu.Lock()
			r.result.EventsProcessed++
			r.result.ToVersion = ev.Version
			if r.result.FromVersion == 0 {
				r.result.FromVersion = ev.Version
			}
			r.mu.Unlock()
		} else {
			if ctx.Err() != nil {
				return e.finishCancelled(r)
			}
			e.cfg.Metrics.ReplayEventsFailed(req.AggregateType, 1)
			r.mu.Lock()
			r.result.Errors = append(r.result.Errors, *evErr)
			switch strategy {
			case StrategyStop:
				r.result.EventsFailed++
				r.mu.Unlock()
				return fail(fmt.Errorf("event %s (version %d): %s", evErr.EventID, evErr.Version, evErr.Error))
			case StrategyRetry:
				r.result.EventsFailed++
			default: // skip
				r.result.EventsSkipped++
			}
			r.mu.Unlock()
		}

		if req.OnProgress != nil && ((i+1)%e.cfg.ProgressInterval == 0 || i+1 == total) {
			req.OnProgress(e.progress(r, i+1, total, progressAt))
		}
	}

	serialized, err := builder.SerializeState(state)
	if err != nil {
		return fail(fmt.Errorf("serialize final state: %w", err))
	}

	r.mu.Lock()
	r.result.State = serialized
	r.result.Status = StatusCompleted
	r.result.CompletedAt = time.Now()
	r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	cp := r.snapshotLocked()
	r.mu.Unlock()

	e.cfg.Metrics.ReplayEventsProcessed(req.AggregateType, cp.EventsProcessed)
	e.log.Debug(
		"replay completed",
		slog.String("replay_id", cp.ReplayID),
		slog.Int("events_processed", cp.EventsProcessed),
		slog.Int("events_failed", cp.EventsFailed),
		slog.Int("events_skipped", cp.EventsSkipped),
		slog.Bool("snapshot_used", cp.SnapshotUsed),
	)
	return &cp
}

// applyOne folds a single event, honoring the retry strategy. A nil
// EventError means success and next carries the new state.
func (e *Engine) applyOne(
	ctx context.Context,
	builder StateBuilder,
	state any,
	ev es.Event,
	strategy ErrorStrategy,
	validate bool,
) (next any, evErr *EventError) {
	attempts := 1
	if strategy == StrategyRetry {
		attempts += e.cfg.RetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, &EventError{
					EventID:  ev.EventID,
					Version:  ev.Version,
					Attempts: attempt - 1,
					Error:    ctx.Err().Error(),
				}
			case <-time.After(time.Duration(attempt-1) * e.cfg.RetryDelay):
			}
		}

		out, err := builder.ApplyEvent(state, ev)
		if err == nil && validate && !builder.ValidateState(out) {
			err = errors.New("state validation failed after apply")
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	return nil, &EventError{
		EventID:  ev.EventID,
		Version:  ev.Version,
		Attempts: attempts,
		Error:    lastErr.Error(),
	}
}

func (e *Engine) finishCancelled(r *run) *Result {
	r.mu.Lock()
	r.result.Status = StatusCancelled
	r.result.CompletedAt = time.Now()
	r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	cp := r.snapshotLocked()
	r.mu.Unlock()
	e.log.Info("replay cancelled", slog.String("replay_id", cp.ReplayID))
	return &cp
}

func (e *Engine) progress(r *run, done, total int, startedAt time.Time) Progress {
	r.mu.Lock()
	id := r.result.ReplayID
	r.mu.Unlock()

	p := Progress{
		ReplayID:    id,
		EventsTotal: total,
		EventsDone:  done,
	}
	if total > 0 {
		p.Percent = float64(done) / float64(total) * 100
	}
	elapsed := time.Since(startedAt).Seconds()
	if elapsed > 0 {
		p.EventsPerSecond = float64(done) / elapsed
	}
	if p.EventsPerSecond > 0 && done < total {
		eta := time.Now().Add(time.Duration(float64(total-done)/p.EventsPerSecond) * time.Second)
		p.EstimatedEnd = &eta
	}
	return p
}

func (e *Engine) notify(ctx context.Context, action string, result Result) {
	e.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventReplay, action, map[string]any{
		"replay_id":        result.ReplayID,
		"aggregate_id":     result.AggregateID,
		"aggregate_type":   result.AggregateType,
		"events_processed": result.EventsProcessed,
		"status":           string(result.Status),
	}))
}

// eventsAfter drops the version-ascending prefix covered by the
// snapshot.
func eventsAfter(events []es.Event, version es.Version) []es.Event {
	for i, ev := range events {
		if ev.Version > version {
			return events[i:]
		}
	}
	return nil
}

// snapshotLocked copies the result; callers hold r.mu.
func (r *run) snapshotLocked() Result {
	cp := r.result
	cp.Errors = append([]EventError(nil), r.result.Errors...)
	return cp
}

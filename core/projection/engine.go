package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/evohq/sourcing-go/core/cache"
	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/replay"
)

var (
	ErrProjectionNotFound = errors.New("projection not found")
	ErrProjectionFinished = errors.New("projection already finished")
)

type Config struct {
	Log      *slog.Logger
	Store    es.EventStore
	Notifier es.Notifier
	Metrics  es.CoreMetrics

	// Enabled gates the whole component.
	Enabled bool

	// CacheSize bounds the projection-state cache (default: 64).
	CacheSize int
	// CacheTTL expires cached projection states (default: 10m).
	CacheTTL time.Duration

	// RetryCount bounds re-applications under StrategyRetry (default: 3).
	RetryCount int
	// RetryDelay is the base delay between retries; attempt N waits
	// N*RetryDelay (default: 50ms).
	RetryDelay time.Duration

	// ProgressInterval is the progress callback cadence in events
	// (default: 100).
	ProgressInterval int

	// DefaultTimeout caps a build when the request sets none
	// (default: 5m).
	DefaultTimeout time.Duration

	// RetainFinished bounds how many finished builds stay queryable
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
	if c.CacheSize <= 0 {
		c.CacheSize = 64
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
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

// Engine folds stored events into read models through registered
// projection handlers and serves queries against the cached results.
// cachedState is one cached projection state, stamped with its build
// time so hit age shows up in logs.
type cachedState struct {
	State   any
	BuiltAt time.Time
}

type Engine struct {
	cfg      Config
	log      *slog.Logger
	store    es.EventStore
	registry *handlerRegistry
	lru      *cache.LRU
	states   cache.TypedCache[cachedState]

	mu       sync.Mutex
	runs     map[string]*run
	finished []string

	// cachedKeys tracks which projection keys currently sit in the
	// state cache so ClearCache can match by type only.
	keysMu     sync.Mutex
	cachedKeys map[string]struct{}

	statsMu sync.Mutex
	stats   Stats
}

type run struct {
	mu     sync.Mutex
	result Result
	cancel context.CancelFunc
}

func (r *run) copyResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyResultLocked()
}

func (r *run) copyResultLocked() Result {
	cp := r.result
	cp.Errors = append([]replay.EventError(nil), r.result.Errors...)
	return cp
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil && cfg.Enabled {
		return nil, errors.New("store is required")
	}
	cfg.setDefaults()

	lru := cache.NewLRU(cache.LRUOpts{Size: cfg.CacheSize})
	return &Engine{
		cfg:        cfg,
		log:        cfg.Log.With(slog.String("component", "eventprojection")),
		store:      cfg.Store,
		registry:   newHandlerRegistry(),
		lru:        lru,
		states:     cache.NewTyped[cachedState](lru),
		runs:       map[string]*run{},
		cachedKeys: map[string]struct{}{},
	}, nil
}

// Close releases the projection-state cache.
func (e *Engine) Close() {
	e.lru.Close()
}

// RegisterHandler registers (or replaces) a projection handler under
// its type:name key.
func (e *Engine) RegisterHandler(h Handler) error {
	return e.registry.register(h)
}

// UnregisterHandler removes the handler and drops its cached state.
func (e *Engine) UnregisterHandler(projType, projName string) {
	e.registry.unregister(projType, projName)
	e.dropCached(HandlerKey(projType, projName))
}

// ProjectEvents builds (or rebuilds) the read model described by req
// and caches the final state for queries.
func (e *Engine) ProjectEvents(ctx context.Context, req Request) (*Result, error) {
	if !e.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	handler, err := e.registry.resolve(req.ProjectionType, req.ProjectionName)
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
			ProjectionID:   gonanoid.Must(8),
			ProjectionType: req.ProjectionType,
			ProjectionName: req.ProjectionName,
			Status:         replay.StatusRunning,
			StartedAt:      time.Now(),
		},
	}
	e.mu.Lock()
	e.runs[r.result.ProjectionID] = r
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.Projections++
	e.statsMu.Unlock()

	e.notify(ctx, "started", r.copyResult())
	result := e.execute(runCtx, r, req, handler)
	e.notify(ctx, string(result.Status), *result)

	e.statsMu.Lock()
	switch result.Status {
	case replay.StatusCompleted:
		e.stats.Completed++
	case replay.StatusFailed:
		e.stats.Failed++
	case replay.StatusCancelled:
		e.stats.Cancelled++
	}
	e.stats.EventsProcessed += int64(result.EventsProcessed)
	e.stats.EventsFailed += int64(result.EventsFailed)
	e.statsMu.Unlock()

	e.retire(result.ProjectionID)
	return result, nil
}

// retire moves a finished build into the bounded retention window so
// the run registry cannot grow without bound.
func (e *Engine) retire(projectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, projectionID)
	for len(e.finished) > e.cfg.RetainFinished {
		delete(e.runs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// QueryProjection answers a read query against the projection's current
// state. A cache miss triggers a full rebuild from the store before
// the query is served.
func (e *Engine) QueryProjection(ctx context.Context, projType, projName string, query map[string]any) (any, error) {
	if !e.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	handler, err := e.registry.resolve(projType, projName)
	if err != nil {
		return nil, err
	}

	key := HandlerKey(projType, projName)
	if cs, ok := e.states.Get(key); ok {
		e.statsMu.Lock()
		e.stats.CacheHits++
		e.statsMu.Unlock()
		e.log.Debug(
			"projection cache hit",
			slog.String("projection", key),
			slog.Duration("age", time.Since(cs.BuiltAt)),
		)
		return handler.HandleQuery(cs.State, query)
	}

	e.statsMu.Lock()
	e.stats.CacheMisses++
	e.statsMu.Unlock()

	result, err := e.ProjectEvents(ctx, Request{
		ProjectionType: projType,
		ProjectionName: projName,
	})
	if err != nil {
		return nil, err
	}
	if result.Status != replay.StatusCompleted {
		return nil, fmt.Errorf("projection rebuild for %s %s", key, result.Status)
	}
	state, err := handler.DeserializeProjection(result.State)
	if err != nil {
		return nil, fmt.Errorf("deserialize projection %s: %w", key, err)
	}
	return handler.HandleQuery(state, query)
}

// Status returns a copy of the build's current result.
func (e *Engine) Status(projectionID string) (Result, error) {
	e.mu.Lock()
	r, ok := e.runs[projectionID]
	e.mu.Unlock()
	if !ok {
		return Result{}, ErrProjectionNotFound
	}
	return r.copyResult(), nil
}

// Cancel requests cooperative cancellation of a running build.
func (e *Engine) Cancel(projectionID string) error {
	e.mu.Lock()
	r, ok := e.runs[projectionID]
	e.mu.Unlock()
	if !ok {
		return ErrProjectionNotFound
	}

	r.mu.Lock()
	running := r.result.Status == replay.StatusRunning
	r.mu.Unlock()
	if !running {
		return ErrProjectionFinished
	}
	r.cancel()
	return nil
}

// Active returns the currently running builds.
func (e *Engine) Active() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Result, 0)
	for _, r := range e.runs {
		cp := r.copyResult()
		if cp.Status == replay.StatusRunning {
			out = append(out, cp)
		}
	}
	return out
}

// ClearCache drops cached projection states. Empty projType clears
// everything; empty projName clears every projection of the type.
func (e *Engine) ClearCache(projType, projName string) {
	e.keysMu.Lock()
	victims := make([]string, 0)
	for key := range e.cachedKeys {
		switch {
		case projType == "":
			victims = append(victims, key)
		case projName == "":
			if strings.HasPrefix(key, projType+":") {
				victims = append(victims, key)
			}
		default:
			if key == HandlerKey(projType, projName) {
				victims = append(victims, key)
			}
		}
	}
	for _, key := range victims {
		delete(e.cachedKeys, key)
	}
	e.keysMu.Unlock()

	for _, key := range victims {
		e.states.Delete(key)
	}
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
		WithDetail("handlers", e.registry.len()).
		WithDetail("active", len(e.Active()))
}

// === fold ===

func (e *Engine) execute(ctx context.Context, r *run, req Request, handler Handler) *Result {
	defer e.cfg.Metrics.ProjectionDuration(req.ProjectionType).ObserveDuration()

	fail := func(err error) *Result {
		r.mu.Lock()
		r.result.Status = replay.StatusFailed
		r.result.CompletedAt = time.Now()
		r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
		cp := r.copyResultLocked()
		r.mu.Unlock()
		e.log.Error("projection failed", slog.String("projection_id", cp.ProjectionID), slog.Any("error", err))
		return &cp
	}

	query := es.EventQuery{
		AggregateID: req.AggregateID,
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
		FromTime:    req.FromTime,
		ToTime:      req.ToTime,
		OrderBy:     es.OrderByTimestamp,
	}
	// a single declared aggregate type can be pushed down to the store
	if types := handler.AggregateTypes(); len(types) == 1 {
		query.AggregateType = types[0]
	}
	events, err := e.store.Query(ctx, query)
	if err != nil {
		return fail(fmt.Errorf("%w: query events: %w", es.ErrStorageFailure, err))
	}

	filtered := events[:0:0]
	for _, ev := range events {
		if matches(handler, ev) {
			filtered = append(filtered, ev)
		}
	}
	events = filtered

	strategy := req.Strategy
	if strategy == "" {
		strategy = replay.StrategySkip
	}

	state := handler.InitializeProjection()
	total := len(events)
	progressAt := time.Now()

	for i, ev := range events {
		select {
		case <-ctx.Done():
			return e.finishCancelled(r)
		default:
		}

		next, evErr := e.applyOne(ctx, handler, state, ev, strategy, req.ValidateEachStep)
		if evErr == nil {
			state = next
			r.mu.Lock()
			r.result.EventsProcessed++
			r.mu.Unlock()
		} else {
			if ctx.Err() != nil {
				return e.finishCancelled(r)
			}
			e.cfg.Metrics.ProjectionEventsFailed(req.ProjectionType, 1)
			r.mu.Lock()
			r.result.Errors = append(r.result.Errors, *evErr)
			switch strategy {
			case replay.StrategyStop:
				r.result.EventsFailed++
				r.mu.Unlock()
				return fail(fmt.Errorf("event %s (version %d): %s", evErr.EventID, evErr.Version, evErr.Error))
			case replay.StrategyRetry:
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

	serialized, err := handler.SerializeProjection(state)
	if err != nil {
		return fail(fmt.Errorf("serialize projection: %w", err))
	}

	key := HandlerKey(req.ProjectionType, req.ProjectionName)
	e.states.Put(key, cachedState{State: state, BuiltAt: time.Now()}, cache.WithTTL(e.cfg.CacheTTL))
	e.keysMu.Lock()
	e.cachedKeys[key] = struct{}{}
	e.keysMu.Unlock()

	r.mu.Lock()
	r.result.State = serialized
	r.result.Status = replay.StatusCompleted
	r.result.CompletedAt = time.Now()
	r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	cp := r.copyResultLocked()
	r.mu.Unlock()

	e.cfg.Metrics.ProjectionEventsProcessed(req.ProjectionType, cp.EventsProcessed)
	e.log.Debug(
		"projection completed",
		slog.String("projection_id", cp.ProjectionID),
		slog.String("projection", key),
		slog.Int("events_processed", cp.EventsProcessed),
		slog.Int("events_failed", cp.EventsFailed),
		slog.Int("events_skipped", cp.EventsSkipped),
	)
	return &cp
}

func (e *Engine) applyOne(
	ctx context.Context,
	handler Handler,
	state any,
	ev es.Event,
	strategy replay.ErrorStrategy,
	validate bool,
) (next any, evErr *replay.EventError) {
	attempts := 1
	if strategy == replay.StrategyRetry {
		attempts += e.cfg.RetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, &replay.EventError{
					EventID:  ev.EventID,
					Version:  ev.Version,
					Attempts: attempt - 1,
					Error:    ctx.Err().Error(),
				}
			case <-time.After(time.Duration(attempt-1) * e.cfg.RetryDelay):
			}
		}

		out, err := handler.HandleEvent(state, ev)
		if err == nil && validate && !handler.ValidateProjection(out) {
			err = errors.New("projection validation failed after apply")
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	return nil, &replay.EventError{
		EventID:  ev.EventID,
		Version:  ev.Version,
		Attempts: attempts,
		Error:    lastErr.Error(),
	}
}

func (e *Engine) finishCancelled(r *run) *Result {
	r.mu.Lock()
	r.result.Status = replay.StatusCancelled
	r.result.CompletedAt = time.Now()
	r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	cp := r.copyResultLocked()
	r.mu.Unlock()
	e.log.Info("projection cancelled", slog.String("projection_id", cp.ProjectionID))
	return &cp
}

func (e *Engine) progress(r *run, done, total int, startedAt time.Time) replay.Progress {
	r.mu.Lock()
	id := r.result.ProjectionID
	r.mu.Unlock()

	p := replay.Progress{
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

func (e *Engine) dropCached(key string) {
	e.keysMu.Lock()
	delete(e.cachedKeys, key)
	e.keysMu.Unlock()
	e.states.Delete(key)
}

func (e *Engine) notify(ctx context.Context, action string, result Result) {
	e.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventProjection, action, map[string]any{
		"projection_id":    result.ProjectionID,
		"projection_type":  result.ProjectionType,
		"projection_name":  result.ProjectionName,
		"events_processed": result.EventsProcessed,
		"status":           string(result.Status),
	}))
}

package sourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/eventcache"
	"github.com/evohq/sourcing-go/core/sf"
)

type Config struct {
	Log      *slog.Logger
	Store    es.EventStore
	Notifier es.Notifier
	Metrics  es.CoreMetrics

	// Cache, when set, is kept warm on writes and consulted first on
	// reads. The service works without one.
	Cache *eventcache.Cache

	// Enabled gates the whole component.
	Enabled bool

	// BatchSize chunks StoreEvents calls (default: 100).
	BatchSize int

	// MaxRetries bounds persistence attempts beyond the first
	// (default: 3).
	MaxRetries int
	// RetryBackoff is the initial backoff; it doubles per attempt
	// (default: 25ms).
	RetryBackoff time.Duration

	// MaxEventBytes rejects serialized events over this ceiling
	// (default: 1MiB).
	MaxEventBytes int

	// EventTTL and StreamTTL control cache retention for single events
	// and whole streams (defaults: 1h, 30m).
	EventTTL  time.Duration
	StreamTTL time.Duration
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
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = 1 << 20
	}
	if c.EventTTL <= 0 {
		c.EventTTL = time.Hour
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = 30 * time.Minute
	}
}

// StoreResult reports the outcome of one event in a store call.
type StoreResult struct {
	Event    es.Event      `json:"event"`
	Stored   bool          `json:"stored"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Service orchestrates the event store, the event cache and the
// notifier behind one write/read API.
type Service struct {
	cfg   Config
	log   *slog.Logger
	store es.EventStore

	// flights collapses concurrent identical store reads.
	flights sf.Group[[]es.Event]

	stats *serviceStats
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil && cfg.Enabled {
		return nil, errors.New("store is required")
	}
	cfg.setDefaults()

	return &Service{
		cfg:   cfg,
		log:   cfg.Log.With(slog.String("component", "eventsourcing")),
		store: cfg.Store,
		stats: newServiceStats(),
	}, nil
}

// StoreEvent validates, persists, caches and announces one event. The
// returned event carries the assigned id and timestamps.
func (s *Service) StoreEvent(ctx context.Context, event es.Event) (*StoreResult, error) {
	if !s.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}

	start := time.Now()
	stored, err := s.storeOne(ctx, event)
	elapsed := time.Since(start)

	if err != nil {
		s.stats.recordFailure(event.EventType)
		s.notifyError(ctx, event, err)
		return nil, err
	}
	s.stats.recordStore(stored.EventType, elapsed)

	return &StoreResult{Event: stored, Stored: true, Duration: elapsed}, nil
}

// StoreEvents persists a batch in configured chunks. Failures are
// per-event; the batch keeps going.
func (s *Service) StoreEvents(ctx context.Context, events []es.Event) ([]StoreResult, error) {
	if !s.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}

	results := make([]StoreResult, 0, len(events))
	for chunkStart := 0; chunkStart < len(events); chunkStart += s.cfg.BatchSize {
		chunkEnd := min(chunkStart+s.cfg.BatchSize, len(events))
		for _, event := range events[chunkStart:chunkEnd] {
			start := time.Now()
			stored, err := s.storeOne(ctx, event)
			elapsed := time.Since(start)

			if err != nil {
				s.stats.recordFailure(event.EventType)
				s.notifyError(ctx, event, err)
				results = append(results, StoreResult{Event: event, Error: err.Error(), Duration: elapsed})
				continue
			}
			s.stats.recordStore(stored.EventType, elapsed)
			results = append(results, StoreResult{Event: stored, Stored: true, Duration: elapsed})
		}
	}
	return results, nil
}

func (s *Service) storeOne(ctx context.Context, event es.Event) (es.Event, error) {
	if err := event.Validate(); err != nil {
		return es.Event{}, err
	}

	now := time.Now()
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = es.StatusCompleted
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.CreatedAt = now
	event.UpdatedAt = now

	serialized, err := json.Marshal(event)
	if err != nil {
		return es.Event{}, fmt.Errorf("%w: marshal event: %w", es.ErrValidation, err)
	}
	if len(serialized) > s.cfg.MaxEventBytes {
		return es.Event{}, fmt.Errorf(
			"%w: event is %d bytes, limit is %d",
			es.ErrSizeLimitExceeded, len(serialized), s.cfg.MaxEventBytes,
		)
	}

	if err := s.appendWithRetry(ctx, event); err != nil {
		return es.Event{}, err
	}
	s.cfg.Metrics.EventsStored(event.AggregateType, 1)

	// cache failure is logged, never fatal
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheEvent(ctx, event, s.cfg.EventTTL); err != nil {
			s.log.Warn("cache event after store", event.LogAttrs(), slog.Any("error", err))
		}
	}

	s.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventSourcing, event.EventType, map[string]any{
		"event": event,
	}))

	s.log.Debug("event stored", event.LogAttrs())
	return event, nil
}

// notifyError announces a failed store so subscribers see failures,
// not just successes.
func (s *Service) notifyError(ctx context.Context, event es.Event, err error) {
	s.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventSourcing, "error", map[string]any{
		"event_type":     event.EventType,
		"aggregate_id":   event.AggregateID,
		"aggregate_type": event.AggregateType,
		"error":          err.Error(),
	}))
}

// appendWithRetry persists with exponential backoff. Validation and
// version-conflict errors are permanent and fail immediately.
func (s *Service) appendWithRetry(ctx context.Context, event es.Event) error {
	defer s.cfg.Metrics.StoreAppendDuration(event.AggregateType).ObserveDuration()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.cfg.Metrics.StoreRetry(event.AggregateType)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", es.ErrStorageFailure, ctx.Err())
			case <-time.After(s.cfg.RetryBackoff << (attempt - 1)):
			}
		}

		err := s.store.Append(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, es.ErrValidation) || errors.Is(err, es.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
		s.log.Warn(
			"store append failed",
			event.LogAttrs(),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}

	return fmt.Errorf("%w: append after %d attempts: %w", es.ErrStorageFailure, s.cfg.MaxRetries+1, lastErr)
}

// GetEvent returns one event by id, cache-first.
func (s *Service) GetEvent(ctx context.Context, eventID string) (es.Event, error) {
	if !s.cfg.Enabled {
		return es.Event{}, es.ErrFeatureDisabled
	}
	if eventID == "" {
		return es.Event{}, fmt.Errorf("%w: event id is required", es.ErrValidation)
	}

	if s.cfg.Cache != nil {
		if event, ok := s.cfg.Cache.GetEvent(ctx, eventID); ok {
			s.stats.recordRead(true)
			return event, nil
		}
	}
	s.stats.recordRead(false)

	events, _, err := s.flights.Do("event:"+eventID, func() ([]es.Event, error) {
		return s.store.Query(ctx, es.EventQuery{EventID: eventID, Limit: 1})
	})
	if err != nil {
		return es.Event{}, fmt.Errorf("%w: %w", es.ErrStorageFailure, err)
	}
	if len(events) == 0 {
		return es.Event{}, fmt.Errorf("%w: %s", es.ErrEventNotFound, eventID)
	}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheEvent(ctx, events[0], s.cfg.EventTTL); err != nil {
			s.log.Warn("backfill event cache", slog.String("event_id", eventID), slog.Any("error", err))
		}
	}
	return events[0], nil
}

// GetAggregateEvents returns the full ordered stream of one aggregate,
// cache-first. The stream is cached as a unit.
func (s *Service) GetAggregateEvents(ctx context.Context, aggID, aggType string) ([]es.Event, error) {
	if !s.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	if aggID == "" || aggType == "" {
		return nil, fmt.Errorf("%w: aggregate id and type are required", es.ErrValidation)
	}

	if s.cfg.Cache != nil {
		if events, ok := s.cfg.Cache.GetAggregateEvents(ctx, aggID, aggType); ok {
			s.stats.recordRead(true)
			return events, nil
		}
	}
	s.stats.recordRead(false)

	events, _, err := s.flights.Do("stream:"+es.StreamKey(aggType, aggID), func() ([]es.Event, error) {
		defer s.cfg.Metrics.StoreQueryDuration(aggType).ObserveDuration()
		return s.store.Query(ctx, es.EventQuery{
			AggregateID:   aggID,
			AggregateType: aggType,
			OrderBy:       es.OrderByVersion,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStorageFailure, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", es.ErrAggregateNotFound, es.StreamKey(aggType, aggID))
	}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheEvents(ctx, events, s.cfg.StreamTTL); err != nil {
			s.log.Warn(
				"backfill stream cache",
				slog.String("aggregate_id", aggID),
				slog.String("aggregate_type", aggType),
				slog.Any("error", err),
			)
		}
	}
	return events, nil
}

// QueryEvents filters the event log directly against the store. Filter
// results are never cached.
func (s *Service) QueryEvents(ctx context.Context, query es.EventQuery) ([]es.Event, error) {
	if !s.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	defer s.cfg.Metrics.StoreQueryDuration(query.AggregateType).ObserveDuration()
	events, err := s.store.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStorageFailure, err)
	}
	return events, nil
}

// InvalidateEvent drops one event from the cache.
func (s *Service) InvalidateEvent(ctx context.Context, eventID string) error {
	if !s.cfg.Enabled {
		return es.ErrFeatureDisabled
	}
	if s.cfg.Cache == nil {
		return nil
	}
	return s.cfg.Cache.InvalidateEvent(ctx, eventID)
}

// InvalidateAggregateEvents drops an aggregate's cached stream and its
// member events.
func (s *Service) InvalidateAggregateEvents(ctx context.Context, aggID, aggType string) error {
	if !s.cfg.Enabled {
		return es.ErrFeatureDisabled
	}
	if s.cfg.Cache == nil {
		return nil
	}
	return s.cfg.Cache.InvalidateAggregateEvents(ctx, aggID, aggType)
}

func (s *Service) Stats() Stats { return s.stats.snapshot() }
func (s *Service) ResetStats()  { s.stats.reset() }

// Health aggregates the store's and cache's health. The cache being
// degraded degrades the service; the store being down makes it
// unhealthy.
func (s *Service) Health(ctx context.Context) es.Health {
	if !s.cfg.Enabled {
		return es.Disabled()
	}

	storeHealth := s.store.Health(ctx)
	health := es.Healthy().WithDetail("store", storeHealth.Status)
	if storeHealth.Status == es.StatusUnhealthy {
		health.Status = es.StatusUnhealthy
	}

	if s.cfg.Cache != nil {
		cacheHealth := s.cfg.Cache.Health(ctx)
		health = health.WithDetail("cache", cacheHealth.Status)
		if health.Status == es.StatusHealthy && cacheHealth.Status != es.StatusHealthy && cacheHealth.Status != es.StatusDisabled {
			health.Status = es.StatusDegraded
		}
	}
	return health
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/evohq/sourcing-go/core/es"
)

const defaultSubjectPrefix = "evo.es"

type EventStoreConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix namespaces event subjects (default: "evo.es")
	StreamName    string

	// At least one of MaxAge, MaxBytes, or MaxMsgs must be set to
	// prevent unbounded growth.

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of messages in the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64
}

// EventStore persists events in one JetStream stream, one subject per
// aggregate. The gap-free version invariant is enforced with an
// optimistic check against the last message of the aggregate's subject.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	if cfg.MaxAge == 0 && cfg.MaxBytes == 0 && cfg.MaxMsgs == 0 {
		return nil, errors.New("at least one retention limit must be set (MaxAge, MaxBytes, or MaxMsgs)")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "EVO_ES"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	// 0 means unlimited in NATS for these fields
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	maxMsgs := cfg.MaxMsgs
	if maxMsgs == 0 {
		maxMsgs = -1
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   cfg.MaxAge,
		MaxBytes: maxBytes,
		MaxMsgs:  maxMsgs,
		FirstSeq: 1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	log.Debug("stream ensured")

	return &EventStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	if err := e.nc.Drain(); err != nil {
		e.closeNc()
		e.log.Debug("closed event store (drain failed)", slog.Any("error", err))
		return nil
	}
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) Append(ctx context.Context, event es.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	// Optimistic check (best-effort): read the current last version.
	lastVersion, err := e.lastVersion(ctx, event.AggregateType, event.AggregateID)
	if err != nil {
		return fmt.Errorf("get last version: %w", err)
	}
	if event.Version != lastVersion+1 {
		return fmt.Errorf(
			"%w: expected version %d, got %d (agg_type=%s agg_id=%s)",
			es.ErrConcurrencyConflict,
			lastVersion+1,
			event.Version,
			event.AggregateType,
			event.AggregateID,
		)
	}

	subject := e.subjectForAggregate(event.AggregateType, event.AggregateID)
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", event.EventType)
	msg.Header.Set("x-aggregate-type", event.AggregateType)
	msg.Header.Set("x-aggregate-id", event.AggregateID)
	msg.Data, err = json.Marshal(event)
	if err != nil {
		return err
	}

	ackF, err := e.js.PublishMsgAsync(msg, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ackF.Err():
		return fmt.Errorf("publish to %s: %w", subject, err)
	case <-ackF.Ok():
		e.log.Debug("append", event.LogAttrs())
		return nil
	}
}

func (e *EventStore) Query(ctx context.Context, q es.EventQuery) ([]es.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	subject := e.subjectForQuery(q)
	events, err := e.consumeAll(ctx, subject)
	if err != nil {
		return nil, err
	}

	out := events[:0:0]
	for _, ev := range events {
		if q.Matches(ev) {
			out = append(out, ev)
		}
	}

	es.SortEvents(out, q.OrderBy, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (e *EventStore) Health(ctx context.Context) es.Health {
	info, err := e.stream.Info(ctx)
	if err != nil {
		return es.Unhealthy().WithDetail("error", err.Error())
	}
	return es.Healthy().
		WithDetail("stream", e.streamName).
		WithDetail("messages", info.State.Msgs).
		WithDetail("bytes", info.State.Bytes)
}

// consumeAll reads every message of one filter subject through an
// ordered consumer, bounded by the subject's current last sequence.
func (e *EventStore) consumeAll(ctx context.Context, subject string) ([]es.Event, error) {
	endSeq, found, err := e.lastSeqForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, err
	}

	var out []es.Event

outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			ev, seq, err := decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			if seq >= endSeq {
				break outer
			}
		}
		if empty {
			break
		}
	}

	return out, nil
}

func (e *EventStore) lastVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	subject := e.subjectForAggregate(aggType, aggID)
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var last es.Event
	if err := json.Unmarshal(lm.Data, &last); err != nil {
		return 0, fmt.Errorf("unmarshal last message for subject %q: %w", subject, err)
	}
	return last.Version, nil
}

func (e *EventStore) lastSeqForSubject(ctx context.Context, subject string) (uint64, bool, error) {
	// wildcard subjects fall back to the stream's last sequence
	if strings.ContainsAny(subject, "*>") {
		info, err := e.stream.Info(ctx)
		if err != nil {
			return 0, false, err
		}
		return info.State.LastSeq, info.State.Msgs > 0, nil
	}

	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return lm.Sequence, true, nil
}

func decodeMsg(msg jetstream.Msg) (es.Event, uint64, error) {
	md, err := msg.Metadata()
	if err != nil {
		return es.Event{}, 0, err
	}

	var ev es.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return es.Event{}, 0, err
	}
	return ev, md.Sequence.Stream, nil
}

func (e *EventStore) subjectForAggregate(aggType, aggID string) string {
	return e.subjectPrefix + "." + aggType + "." + aggID
}

func (e *EventStore) subjectForQuery(q es.EventQuery) string {
	switch {
	case q.AggregateType != "" && q.AggregateID != "":
		return e.subjectForAggregate(q.AggregateType, q.AggregateID)
	case q.AggregateType != "":
		return e.subjectPrefix + "." + q.AggregateType + ".*"
	default:
		return e.subjectPrefix + ".>"
	}
}

var _ es.EventStore = (*EventStore)(nil)

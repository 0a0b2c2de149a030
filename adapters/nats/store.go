package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evsrc/core/es"
)

const (
	defaultSubjectPrefix = "evsrc.es"
	defaultStreamName    = "EVSRC_ES"

	fetchBatch      = 256
	anyVersionTries = 5
	maxEmptyFetches = 3

	// batchBits is the share of an event position taken by its index in the
	// append it was written with.
	batchBits = 16
	maxBatch  = 1 << batchBits
)

// position is the global position of the idx-th event of the message at msgSeq.
func position(msgSeq uint64, idx int) uint64 { return msgSeq<<batchBits | uint64(idx) }

// msgSeqOf returns the stream sequence of the message holding the event at pos.
func msgSeqOf(pos uint64) uint64 { return pos >> batchBits }

type EventStoreConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of the subject of every stream
	StreamName    string
	RenameType    func(string) string
	// Replicas of the JetStream stream (default 1).
	Replicas int
	// Storage defaults to file storage.
	Storage jetstream.StorageType
}

// EventStore keeps every aggregate stream on its own subject of one JetStream
// stream: <prefix>.<aggregate type>.<aggregate id>. Each append is a single
// message holding the whole batch, guarded by the per-subject last sequence,
// so concurrent writers conflict on the server and a batch lands completely
// or not at all.
//
// Event positions (Envelope.Seq) are the message sequence shifted left by 16
// bits plus the index of the event in its batch. They grow in log order but
// are not dense.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
	renameType    func(string) string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    cfg.Storage,
		Replicas:   max(cfg.Replicas, 1),
		FirstSeq:   1,
		Duplicates: 2 * time.Minute,
		DenyDelete: true,
	})
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log.Debug("ensured", slog.Any("stream", streamInfo.Config.Name), slog.Uint64("last_seq", streamInfo.State.LastSeq))

	return &EventStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		log:           log,
		stream:        stream,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
		renameType:    cfg.RenameType,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) ReadStream(
	ctx context.Context,
	aggType, aggID string,
	from es.Version,
	opts ...es.ReadOption,
) (slice *es.StreamSlice, err error) {
	subject, err := e.subjectForAggregate(aggType, aggID)
	if err != nil {
		return nil, err
	}
	readOpts := es.NewReadOptions(opts...)

	startAt := time.Now()
	defer func() {
		if err == nil {
			e.log.Debug(
				"read stream",
				slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
				from.SlogAttrWithKey("from"),
				slog.Uint64("start_seq", readOpts.StartSeq),
				slog.Int("count", len(slice.Events)),
				slog.Duration("duration", time.Since(startAt)),
			)
		}
	}()

	last, err := e.lastEvent(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s/%s", es.ErrNotFound, aggType, aggID)
	}

	slice = &es.StreamSlice{Head: last.Version}
	startSeq, endSeq := msgSeqOf(readOpts.StartSeq), msgSeqOf(last.Seq)
	if from > last.Version || startSeq > endSeq {
		return slice, nil
	}

	events, err := e.readRange(ctx, []string{subject}, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Version >= from {
			slice.Events = append(slice.Events, ev)
		}
	}
	return slice, nil
}

// readRange reads the events of the messages on subjects from stream sequence
// startSeq up to and including endSeq with a short lived ordered consumer.
func (e *EventStore) readRange(ctx context.Context, subjects []string, startSeq, endSeq uint64) ([]es.Envelope, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}
	cc, err := e.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}

	var out []es.Envelope
	for empty := 0; empty < maxEmptyFetches; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mb, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, err
		}
		empty++
		for msg := range mb.Messages() {
			empty = 0
			seq, events, err := e.decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
			if seq >= endSeq {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return nil, err
		}
	}
	// the tail was purged while reading
	return out, nil
}

func (e *EventStore) AppendToStream(
	ctx context.Context,
	aggType, aggID string,
	expected es.ExpectedVersion,
	events []es.Envelope,
) (*es.AppendResult, error) {
	subject, err := e.subjectForAggregate(aggType, aggID)
	if err != nil {
		return nil, err
	}

	tries := 1
	if expected.IsAny() {
		tries = anyVersionTries
	}
	for i := 0; ; i++ {
		res, err := e.tryAppend(ctx, subject, aggType, aggID, expected, events)
		if err == nil || i+1 >= tries || !errors.Is(err, es.ErrVersionConflict) {
			return res, err
		}
	}
}

func (e *EventStore) tryAppend(
	ctx context.Context,
	subject, aggType, aggID string,
	expected es.ExpectedVersion,
	events []es.Envelope,
) (*es.AppendResult, error) {
	var (
		curVersion es.Version
		lastSeq    uint64
	)
	last, err := e.lastEvent(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last != nil {
		curVersion, lastSeq = last.Version, msgSeqOf(last.Seq)
	}

	prepared, err := es.PrepareAppend(aggType, aggID, expected, curVersion, events)
	if err != nil {
		return nil, err
	}
	if len(prepared) > maxBatch {
		return nil, fmt.Errorf("batch of %d events exceeds %d", len(prepared), maxBatch)
	}

	msg, err := e.encodeMsg(subject, prepared)
	if err != nil {
		return nil, err
	}
	ack, err := e.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(prepared[0].ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		if isWrongLastSequence(err) {
			actual, _ := e.lastEvent(ctx, subject)
			var actualVersion es.Version
			if actual != nil {
				actualVersion = actual.Version
			}
			return nil, es.NewVersionConflict(aggType, aggID, expected, actualVersion)
		}
		return nil, fmt.Errorf("failed to append %d events to %s: %w", len(prepared), subject, err)
	}
	if ack.Duplicate {
		return nil, fmt.Errorf("event %s was appended before", prepared[0].ID)
	}

	res := &es.AppendResult{
		FirstSeq: position(ack.Sequence, 0),
		LastSeq:  position(ack.Sequence, len(prepared)-1),
		Version:  prepared[len(prepared)-1].Version,
	}
	e.log.Debug(
		"append",
		slog.String("subject", subject),
		slog.Uint64("msg_seq", ack.Sequence),
		slog.Int("num_events", len(prepared)),
	)
	return res, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// DeleteStream purges the subject of the stream.
func (e *EventStore) DeleteStream(ctx context.Context, aggType, aggID string) error {
	subject, err := e.subjectForAggregate(aggType, aggID)
	if err != nil {
		return err
	}
	last, err := e.lastEvent(ctx, subject)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("%w: %s/%s", es.ErrNotFound, aggType, aggID)
	}
	if err := e.stream.Purge(ctx, jetstream.WithPurgeSubject(subject)); err != nil {
		return fmt.Errorf("failed to purge %s: %w", subject, err)
	}
	e.log.Debug("stream deleted", slog.String("subject", subject))
	return nil
}

func (e *EventStore) SubscribeToAll(ctx context.Context, fromSeq uint64) (es.Subscription, error) {
	all := e.subjectPrefix + ".>"
	var head uint64
	last, err := e.lastEvent(ctx, all)
	if err != nil {
		return nil, err
	}
	if last != nil {
		head = last.Seq
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{all},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq := msgSeqOf(fromSeq); startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}
	return e.subscribe(ctx, cfg, head, func(ev es.Envelope) bool { return ev.Seq >= fromSeq })
}

func (e *EventStore) SubscribeToStream(
	ctx context.Context,
	aggType, aggID string,
	from es.Version,
) (es.Subscription, error) {
	subject, err := e.subjectForAggregate(aggType, aggID)
	if err != nil {
		return nil, err
	}
	var head uint64
	last, err := e.lastEvent(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last != nil {
		head = last.Version.Uint64()
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	return e.subscribe(ctx, cfg, head, func(ev es.Envelope) bool { return ev.Version >= from })
}

func (e *EventStore) subscribe(
	ctx context.Context,
	cfg jetstream.OrderedConsumerConfig,
	head uint64,
	match func(es.Envelope) bool,
) (es.Subscription, error) {
	consumer, err := e.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer filter_subjects=%+v: %w", cfg.FilterSubjects, err)
	}
	msgs, err := consumer.Messages()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &jsSubscription{
		ch:     make(chan es.Envelope, 64),
		head:   head,
		cancel: cancel,
	}
	context.AfterFunc(ctx, msgs.Stop)

	e.log.Debug("subscribe", slog.Any("filter_subjects", cfg.FilterSubjects), slog.Uint64("head", head))

	go func() {
		defer func() {
			msgs.Stop()
			close(sub.ch)
			e.log.Debug("unsubscribed", slog.Any("filter_subjects", cfg.FilterSubjects))
		}()

		for {
			msg, err := msgs.Next()
			if err != nil {
				if ctx.Err() == nil {
					sub.setErr(fmt.Errorf("%w: %w", es.ErrSubscriptionDropped, err))
				}
				return
			}
			_, events, err := e.decodeMsg(msg)
			if err != nil {
				sub.setErr(err)
				return
			}
			for _, ev := range events {
				if match != nil && !match(ev) {
					continue
				}
				select {
				case sub.ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (e *EventStore) encodeMsg(subject string, events []es.Envelope) (*natsgo.Msg, error) {
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelopes: %w", es.ErrSerialization, err)
	}
	first := events[0]
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", first.Type)
	msg.Header.Set("x-event-count", strconv.Itoa(len(events)))
	msg.Header.Set("x-aggregate-type", first.AggregateType)
	msg.Header.Set("x-aggregate-id", first.AggregateID)
	msg.Header.Set("x-correlation-id", first.CorrelationID)
	msg.Data = data
	return msg, nil
}

// decodeBatch decodes the envelopes of the message at msgSeq and assigns
// their positions.
func decodeBatch(subject string, msgSeq uint64, data []byte) ([]es.Envelope, error) {
	var events []es.Envelope
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", es.ErrSerialization, subject, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty batch on %s at %d", es.ErrSerialization, subject, msgSeq)
	}
	for i := range events {
		events[i].Seq = position(msgSeq, i)
	}
	return events, nil
}

func (e *EventStore) decodeMsg(msg jetstream.Msg) (uint64, []es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return 0, nil, err
	}
	events, err := decodeBatch(msg.Subject(), md.Sequence.Stream, msg.Data())
	if err != nil {
		return 0, nil, err
	}
	return md.Sequence.Stream, events, nil
}

// lastEvent returns the newest event on subject, nil if there is none.
func (e *EventStore) lastEvent(ctx context.Context, subject string) (*es.Envelope, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last message for subject %q: %w", subject, err)
	}
	events, err := decodeBatch(subject, lm.Sequence, lm.Data)
	if err != nil {
		return nil, err
	}
	return &events[len(events)-1], nil
}

func (e *EventStore) subjectForAggregate(aggregateType, aggregateID string) (string, error) {
	if e.renameType != nil {
		aggregateType = e.renameType(aggregateType)
	}
	for _, tok := range []string{aggregateType, aggregateID} {
		if tok == "" || strings.ContainsAny(tok, ".*> \t\r\n") {
			return "", fmt.Errorf("invalid subject token %q", tok)
		}
	}
	return e.subjectPrefix + "." + aggregateType + "." + aggregateID, nil
}

var _ es.EventStore = (*EventStore)(nil)

// --- Subscription ---

type jsSubscription struct {
	ch     chan es.Envelope
	head   uint64
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *jsSubscription) Head() uint64             { return s.head }
func (s *jsSubscription) Cancel()                  { s.cancel() }

func (s *jsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *jsSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

var _ es.Subscription = (*jsSubscription)(nil)

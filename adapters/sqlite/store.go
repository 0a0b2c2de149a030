package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/evsrc/core/es"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	pollBatch           = 256
)

type (
	eventStoreOpts struct {
		log          *slog.Logger
		pollInterval time.Duration
	}
	EventStoreOption interface{ applyToEventStore(*eventStoreOpts) }

	logOption          struct{ l *slog.Logger }
	pollIntervalOption time.Duration
)

func (o logOption) applyToEventStore(opts *eventStoreOpts)          { opts.log = o.l }
func (o pollIntervalOption) applyToEventStore(opts *eventStoreOpts) { opts.pollInterval = time.Duration(o) }

func WithLog(l *slog.Logger) logOption { return logOption{l: l} }

// WithPollInterval sets how often subscriptions look for events written by
// other processes. Appends through the same EventStore wake them at once.
func WithPollInterval(d time.Duration) pollIntervalOption { return pollIntervalOption(d) }

// EventStore keeps all streams in one table. seq is the global position and
// the unique (aggregate_type, aggregate_id, version) key rejects concurrent
// writers of the same version.
type EventStore struct {
	db           *DB
	log          *slog.Logger
	pollInterval time.Duration

	// writes are serialized in process; SQLite has one writer anyway
	writeMu sync.Mutex
	mu      sync.Mutex
	notify  chan struct{}
}

func NewEventStore(db *DB, opts ...EventStoreOption) *EventStore {
	options := eventStoreOpts{log: db.log, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt.applyToEventStore(&options)
	}
	return &EventStore{
		db:           db,
		log:          options.log.With(slog.String("store", "sqlite")),
		pollInterval: options.pollInterval,
		notify:       make(chan struct{}),
	}
}

const selectEvents = `SELECT seq, id, aggregate_type, aggregate_id, version, type, correlation_id, causation_id, occurred_at, data FROM events`

// ReadStream seeks by version on the stream index, so read options are not
// needed.
func (s *EventStore) ReadStream(
	ctx context.Context,
	aggType, aggID string,
	from es.Version,
	_ ...es.ReadOption,
) (*es.StreamSlice, error) {
	head, err := s.head(ctx, s.db.sql, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("%w: %s/%s", es.ErrNotFound, aggType, aggID)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		selectEvents+` WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ? AND version <= ? ORDER BY version`,
		aggType, aggID, from.Uint64(), head.Uint64(),
	)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", aggType, aggID, err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", aggType, aggID, err)
	}
	return &es.StreamSlice{Head: head, Events: events}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *EventStore) head(ctx context.Context, q querier, aggType, aggID string) (es.Version, error) {
	var v uint64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		aggType, aggID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("head of %s/%s: %w", aggType, aggID, err)
	}
	return es.Version(v), nil
}

func (s *EventStore) AppendToStream(
	ctx context.Context,
	aggType, aggID string,
	expected es.ExpectedVersion,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.head(ctx, tx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	prepared, err := es.PrepareAppend(aggType, aggID, expected, current, events)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
    (id, aggregate_type, aggregate_id, version, type, correlation_id, causation_id, occurred_at, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stmt.Close() }()

	res := &es.AppendResult{}
	for _, e := range prepared {
		r, err := stmt.ExecContext(ctx,
			e.ID, e.AggregateType, e.AggregateID, e.Version.Uint64(), e.Type,
			e.CorrelationID, e.CausationID, e.OccurredAt.UnixNano(), []byte(e.Data),
		)
		if err != nil {
			if isConstraintError(err) {
				// another process won the version
				if actual, herr := s.head(ctx, s.db.sql, aggType, aggID); herr == nil {
					return nil, es.NewVersionConflict(aggType, aggID, expected, actual)
				}
			}
			return nil, fmt.Errorf("append %s/%s: %w", aggType, aggID, err)
		}
		seq, err := r.LastInsertId()
		if err != nil {
			return nil, err
		}
		if res.FirstSeq == 0 {
			res.FirstSeq = uint64(seq)
		}
		res.LastSeq = uint64(seq)
		res.Version = e.Version
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, es.NewVersionConflict(aggType, aggID, expected, current)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.Debug(
		"append",
		slog.String("aggregate_type", aggType),
		slog.String("aggregate_id", aggID),
		slog.Uint64("last_seq", res.LastSeq),
		slog.Int("num_events", len(prepared)),
	)
	s.wake()
	return res, nil
}

// DeleteStream removes the rows of the stream. AUTOINCREMENT keeps their seq
// numbers from being handed out again.
func (s *EventStore) DeleteStream(ctx context.Context, aggType, aggID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM events WHERE aggregate_type = ? AND aggregate_id = ?`, aggType, aggID)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", aggType, aggID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", es.ErrNotFound, aggType, aggID)
	}
	s.log.Debug("stream deleted", slog.String("aggregate_type", aggType), slog.String("aggregate_id", aggID))
	return nil
}

func (s *EventStore) SubscribeToAll(ctx context.Context, fromSeq uint64) (es.Subscription, error) {
	var head uint64
	if err := s.db.sql.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&head); err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return s.subscribe(ctx, head, max(fromSeq, 1), "", nil), nil
}

func (s *EventStore) SubscribeToStream(ctx context.Context, aggType, aggID string, from es.Version) (es.Subscription, error) {
	head, err := s.head(ctx, s.db.sql, aggType, aggID)
	if err != nil {
		return nil, err
	}
	return s.subscribe(ctx, head.Uint64(), 1,
		` AND aggregate_type = ? AND aggregate_id = ? AND version >= ?`,
		[]any{aggType, aggID, from.Uint64()},
	), nil
}

// subscribe polls for rows with seq >= next that match filter.
func (s *EventStore) subscribe(ctx context.Context, head, next uint64, filter string, args []any) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan es.Envelope, pollBatch),
		head:   head,
		cancel: cancel,
	}
	query := selectEvents + ` WHERE seq >= ?` + filter + ` ORDER BY seq LIMIT ?`

	go func() {
		defer close(sub.ch)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			s.mu.Lock()
			notify := s.notify
			s.mu.Unlock()

			batch, err := s.poll(ctx, query, next, args)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("subscription failed", slog.Any("error", err))
					sub.setErr(fmt.Errorf("%w: %w", es.ErrSubscriptionDropped, err))
				}
				return
			}
			for _, e := range batch {
				select {
				case sub.ch <- e:
					next = e.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			if len(batch) == pollBatch {
				continue
			}

			select {
			case <-notify:
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

func (s *EventStore) poll(ctx context.Context, query string, next uint64, filter []any) ([]es.Envelope, error) {
	args := make([]any, 0, len(filter)+2)
	args = append(args, next)
	args = append(args, filter...)
	args = append(args, pollBatch)
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *EventStore) wake() {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func scanEvents(rows *sql.Rows) ([]es.Envelope, error) {
	defer func() { _ = rows.Close() }()
	var out []es.Envelope
	for rows.Next() {
		var (
			e          es.Envelope
			version    uint64
			occurredAt int64
			data       []byte
		)
		if err := rows.Scan(
			&e.Seq, &e.ID, &e.AggregateType, &e.AggregateID, &version, &e.Type,
			&e.CorrelationID, &e.CausationID, &occurredAt, &data,
		); err != nil {
			return nil, err
		}
		e.Version = es.Version(version)
		e.OccurredAt = time.Unix(0, occurredAt).UTC()
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}

type subscription struct {
	ch     chan es.Envelope
	head   uint64
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *subscription) Chan() <-chan es.Envelope { return s.ch }
func (s *subscription) Head() uint64             { return s.head }
func (s *subscription) Cancel()                  { s.cancel() }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

var (
	_ es.EventStore   = (*EventStore)(nil)
	_ es.Subscription = (*subscription)(nil)
)

package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codewandler/evsrc/ports/kv"
)

var ErrReadModelNotFound = errors.New("read model not found")

// ReadModel is the persisted form of a projected model. Sources holds, per
// stream, the version of the last event folded into Model, which makes
// redelivered events no-ops.
type ReadModel[M any] struct {
	Key       string             `json:"key"`
	Model     M                  `json:"model"`
	Sources   map[string]Version `json:"sources"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Applied reports whether the event of stream at version was folded already.
func (rm *ReadModel[M]) Applied(stream string, v Version) bool {
	return rm.Sources[stream] >= v
}

// ProjectionFold is one entry of a projection's dispatch table.
type ProjectionFold[M any] struct {
	eventType string
	apply     func(m *M, evt any, env Envelope) (bool, error)
}

// ProjectOn folds events of type E into the model.
func ProjectOn[M, E any](fn func(m *M, e *E, env Envelope) error) ProjectionFold[M] {
	return ProjectionFold[M]{
		eventType: eventTypeFor[E](),
		apply: func(m *M, evt any, env Envelope) (bool, error) {
			switch e := evt.(type) {
			case *E:
				return true, fn(m, e, env)
			case E:
				return true, fn(m, &e, env)
			default:
				return false, nil
			}
		},
	}
}

type ProjectionConfig[M any] struct {
	// Name prefixes the keys of the read models.
	Name  string
	Store kv.Store
	// Key picks the read model an event belongs to. Defaults to the aggregate id.
	Key func(env Envelope) string
	// New creates the model for a key seen the first time. Defaults to the zero M.
	New     func(key string) M
	Folds   []ProjectionFold[M]
	Log     *slog.Logger
	Metrics ESMetrics
}

// ProjectionUpdater keeps read models in a kv.Store up to date. It is the
// only writer of its keys and serializes its own updates.
type ProjectionUpdater[M any] struct {
	name    string
	store   kv.Store
	key     func(env Envelope) string
	newM    func(key string) M
	folds   map[string]ProjectionFold[M]
	log     *slog.Logger
	metrics ESMetrics

	mu sync.Mutex
}

func NewProjectionUpdater[M any](cfg ProjectionConfig[M]) (*ProjectionUpdater[M], error) {
	if cfg.Name == "" {
		return nil, errors.New("projection name is empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("projection store is nil")
	}
	p := &ProjectionUpdater[M]{
		name:    cfg.Name,
		store:   cfg.Store,
		key:     cfg.Key,
		newM:    cfg.New,
		folds:   make(map[string]ProjectionFold[M], len(cfg.Folds)),
		log:     cfg.Log,
		metrics: cfg.Metrics,
	}
	if p.key == nil {
		p.key = func(env Envelope) string { return env.AggregateID }
	}
	if p.newM == nil {
		p.newM = func(string) M { var m M; return m }
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With(slog.String("projection", cfg.Name))
	if p.metrics == nil {
		p.metrics = NopESMetrics()
	}
	for _, f := range cfg.Folds {
		p.folds[f.eventType] = f
	}
	return p, nil
}

func (p *ProjectionUpdater[M]) Name() string { return p.name }

func (p *ProjectionUpdater[M]) storeKey(key string) string {
	return kv.Key("rm", p.name, key)
}

// Apply folds one stored event into its read model. It reports false for
// events the projection does not handle and for events folded before.
func (p *ProjectionUpdater[M]) Apply(ctx context.Context, env Envelope, evt any) (applied bool, err error) {
	f, ok := p.folds[env.Type]
	if !ok {
		return false, nil
	}
	key := p.key(env)
	if key == "" {
		return false, fmt.Errorf("projection %s: empty key for event %s", p.name, env.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rm, err := p.load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrReadModelNotFound) {
			return false, err
		}
		rm = &ReadModel[M]{Key: key, Model: p.newM(key)}
	}
	if rm.Sources == nil {
		rm.Sources = map[string]Version{}
	}

	stream := DefaultStreamNamer(env.AggregateType, env.AggregateID)
	if rm.Applied(stream, env.Version) {
		p.log.Debug("already applied", env.logAttrs())
		p.metrics.ProjectionApplied(p.name, false)
		return false, nil
	}

	ok, err = f.apply(&rm.Model, evt, env)
	if err != nil {
		return false, fmt.Errorf("projection %s: fold %s: %w", p.name, env.Type, err)
	}
	if !ok {
		return false, fmt.Errorf("projection %s: %w: got %T for %s", p.name, ErrUnhandledEventType, evt, env.Type)
	}

	rm.Sources[stream] = env.Version
	rm.UpdatedAt = time.Now()
	if err = kv.Put(ctx, p.store, p.storeKey(key), rm, kv.PutOptions{}); err != nil {
		return false, fmt.Errorf("projection %s: save %s: %w", p.name, key, err)
	}
	p.metrics.ProjectionApplied(p.name, true)
	return true, nil
}

// Handle makes the updater a Reader handler.
func (p *ProjectionUpdater[M]) Handle(msgCtx MsgCtx) error {
	_, err := p.Apply(msgCtx.Context(), msgCtx.Envelope(), msgCtx.Event())
	return err
}

func (p *ProjectionUpdater[M]) load(ctx context.Context, key string) (*ReadModel[M], error) {
	rm, err := kv.Get[*ReadModel[M]](ctx, p.store, p.storeKey(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrReadModelNotFound, p.name, key)
		}
		return nil, err
	}
	if rm == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrReadModelNotFound, p.name, key)
	}
	return rm, nil
}

// Get returns the read model stored under key.
func (p *ProjectionUpdater[M]) Get(ctx context.Context, key string) (*ReadModel[M], error) {
	return p.load(ctx, key)
}

// List returns every read model of the projection ordered by key.
func (p *ProjectionUpdater[M]) List(ctx context.Context) ([]*ReadModel[M], error) {
	prefix := p.storeKey("")
	keys, err := p.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("projection %s: list: %w", p.name, err)
	}
	sort.Strings(keys)
	out := make([]*ReadModel[M], 0, len(keys))
	for _, k := range keys {
		key, err := kv.Unescape(strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, fmt.Errorf("projection %s: list: %w", p.name, err)
		}
		rm, err := p.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrReadModelNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

var _ Handler = (*ProjectionUpdater[struct{}])(nil)

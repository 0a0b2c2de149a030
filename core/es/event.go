package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/evsrc/internal/reflector"
)

// Serializer encodes event payloads and snapshot state.
type Serializer interface {
	Encoding() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONSerializer struct{}

func (JSONSerializer) Encoding() string                   { return "json" }
func (JSONSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// EventRegistry maps event type tags to constructors so we can decode persisted events.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
	ser  Serializer
}

type (
	registryOpts     struct{ ser Serializer }
	RegistryOption   interface{ applyToRegistry(*registryOpts) }
	SerializerOption valueOption[Serializer]
)

func (o SerializerOption) applyToRegistry(opts *registryOpts) { opts.ser = o.v }

// WithSerializer replaces the JSON payload codec.
func WithSerializer(s Serializer) SerializerOption { return SerializerOption{v: s} }

func NewRegistry(opts ...RegistryOption) *EventRegistry {
	options := registryOpts{ser: JSONSerializer{}}
	for _, opt := range opts {
		opt.applyToRegistry(&options)
	}
	r := &EventRegistry{news: map[string]func() any{}, ser: options.ser}
	RegisterEvents(r, Event[AggregateDeleted]())
	return r
}

func (r *EventRegistry) Serializer() Serializer { return r.ser }

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrSerialization, ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if len(env.Data) > 0 {
		if err := r.ser.Unmarshal(env.Data, ev); err != nil {
			return nil, serializationErr("decode "+env.Type, err)
		}
	}
	return ev, nil
}

// Encode returns the type tag and payload bytes of ev.
func (r *EventRegistry) Encode(ev any) (eventType string, data []byte, err error) {
	eventType = EventTypeOf(ev)
	data, err = r.ser.Marshal(ev)
	if err != nil {
		return "", nil, serializationErr("encode "+eventType, err)
	}
	return eventType, data, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	RegisterEvents(r, Event[T]())
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is called
// once to derive the type tag.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the type tag of ev: its EventType() method if present,
// the package qualified type name otherwise.
func EventTypeOf(ev any) (eventType string) {
	switch t := ev.(type) {
	case interface{ EventType() string }:
		eventType = t.EventType()
	default:
		eventType = reflector.TypeInfoOf(ev).Name
	}
	return
}

func eventTypeFor[T any]() string {
	var zero T
	if t, ok := any(&zero).(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoFor[T]().Name
}

var _ Decoder = (*EventRegistry)(nil)

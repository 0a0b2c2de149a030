package lineage

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator produces unique message ids.
type IDGenerator func() string

// NanoID is the default IDGenerator.
func NanoID() IDGenerator {
	return func() string { return gonanoid.Must() }
}

// UUIDv7 generates time ordered UUIDs, which index better in SQL backends.
func UUIDv7() IDGenerator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Generator creates root and derived lineages with fresh msg ids.
type Generator struct {
	newID IDGenerator
}

type (
	genOpts   struct{ idGen IDGenerator }
	GenOption interface{ applyToGen(*genOpts) }
	idGenOpt  struct{ v IDGenerator }
)

func (o idGenOpt) applyToGen(opts *genOpts) { opts.idGen = o.v }

// WithIDGenerator replaces the default nanoid generator.
func WithIDGenerator(gen IDGenerator) GenOption { return idGenOpt{v: gen} }

func NewGenerator(opts ...GenOption) *Generator {
	options := genOpts{idGen: NanoID()}
	for _, opt := range opts {
		opt.applyToGen(&options)
	}
	return &Generator{newID: options.idGen}
}

// Root starts a new causal chain.
func (g *Generator) Root() Lineage {
	id := g.newID()
	return Lineage{msgID: id, correlationID: id}
}

// Derive continues the chain of src. A zero source starts a new chain.
func (g *Generator) Derive(src Source) Lineage {
	if src == nil {
		return g.Root()
	}
	parent := src.Lineage()
	if parent.IsZero() {
		return g.Root()
	}
	return Lineage{
		msgID:         g.newID(),
		correlationID: parent.correlationID,
		causationID:   parent.msgID,
	}
}

var defaultGenerator = NewGenerator()

// Root starts a new causal chain using nanoid ids.
func Root() Lineage { return defaultGenerator.Root() }

// Derive continues the chain of src using nanoid ids.
func Derive(src Source) Lineage { return defaultGenerator.Derive(src) }

package es

import (
	"github.com/codewandler/evsrc/core/lineage"
)

type (
	repoOpts struct {
		snapshots     SnapshotStore
		snapshotEvery Version
		async         bool
		idGenerator   lineage.IDGenerator
		metrics       ESMetrics
	}

	repoSaveOptions struct {
		snapshot bool
		cause    lineage.Source
	}

	repoLoadOptions struct {
		snapshot bool
	}
)

type (
	RepositoryOption interface{ applyToRepository(*repoOpts) }
	SaveOption       interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption       interface{ applyToLoadOptions(*repoLoadOptions) }

	SnapshotOption        valueOption[bool]
	SnapshotEveryOption   valueOption[Version]
	AsyncSnapshotsOption  struct{}
	RepoIDGeneratorOption valueOption[lineage.IDGenerator]
	CausationOption       valueOption[lineage.Source]
	SaveOptsOption        MultiOption[SaveOption]
	LoadOptsOption        MultiOption[LoadOption]
)

// WithSnapshot forces a snapshot after Save, or turns snapshot assisted
// loading on or off for a Load.
func WithSnapshot(v bool) SnapshotOption { return SnapshotOption{v: v} }

// WithSnapshotEvery snapshots an aggregate once n events were saved since
// its last snapshot. 0 disables automatic snapshots.
func WithSnapshotEvery(n uint64) SnapshotEveryOption { return SnapshotEveryOption{v: Version(n)} }

// WithAsyncSnapshots writes snapshots in the background. Repository.Close
// waits for pending writes.
func WithAsyncSnapshots() AsyncSnapshotsOption { return AsyncSnapshotsOption{} }

// WithIDGenerator sets the generator of event msg ids.
func WithIDGenerator(gen lineage.IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithCausation derives the lineage of every saved event from src, usually
// the command being handled.
func WithCausation(src lineage.Source) CausationOption { return CausationOption{v: src} }

func WithSaveOpts(opts ...SaveOption) SaveOptsOption { return SaveOptsOption{opts: opts} }
func WithLoadOpts(opts ...LoadOption) LoadOptsOption { return LoadOptsOption{opts: opts} }

// === repo ==

func (o SnapshotStoreOption) applyToRepository(options *repoOpts)   { options.snapshots = o.v }
func (o SnapshotEveryOption) applyToRepository(options *repoOpts)   { options.snapshotEvery = o.v }
func (o AsyncSnapshotsOption) applyToRepository(options *repoOpts)  { options.async = true }
func (o RepoIDGeneratorOption) applyToRepository(options *repoOpts) { options.idGenerator = o.v }
func (o ESMetricsOption) applyToRepository(options *repoOpts)       { options.metrics = o.m }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		idGenerator: lineage.NanoID(),
		metrics:     NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === save ==

func (o SnapshotOption) applyToSaveOptions(options *repoSaveOptions)  { options.snapshot = o.v }
func (o CausationOption) applyToSaveOptions(options *repoSaveOptions) { options.cause = o.v }
func (o SaveOptsOption) applyToSaveOptions(options *repoSaveOptions) {
	for _, opt := range o.opts {
		opt.applyToSaveOptions(options)
	}
}

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

// === load ==

func (o SnapshotOption) applyToLoadOptions(options *repoLoadOptions) { options.snapshot = o.v }
func (o LoadOptsOption) applyToLoadOptions(options *repoLoadOptions) {
	for _, opt := range o.opts {
		opt.applyToLoadOptions(options)
	}
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	// snapshots are used whenever a store is configured
	options := repoLoadOptions{snapshot: true}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

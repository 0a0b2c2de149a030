package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrSnapshotStoreUnconfigured = errors.New("no snapshot store configured")
	ErrSnapshotNotFound          = errors.New("snapshot not found")
	// ErrSnapshotRestore is returned by Repository.Load when a snapshot was
	// picked but could not be restored; the aggregate must be discarded.
	ErrSnapshotRestore = errors.New("snapshot restore failed")
)

type (
	// Snapshot is a cached copy of aggregate state at a version. It is
	// never the source of truth; the log is.
	Snapshot struct {
		SnapshotID string `json:"snapshot_id"`

		ObjID      string  `json:"obj_id"`
		ObjType    string  `json:"obj_type"`
		ObjVersion Version `json:"obj_version"`
		// EventID is the id of the event at ObjVersion. Loads verify it to
		// detect snapshots of a stream that was deleted and recreated.
		EventID string `json:"event_id"`
		Deleted bool   `json:"deleted,omitempty"`

		StreamSeq uint64 `json:"stream_seq"`

		CreatedAt     time.Time `json:"created_at"`
		SchemaVersion int       `json:"schema_version"`
		Encoding      string    `json:"encoding"`
		Data          []byte    `json:"data"`
	}

	// Snapshottable is implemented by aggregates with custom state encoding.
	// Others are encoded with the registry's Serializer.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		// GetLatest returns the newest snapshot with ObjVersion <= maxVersion.
		GetLatest(ctx context.Context, objType, objID string, maxVersion Version) (*Snapshot, error)
		DeleteSnapshots(ctx context.Context, objType, objID string) error
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("obj_type", s.ObjType),
		slog.String("obj_id", s.ObjID),
		s.ObjVersion.SlogAttrWithKey("obj_version"),
		slog.Uint64("seq", s.StreamSeq),
		slog.Time("created_at", s.CreatedAt),
		slog.Int("size", len(s.Data)),
	)
}

// CreateSnapshot captures the committed state of agg.
func CreateSnapshot(agg Aggregate, ser Serializer) (ss *Snapshot, err error) {
	if len(agg.Uncommitted()) != 0 {
		return nil, errors.New("cannot snapshot aggregate with uncommitted events")
	}
	if ser == nil {
		ser = JSONSerializer{}
	}
	var (
		data     []byte
		encoding = ser.Encoding()
	)
	if s, ok := any(agg).(Snapshottable); ok {
		data, err = s.Snapshot()
		encoding = "custom"
	} else {
		data, err = ser.Marshal(agg)
	}
	if err != nil {
		return nil, serializationErr("snapshot "+agg.GetAggType(), err)
	}
	b := agg.base()
	ss = &Snapshot{
		SnapshotID:    gonanoid.Must(),
		StreamSeq:     b.seq,
		ObjID:         b.id,
		ObjType:       b.aggType,
		ObjVersion:    b.version,
		EventID:       b.lastEventID,
		Deleted:       b.deleted,
		CreatedAt:     time.Now(),
		Encoding:      encoding,
		Data:          data,
		SchemaVersion: 1,
	}
	return
}

// RestoreSnapshot moves a fresh aggregate to the snapshot's state.
func RestoreSnapshot(agg Aggregate, ss *Snapshot, ser Serializer) (err error) {
	b := agg.base()
	if b.version != 0 || len(b.uncommitted) != 0 {
		return errors.New("snapshot must be restored into a fresh aggregate")
	}
	if ser == nil {
		ser = JSONSerializer{}
	}
	if s, ok := any(agg).(Snapshottable); ok {
		err = s.RestoreSnapshot(ss.Data)
	} else {
		err = ser.Unmarshal(ss.Data, agg)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotRestore, serializationErr("restore "+ss.ObjType, err))
	}
	b.version = ss.ObjVersion
	b.seq = ss.StreamSeq
	b.lastEventID = ss.EventID
	b.deleted = ss.Deleted
	b.snapshotVersion = ss.ObjVersion
	return nil
}

// === In-Memory ===

// InMemorySnapshotStore keeps every snapshot, ordered by version.
type InMemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]*Snapshot
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: map[string][]*Snapshot{}}
}

func (i *InMemorySnapshotStore) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sk := DefaultStreamNamer(snapshot.ObjType, snapshot.ObjID)
	list := i.snapshots[sk]
	for j, s := range list {
		if s.ObjVersion == snapshot.ObjVersion {
			list[j] = snapshot
			return nil
		}
	}
	list = append(list, snapshot)
	sort.Slice(list, func(a, b int) bool { return list[a].ObjVersion < list[b].ObjVersion })
	i.snapshots[sk] = list
	return nil
}

func (i *InMemorySnapshotStore) GetLatest(
	_ context.Context,
	objType, objID string,
	maxVersion Version,
) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.snapshots[DefaultStreamNamer(objType, objID)]
	for j := len(list) - 1; j >= 0; j-- {
		if list[j].ObjVersion <= maxVersion {
			return list[j], nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (i *InMemorySnapshotStore) DeleteSnapshots(_ context.Context, objType, objID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.snapshots, DefaultStreamNamer(objType, objID))
	return nil
}

var _ SnapshotStore = (*InMemorySnapshotStore)(nil)

// Package indexbuild builds secondary indexes on live collections. A build
// scans the collection at a snapshot, sorts the extracted keys, bulk loads
// them, then drains the index changes that concurrent commits recorded in a
// side-writes table, and finally marks the index ready. Progress is
// persisted so a build survives one restart.
package indexbuild

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/sorter"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Host is the part of the engine a build drives.
type Host interface {
	Catalog() *catalog.Registry
	Snapshots() *mvcc.SnapshotManager
	WAL() *wal.WAL
	// Latch acquires the commit latch.
	Latch(ctx context.Context) (func(), error)
	NextTxnID() uint64
	// Poison stops all further commits after a logged write could not be
	// applied, and returns the error they fail with.
	Poison(cause error) error
	RecordStore(storeID uint64) (*record.Store, error)
	Index(coll *catalog.Collection, entry *catalog.IndexEntry) (*index.Index, error)
	SideTable(storeID uint64) (*storage.BPlusTree, error)
	// Apply applies a logged data record, as commit and recovery do.
	Apply(ctx context.Context, rec *wal.Record) error
	// CommitCatalogLocked logs and installs a new catalog version built by
	// fn. The caller holds the commit latch. fn returning nil, nil leaves
	// the catalog unchanged.
	CommitCatalogLocked(ctx context.Context, fn func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error)) (*catalog.Catalog, error)
	// PauseCheckpoints blocks checkpoints until the returned func is called.
	PauseCheckpoints() func()
	Checkpoint(ctx context.Context) error
}

// Options configure the builder.
type Options struct {
	Dir              string // data directory
	MemoryBudget     int64
	PersistEveryDocs int
	DrainBatch       int
	Logger           *slog.Logger
}

// Manager runs and tracks index builds.
type Manager struct {
	host Host
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	builds map[string]*Build
}

// NewManager creates a build manager.
func NewManager(host Host, opts Options) *Manager {
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = sorter.DefaultMemoryBudget
	}
	if opts.PersistEveryDocs <= 0 {
		opts.PersistEveryDocs = 1000
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = 256
	}
	log := opts.Logger
	if log == nil {
		log = logger.For("indexbuild")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		host:   host,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		builds: make(map[string]*Build),
	}
}

// Start registers a new, not yet ready index and starts building it in the
// background. The index entry and the build state exist before the scan
// begins.
func (m *Manager) Start(ctx context.Context, collName string, spec catalog.IndexSpec) (*Build, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	buildUUID := uuid.NewString()

	release, err := m.host.Latch(ctx)
	if err != nil {
		return nil, err
	}
	var coll *catalog.Collection
	_, err = m.host.CommitCatalogLocked(ctx, func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		c, err := cur.Collection(collName)
		if err != nil {
			return nil, err
		}
		if c.Options.Temp {
			return nil, storeerr.Newf(storeerr.CodeIllegalOperation, "cannot build a secondary index on temporary collection %q", collName)
		}
		next, _, err := cur.WithIndex(ts, collName, spec, buildUUID)
		if err != nil {
			return nil, err
		}
		coll = c
		return next, nil
	})
	release()
	if err != nil {
		return nil, err
	}

	state := &State{
		BuildUUID:      buildUUID,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		Spec:           spec,
		Phase:          catalog.PhaseCollectionScan,
	}
	state.StartedAt = nowUTC()
	if err := saveState(m.opts.Dir, state); err != nil {
		return nil, err
	}
	m.log.Info("index build started", "build_uuid", buildUUID, "collection", coll.Name, "index", spec.Name)
	return m.launch(state), nil
}

func (m *Manager) launch(state *State) *Build {
	ctx, cancel := context.WithCancel(m.ctx)
	b := &Build{
		m:           m,
		state:       state,
		cancel:      cancel,
		done:        make(chan struct{}),
		cleanupDone: make(chan struct{}),
		log:         m.log.With("build_uuid", state.BuildUUID, "index", state.Spec.Name),
	}
	m.mu.Lock()
	m.builds[state.BuildUUID] = b
	m.mu.Unlock()
	go b.run(ctx)
	return b
}

// Resume restarts the builds persisted under the data directory. It runs
// during recovery, after the catalog and log are restored.
func (m *Manager) Resume(ctx context.Context) ([]*Build, error) {
	states, err := ListStates(m.opts.Dir)
	if err != nil {
		return nil, err
	}
	cat := m.host.Catalog().Latest()
	known := make(map[string]bool, len(states))
	var out []*Build
	for _, s := range states {
		known[s.BuildUUID] = true
		coll, ok := cat.CollectionByUUID(s.CollectionUUID)
		var entry *catalog.IndexEntry
		if ok {
			entry, ok = coll.IndexByBuild(s.BuildUUID)
		}
		if !ok || entry.Ready {
			m.log.Info("discarding stale index build state", "build_uuid", s.BuildUUID)
			if err := removeState(m.opts.Dir, s.BuildUUID); err != nil {
				return nil, err
			}
			continue
		}
		if s.prepareResume() {
			m.log.Warn("index build was already resumed once; restarting from collection scan",
				"build_uuid", s.BuildUUID, "index", s.Spec.Name)
			if err := removeSpills(m.opts.Dir, s.BuildUUID); err != nil {
				return nil, err
			}
		} else {
			m.log.Info("resuming index build", "build_uuid", s.BuildUUID, "phase", s.Phase)
		}
		if err := saveState(m.opts.Dir, s); err != nil {
			return nil, err
		}
		out = append(out, m.launch(s))
	}
	if err := m.dropOrphans(ctx, known); err != nil {
		return out, err
	}
	return out, nil
}

// dropOrphans removes building indexes whose state was never persisted,
// which happens when the process stops between creating the index and
// writing the state file.
func (m *Manager) dropOrphans(ctx context.Context, known map[string]bool) error {
	type orphan struct{ coll, index string }
	var orphans []orphan
	cat := m.host.Catalog().Latest()
	for _, name := range cat.Names() {
		coll, _ := cat.Collection(name)
		for _, e := range coll.Indexes {
			if e.Building() && !known[e.BuildUUID] {
				orphans = append(orphans, orphan{coll: name, index: e.Spec.Name})
			}
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	release, err := m.host.Latch(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = m.host.CommitCatalogLocked(ctx, func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		next := cur
		for _, o := range orphans {
			n, _, err := next.WithoutIndex(ts, o.coll, o.index)
			if err != nil {
				return nil, err
			}
			next = n
		}
		return next, nil
	})
	if err == nil {
		m.log.Warn("dropped index builds without persisted state", "count", len(orphans))
	}
	return err
}

// Get returns a running build.
func (m *Manager) Get(buildUUID string) (*Build, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildUUID]
	return b, ok
}

// Active returns the running builds.
func (m *Manager) Active() []*Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Build, 0, len(m.builds))
	for _, b := range m.builds {
		out = append(out, b)
	}
	return out
}

// Abort stops a build and removes its index. If the build is already
// aborting on its own, Abort waits for that cleanup instead.
func (m *Manager) Abort(ctx context.Context, buildUUID, reason string) error {
	b, ok := m.Get(buildUUID)
	if !ok {
		return storeerr.Newf(storeerr.CodeIndexNotFound, "no index build %s", buildUUID)
	}
	return b.Abort(ctx, reason)
}

// AbortForCollection aborts every build on a collection, as a drop does.
func (m *Manager) AbortForCollection(ctx context.Context, collUUID, reason string) error {
	for _, b := range m.Active() {
		if b.CollectionUUID() != collUUID {
			continue
		}
		if err := b.Abort(ctx, reason); err != nil && !storeerr.Is(err, storeerr.CodeIllegalOperation) {
			return err
		}
	}
	return nil
}

// Interrupt stops every build, leaving its persisted state for the next
// Resume, and waits for them to exit.
func (m *Manager) Interrupt() {
	m.cancel()
	for _, b := range m.Active() {
		<-b.done
	}
}

func (m *Manager) forget(b *Build) {
	m.mu.Lock()
	delete(m.builds, b.state.BuildUUID)
	m.mu.Unlock()
}

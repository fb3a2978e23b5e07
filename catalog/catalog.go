// Package catalog holds collection and index metadata as immutable,
// timestamped versions. A transaction binds the version visible at its read
// timestamp when it begins; DDL publishes a new version at its commit
// timestamp.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// IDIndexName is the implicit unique index of non-clustered collections.
const IDIndexName = "_id_"

// DefaultClusterKey is the cluster key used when none is given.
const DefaultClusterKey = "_id"

// BuildPhase is the phase of an index build.
type BuildPhase string

const (
	PhaseNone           BuildPhase = ""
	PhaseCollectionScan BuildPhase = "collection-scan"
	PhaseBulkLoad       BuildPhase = "bulk-load"
	PhaseDrain          BuildPhase = "drain"
	PhaseCommit         BuildPhase = "commit"
)

// CollectionOptions are fixed at creation.
type CollectionOptions struct {
	Capped     bool                   `json:"capped,omitempty"`
	MaxDocs    int64                  `json:"max_docs,omitempty"`
	MaxBytes   int64                  `json:"max_bytes,omitempty"`
	Clustered  bool                   `json:"clustered,omitempty"`
	ClusterKey string                 `json:"cluster_key,omitempty"`
	Temp       bool                   `json:"temp,omitempty"`
	Validator  map[string]interface{} `json:"validator,omitempty"` // JSON Schema
}

// KeyField is one component of an index key pattern.
type KeyField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// IndexSpec describes an index as requested by the user.
type IndexSpec struct {
	Name          string     `json:"name"`
	Key           []KeyField `json:"key"`
	Unique        bool       `json:"unique,omitempty"`
	PartialFilter string     `json:"partial_filter,omitempty"` // CEL over doc
}

// Validate checks the shape of the spec.
func (s IndexSpec) Validate() error {
	if s.Name == "" {
		return storeerr.New(storeerr.CodeInvalidOptions, "index name must not be empty")
	}
	if len(s.Key) == 0 {
		return storeerr.Newf(storeerr.CodeInvalidOptions, "index %q has an empty key pattern", s.Name)
	}
	seen := make(map[string]bool, len(s.Key))
	for _, k := range s.Key {
		if k.Field == "" || strings.HasPrefix(k.Field, "$") {
			return storeerr.Newf(storeerr.CodeInvalidOptions, "index %q has an invalid field %q", s.Name, k.Field)
		}
		if k.Direction != 1 && k.Direction != -1 {
			return storeerr.Newf(storeerr.CodeInvalidOptions, "index %q field %q: direction must be 1 or -1", s.Name, k.Field)
		}
		if seen[k.Field] {
			return storeerr.Newf(storeerr.CodeInvalidOptions, "index %q repeats field %q", s.Name, k.Field)
		}
		seen[k.Field] = true
	}
	return nil
}

// IndexEntry is an index as recorded in the catalog.
type IndexEntry struct {
	Spec        IndexSpec  `json:"spec"`
	StoreID     uint64     `json:"store_id"`
	SideStoreID uint64     `json:"side_store_id,omitempty"` // side writes while building
	Ready       bool       `json:"ready"`
	BuildUUID   string     `json:"build_uuid,omitempty"`
	Phase       BuildPhase `json:"phase,omitempty"`
}

// Building reports whether the index is still being built.
func (e *IndexEntry) Building() bool {
	return !e.Ready
}

// Collection is a collection as recorded in the catalog.
type Collection struct {
	Name      string            `json:"name"`
	UUID      string            `json:"uuid"`
	StoreID   uint64            `json:"store_id"`
	Options   CollectionOptions `json:"options"`
	Indexes   []*IndexEntry     `json:"indexes"`
	CreatedAt mvcc.Timestamp    `json:"created_at"`

	schema *schemaCache
}

// ClusterKey returns the field that clustered record ids derive from.
func (c *Collection) ClusterKey() string {
	if c.Options.ClusterKey == "" {
		return DefaultClusterKey
	}
	return c.Options.ClusterKey
}

// Index returns the named index.
func (c *Collection) Index(name string) (*IndexEntry, error) {
	for _, idx := range c.Indexes {
		if idx.Spec.Name == name {
			return idx, nil
		}
	}
	return nil, storeerr.Newf(storeerr.CodeIndexNotFound, "index %q not found on %q", name, c.Name)
}

// IndexByBuild returns the index being built by buildUUID.
func (c *Collection) IndexByBuild(buildUUID string) (*IndexEntry, bool) {
	for _, idx := range c.Indexes {
		if idx.BuildUUID == buildUUID && !idx.Ready {
			return idx, true
		}
	}
	return nil, false
}

// StoreIDs returns every tree owned by the collection.
func (c *Collection) StoreIDs() []uint64 {
	ids := []uint64{c.StoreID}
	for _, idx := range c.Indexes {
		ids = append(ids, idx.StoreID)
		if idx.SideStoreID != 0 {
			ids = append(ids, idx.SideStoreID)
		}
	}
	return ids
}

func (c *Collection) clone() *Collection {
	cp := *c
	cp.Indexes = make([]*IndexEntry, len(c.Indexes))
	for i, idx := range c.Indexes {
		e := *idx
		e.Spec.Key = append([]KeyField(nil), idx.Spec.Key...)
		cp.Indexes[i] = &e
	}
	return &cp
}

// DroppedStore is a tree kept until no snapshot can read it.
type DroppedStore struct {
	StoreID   uint64         `json:"store_id"`
	DropTs    mvcc.Timestamp `json:"drop_ts"`
	Namespace string         `json:"namespace"`
}

// Catalog is one immutable version of the metadata. Never modify a Catalog
// that has been installed in a Registry; the With* methods return copies.
type Catalog struct {
	Version     mvcc.Timestamp         `json:"version"`
	Collections map[string]*Collection `json:"collections"`
	DropPending []DroppedStore         `json:"drop_pending,omitempty"`
	NextStoreID uint64                 `json:"next_store_id"`
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{Collections: make(map[string]*Collection), NextStoreID: 1}
}

func (c *Catalog) clone(version mvcc.Timestamp) *Catalog {
	cp := &Catalog{
		Version:     version,
		Collections: make(map[string]*Collection, len(c.Collections)),
		DropPending: append([]DroppedStore(nil), c.DropPending...),
		NextStoreID: c.NextStoreID,
	}
	for name, coll := range c.Collections {
		cp.Collections[name] = coll
	}
	return cp
}

func (c *Catalog) allocStore() uint64 {
	id := c.NextStoreID
	c.NextStoreID++
	return id
}

// Collection returns the named collection.
func (c *Catalog) Collection(name string) (*Collection, error) {
	coll, ok := c.Collections[name]
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeNamespaceNotFound, "collection %q not found", name)
	}
	return coll, nil
}

// CollectionByUUID finds a collection by its UUID.
func (c *Catalog) CollectionByUUID(id string) (*Collection, bool) {
	for _, coll := range c.Collections {
		if coll.UUID == id {
			return coll, true
		}
	}
	return nil, false
}

// Names returns the collection names in order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LiveStores returns every tree referenced by a live collection or pending
// drop.
func (c *Catalog) LiveStores() map[uint64]bool {
	ids := make(map[uint64]bool)
	for _, coll := range c.Collections {
		for _, id := range coll.StoreIDs() {
			ids[id] = true
		}
	}
	for _, d := range c.DropPending {
		ids[d.StoreID] = true
	}
	return ids
}

// WithCollection returns a new version containing collection name.
func (c *Catalog) WithCollection(ts mvcc.Timestamp, name string, opts CollectionOptions) (*Catalog, *Collection, error) {
	if name == "" || strings.ContainsAny(name, "$\x00") {
		return nil, nil, storeerr.Newf(storeerr.CodeInvalidOptions, "invalid collection name %q", name)
	}
	if _, exists := c.Collections[name]; exists {
		return nil, nil, storeerr.Newf(storeerr.CodeNamespaceExists, "collection %q already exists", name)
	}
	if err := validateOptions(opts); err != nil {
		return nil, nil, err
	}

	next := c.clone(ts)
	coll := &Collection{
		Name:      name,
		UUID:      uuid.NewString(),
		StoreID:   next.allocStore(),
		Options:   opts,
		CreatedAt: ts,
	}
	if !opts.Clustered {
		coll.Indexes = []*IndexEntry{{
			Spec:    IndexSpec{Name: IDIndexName, Key: []KeyField{{Field: "_id", Direction: 1}}, Unique: true},
			StoreID: next.allocStore(),
			Ready:   true,
		}}
	}
	if err := coll.compileSchema(); err != nil {
		return nil, nil, err
	}
	next.Collections[name] = coll
	return next, coll, nil
}

func validateOptions(opts CollectionOptions) error {
	if opts.Capped {
		if opts.MaxDocs <= 0 && opts.MaxBytes <= 0 {
			return storeerr.New(storeerr.CodeInvalidOptions, "capped collection needs max_docs or max_bytes")
		}
		if opts.Clustered {
			return storeerr.New(storeerr.CodeInvalidOptions, "a collection cannot be both capped and clustered")
		}
	}
	if opts.MaxDocs < 0 || opts.MaxBytes < 0 {
		return storeerr.New(storeerr.CodeInvalidOptions, "capped limits must not be negative")
	}
	return nil
}

// WithoutCollection drops name. Its trees stay readable until the oldest
// timestamp passes ts.
func (c *Catalog) WithoutCollection(ts mvcc.Timestamp, name string) (*Catalog, *Collection, error) {
	coll, err := c.Collection(name)
	if err != nil {
		return nil, nil, err
	}
	next := c.clone(ts)
	delete(next.Collections, name)
	for _, id := range coll.StoreIDs() {
		next.DropPending = append(next.DropPending, DroppedStore{StoreID: id, DropTs: ts, Namespace: name})
	}
	return next, coll, nil
}

// WithIndex adds an index. A building index gets a side-writes store and
// starts in the collection scan phase.
func (c *Catalog) WithIndex(ts mvcc.Timestamp, collName string, spec IndexSpec, buildUUID string) (*Catalog, *IndexEntry, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}
	coll, err := c.Collection(collName)
	if err != nil {
		return nil, nil, err
	}
	if _, err := coll.Index(spec.Name); err == nil {
		return nil, nil, storeerr.Newf(storeerr.CodeIndexAlreadyExists, "index %q already exists on %q", spec.Name, collName)
	}

	next := c.clone(ts)
	nc := coll.clone()
	entry := &IndexEntry{Spec: spec, StoreID: next.allocStore(), Ready: buildUUID == ""}
	if buildUUID != "" {
		entry.BuildUUID = buildUUID
		entry.SideStoreID = next.allocStore()
		entry.Phase = PhaseCollectionScan
	}
	nc.Indexes = append(nc.Indexes, entry)
	next.Collections[collName] = nc
	return next, entry, nil
}

// WithIndexUpdate applies fn to a copy of the named index.
func (c *Catalog) WithIndexUpdate(ts mvcc.Timestamp, collName, indexName string, fn func(*IndexEntry)) (*Catalog, error) {
	coll, err := c.Collection(collName)
	if err != nil {
		return nil, err
	}
	if _, err := coll.Index(indexName); err != nil {
		return nil, err
	}
	next := c.clone(ts)
	nc := coll.clone()
	idx, _ := nc.Index(indexName)
	fn(idx)
	next.Collections[collName] = nc
	return next, nil
}

// WithIndexReady marks a built index ready and retires its side-writes
// store.
func (c *Catalog) WithIndexReady(ts mvcc.Timestamp, collName, indexName string) (*Catalog, error) {
	coll, err := c.Collection(collName)
	if err != nil {
		return nil, err
	}
	if _, err := coll.Index(indexName); err != nil {
		return nil, err
	}
	next := c.clone(ts)
	nc := coll.clone()
	idx, _ := nc.Index(indexName)
	if idx.SideStoreID != 0 {
		next.DropPending = append(next.DropPending, DroppedStore{
			StoreID: idx.SideStoreID, DropTs: ts, Namespace: collName + "." + indexName,
		})
	}
	idx.Ready = true
	idx.Phase = PhaseNone
	idx.BuildUUID = ""
	idx.SideStoreID = 0
	next.Collections[collName] = nc
	return next, nil
}

// WithoutIndex removes an index; its trees become drop-pending.
func (c *Catalog) WithoutIndex(ts mvcc.Timestamp, collName, indexName string) (*Catalog, *IndexEntry, error) {
	if indexName == IDIndexName {
		return nil, nil, storeerr.New(storeerr.CodeInvalidOptions, "cannot drop the _id index")
	}
	coll, err := c.Collection(collName)
	if err != nil {
		return nil, nil, err
	}
	dropped, err := coll.Index(indexName)
	if err != nil {
		return nil, nil, err
	}

	next := c.clone(ts)
	nc := coll.clone()
	kept := nc.Indexes[:0]
	for _, idx := range nc.Indexes {
		if idx.Spec.Name != indexName {
			kept = append(kept, idx)
		}
	}
	nc.Indexes = kept
	next.Collections[collName] = nc

	ns := collName + "." + indexName
	next.DropPending = append(next.DropPending, DroppedStore{StoreID: dropped.StoreID, DropTs: ts, Namespace: ns})
	if dropped.SideStoreID != 0 {
		next.DropPending = append(next.DropPending, DroppedStore{StoreID: dropped.SideStoreID, DropTs: ts, Namespace: ns})
	}
	return next, dropped, nil
}

// WithoutDropped removes pending drops whose drop timestamp is at or below
// oldest, returning them. The version is unchanged: reaping is physical.
func (c *Catalog) WithoutDropped(oldest mvcc.Timestamp) (*Catalog, []DroppedStore) {
	var reaped []DroppedStore
	next := c.clone(c.Version)
	next.DropPending = next.DropPending[:0]
	for _, d := range c.DropPending {
		if d.DropTs <= oldest {
			reaped = append(reaped, d)
		} else {
			next.DropPending = append(next.DropPending, d)
		}
	}
	return next, reaped
}

// Marshal encodes the catalog for the checkpoint and the WAL.
func (c *Catalog) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a catalog and prepares its validators.
func Unmarshal(data []byte) (*Catalog, error) {
	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "decode catalog")
	}
	if c.Collections == nil {
		c.Collections = make(map[string]*Collection)
	}
	for _, coll := range c.Collections {
		if err := coll.compileSchema(); err != nil {
			return nil, fmt.Errorf("collection %q: %w", coll.Name, err)
		}
	}
	return c, nil
}

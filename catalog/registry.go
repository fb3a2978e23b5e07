package catalog

import (
	"sort"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Registry keeps the catalog versions that open snapshots may still bind.
type Registry struct {
	mu       sync.RWMutex
	versions []*Catalog // ascending by Version
}

// NewRegistry starts a registry at c.
func NewRegistry(c *Catalog) *Registry {
	if c == nil {
		c = New()
	}
	return &Registry{versions: []*Catalog{c}}
}

// Latest returns the newest version.
func (r *Registry) Latest() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[len(r.versions)-1]
}

// At returns the newest version whose Version is at or below ts.
func (r *Registry) At(ts mvcc.Timestamp) *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i].Version > ts })
	if i == 0 {
		return r.versions[0]
	}
	return r.versions[i-1]
}

// Install publishes c. A version equal to the latest replaces it.
func (r *Registry) Install(c *Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.versions[len(r.versions)-1]
	switch {
	case c.Version < last.Version:
		return storeerr.Newf(storeerr.CodeIllegalOperation,
			"catalog version %s is older than %s", c.Version, last.Version)
	case c.Version == last.Version:
		r.versions[len(r.versions)-1] = c
	default:
		r.versions = append(r.versions, c)
	}
	return nil
}

// Prune drops versions no snapshot at or after oldest can bind.
func (r *Registry) Prune(oldest mvcc.Timestamp) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := 0
	for i := len(r.versions) - 1; i > 0; i-- {
		if r.versions[i].Version <= oldest {
			keep = i
			break
		}
	}
	if keep == 0 {
		return 0
	}
	r.versions = append([]*Catalog(nil), r.versions[keep:]...)
	return keep
}

// Len returns the number of retained versions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions)
}

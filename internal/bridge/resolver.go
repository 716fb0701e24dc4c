package bridge

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// PlantLister lists every plant of the authorized account.
type PlantLister func(ctx context.Context) ([]isolarcloud.Plant, error)

// Resolver maps plant names to vendor plant ids. Known names are answered
// from the index without an upstream call, however old the index is. A miss
// rebuilds the whole index from the vendor's plant list.
type Resolver struct {
	list      PlantLister
	onRebuild func()

	mu       sync.RWMutex
	index    map[string]string
	rebuilds singleflight.Group
}

// NewResolver returns a Resolver with an empty index. onRebuild, when set,
// runs after every successful rebuild.
func NewResolver(list PlantLister, onRebuild func()) *Resolver {
	return &Resolver{
		list:      list,
		onRebuild: onRebuild,
		index:     map[string]string{},
	}
}

// Resolve returns the plant id for name.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if id, ok := r.lookup(name); ok {
		return id, nil
	}
	if err := r.Rebuild(ctx); err != nil {
		return "", err
	}
	if id, ok := r.lookup(name); ok {
		return id, nil
	}
	return "", &PlantNotFoundError{Name: name, Known: r.names()}
}

// Rebuild replaces the index with a fresh plant list. Plants without a name
// are skipped; on duplicate names the last plant listed wins.
func (r *Resolver) Rebuild(ctx context.Context) error {
	_, err, _ := r.rebuilds.Do("rebuild", func() (any, error) {
		plants, err := r.list(ctx)
		if err != nil {
			return nil, upstreamError("plants", err)
		}
		index := make(map[string]string, len(plants))
		for _, p := range plants {
			if p.Name == "" || p.ID == "" {
				continue
			}
			index[p.Name] = p.ID
		}
		r.mu.Lock()
		r.index = index
		r.mu.Unlock()
		if r.onRebuild != nil {
			r.onRebuild()
		}
		return nil, nil
	})
	return err
}

// Known returns a copy of the index.
func (r *Resolver) Known() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.index))
	for k, v := range r.index {
		out[k] = v
	}
	return out
}

// Restore replaces the index without calling the vendor or onRebuild.
func (r *Resolver) Restore(index map[string]string) {
	cp := make(map[string]string, len(index))
	for k, v := range index {
		cp[k] = v
	}
	r.mu.Lock()
	r.index = cp
	r.mu.Unlock()
}

func (r *Resolver) lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[name]
	return id, ok && id != ""
}

func (r *Resolver) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.index))
	for n := range r.index {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

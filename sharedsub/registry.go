package sharedsub

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/multierr"
)

// Registry indexes the groups of a destination by share name. Groups
// deregister themselves on close.
//
// Thread Safety: This struct is NOT thread-safe.
type Registry struct {
	groups map[string]*Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Create initializes and registers a group named cfg.Name.
func (x *Registry) Create(cfg GroupConfig) (*Group, error) {
	if _, ok := x.groups[cfg.Name]; ok {
		return nil, fmt.Errorf(`%w: %q`, ErrGroupExists, cfg.Name)
	}
	g, err := NewGroup(cfg)
	if err != nil {
		return nil, err
	}
	g.registry = x
	x.groups[g.name] = g
	return g, nil
}

// Get returns the named group, or nil.
func (x *Registry) Get(name string) *Group {
	return x.groups[name]
}

// Remove closes the named group, which deregisters it.
func (x *Registry) Remove(ctx context.Context, name string) error {
	g := x.groups[name]
	if g == nil {
		return fmt.Errorf(`%w: %q`, ErrUnknownGroup, name)
	}
	return g.Close(ctx)
}

// Names returns the names of the registered groups, sorted.
func (x *Registry) Names() []string {
	return slices.Sorted(maps.Keys(x.groups))
}

// Len returns the number of groups.
func (x *Registry) Len() int { return len(x.groups) }

// Each calls fn for each group, in name order, until it returns false. The
// registry may be modified by fn.
func (x *Registry) Each(fn func(g *Group) bool) {
	for _, name := range x.Names() {
		if g := x.groups[name]; g != nil && !fn(g) {
			return
		}
	}
}

// Close closes every group.
func (x *Registry) Close(ctx context.Context) (err error) {
	x.Each(func(g *Group) bool {
		err = multierr.Append(err, g.Close(ctx))
		return true
	})
	return
}

func (x *Registry) deregister(g *Group) {
	if x.groups[g.name] == g {
		delete(x.groups, g.name)
	}
}

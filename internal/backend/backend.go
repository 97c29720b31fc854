// Package backend selects and combines compute backends for tensor graphs.
package backend

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/murmur/internal/backend/cpu"
	"github.com/samcharles93/murmur/internal/backend/simd"
	"github.com/samcharles93/murmur/internal/tensor"
)

const (
	CPU  = "cpu"
	SIMD = "simd"
	Auto = "auto"
)

// Backend is a tensor backend that owns worker threads.
type Backend interface {
	tensor.Backend
	Close()
}

// Factory opens a backend with the given thread count.
type Factory func(threads int) (Backend, error)

type entry struct {
	name     string
	priority int
	factory  Factory
}

var (
	registryMu sync.RWMutex
	registry   []entry
)

func init() {
	Register(CPU, 0, func(threads int) (Backend, error) { return cpu.New(threads), nil })
	if simd.Available() {
		Register(SIMD, 10, func(threads int) (Backend, error) { return simd.New(threads), nil })
	}
}

// Register adds a backend. Higher priorities are preferred by Auto.
// Registering an existing name replaces it.
func Register(name string, priority int, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = slices.DeleteFunc(registry, func(e entry) bool { return e.name == name })
	registry = append(registry, entry{name: name, priority: priority, factory: f})
	slices.SortStableFunc(registry, func(a, b entry) int { return b.priority - a.priority })
}

// Has reports whether name is registered.
func Has(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.ContainsFunc(registry, func(e entry) bool { return e.name == name })
}

// Available returns a comma-separated list of registered backends,
// preferred first.
func Available() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for _, e := range registry {
		names = append(names, e.name)
	}
	return strings.Join(names, ",")
}

func Normalize(name string) (string, error) {
	b := strings.ToLower(strings.TrimSpace(name))
	if b == "" {
		return Auto, nil
	}
	if b == Auto || Has(b) {
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q (expected auto or one of %s)", b, Available())
}

// Open returns the named backend. Auto combines every registered backend
// in a Scheduler, most preferred first.
func Open(name string, threads int) (Backend, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	entries := slices.Clone(registry)
	registryMu.RUnlock()

	if name != Auto {
		for _, e := range entries {
			if e.name == name {
				return e.factory(threads)
			}
		}
	}

	var opened []Backend
	for _, e := range entries {
		b, err := e.factory(threads)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return nil, fmt.Errorf("open backend %s: %w", e.name, err)
		}
		opened = append(opened, b)
	}
	if len(opened) == 1 {
		return opened[0], nil
	}
	return NewScheduler(opened...), nil
}

package meshcoap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ResourceHandler serves inbound messages addressed to a registered URI path.
// It runs on the session's event loop and must not block.
type ResourceHandler func(m Inbound)

type resourceRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ResourceHandler // normalized URI path → handler
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{
		handlers: make(map[string]ResourceHandler),
	}
}

func (r *resourceRegistry) register(path string, fn ResourceHandler) error {
	key := normalizeResourcePath(path)
	if key == "" {
		return errors.New("resource path must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("nil handler for resource %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered for resource %q", key)
	}
	r.handlers[key] = fn
	return nil
}

func (r *resourceRegistry) lookup(path string) (ResourceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[normalizeResourcePath(path)]
	return fn, ok
}

// paths returns the registered resource paths in sorted order.
func (r *resourceRegistry) paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// normalizeResourcePath maps "/a//b/" and "a/b" to the same key "a/b".
func normalizeResourcePath(p string) string {
	return strings.Join(splitURIPath(p), "/")
}

package downloader

import "sync"

// Registry is a per-name exclusion set. It never persists anything.
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{held: make(map[string]struct{})}
}

// TryAcquire claims name. When ok is true the caller must call release exactly once,
// normally with defer.
func (r *Registry) TryAcquire(name string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.held[name]; busy {
		return nil, false
	}

	r.held[name] = struct{}{}

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, name)
			r.mu.Unlock()
		})
	}, true
}

// Held reports whether name is currently claimed.
func (r *Registry) Held(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.held[name]

	return ok
}

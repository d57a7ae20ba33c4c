package resolver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tasqhq/tasq/envelope"
)

// Loader fetches the current record identified by primaryKey and
// returns it fully materialized, ready to be handed to a task handler.
type Loader func(ctx context.Context, primaryKey any) (any, error)

// Registry maps class paths to the loaders that can resolve references
// to them.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register associates classPath with loader. A later call for the same
// class path replaces the previous loader.
func (r *Registry) Register(classPath string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[classPath] = loader
}

func (r *Registry) lookup(classPath string) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[classPath]
	return l, ok
}

// Resolve returns a shallow copy of args with every envelope.Ref value
// replaced by its materialized record; when args holds no Ref, args
// itself is returned. References are loaded
// concurrently; the first loader error cancels the remaining loads and
// is returned.
func (r *Registry) Resolve(ctx context.Context, args map[string]any) (map[string]any, error) {
	refs := make(map[string]envelope.Ref)
	for k, v := range args {
		if ref, ok := v.(envelope.Ref); ok {
			refs[k] = ref
		}
	}
	if len(refs) == 0 {
		return args, nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for key, ref := range refs {
		key, ref := key, ref
		g.Go(func() error {
			loader, ok := r.lookup(ref.ClassPath)
			if !ok {
				return fmt.Errorf("resolver: no loader registered for %q", ref.ClassPath)
			}
			v, err := loader(gctx, ref.PrimaryKey)
			if err != nil {
				return fmt.Errorf("resolver: loading %s(%v): %w", ref.ClassPath, ref.PrimaryKey, err)
			}
			mu.Lock()
			out[key] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

package pupilwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Registry shares one Service instance between host components with
// explicit refcounted lifecycle. The first Acquire builds the service,
// the last Release tears it down; the first caller's config wins for
// the lifetime of the instance.
type Registry struct {
	mu      sync.Mutex
	refs    int
	service *Service
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Acquire(ctx context.Context, config Config) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.service != nil {
		r.refs++
		slog.DebugContext(ctx, "reusing registered service", "refs", r.refs)
		return r.service, nil
	}

	service, err := NewService(ctx, config)
	if err != nil {
		return nil, err
	}
	r.service = service
	r.refs = 1
	slog.DebugContext(ctx, "registered new service")
	return service, nil
}

func (r *Registry) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.service == nil {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}

	if err := r.service.Close(); err != nil {
		slog.WarnContext(ctx, "error closing released service", "err", err)
	}
	r.service = nil
	r.refs = 0
}

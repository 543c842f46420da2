package cleanup

import (
	"context"
	"time"

	"md2pdf/internal/domain"
	"md2pdf/internal/storage"
	u "md2pdf/internal/utils"
)

// Observer receives sweep outcomes; metrics.Metrics implements it.
type Observer interface {
	DocumentDeleted(err error)
	DocumentsActive(n int)
}

type nopObserver struct{}

func (nopObserver) DocumentDeleted(error) {}
func (nopObserver) DocumentsActive(int)   {}

// Scheduler periodically deletes expired documents from the store.
type Scheduler struct {
	registry *Registry
	store    storage.Store
	interval time.Duration
	observer Observer
}

// NewScheduler wires a registry to the store it cleans.
func NewScheduler(registry *Registry, store storage.Store, interval time.Duration, obs Observer) *Scheduler {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Scheduler{registry: registry, store: store, interval: interval, observer: obs}
}

// Registry returns the registry handle passed to the conversion path.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Adopt registers files already present in the store so documents left by a
// previous process also expire. Their creation time is the file's mtime.
// Only names this service generates are adopted; other files in the output
// directory are never touched.
func (s *Scheduler) Adopt(ctx context.Context) (int, error) {
	objs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objs {
		if !domain.ValidDocumentName(o.Name) {
			continue
		}
		if _, ok := s.registry.Lookup(o.Name); ok {
			continue
		}
		s.registry.Register(domain.Document{Name: o.Name, CreatedAt: o.Modified, Size: int(o.Size)})
		n++
	}
	s.observer.DocumentsActive(s.registry.Len())
	return n, nil
}

// Sweep deletes every expired document once. Failed deletions stay registered
// and are retried on the next pass. It returns the number deleted.
func (s *Scheduler) Sweep(ctx context.Context) int {
	deleted := 0
	for _, doc := range s.registry.Expired(s.registry.Now()) {
		if ctx.Err() != nil {
			break
		}
		err := s.store.Delete(ctx, doc.Name)
		s.observer.DocumentDeleted(err)
		if err != nil {
			u.Warn("Failed to delete expired PDF", "name", doc.Name, "error", err)
			continue
		}
		s.registry.Remove(doc.Name)
		deleted++
	}
	s.observer.DocumentsActive(s.registry.Len())
	if deleted > 0 {
		u.Info("Expired PDFs removed", "count", deleted, "remaining", s.registry.Len())
	}
	return deleted
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

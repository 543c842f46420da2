// Package cleanup owns the set of generated documents that are waiting to be
// deleted and the background sweep that deletes them.
package cleanup

import (
	"sort"
	"sync"
	"time"

	"md2pdf/internal/domain"
)

// Registry tracks live documents by name. It is shared by handle between the
// conversion path (Register, Lookup) and the Scheduler (Expired, Remove).
type Registry struct {
	mu        sync.RWMutex
	docs      map[string]domain.Document
	retention time.Duration
	now       func() time.Time
}

// NewRegistry creates an empty registry with the given retention window.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		docs:      make(map[string]domain.Document),
		retention: retention,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Now returns the registry's notion of the current time.
func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// Retention is the lifetime of every registered document.
func (r *Registry) Retention() time.Duration { return r.retention }

// NewDocument names a new document stamped with the registry clock.
func (r *Registry) NewDocument(size int) domain.Document {
	return domain.NewDocument(r.Now(), r.retention, size)
}

// Register schedules doc for deletion at doc.CreatedAt + retention.
func (r *Registry) Register(doc domain.Document) {
	doc.ExpiresAt = doc.CreatedAt.Add(r.retention)
	r.mu.Lock()
	r.docs[doc.Name] = doc
	r.mu.Unlock()
}

// Lookup returns the document if it is registered and not yet expired.
func (r *Registry) Lookup(name string) (domain.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	if !ok || !r.now().Before(doc.ExpiresAt) {
		return domain.Document{}, false
	}
	return doc, true
}

// Expired lists documents whose expiry is at or before now, oldest first.
func (r *Registry) Expired(now time.Time) []domain.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Document
	for _, doc := range r.docs {
		if !now.Before(doc.ExpiresAt) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove forgets name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.docs, name)
	r.mu.Unlock()
}

// Len is the number of registered documents, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

package generate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the observable state of one generation request.
type Snapshot struct {
	RequestID      string    `json:"request_id"`
	IsGenerating   bool      `json:"is_generating"`
	CompletedTypes int       `json:"completed_types"`
	TotalTypes     int       `json:"total_types"`
	Completed      []string  `json:"completed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Progress tracks completed categories for a single request. It is advisory
// only; nothing reads it for control flow. A nil *Progress ignores updates.
type Progress struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewProgress returns a progress handle for requestID.
func NewProgress(requestID string) *Progress {
	return &Progress{snap: Snapshot{RequestID: requestID, Completed: []string{}, UpdatedAt: time.Now()}}
}

func (p *Progress) start(total int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.IsGenerating = true
	p.snap.TotalTypes = total
	p.snap.CompletedTypes = 0
	p.snap.Completed = []string{}
	p.snap.UpdatedAt = time.Now()
}

func (p *Progress) complete(category string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.CompletedTypes < p.snap.TotalTypes {
		p.snap.CompletedTypes++
	}
	p.snap.Completed = append(p.snap.Completed, category)
	p.snap.UpdatedAt = time.Now()
}

func (p *Progress) finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.IsGenerating = false
	p.snap.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{Completed: []string{}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.Completed = append([]string{}, p.snap.Completed...)
	return s
}

// Registry keys progress handles by request id so concurrent requests never
// share a slot. Finished entries beyond the capacity are evicted oldest first;
// running entries and the newest entry are never evicted.
type Registry struct {
	mu    sync.Mutex
	items map[string]*Progress
	order []string
	max   int
}

// NewRegistry keeps at most max handles; max <= 0 means 256.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = 256
	}
	return &Registry{items: map[string]*Progress{}, max: max}
}

// Start registers a new handle under a fresh request id.
func (r *Registry) Start() *Progress {
	return r.StartWithID(uuid.NewString())
}

// StartWithID registers a handle under a caller-chosen id, replacing any
// previous handle with the same id.
func (r *Registry) StartWithID(id string) *Progress {
	p := NewProgress(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	r.items[id] = p
	r.evictLocked()
	return p
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (*Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	return p, ok
}

func (r *Registry) evictLocked() {
	for len(r.order) > r.max {
		evicted := false
		for i, id := range r.order[:len(r.order)-1] {
			if r.items[id].Snapshot().IsGenerating {
				continue
			}
			delete(r.items, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

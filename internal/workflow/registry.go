package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("workflow not found")

// Registry holds the live machines, one per wizard run, keyed by id and
// scoped to their owner.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	deps     Deps
	idleTTL  time.Duration
	now      func() time.Time
}

func NewRegistry(deps Deps, idleTTL time.Duration) *Registry {
	return &Registry{
		machines: map[string]*Machine{},
		deps:     deps,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

func (r *Registry) Create(owner string) *Machine {
	r.Sweep()

	m := NewMachine(uuid.NewString(), owner, r.deps)
	m.now = r.now
	m.touched = r.now()

	r.mu.Lock()
	r.machines[m.ID()] = m
	r.mu.Unlock()
	return m
}

func (r *Registry) Get(id, owner string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[id]
	if !ok || m.Owner() != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

func (r *Registry) Delete(id, owner string) error {
	r.mu.Lock()
	m, ok := r.machines[id]
	if !ok || m.Owner() != owner {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.machines, id)
	r.mu.Unlock()

	m.Close()
	return nil
}

// Sweep drops machines idle for longer than the registry TTL. Machines with
// a call in flight are kept.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var expired []*Machine
	for id, m := range r.machines {
		touched, idle := m.idleSince()
		if idle && touched.Before(cutoff) {
			expired = append(expired, m)
			delete(r.machines, id)
		}
	}
	r.mu.Unlock()

	for _, m := range expired {
		m.Close()
	}
	return len(expired)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

package manager

import (
	"sync"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/scheduler"
)

// registry is the process-wide scheduler map. The write lock is held
// only for registry mutations; event dispatch reads a snapshot.
type registry struct {
	mu         sync.RWMutex
	schedulers map[datasource.ID]*scheduler.Scheduler
}

func newRegistry() *registry {
	return &registry{schedulers: make(map[datasource.ID]*scheduler.Scheduler)}
}

func (r *registry) lock()   { r.mu.Lock() }
func (r *registry) unlock() { r.mu.Unlock() }

func (r *registry) getLocked(id datasource.ID) *scheduler.Scheduler {
	return r.schedulers[id]
}

func (r *registry) putLocked(id datasource.ID, sched *scheduler.Scheduler) {
	r.schedulers[id] = sched
}

func (r *registry) removeLocked(id datasource.ID) {
	delete(r.schedulers, id)
}

// snapshot returns the schedulers matching the predicate, iterating the
// registry exactly once. A nil predicate matches everything.
func (r *registry) snapshot(match func(*datasource.DataSource) bool) []*scheduler.Scheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*scheduler.Scheduler, 0, len(r.schedulers))
	for _, sched := range r.schedulers {
		if match == nil || match(sched.Source()) {
			out = append(out, sched)
		}
	}
	return out
}

package lifecycle

import (
	"context"
	"sort"
	"sync"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Lanes is the set of independent trading lanes keyed by name. Lanes never
// share a state machine.
type Lanes struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
}

// NewLanes groups lanes by name. A later lane with a duplicate name replaces the earlier one.
func NewLanes(lanes ...*Lane) *Lanes {
	ls := &Lanes{lanes: make(map[string]*Lane, len(lanes))}
	for _, l := range lanes {
		ls.lanes[l.Name()] = l
	}
	return ls
}

// Start launches every lane.
func (ls *Lanes) Start(ctx context.Context) {
	for _, l := range ls.sorted() {
		l.Start(ctx)
	}
}

// Stop stops every lane concurrently and waits for all of them.
func (ls *Lanes) Stop() {
	var wg sync.WaitGroup
	for _, l := range ls.sorted() {
		wg.Add(1)
		go func(l *Lane) {
			defer wg.Done()
			l.Stop()
		}(l)
	}
	wg.Wait()
}

// Lane returns the lane with the given name.
func (ls *Lanes) Lane(name string) (*Lane, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	l, ok := ls.lanes[name]
	return l, ok
}

// Expedite clears the cooldown of every lane trading on exchange. It returns
// how many lanes were expedited.
func (ls *Lanes) Expedite(exchange string) int {
	n := 0
	for _, l := range ls.sorted() {
		if l.Exchange() == exchange {
			l.Expedite()
			n++
		}
	}
	return n
}

// Dashboards returns the latest snapshot of every lane, sorted by lane name.
func (ls *Lanes) Dashboards() []domain.DashboardSnapshot {
	lanes := ls.sorted()
	out := make([]domain.DashboardSnapshot, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, l.Dashboard())
	}
	return out
}

func (ls *Lanes) sorted() []*Lane {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]*Lane, 0, len(ls.lanes))
	for _, l := range ls.lanes {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

package testutil

import (
	"fmt"
	"sync"
)

// TaskIDs hands out task ids in a fixed order so that launched tasks can be
// named in assertions. It satisfies dispatch.IDGenerator.
type TaskIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewTaskIDs returns a generator yielding ids in order.
func NewTaskIDs(ids ...string) *TaskIDs {
	return &TaskIDs{ids: ids}
}

// SequentialTaskIDs returns a generator yielding task-1 through task-n.
func SequentialTaskIDs(n int) *TaskIDs {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("task-%d", i+1)
	}
	return NewTaskIDs(ids...)
}

// Generate returns the next id. It panics once every id has been used, so a
// test launching more tasks than it planned for fails loudly.
func (g *TaskIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic(fmt.Sprintf("task ids exhausted after %d launches", len(g.ids)))
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

package dispatch

import (
	"sync"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// Job is one segment waiting for a worker.
type Job struct {
	Segment ard.Segment
	// Output is the directory the worker writes products to.
	Output string
}

// jobQueue is a FIFO of jobs awaiting launch.
//
// Segments are enqueued by the offer loop and dequeued by the same loop;
// the lock protects reads from the status endpoint.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{jobs: make([]Job, 0, 64)}
}

// Enqueue adds a job to the back of the queue. Returns false if the queue
// is closed.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	j := q.jobs[0]
	// Drop the segment reference held by the backing array.
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops further enqueues.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

package engine

import (
	"sync"
	"sync/atomic"
)

// WorkQueue pairs a bounded non-blocking pending queue with an unbounded
// completed-result store. The pending side never blocks producers or
// consumers: enqueue on a full queue is rejected with ErrQueueFull and
// dequeue on an empty queue reports absence. All counters are atomic so the
// queue can be shared by any number of producers and consumers.
type WorkQueue struct {
	pending  chan *Job
	capacity int

	completedMu sync.Mutex
	completed   []*Result

	activeCount    atomic.Int64
	totalEnqueued  atomic.Uint64
	totalDequeued  atomic.Uint64
	queueFullCount atomic.Uint64
	currentVersion atomic.Uint64
}

// QueueStats is a point-in-time snapshot of queue counters. Fields are read
// independently, so a snapshot taken under concurrent traffic is internally
// approximate.
type QueueStats struct {
	Pending        int
	Capacity       int
	Completed      int
	ActiveJobs     int64
	TotalEnqueued  uint64
	TotalDequeued  uint64
	QueueFullCount uint64
	CurrentVersion uint64
}

// NewWorkQueue builds a queue holding at most capacity pending jobs.
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkQueue{
		pending:  make(chan *Job, capacity),
		capacity: capacity,
	}
}

// Enqueue offers a job to the pending queue. If the queue is full the job is
// rejected, the rejection counter is incremented and ErrQueueFull is
// returned. The queue's current version advances to the job's version so
// later purges can distinguish stale generations.
func (q *WorkQueue) Enqueue(job *Job) error {
	select {
	case q.pending <- job:
		q.totalEnqueued.Add(1)
		q.activeCount.Add(1)
		q.advanceVersion(job.Version)
		return nil
	default:
		q.queueFullCount.Add(1)
		return ErrQueueFull
	}
}

// Dequeue removes the oldest pending job. The second return is false when
// the queue is empty.
func (q *WorkQueue) Dequeue() (*Job, bool) {
	select {
	case job := <-q.pending:
		q.totalDequeued.Add(1)
		return job, true
	default:
		return nil, false
	}
}

// SubmitResult stores a completed result and releases the in-flight slot
// the originating job occupied.
func (q *WorkQueue) SubmitResult(r *Result) {
	q.completedMu.Lock()
	q.completed = append(q.completed, r)
	q.completedMu.Unlock()
	q.activeCount.Add(-1)
}

// TakeResult removes the oldest completed result, if any.
func (q *WorkQueue) TakeResult() (*Result, bool) {
	q.completedMu.Lock()
	defer q.completedMu.Unlock()
	if len(q.completed) == 0 {
		return nil, false
	}
	r := q.completed[0]
	q.completed = q.completed[1:]
	return r, true
}

// TakeResults removes up to max completed results in arrival order. A max
// of zero or less drains everything.
func (q *WorkQueue) TakeResults(max int) []*Result {
	q.completedMu.Lock()
	defer q.completedMu.Unlock()
	n := len(q.completed)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]*Result, n)
	copy(out, q.completed[:n])
	q.completed = q.completed[n:]
	return out
}

// BumpVersion advances the queue's generation and returns the new value.
func (q *WorkQueue) BumpVersion() uint64 {
	return q.currentVersion.Add(1)
}

// CurrentVersion returns the highest generation the queue has seen.
func (q *WorkQueue) CurrentVersion() uint64 {
	return q.currentVersion.Load()
}

func (q *WorkQueue) advanceVersion(v uint64) {
	for {
		cur := q.currentVersion.Load()
		if v <= cur || q.currentVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// PurgeStale drains the pending queue and re-enqueues only jobs whose
// version is at least minVersion, returning the number of jobs dropped.
// Jobs that cannot be re-enqueued because the queue refilled concurrently
// are counted as purged. Purged jobs release their in-flight slots.
func (q *WorkQueue) PurgeStale(minVersion uint64) int {
	var kept []*Job
	purged := 0

	for {
		select {
		case job := <-q.pending:
			if job.Version >= minVersion {
				kept = append(kept, job)
			} else {
				purged++
				q.activeCount.Add(-1)
			}
		default:
			for _, job := range kept {
				select {
				case q.pending <- job:
				default:
					purged++
					q.activeCount.Add(-1)
				}
			}
			return purged
		}
	}
}

// Stats returns a snapshot of the queue counters.
func (q *WorkQueue) Stats() QueueStats {
	q.completedMu.Lock()
	completed := len(q.completed)
	q.completedMu.Unlock()

	return QueueStats{
		Pending:        len(q.pending),
		Capacity:       q.capacity,
		Completed:      completed,
		ActiveJobs:     q.activeCount.Load(),
		TotalEnqueued:  q.totalEnqueued.Load(),
		TotalDequeued:  q.totalDequeued.Load(),
		QueueFullCount: q.queueFullCount.Load(),
		CurrentVersion: q.currentVersion.Load(),
	}
}

// IsNearlyFull reports whether pending occupancy exceeds the given fraction
// of capacity.
func (q *WorkQueue) IsNearlyFull(threshold float64) bool {
	return float64(len(q.pending))/float64(q.capacity) > threshold
}

// Capacity returns the pending queue's fixed capacity.
func (q *WorkQueue) Capacity() int { return q.capacity }

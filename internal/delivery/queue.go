package delivery

import (
	"container/heap"
	"sync"

	"mailflow/backend/internal/domain"
)

// queuedJob 队列里的一个任务，seq 用于同优先级的粗略先来先服务。
type queuedJob struct {
	job *domain.EmailJob
	seq uint64
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// jobQueue 有界优先级队列。HIGH 先于 NORMAL 先于 LOW 出队；
// 重试重新入队后同级内不保证先来先服务。
type jobQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    jobHeap
	capacity int
	closed   bool
	seq      uint64
}

func newJobQueue(capacity int) *jobQueue {
	q := &jobQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue 入队。队列已满返回 ErrQueueFull，已关闭返回 ErrRelayStopped。
func (q *jobQueue) Enqueue(job *domain.EmailJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrRelayStopped
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.seq++
	heap.Push(&q.items, &queuedJob{job: job, seq: q.seq})
	q.cond.Signal()
	return nil
}

// Dequeue 取出优先级最高的任务，队列为空时阻塞。
// 队列关闭且排空后返回 false。
func (q *jobQueue) Dequeue() (*domain.EmailJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	item := heap.Pop(&q.items).(*queuedJob)
	return item.job, true
}

// Close 关闭队列。已入队的任务仍会被取出，新任务被拒绝。
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len 当前排队任务数。
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

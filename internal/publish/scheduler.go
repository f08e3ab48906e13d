package publish

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultMinDelay is the pacing between successive sends.
const DefaultMinDelay = 2 * time.Second

// item is one queued publish. Results arrive on the done channel exactly
// once. seq preserves enqueue order within a priority.
type item struct {
	event    *nostr.Event
	priority int
	seq      uint64
	done     chan []Result
}

// itemHeap orders by priority descending, then enqueue order ascending.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler drains a priority queue into the pool with inter-send pacing.
// Enqueue never blocks; the drain task is strictly serialized.
type Scheduler struct {
	pool     *Pool
	minDelay time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	queue  itemHeap
	seq    uint64
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler over pool. minDelay <= 0 uses the default.
func NewScheduler(pool *Pool, minDelay time.Duration) *Scheduler {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Scheduler{
		pool:     pool,
		minDelay: minDelay,
		log:      slog.With("component", "publish-scheduler"),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the drain task.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(ctx)
	}()
}

// Stop cancels the drain task and resolves all queued items as cancelled.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, it := range queue {
		it.done <- cancelledResults(s.pool.Endpoints())
	}
}

// Enqueue adds ev to the queue and returns the settlement channel. It never
// blocks; the channel receives exactly one result slice.
func (s *Scheduler) Enqueue(ev *nostr.Event, priority int) <-chan []Result {
	done := make(chan []Result, 1)
	s.mu.Lock()
	s.seq++
	heap.Push(&s.queue, &item{
		event:    ev,
		priority: priority,
		seq:      s.seq,
		done:     done,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return done
}

// QueueDepth reports how many items wait in the queue.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		it := s.pop()
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		if ctx.Err() != nil {
			it.done <- cancelledResults(s.pool.Endpoints())
			return
		}

		it.done <- s.pool.Publish(ctx, it.event)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.minDelay):
		}
	}
}

func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return heap.Pop(&s.queue).(*item)
}

func cancelledResults(endpoints []string) []Result {
	out := make([]Result, 0, len(endpoints))
	for _, url := range endpoints {
		out = append(out, Result{Endpoint: url, Reason: ReasonCancelled})
	}
	return out
}

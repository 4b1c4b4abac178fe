package common

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// TaskRunner runs tasks one at a time, in the order of their deadlines.
// Tasks with the same deadline run in the order they were posted. A task
// may post further tasks.
type TaskRunner interface {
	PostTask(task func())
	PostDelayedTask(task func(), delay time.Duration)
	Now() time.Time
}

// RunSync posts task and waits until it has run. It must not be called
// from a task running on the same runner. If the runner stops first,
// RunSync returns false and task never runs.
func RunSync(runner TaskRunner, task func()) bool {
	done := make(chan struct{})
	runner.PostTask(func() {
		defer close(done)
		task()
	})
	var stopped <-chan struct{}
	if s, ok := runner.(interface{ Stopped() <-chan struct{} }); ok {
		stopped = s.Stopped()
	}
	select {
	case <-done:
		return true
	case <-stopped:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// A callable is a function that is called and return an (optional) next scheduled time
type callable func() time.Time

type schedCall struct {
	t   time.Time
	seq uint64
	c   callable
}

func (sc *schedCall) FromNow(now time.Time) time.Duration {
	if sc.t.After(now) {
		return sc.t.Sub(now)
	}
	return time.Duration(0)
}

////////////////////////////////////////////////////////////////////////////////

// A min-heap of scheduled callables, FIFO for equal times
type schedCallsHeap []*schedCall

func (ch *schedCallsHeap) Len() int { return len(*ch) }
func (ch *schedCallsHeap) Less(i, j int) bool {
	a, b := (*ch)[i], (*ch)[j]
	if a.t.Equal(b.t) {
		return a.seq < b.seq
	}
	return a.t.Before(b.t)
}
func (ch *schedCallsHeap) Swap(i, j int) {
	(*ch)[i], (*ch)[j] = (*ch)[j], (*ch)[i]
}

func (ch *schedCallsHeap) Push(x interface{}) {
	// Push and Pop use pointer receivers because they modify the slice's length,
	// not just its contents.
	entry := x.(*schedCall)
	*ch = append(*ch, entry)
}

func (ch *schedCallsHeap) Pop() interface{} {
	old := *ch
	n := len(old)
	item := old[n-1]
	*ch = old[0 : n-1]
	return item
}

func (ch *schedCallsHeap) durationUntilNext(now time.Time) time.Duration {
	if len(*ch) > 0 {
		return (*ch)[0].FromNow(now)
	}
	return time.Duration(math.MaxInt64)
}

////////////////////////////////////////////////////////////////////////////////

// SchedQueue is queue of scheduled callables, run sequentially on one goroutine.
// It is the TaskRunner used outside of tests.
type SchedQueue struct {
	sync.Mutex
	clock      clock.Clock
	callablesH schedCallsHeap
	seq        uint64
	wakeChan   chan struct{}
	closeChan  chan struct{}
	doneChan   chan struct{}
	counter    uint64 // number of calls invoked so far (used for stats). Note: it will wrap.
}

// NewSchedQueue creates a new scheduled queue
func NewSchedQueue(clock clock.Clock) *SchedQueue {
	cq := SchedQueue{
		clock:     clock,
		wakeChan:  make(chan struct{}, 1),
		closeChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	heap.Init(&cq.callablesH)
	return &cq
}

// Start starts the scheduled queue
func (cq *SchedQueue) Start() {
	go func() {
		defer close(cq.doneChan)
		defer func() { Log.Debugf("[sched-q] Quitting (%d calls pending)", cq.pending()) }()

		for {
			now := cq.clock.Now()
			for {
				sched := cq.popDue(now)
				if sched == nil {
					break
				}
				atomic.AddUint64(&cq.counter, 1)
				if next := sched.c(); !next.IsZero() {
					Log.Debugf("[sched-q] Re-scheduled at %s", next)
					cq.Add(sched.c, next)
				}
				select {
				case <-cq.closeChan:
					return
				default:
				}
				now = cq.clock.Now()
			}

			cq.Lock()
			durationUntilNext := cq.callablesH.durationUntilNext(now)
			cq.Unlock()

			timer := cq.clock.Timer(durationUntilNext)
			// Wait until an insertion, until the next callable or until we are Stop()ed
			select {
			case <-cq.wakeChan:
			case <-timer.C:
			case <-cq.closeChan:
				timer.Stop()
				return
			}
			timer.Stop()
		}
	}()
}

// Stop stops the scheduled queue. Pending calls are dropped.
func (cq *SchedQueue) Stop() {
	Log.Debugf("[sched-q] Stopping...")
	close(cq.closeChan)
	<-cq.doneChan
}

// Stopped is closed once the queue has stopped running calls.
func (cq *SchedQueue) Stopped() <-chan struct{} {
	return cq.doneChan
}

// Add schedules a call.
func (cq *SchedQueue) Add(c callable, t time.Time) {
	cq.Lock()
	cq.seq++
	heap.Push(&cq.callablesH, &schedCall{c: c, t: t, seq: cq.seq})
	cq.Unlock()

	select {
	case cq.wakeChan <- struct{}{}:
	default:
	}
}

// PostTask runs task as soon as possible.
func (cq *SchedQueue) PostTask(task func()) {
	cq.PostDelayedTask(task, 0)
}

// PostDelayedTask runs task once, after delay.
func (cq *SchedQueue) PostDelayedTask(task func(), delay time.Duration) {
	cq.Add(func() time.Time {
		task()
		return time.Time{}
	}, cq.clock.Now().Add(delay))
}

func (cq *SchedQueue) Now() time.Time {
	return cq.clock.Now()
}

// Counter returns the number of calls invoked in the queued
// Note: the result will wrap over time.
func (cq *SchedQueue) Count() uint64 {
	return atomic.LoadUint64(&cq.counter)
}

func (cq *SchedQueue) popDue(now time.Time) *schedCall {
	cq.Lock()
	defer cq.Unlock()
	if len(cq.callablesH) == 0 || cq.callablesH.durationUntilNext(now) > 0 {
		return nil
	}
	return heap.Pop(&cq.callablesH).(*schedCall)
}

func (cq *SchedQueue) pending() int {
	cq.Lock()
	defer cq.Unlock()
	return len(cq.callablesH)
}

package common

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
)

// FakeTaskRunner is a TaskRunner for tests. Nothing runs until the test
// calls RunTasksUntilIdle or AdvanceClock, and then everything runs on the
// calling goroutine.
type FakeTaskRunner struct {
	clock *clock.Mock
	tasks schedCallsHeap
	seq   uint64
}

func NewFakeTaskRunner(clk *clock.Mock) *FakeTaskRunner {
	if clk == nil {
		clk = clock.NewMock()
	}
	r := &FakeTaskRunner{clock: clk}
	heap.Init(&r.tasks)
	return r
}

func (r *FakeTaskRunner) PostTask(task func()) {
	r.PostDelayedTask(task, 0)
}

func (r *FakeTaskRunner) PostDelayedTask(task func(), delay time.Duration) {
	r.seq++
	heap.Push(&r.tasks, &schedCall{
		t:   r.clock.Now().Add(delay),
		seq: r.seq,
		c: func() time.Time {
			task()
			return time.Time{}
		},
	})
}

func (r *FakeTaskRunner) Now() time.Time {
	return r.clock.Now()
}

func (r *FakeTaskRunner) Clock() *clock.Mock {
	return r.clock
}

// RunTasksUntilIdle runs every task that is due now, including the ones
// posted by the tasks themselves.
func (r *FakeTaskRunner) RunTasksUntilIdle() {
	now := r.clock.Now()
	for len(r.tasks) > 0 && r.tasks.durationUntilNext(now) == 0 {
		sched := heap.Pop(&r.tasks).(*schedCall)
		sched.c()
	}
}

// AdvanceClock moves time forward by d, stopping at every task deadline on
// the way so delayed tasks observe the time they were scheduled for.
func (r *FakeTaskRunner) AdvanceClock(d time.Duration) {
	target := r.clock.Now().Add(d)
	r.RunTasksUntilIdle()
	for len(r.tasks) > 0 && !r.tasks[0].t.After(target) {
		if next := r.tasks[0].t; next.After(r.clock.Now()) {
			r.clock.Set(next)
		}
		r.RunTasksUntilIdle()
	}
	if target.After(r.clock.Now()) {
		r.clock.Set(target)
	}
	r.RunTasksUntilIdle()
}

// PendingTasks returns the number of tasks not run yet, due or not.
func (r *FakeTaskRunner) PendingTasks() int {
	return len(r.tasks)
}

package common

import "time"

type alarmToken struct {
	cancelled bool
}

// Alarm runs at most one pending callback on a TaskRunner. Scheduling again
// replaces the pending callback, and a cancelled callback never runs, even
// if the runner already holds the task. Use it only from tasks on runner.
type Alarm struct {
	runner TaskRunner
	token  *alarmToken
}

func NewAlarm(runner TaskRunner) *Alarm {
	return &Alarm{runner: runner}
}

func (a *Alarm) Schedule(fn func(), delay time.Duration) {
	a.Cancel()
	token := &alarmToken{}
	a.token = token
	a.runner.PostDelayedTask(func() {
		if token.cancelled {
			return
		}
		a.token = nil
		fn()
	}, delay)
}

func (a *Alarm) Cancel() {
	if a.token != nil {
		a.token.cancelled = true
		a.token = nil
	}
}

func (a *Alarm) IsScheduled() bool {
	return a.token != nil
}

package engine

import (
	"time"

	"github.com/zjrosen/easync/internal/log"
)

// alarmEntry tracks one mailbox's sleep alarm. misses counts fires that
// found the worker still blocked; two in a row reach for the transport
// break glass.
type alarmEntry struct {
	timer  *time.Timer
	misses int
}

// RunAwake marks the mailbox's worker as actively working: it joins the
// wake-lock holder set and its sleep alarm is cleared.
func (e *Engine) RunAwake(mailboxID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wakeLocks[mailboxID] = struct{}{}
	if a, ok := e.alarms[mailboxID]; ok {
		a.timer.Stop()
		delete(e.alarms, mailboxID)
	}
}

// RunAsleep parks the mailbox's worker in a long blocking wait: it
// leaves the holder set and an alarm is armed slightly past d to break
// the wait if the socket read never returns.
func (e *Engine) RunAsleep(mailboxID int64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.wakeLocks, mailboxID)

	if a, ok := e.alarms[mailboxID]; ok {
		a.timer.Stop()
	}
	a := &alarmEntry{}
	if prev, ok := e.alarms[mailboxID]; ok {
		a.misses = prev.misses
	}
	a.timer = time.AfterFunc(d+5*time.Second, func() {
		e.fireAlarm(mailboxID)
	})
	e.alarms[mailboxID] = a
}

// fireAlarm breaks a worker out of a wait that overran its alarm. A
// worker that misses two alarms in a row is presumed wedged on a dead
// socket; the transport break glass fails every in-flight request.
func (e *Engine) fireAlarm(mailboxID int64) {
	e.mu.Lock()
	entry := e.workers[mailboxID]
	a := e.alarms[mailboxID]
	if a != nil {
		a.misses++
	}
	misses := 0
	if a != nil {
		misses = a.misses
	}
	e.mu.Unlock()

	if entry == nil {
		return
	}

	log.Debug(log.CatEngine, "Alarm fired", "mailbox", mailboxID, "misses", misses)
	entry.worker.Alarm()

	if misses >= 2 {
		e.transport.Shutdown()
		e.mu.Lock()
		if a, ok := e.alarms[mailboxID]; ok {
			a.misses = 0
		}
		e.mu.Unlock()
	}

	e.Kick("worker alarm")
}

// releaseWakeLock drops the mailbox from the holder set and cancels its
// alarm. Called on worker completion.
func (e *Engine) releaseWakeLock(mailboxID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.wakeLocks, mailboxID)
	if a, ok := e.alarms[mailboxID]; ok {
		a.timer.Stop()
		delete(e.alarms, mailboxID)
	}
}

// HoldingWakeLock reports whether any worker currently holds the
// process wake lock.
func (e *Engine) HoldingWakeLock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.wakeLocks) > 0
}

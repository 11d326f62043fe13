package engine

import (
	"time"

	"github.com/zjrosen/easync/internal/eas"
	"github.com/zjrosen/easync/internal/log"
)

// Error-hold escalation bounds.
const (
	holdInitial = 15 * time.Second
	holdMax     = 4 * time.Minute
)

// syncError is the per-mailbox failure record. Transient I/O failures
// hold the mailbox for an escalating delay; fatal failures park it
// until the user acts (host change, release hold).
type syncError struct {
	reason    eas.ExitStatus
	accountID int64
	fatal     bool
	holdDelay time.Duration
	holdEnd   time.Time
}

// held reports whether the mailbox is still inside its hold window.
func (se *syncError) held(now time.Time) bool {
	return !se.fatal && now.Before(se.holdEnd)
}

// recordError inserts or escalates the mailbox's error record after a
// non-clean worker exit. I/O errors double the hold up to the cap;
// login/security/exception exits are fatal and never auto-retried.
func (e *Engine) recordError(mailboxID, accountID int64, exit eas.ExitStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exit.Fatal() {
		e.syncErrors[mailboxID] = &syncError{
			reason:    exit,
			accountID: accountID,
			fatal:     true,
		}
		log.Warn(log.CatEngine, "Fatal sync error",
			"mailbox", mailboxID, "reason", exit.String())
		return
	}

	se, ok := e.syncErrors[mailboxID]
	if !ok {
		se = &syncError{
			reason:    exit,
			accountID: accountID,
			holdDelay: holdInitial,
		}
		e.syncErrors[mailboxID] = se
	} else {
		se.holdDelay = min(se.holdDelay*2, holdMax)
	}
	se.holdEnd = time.Now().Add(se.holdDelay)

	log.Debug(log.CatEngine, "Sync error hold",
		"mailbox", mailboxID, "delay", se.holdDelay.String())
}

// releaseSyncHolds removes error records matching the reason for the
// account (0 means all accounts), then kicks the loop.
func (e *Engine) releaseSyncHolds(reason eas.ExitStatus, accountID int64) {
	e.mu.Lock()
	released := 0
	for id, se := range e.syncErrors {
		if se.reason != reason {
			continue
		}
		if accountID != 0 && se.accountID != accountID {
			continue
		}
		delete(e.syncErrors, id)
		released++
	}
	e.mu.Unlock()

	if released > 0 {
		log.Debug(log.CatEngine, "Released sync holds",
			"reason", reason.String(), "count", released)
		e.Kick("holds released")
	}
}

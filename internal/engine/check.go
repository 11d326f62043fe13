package engine

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
)

// Wait clamps for the scheduling loop.
const (
	minWait     = 250 * time.Millisecond
	maxWait     = 11 * time.Minute
	cleanupWait = 3 * time.Second
)

// checkMailboxes walks every syncable mailbox and decides what must run
// now and how long the loop may sleep. It returns the winning wait and
// a human-readable reason for the log.
func (e *Engine) checkMailboxes(ctx context.Context) (time.Duration, string) {
	nextWait := defaultWait
	reason := "idle"
	shrink := func(d time.Duration, why string) {
		if d < minWait {
			d = minWait
		}
		if d > maxWait {
			d = maxWait
		}
		if d < nextWait {
			nextWait = d
			reason = why
		}
	}

	mailboxes, err := e.store.ListSyncableMailboxes()
	if err != nil {
		log.ErrorErr(log.CatEngine, "Listing syncable mailboxes", err)
		return cleanupWait, "store error"
	}
	mailboxes = e.withPendingMailboxes(mailboxes)

	now := time.Now()
	for _, m := range mailboxes {
		e.mu.Lock()
		entry := e.workers[m.ID]
		pendingReason, pending := e.pendingSyncs[m.ID]
		se := e.syncErrors[m.ID]
		e.mu.Unlock()

		if entry != nil {
			if !entry.Alive() {
				// Completion event is in flight; come back shortly.
				shrink(cleanupWait, "clean up dead worker(s)")
				continue
			}
			if entry.worker.Queue().Len() > 0 {
				// Requests are waiting; break the worker out of any
				// long poll so it drains them.
				entry.worker.Alarm()
			}
			continue
		}

		if se != nil {
			if se.fatal {
				continue
			}
			if se.held(now) {
				shrink(se.holdEnd.Sub(now), "Release hold")
				continue
			}
			// Hold elapsed: clear the end time but keep the record so
			// the next failure escalates.
			e.mu.Lock()
			se.holdEnd = time.Time{}
			e.mu.Unlock()
		}

		// Parked work is user- or server-initiated and skips the
		// auto-sync gates.
		if pending {
			e.startWorker(ctx, m, pendingReason)
			continue
		}

		if !e.autoSyncAllowed(m) {
			continue
		}

		switch {
		case m.SyncInterval == store.IntervalPush:
			e.startWorker(ctx, m, store.ReasonPush)

		case m.Type == store.TypeOutbox:
			sendable, err := e.store.HasSendableMessage(m.ID)
			if err != nil {
				log.ErrorErr(log.CatEngine, "Checking outbox", err, "mailbox", m.ID)
				continue
			}
			if sendable {
				e.startWorker(ctx, m, store.ReasonUser)
			}

		case m.SyncInterval > 0 && m.SyncInterval <= store.MaxIntervalMinutes:
			due := m.LastSync.Add(time.Duration(m.SyncInterval) * time.Minute)
			if !now.Before(due) {
				e.startWorker(ctx, m, store.ReasonScheduled)
			} else {
				shrink(due.Sub(now), "Scheduled sync, "+m.DisplayName)
			}
		}
	}

	return nextWait, reason
}

// withPendingMailboxes adds mailboxes that hold parked syncs or
// requests but fall outside the syncable set, such as a user-requested
// sync or an attachment download on a folder that never syncs on its
// own. Parked work for mailboxes that no longer exist is dropped.
func (e *Engine) withPendingMailboxes(mailboxes []*store.Mailbox) []*store.Mailbox {
	seen := make(map[int64]struct{}, len(mailboxes))
	for _, m := range mailboxes {
		seen[m.ID] = struct{}{}
	}

	e.mu.Lock()
	var parked []int64
	for id := range e.pendingSyncs {
		if _, ok := seen[id]; !ok {
			parked = append(parked, id)
			seen[id] = struct{}{}
		}
	}
	for id := range e.pendingReqs {
		if _, ok := seen[id]; !ok {
			parked = append(parked, id)
			seen[id] = struct{}{}
		}
	}
	e.mu.Unlock()

	for _, id := range parked {
		m, err := e.store.GetMailbox(id)
		if errors.Is(err, store.ErrNotFound) {
			e.mu.Lock()
			delete(e.pendingSyncs, id)
			delete(e.pendingReqs, id)
			e.mu.Unlock()
			continue
		}
		if err != nil {
			log.ErrorErr(log.CatEngine, "Loading mailbox with parked work", err, "mailbox", id)
			continue
		}
		mailboxes = append(mailboxes, m)
	}
	return mailboxes
}

// autoSyncAllowed applies the background-data and auto-sync gates to a
// mailbox with no running worker.
func (e *Engine) autoSyncAllowed(m *store.Mailbox) bool {
	switch m.Type {
	case store.TypeContacts:
		if !e.opts.MasterAutoSync || !e.opts.SyncContacts {
			return false
		}
	case store.TypeCalendar:
		if !e.opts.MasterAutoSync || !e.opts.SyncCalendar {
			return false
		}
	}
	if !e.opts.BackgroundData && m.Type != store.TypeOutbox {
		return false
	}
	return true
}

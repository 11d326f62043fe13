package engine

import (
	"context"
	"time"

	"github.com/zjrosen/easync/internal/eas"
	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/pubsub"
	"github.com/zjrosen/easync/internal/store"
)

// upsyncDebounce is how long the engine waits after the last local
// message edit before pushing changes upstream. Repeated edits re-arm
// the timer.
const upsyncDebounce = 10 * time.Second

// startObservers registers the store observers: account changes
// reconcile the worker set, mailbox and message changes kick the loop,
// and synced-message changes arm the debounced upsync alarm.
func (e *Engine) startObservers(ctx context.Context) {
	accounts := e.store.Accounts().Subscribe(ctx)
	mailboxes := e.store.Mailboxes().Subscribe(ctx)
	messages := e.store.Messages().Subscribe(ctx)
	synced := e.store.SyncedMessages().Subscribe(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-accounts:
				if !ok {
					return
				}
				// Reconciliation may block on the store; keep it off
				// the observer goroutine.
				go e.reconcileAccount(ev)
			case ev, ok := <-mailboxes:
				if !ok {
					return
				}
				e.Kick("mailbox changed " + string(ev.Type))
			case _, ok := <-messages:
				if !ok {
					return
				}
				e.Kick("message changed")
			case _, ok := <-synced:
				if !ok {
					return
				}
				e.scheduleUpsync()
			}
		}
	}()
}

// reconcileAccount reacts to an account mutation: removals stop the
// account's workers; other edits invalidate the cached snapshot.
// Workers update their own account rows (sync key, protocol version)
// constantly, so updates never stop workers here; credential edits go
// through the explicit HostChanged path instead.
func (e *Engine) reconcileAccount(ev pubsub.Event[store.ChangeEvent]) {
	accountID := ev.Payload.AccountID
	e.cache.Invalidate(accountID)

	if ev.Type == pubsub.DeletedEvent {
		log.Info(log.CatEngine, "Account removed", "account", accountID)
		e.stopAccountWorkers(accountID, 0)
	}
	e.Kick("account changed")
}

// scheduleUpsync (re)arms the single debounced upsync alarm. Two edits
// close together fire once, relative to the later edit.
func (e *Engine) scheduleUpsync() {
	e.upsyncMu.Lock()
	defer e.upsyncMu.Unlock()

	if e.upsyncTimer != nil {
		e.upsyncTimer.Stop()
	}
	e.upsyncTimer = time.AfterFunc(upsyncDebounce, func() {
		e.post(event{kind: evUpsyncFired})
	})
}

// dispatchUpsync enumerates mailboxes with pending local changes and
// routes an upsync request to each.
func (e *Engine) dispatchUpsync() {
	ids, err := e.store.DirtyMailboxIDs()
	if err != nil {
		log.ErrorErr(log.CatEngine, "Listing dirty mailboxes", err)
		return
	}

	for _, id := range ids {
		e.mu.Lock()
		entry := e.workers[id]
		if entry == nil {
			if _, queued := e.pendingSyncs[id]; !queued {
				e.pendingSyncs[id] = store.ReasonUpsync
			}
		}
		e.mu.Unlock()

		if entry != nil {
			if err := entry.worker.Queue().Enqueue(eas.NewUpsync()); err != nil {
				log.ErrorErr(log.CatEngine, "Enqueueing upsync", err, "mailbox", id)
			}
			entry.worker.Alarm()
		}
	}
	if len(ids) > 0 {
		log.Debug(log.CatEngine, "Upsync dispatched", "mailboxes", len(ids))
		e.Kick("upsync")
	}
}

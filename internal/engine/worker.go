package engine

import (
	"context"
	"time"

	"github.com/zjrosen/easync/internal/eas"
	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// workerEntry is one registry slot. A mailbox id has at most one entry;
// the slot lives from startWorker until handleCompletion releases it.
type workerEntry struct {
	worker *eas.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Alive reports whether the worker goroutine is still running.
func (we *workerEntry) Alive() bool {
	select {
	case <-we.done:
		return false
	default:
		return true
	}
}

// startWorker creates, registers and launches exactly one worker for
// the mailbox. Pending requests parked for the mailbox move onto the
// new worker's queue. Starting a collection worker breaks the account
// mailbox's Ping so the next iteration sees the change.
func (e *Engine) startWorker(ctx context.Context, m *store.Mailbox, reason store.SyncReason) {
	account, err := e.cache.Get(m.AccountID)
	if err != nil {
		log.ErrorErr(log.CatEngine, "Loading account for worker", err, "mailbox", m.ID)
		return
	}
	if account.SecurityHold && m.Type != store.TypeOutbox {
		return
	}

	client, err := eas.NewClient(e.transport, account, e.opts.DataDir)
	if err != nil {
		log.ErrorErr(log.CatEngine, "Building client", err, "mailbox", m.ID)
		return
	}

	w := eas.NewWorker(account, m, e.store, client, e, e)
	w.Reason = reason

	wctx, cancel := context.WithCancel(ctx)
	entry := &workerEntry{worker: w, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	if _, exists := e.workers[m.ID]; exists {
		// One worker per mailbox; the existing one finishes first.
		e.mu.Unlock()
		cancel()
		return
	}
	e.workers[m.ID] = entry
	delete(e.pendingSyncs, m.ID)
	for _, req := range e.pendingReqs[m.ID] {
		if err := w.Queue().Enqueue(req); err != nil {
			log.ErrorErr(log.CatEngine, "Moving parked request", err, "mailbox", m.ID)
		}
	}
	delete(e.pendingReqs, m.ID)
	e.mu.Unlock()

	e.RunAwake(m.ID)

	log.Debug(log.CatEngine, "Starting worker",
		"mailbox", m.ID, "name", m.DisplayName, "reason", reason.String())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		spanCtx, span := e.opts.Tracer.Start(wctx, tracing.SpanPrefixWorker+"run",
			trace.WithAttributes(
				attribute.Int64(tracing.AttrMailboxID, m.ID),
				attribute.Int64(tracing.AttrAccountID, m.AccountID),
				attribute.String(tracing.AttrMailboxType, m.Type.String()),
				attribute.String(tracing.AttrSyncReason, reason.String()),
			))
		exit := w.Run(spanCtx)
		span.SetAttributes(attribute.String(tracing.AttrExitStatus, exit.String()))
		span.End()
		cancel()
		close(entry.done)
		select {
		case e.events <- event{kind: evWorkerDone, mailboxID: m.ID, exit: exit}:
		case <-ctx.Done():
		}
	}()

	if m.Type != store.TypeAccount {
		e.alarmAccountMailbox(m.AccountID)
	}
}

// alarmAccountMailbox breaks the account mailbox's Ping so its next
// iteration re-enumerates the push set.
func (e *Engine) alarmAccountMailbox(accountID int64) {
	accountMailbox, err := e.store.AccountMailbox(accountID)
	if err != nil {
		return
	}
	e.mu.Lock()
	entry := e.workers[accountMailbox.ID]
	e.mu.Unlock()
	if entry != nil {
		entry.worker.Alarm()
	}
}

// handleCompletion releases the worker's registry slot, its wake lock
// and alarm, and applies the error-hold policy for its exit status.
func (e *Engine) handleCompletion(mailboxID int64, exit eas.ExitStatus) {
	e.mu.Lock()
	entry := e.workers[mailboxID]
	delete(e.workers, mailboxID)
	e.mu.Unlock()
	if entry == nil {
		return
	}

	e.releaseWakeLock(mailboxID)

	log.Debug(log.CatEngine, "Worker finished",
		"mailbox", mailboxID, "exit", exit.String())

	accountID := entry.worker.Account.ID
	switch {
	case exit == eas.ExitDone:
		e.mu.Lock()
		delete(e.syncErrors, mailboxID)
		e.mu.Unlock()
		e.transport.ResetShutdownCount()

	default:
		e.recordError(mailboxID, accountID, exit)
	}

	// On a clean exit, requests that arrived after the final drain get a
	// fresh worker. On a failure, the unserved remainder retries once the
	// hold lifts.
	if remaining := entry.worker.Queue().Drain(); len(remaining) > 0 {
		e.mu.Lock()
		e.pendingReqs[mailboxID] = append(e.pendingReqs[mailboxID], remaining...)
		if _, queued := e.pendingSyncs[mailboxID]; !queued {
			e.pendingSyncs[mailboxID] = store.ReasonUser
		}
		e.mu.Unlock()
	}
}

// PingStatus answers the ping loop: is this mailbox free to be pinged,
// busy, parked behind a hold, or terminally broken.
func (e *Engine) PingStatus(mailboxID int64) eas.PingState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.workers[mailboxID]; ok {
		return eas.PingRunning
	}
	if se, ok := e.syncErrors[mailboxID]; ok {
		if se.fatal {
			return eas.PingUnable
		}
		if time.Now().Before(se.holdEnd) {
			return eas.PingWaiting
		}
	}
	return eas.PingReady
}

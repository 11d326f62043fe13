package eas

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
)

// WorkerKind tags the run mode of a worker.
type WorkerKind int

const (
	// KindAccountMailbox drives version discovery, FolderSync and the
	// Ping loop for a whole account.
	KindAccountMailbox WorkerKind = iota
	// KindCollection performs Sync turns for one Email/Calendar/Contacts
	// mailbox, draining queued requests first.
	KindCollection
	// KindOutbox drains pending outbound messages through SendMail.
	KindOutbox
)

// KindFor derives the worker kind from the mailbox type.
func KindFor(t store.MailboxType) WorkerKind {
	switch t {
	case store.TypeAccount:
		return KindAccountMailbox
	case store.TypeOutbox:
		return KindOutbox
	default:
		return KindCollection
	}
}

// Worker performs protocol work for exactly one mailbox. The scheduler
// creates it, runs Run on its own goroutine, and releases it when Run
// returns. Stop and Alarm may be called from any goroutine.
type Worker struct {
	Account *store.Account
	Mailbox *store.Mailbox

	// Reason records why the scheduler started this worker; it lands in
	// the first field of the mailbox sync-status string.
	Reason store.SyncReason

	kind    WorkerKind
	store   *store.Store
	client  *Client
	control Controller
	notify  Notifier
	queue   *RequestQueue

	stopFlag atomic.Bool
	exit     atomic.Int32

	// pending aborts the in-flight HTTP request; wake breaks sleeps.
	mu      sync.Mutex
	pending context.CancelFunc
	wake    chan struct{}

	heartbeat heartbeatController
	// spuriousChanges counts consecutive zero-change Ping reports per
	// mailbox id.
	spuriousChanges map[int64]int
}

// NewWorker binds a worker to a mailbox. The kind is derived from the
// mailbox type.
func NewWorker(account *store.Account, mailbox *store.Mailbox, st *store.Store, client *Client, control Controller, notify Notifier) *Worker {
	w := &Worker{
		Account:         account,
		Mailbox:         mailbox,
		kind:            KindFor(mailbox.Type),
		store:           st,
		client:          client,
		control:         control,
		notify:          notify,
		queue:           NewRequestQueue(0),
		wake:            make(chan struct{}, 1),
		spuriousChanges: make(map[int64]int),
	}
	w.heartbeat = newHeartbeatController()
	return w
}

// Kind returns the worker's run mode.
func (w *Worker) Kind() WorkerKind { return w.kind }

// Queue returns the worker's request queue.
func (w *Worker) Queue() *RequestQueue { return w.queue }

// RequestTime returns when the queue last received a request.
func (w *Worker) RequestTime() time.Time { return w.queue.RequestTime() }

// Stop signals the worker to finish and aborts any in-flight request.
// Cooperative: the run loop observes the flag at every blocking boundary.
func (w *Worker) Stop() {
	w.stopFlag.Store(true)
	w.interrupt()
}

// Alarm aborts the current blocking operation without stopping the
// worker. The Ping loop re-enumerates on the next iteration, picking up
// newly started collections.
func (w *Worker) Alarm() {
	w.interrupt()
}

func (w *Worker) interrupt() {
	w.mu.Lock()
	cancel := w.pending
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) stopped() bool { return w.stopFlag.Load() }

// trackRequest derives a cancellable context for one blocking operation
// and registers its cancel as the pending handle.
func (w *Worker) trackRequest(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.pending = cancel
	w.mu.Unlock()
	return ctx, func() {
		w.mu.Lock()
		if w.pending != nil {
			w.pending = nil
		}
		w.mu.Unlock()
		cancel()
	}
}

// sleep waits for d, returning early (false) when the worker is stopped
// or the context ends. An Alarm also cuts the sleep short (true).
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return !w.stopped()
	case <-t.C:
		return !w.stopped()
	}
}

// Run executes the worker state machine and returns its exit status.
// It never panics out: an uncaught panic is translated to an exception
// exit and logged.
func (w *Worker) Run(ctx context.Context) (status ExitStatus) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEngine, "Worker panic",
				"mailbox", w.Mailbox.ID, "panic", r)
			status = ExitException
		}
		w.exit.Store(int32(status))
	}()

	log.Debug(log.CatEngine, "Worker starting",
		"mailbox", w.Mailbox.ID, "type", w.Mailbox.Type.String())

	switch w.kind {
	case KindAccountMailbox:
		return w.runAccountMailbox(ctx)
	case KindOutbox:
		return w.runOutbox(ctx)
	default:
		return w.runCollection(ctx)
	}
}

// ExitStatusValue returns the exit status recorded when Run returned.
func (w *Worker) ExitStatusValue() ExitStatus {
	return ExitStatus(w.exit.Load())
}

// runAccountMailbox: DISCOVER -> FOLDER_SYNC -> PING_LOOP.
func (w *Worker) runAccountMailbox(ctx context.Context) ExitStatus {
	w.notify.Notify(StatusEvent{
		Kind: EventMailboxList, AccountID: w.Account.ID, Status: StatusInProgress,
	})

	if w.client.Version == "" {
		rctx, done := w.trackRequest(ctx)
		version, err := DiscoverVersion(rctx, w.client)
		done()
		if err != nil {
			return w.accountExit(classifyErr(err))
		}
		if err := w.store.SetAccountProtocolVersion(w.Account.ID, version); err != nil {
			return w.accountExit(ExitException)
		}
		w.Account.ProtocolVersion = version
	}
	if w.stopped() {
		return ExitDone
	}

	rctx, done := w.trackRequest(ctx)
	err := FolderSync(rctx, w.client, w.store, w.Account)
	done()
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.IsAuthFailure() {
			return w.accountExit(ExitLoginFailure)
		}
		if isConnectivityLoss(err) && w.stopped() {
			return ExitDone
		}
		// A failed FolderSync is not fatal for an already-initialized
		// hierarchy; Ping still works against the known folders.
		if w.Account.SyncKey == store.InitialSyncKey {
			return w.accountExit(classifyErr(err))
		}
		log.Warn(log.CatEAS, "FolderSync failed, continuing to Ping",
			"account", w.Account.ID, "error", err.Error())
	}

	w.notify.Notify(StatusEvent{
		Kind: EventMailboxList, AccountID: w.Account.ID, Status: StatusSuccess,
	})

	return w.pingLoop(ctx)
}

func (w *Worker) accountExit(status ExitStatus) ExitStatus {
	code := StatusConnectionError
	switch status {
	case ExitLoginFailure:
		code = StatusLoginFailed
	case ExitSecurityFailure:
		code = StatusSecurityFailure
	case ExitException:
		code = StatusRemoteException
	case ExitDone:
		code = StatusSuccess
	}
	w.notify.Notify(StatusEvent{
		Kind: EventMailboxList, AccountID: w.Account.ID, Status: code,
	})
	return status
}

// runCollection: DRAIN_REQUESTS -> SYNC_TURN -> (more? repeat : DONE).
func (w *Worker) runCollection(ctx context.Context) ExitStatus {
	w.notify.Notify(StatusEvent{
		Kind: EventMailbox, MailboxID: w.Mailbox.ID, Status: StatusInProgress,
	})

	if status := w.drainRequests(ctx); status != ExitDone {
		return w.collectionExit(status)
	}

	for !w.stopped() {
		rctx, done := w.trackRequest(ctx)
		more, err := w.syncTurn(rctx)
		done()
		if err != nil {
			if isConnectivityLoss(err) {
				// Connectivity loss is a clean exit; the scheduler
				// retries when the network returns.
				return w.collectionExit(ExitDone)
			}
			return w.collectionExit(classifyErr(err))
		}
		if !more {
			break
		}
		// Requests may have arrived while the turn ran.
		if status := w.drainRequests(ctx); status != ExitDone {
			return w.collectionExit(status)
		}
	}
	return w.collectionExit(ExitDone)
}

func (w *Worker) collectionExit(status ExitStatus) ExitStatus {
	code := StatusSuccess
	switch status {
	case ExitIOError:
		code = StatusConnectionError
	case ExitLoginFailure:
		code = StatusLoginFailed
	case ExitSecurityFailure:
		code = StatusSecurityFailure
	case ExitException:
		code = StatusRemoteException
	}
	w.notify.Notify(StatusEvent{
		Kind: EventMailbox, MailboxID: w.Mailbox.ID, Status: code,
	})
	return status
}

// classifyErr maps a driver error to an exit status.
func classifyErr(err error) ExitStatus {
	var se *StatusError
	if errors.As(err, &se) {
		if se.IsAuthFailure() {
			return ExitLoginFailure
		}
		return ExitIOError
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return ExitIOError
	}
	if isConnectivityLoss(err) {
		return ExitIOError
	}
	return ExitException
}

// isConnectivityLoss reports errors produced by cancelled or severed
// sockets rather than by the server.
func isConnectivityLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no such host")
}

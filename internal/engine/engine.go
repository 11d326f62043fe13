// Package engine hosts the sync scheduler: the single loop that owns
// the worker registry, the error-hold map, wake-lock and alarm
// bookkeeping, the connectivity gate and the store observers. Workers
// are created here and report back through a completion channel; all
// registry and hold-map mutations happen on the loop goroutine or
// under the engine lock.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/easync/internal/eas"
	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/pubsub"
	"github.com/zjrosen/easync/internal/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrEngineClosed is returned by operations on a stopped engine.
var ErrEngineClosed = errors.New("engine is closed")

const (
	// eventBuffer bounds the loop's event channel.
	eventBuffer = 128
	// defaultWait is the loop's idle period when nothing is due sooner.
	defaultWait = 30 * time.Minute
	// offlineWait bounds the connectivity wait.
	offlineWait = 10*time.Minute + 5*time.Second
)

// Options gates which collections sync automatically.
type Options struct {
	// DataDir holds the deviceName file and downloaded attachments.
	DataDir string

	// BackgroundData mirrors the platform background-data switch; when
	// off, only outbox workers run.
	BackgroundData bool
	// MasterAutoSync gates contacts and calendar sync as a whole.
	MasterAutoSync bool
	SyncContacts   bool
	SyncCalendar   bool

	// Tracer records a span per worker run. nil disables tracing.
	Tracer trace.Tracer
}

// DefaultOptions enables everything.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:        dataDir,
		BackgroundData: true,
		MasterAutoSync: true,
		SyncContacts:   true,
		SyncCalendar:   true,
	}
}

type eventKind int

const (
	evKick eventKind = iota
	evWorkerDone
	evConnectivity
	evUpsyncFired
)

type event struct {
	kind      eventKind
	reason    string
	mailboxID int64
	exit      eas.ExitStatus
	online    bool
}

// Engine is the explicitly-constructed scheduler value. One per
// process; everything it owns dies with Stop.
type Engine struct {
	store     *store.Store
	cache     *store.AccountCache
	transport *eas.Transport
	opts      Options

	events chan event

	mu           sync.Mutex
	workers      map[int64]*workerEntry
	syncErrors   map[int64]*syncError
	pendingSyncs map[int64]store.SyncReason
	pendingReqs  map[int64][]eas.Request
	wakeLocks    map[int64]struct{}
	alarms       map[int64]*alarmEntry
	connected    bool
	closed       bool

	upsyncMu    sync.Mutex
	upsyncTimer *time.Timer

	status *pubsub.Broker[eas.StatusEvent]

	wg sync.WaitGroup
}

// New builds an engine over an open store. The caller runs it with Run
// and tears it down by cancelling the context.
func New(st *store.Store, transport *eas.Transport, opts Options) *Engine {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Engine{
		store:        st,
		cache:        store.NewAccountCache(st),
		transport:    transport,
		opts:         opts,
		events:       make(chan event, eventBuffer),
		workers:      make(map[int64]*workerEntry),
		syncErrors:   make(map[int64]*syncError),
		pendingSyncs: make(map[int64]store.SyncReason),
		pendingReqs:  make(map[int64][]eas.Request),
		wakeLocks:    make(map[int64]struct{}),
		alarms:       make(map[int64]*alarmEntry),
		connected:    true,
		status:       pubsub.NewBroker[eas.StatusEvent](),
	}
}

// Status returns the broker carrying callback-surface events.
func (e *Engine) Status() *pubsub.Broker[eas.StatusEvent] { return e.status }

// Notify publishes a status event to all subscribers.
func (e *Engine) Notify(ev eas.StatusEvent) {
	e.status.Publish(pubsub.CreatedEvent, ev)
}

// Run executes the scheduling loop until ctx ends, then stops every
// worker and waits for them.
func (e *Engine) Run(ctx context.Context) {
	e.startObservers(ctx)
	log.Info(log.CatEngine, "Engine started")

	for {
		if ctx.Err() != nil {
			break
		}

		if !e.isConnected() {
			e.waitForConnectivity(ctx)
			continue
		}

		nextWait, reason := e.checkMailboxes(ctx)
		log.Debug(log.CatEngine, "Loop wait", "wait", nextWait.String(), "reason", reason)

		if !e.waitFor(ctx, nextWait) {
			break
		}
	}

	e.shutdown()
	log.Info(log.CatEngine, "Engine stopped")
}

// waitFor blocks until the wait elapses, an event arrives, or ctx ends.
// Returns false when the engine should exit.
func (e *Engine) waitFor(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case ev := <-e.events:
			switch ev.kind {
			case evWorkerDone:
				e.handleCompletion(ev.mailboxID, ev.exit)
				return true
			case evConnectivity:
				e.setConnected(ev.online)
				return true
			case evUpsyncFired:
				e.dispatchUpsync()
				return true
			case evKick:
				log.Debug(log.CatEngine, "Loop kicked", "reason", ev.reason)
				return true
			}
		}
	}
}

// waitForConnectivity parks the loop while offline: stops all workers,
// then waits (bounded) for a reconnect event.
func (e *Engine) waitForConnectivity(ctx context.Context) {
	log.Info(log.CatEngine, "No connectivity, stopping workers")
	e.stopAllWorkers()

	timer := time.NewTimer(offlineWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev := <-e.events:
			switch ev.kind {
			case evConnectivity:
				e.setConnected(ev.online)
				if ev.online {
					// Transient I/O holds are stale once the network is back.
					e.releaseSyncHolds(eas.ExitIOError, 0)
					return
				}
			case evWorkerDone:
				e.handleCompletion(ev.mailboxID, ev.exit)
			case evUpsyncFired:
				e.dispatchUpsync()
			case evKick:
			}
		}
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		// Channel full: the loop is already awake and will re-check.
	}
}

func (e *Engine) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) setConnected(online bool) {
	e.mu.Lock()
	e.connected = online
	e.mu.Unlock()
}

// SetConnectivity reports a network transition to the loop.
func (e *Engine) SetConnectivity(online bool) {
	e.events <- event{kind: evConnectivity, online: online}
}

// Kick wakes the loop without changing state.
func (e *Engine) Kick(reason string) {
	e.post(event{kind: evKick, reason: reason})
}

// StartSync enqueues a user- or system-initiated sync for a mailbox.
func (e *Engine) StartSync(mailboxID int64, reason store.SyncReason) error {
	m, err := e.store.GetMailbox(mailboxID)
	if err != nil {
		return err
	}

	switch m.Type {
	case store.TypeOutbox:
		// Clear send-failed markers so messages become candidates again;
		// checkMailboxes starts the outbox worker.
		if err := e.store.ClearSendFailed(m.ID); err != nil {
			return err
		}
		e.Kick("outbox sync requested")
		return nil

	case store.TypeDrafts, store.TypeTrash:
		// Local-only folders have nothing to sync.
		e.Notify(eas.StatusEvent{Kind: eas.EventMailbox, MailboxID: m.ID, Status: eas.StatusInProgress})
		e.Notify(eas.StatusEvent{Kind: eas.EventMailbox, MailboxID: m.ID, Status: eas.StatusSuccess})
		return nil
	}

	e.mu.Lock()
	delete(e.syncErrors, m.ID)
	e.pendingSyncs[m.ID] = reason
	e.mu.Unlock()

	e.Kick("sync requested")
	return nil
}

// StopSync signals the mailbox's worker (if any) to stop.
func (e *Engine) StopSync(mailboxID int64) {
	e.mu.Lock()
	entry := e.workers[mailboxID]
	e.mu.Unlock()
	if entry != nil {
		entry.worker.Stop()
	}
}

// StartPingedSync schedules a sync for a folder the server reported as
// changed. Called from the ping loop.
func (e *Engine) StartPingedSync(mailboxID int64) {
	e.mu.Lock()
	if _, exists := e.workers[mailboxID]; !exists {
		e.pendingSyncs[mailboxID] = store.ReasonPing
	}
	e.mu.Unlock()
	e.Kick("ping change")
}

// LoadAttachment routes an attachment download to the owning mailbox's
// worker, starting one if needed.
func (e *Engine) LoadAttachment(attachmentID int64, destPath, contentURI string) error {
	mailboxID, err := e.store.AttachmentMailboxID(attachmentID)
	if err != nil {
		return err
	}
	return e.routeRequest(mailboxID, eas.NewAttachmentLoad(attachmentID, destPath, contentURI))
}

// MoveMessage routes a server-side move to the source mailbox's worker.
func (e *Engine) MoveMessage(messageID, targetMailboxID int64) error {
	mailboxID, err := e.store.MessageMailboxID(messageID)
	if err != nil {
		return err
	}
	return e.routeRequest(mailboxID, eas.NewMessageMove(messageID, targetMailboxID))
}

// SendMeetingResponse routes an accept/tentative/decline to the owning
// mailbox's worker.
func (e *Engine) SendMeetingResponse(messageID int64, response int) error {
	mailboxID, err := e.store.MessageMailboxID(messageID)
	if err != nil {
		return err
	}
	return e.routeRequest(mailboxID, eas.NewMeetingResponse(messageID, response))
}

// routeRequest hands a request to the mailbox's running worker, or
// parks it for the worker checkMailboxes will start.
func (e *Engine) routeRequest(mailboxID int64, req eas.Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	entry := e.workers[mailboxID]
	if entry == nil {
		e.pendingReqs[mailboxID] = append(e.pendingReqs[mailboxID], req)
		if _, queued := e.pendingSyncs[mailboxID]; !queued {
			e.pendingSyncs[mailboxID] = store.ReasonUser
		}
		e.mu.Unlock()
		e.Kick("request routed")
		return nil
	}
	e.mu.Unlock()

	if err := entry.worker.Queue().Enqueue(req); err != nil {
		return err
	}
	entry.worker.Alarm()
	e.Kick("request enqueued")
	return nil
}

// UpdateFolderList asks for a fresh FolderSync: per-folder workers stop,
// push mailboxes park in PUSH_HOLD, and the account-mailbox worker's
// ping loop (re)issues FolderSync, releasing the holds.
func (e *Engine) UpdateFolderList(accountID int64) error {
	accountMailbox, err := e.store.AccountMailbox(accountID)
	if err != nil {
		return err
	}

	e.stopAccountWorkers(accountID, accountMailbox.ID)

	for _, from := range []int{store.IntervalPush, store.IntervalPing} {
		if _, err := e.store.FlipIntervals(accountID, from, store.IntervalPushHold); err != nil {
			return err
		}
	}

	e.mu.Lock()
	entry := e.workers[accountMailbox.ID]
	e.mu.Unlock()
	if entry != nil {
		entry.worker.Alarm()
	}

	e.Kick("folder list update")
	return nil
}

// HostChanged reacts to edited credentials or host: fatal flags and
// hold end-times are cleared for the account and its workers restart.
func (e *Engine) HostChanged(accountID int64) {
	e.cache.Invalidate(accountID)

	mailboxes, err := e.store.ListAccountMailboxes(accountID)
	if err != nil {
		log.ErrorErr(log.CatEngine, "Listing mailboxes for host change", err)
		return
	}

	e.mu.Lock()
	for _, m := range mailboxes {
		if se, ok := e.syncErrors[m.ID]; ok {
			se.fatal = false
			se.holdEnd = time.Time{}
		}
	}
	e.mu.Unlock()

	e.stopAccountWorkers(accountID, 0)
	e.Kick("host changed")
}

// ReleaseSecurityHold clears the account's policy hold and its
// security-failure errors.
func (e *Engine) ReleaseSecurityHold(accountID int64) error {
	if err := e.store.SetAccountSecurityHold(accountID, false); err != nil {
		return err
	}
	e.cache.Invalidate(accountID)
	e.releaseSyncHolds(eas.ExitSecurityFailure, accountID)
	return nil
}

// ShutdownCount exposes the transport's break-glass counter so the host
// binary can self-terminate when sockets keep wedging.
func (e *Engine) ShutdownCount() int {
	return e.transport.ShutdownCount()
}

// stopAccountWorkers stops every worker of the account except keepID
// (0 keeps none).
func (e *Engine) stopAccountWorkers(accountID, keepID int64) {
	e.mu.Lock()
	var toStop []*workerEntry
	for id, entry := range e.workers {
		if entry.worker.Account.ID == accountID && id != keepID {
			toStop = append(toStop, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range toStop {
		entry.worker.Stop()
	}
}

func (e *Engine) stopAllWorkers() {
	e.mu.Lock()
	var toStop []*workerEntry
	for _, entry := range e.workers {
		toStop = append(toStop, entry)
	}
	e.mu.Unlock()

	for _, entry := range toStop {
		entry.worker.Stop()
	}
}

// shutdown stops everything and waits for worker goroutines.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	for _, a := range e.alarms {
		a.timer.Stop()
	}
	e.mu.Unlock()

	e.upsyncMu.Lock()
	if e.upsyncTimer != nil {
		e.upsyncTimer.Stop()
	}
	e.upsyncMu.Unlock()

	e.stopAllWorkers()
	e.wg.Wait()
	e.status.Close()
}

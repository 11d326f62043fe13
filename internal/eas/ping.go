package eas

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/wbxml"
)

// Adaptive heartbeat constants, in seconds. The controller starts just
// under 8 minutes and probes upward until the network path drops a
// connection, then backs off and never rises again.
const (
	heartbeatInitial   = 8*60 - 10  // 470
	heartbeatMin       = 5*60 - 10  // 290
	heartbeatMax       = 17*60 - 10 // 1010
	heartbeatIncrement = 3 * 60
)

// Ping response status codes.
const (
	pingStatusExpired             = 1 // heartbeat elapsed, no changes
	pingStatusChanges             = 2
	pingStatusMissingParams       = 3
	pingStatusSyntaxError         = 4
	pingStatusHeartbeatOutOfRange = 5
	pingStatusTooManyFolders      = 6
	pingStatusFolderSyncRequired  = 7
	pingStatusServerError         = 8
)

const (
	// pingOuterDeadline bounds one pass of the inner loop.
	pingOuterDeadline = 30 * time.Minute
	// pingIdleSleep parks the worker when nothing is pushable.
	pingIdleSleep = 30 * time.Minute
	// pingNotReadySleep waits out mailboxes that are mid-sync.
	pingNotReadySleep = 10 * time.Second
	// pingReadSlack pads the socket read timeout past the heartbeat.
	pingReadSlack = 15 * time.Second
)

// spuriousBackoffThreshold is how many consecutive zero-change reports
// a folder may produce before it is demoted from push to polling.
const spuriousBackoffThreshold = 1

// heartbeatController holds the adaptive heartbeat state for one
// account-mailbox worker.
type heartbeatController struct {
	interval      int // seconds
	highWaterMark int
	dropped       bool
}

func newHeartbeatController() heartbeatController {
	return heartbeatController{interval: heartbeatInitial}
}

// onExpired records a Ping that ran the full heartbeat: raise the high
// water mark and, unless a drop has been seen, probe higher.
func (h *heartbeatController) onExpired() {
	if h.interval > h.highWaterMark {
		h.highWaterMark = h.interval
	}
	if h.interval < heartbeatMax && !h.dropped {
		h.interval = min(h.interval+heartbeatIncrement, heartbeatMax)
	}
}

// onConnectionReset reacts to a presumed NAT timeout. Returns true when
// the drop was absorbed (heartbeat lowered); false means the error is a
// real failure the caller must handle.
func (h *heartbeatController) onConnectionReset() bool {
	if h.interval > heartbeatMin && h.interval > h.highWaterMark {
		h.interval = max(h.interval-heartbeatIncrement, heartbeatMin)
		h.dropped = true
		return true
	}
	return false
}

// clamp forces a server-proposed heartbeat into the legal range.
func (h *heartbeatController) clamp(proposed int) {
	h.interval = min(max(proposed, heartbeatMin), heartbeatMax)
}

// pingResult is the parsed Ping response.
type pingResult struct {
	Status            int
	ChangedFolders    []string
	HeartbeatInterval int
}

// pingLoop is the account-mailbox worker's steady state: assemble a
// Ping body from the account's pushable mailboxes, long-poll, dispatch
// change reports, and adapt the heartbeat.
func (w *Worker) pingLoop(ctx context.Context) ExitStatus {
	for !w.stopped() {
		status, done := w.pingPass(ctx)
		if done {
			return status
		}
	}
	return ExitDone
}

// pingPass runs the inner loop for up to the outer deadline. done is
// false when the pass simply expired and another should begin.
func (w *Worker) pingPass(ctx context.Context) (status ExitStatus, done bool) {
	deadline := time.Now().Add(pingOuterDeadline)

	for time.Now().Before(deadline) {
		if w.stopped() {
			return ExitDone, true
		}

		candidates, err := w.store.ListPingCandidates(w.Account.ID)
		if err != nil {
			log.ErrorErr(log.CatPing, "Listing ping candidates", err)
			return ExitException, true
		}

		var pushCount, canPushCount int
		var included []*store.Mailbox
		for _, m := range candidates {
			switch w.control.PingStatus(m.ID) {
			case PingRunning:
				pushCount++
			case PingWaiting:
				// Parked behind a hold; re-check shortly.
			case PingUnable:
				// Terminal for this mailbox; the scheduler surfaces it.
			case PingReady:
				pushCount++
				if m.Pingable() {
					canPushCount++
					included = append(included, m)
				}
			}
		}

		switch {
		case pushCount == 0:
			// A folder-list update parks push mailboxes in PUSH_HOLD; a
			// fresh FolderSync releases them.
			if held, err := w.heldMailboxes(); err == nil && held {
				rctx, finish := w.trackRequest(ctx)
				err := FolderSync(rctx, w.client, w.store, w.Account)
				finish()
				if err != nil {
					return classifyErr(err), true
				}
				continue
			}

			// Nothing is pushable; park until something changes.
			log.Debug(log.CatPing, "No pushable mailboxes, parking", "account", w.Account.ID)
			w.control.RunAsleep(w.Mailbox.ID, pingIdleSleep)
			ok := w.sleep(ctx, pingIdleSleep)
			w.control.RunAwake(w.Mailbox.ID)
			if !ok {
				return ExitDone, true
			}

		case canPushCount < pushCount:
			// Some candidates are mid-sync or newly added; give them a
			// moment and re-enumerate.
			if !w.sleep(ctx, pingNotReadySleep) {
				return ExitDone, true
			}

		default:
			if status, done := w.pingOnce(ctx, included); done {
				return status, true
			}
		}
	}
	return ExitDone, false
}

// heldMailboxes reports whether any of the account's mailboxes sit in
// PUSH_HOLD waiting for a FolderSync.
func (w *Worker) heldMailboxes() (bool, error) {
	mailboxes, err := w.store.ListAccountMailboxes(w.Account.ID)
	if err != nil {
		return false, err
	}
	for _, m := range mailboxes {
		if m.SyncInterval == store.IntervalPushHold {
			return true, nil
		}
	}
	return false, nil
}

// pingOnce issues a single Ping long-poll for the included mailboxes.
func (w *Worker) pingOnce(ctx context.Context, included []*store.Mailbox) (status ExitStatus, done bool) {
	body, err := buildPingBody(w.heartbeat.interval, included)
	if err != nil {
		return ExitException, true
	}

	readTimeout := time.Duration(w.heartbeat.interval)*time.Second + pingReadSlack
	log.Debug(log.CatPing, "Ping",
		"account", w.Account.ID, "folders", len(included),
		"heartbeat", w.heartbeat.interval)

	rctx, finish := w.trackRequest(ctx)
	w.control.RunAsleep(w.Mailbox.ID, readTimeout)
	data, err := w.client.SendCommandTimeout(rctx, "Ping", body, readTimeout)
	w.control.RunAwake(w.Mailbox.ID)
	finish()

	if err != nil {
		return w.handlePingError(err)
	}

	result, err := parsePing(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, wbxml.ErrEmptyDocument) {
			return ExitIOError, true
		}
		log.ErrorErr(log.CatPing, "Parsing Ping response", err)
		return ExitIOError, true
	}

	switch result.Status {
	case pingStatusExpired:
		w.heartbeat.onExpired()
		log.Debug(log.CatPing, "Ping expired",
			"heartbeat", w.heartbeat.interval,
			"highWaterMark", w.heartbeat.highWaterMark)

	case pingStatusChanges:
		w.dispatchPingChanges(result.ChangedFolders)

	case pingStatusHeartbeatOutOfRange:
		if result.HeartbeatInterval > 0 {
			w.heartbeat.clamp(result.HeartbeatInterval)
			log.Debug(log.CatPing, "Server adjusted heartbeat", "heartbeat", w.heartbeat.interval)
		}

	case pingStatusFolderSyncRequired:
		rctx, finish := w.trackRequest(ctx)
		err := FolderSync(rctx, w.client, w.store, w.Account)
		finish()
		if err != nil {
			return classifyErr(err), true
		}

	default:
		log.Warn(log.CatPing, "Ping failed", "status", result.Status)
		return ExitIOError, true
	}
	return ExitDone, false
}

func (w *Worker) handlePingError(err error) (ExitStatus, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		if se.IsAuthFailure() {
			return ExitLoginFailure, true
		}
		return ExitIOError, true
	}

	if w.stopped() {
		return ExitDone, true
	}

	if isHeartbeatTimeout(err) {
		if w.heartbeat.onConnectionReset() {
			log.Debug(log.CatPing, "Heartbeat dropped",
				"heartbeat", w.heartbeat.interval,
				"highWaterMark", w.heartbeat.highWaterMark)
			return ExitDone, false
		}
		// Already at the floor: treat as transient I/O.
		return ExitIOError, true
	}

	if errors.Is(err, context.Canceled) {
		// Alarm fired to re-enumerate; not a failure.
		return ExitDone, false
	}

	return classifyErr(err), true
}

// isHeartbeatTimeout identifies a severed long-poll: the NAT (or other
// middlebox) dropped the idle connection. The substring checks cover
// the messages observed across transports; a plain read timeout counts
// too since the server should always answer within the heartbeat.
func isHeartbeatTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// dispatchPingChanges hands changed folders to the scheduler, applying
// the spurious-change defense first: a folder whose last ping-triggered
// sync produced zero changes twice in a row is demoted to polling.
func (w *Worker) dispatchPingChanges(serverIDs []string) {
	for _, serverID := range serverIDs {
		m, err := w.store.GetMailboxByServerID(w.Account.ID, serverID)
		if err != nil {
			log.Warn(log.CatPing, "Ping reported unknown folder", "serverId", serverID)
			continue
		}

		reason, _, changeCount, err := store.ParseSyncStatus(m.SyncStatus)
		if err == nil && reason == store.ReasonPing {
			if changeCount == 0 {
				w.spuriousChanges[m.ID]++
				if w.spuriousChanges[m.ID] > spuriousBackoffThreshold {
					w.backOffFolder(m)
					continue
				}
			} else {
				delete(w.spuriousChanges, m.ID)
			}
		}

		log.Debug(log.CatPing, "Ping change", "mailbox", m.ID, "name", m.DisplayName)
		w.control.StartPingedSync(m.ID)
	}
}

// backOffFolder demotes a folder that keeps reporting phantom changes:
// 5 minute polling for the inbox, 30 for PIM collections.
func (w *Worker) backOffFolder(m *store.Mailbox) {
	interval := 5
	if m.Type.IsPIM() {
		interval = 30
	}
	log.Warn(log.CatPing, "Backing off spurious folder",
		"mailbox", m.ID, "name", m.DisplayName, "intervalMin", interval)
	if err := w.store.SetMailboxInterval(m.ID, interval); err != nil {
		log.ErrorErr(log.CatPing, "Demoting spurious folder", err)
		return
	}
	delete(w.spuriousChanges, m.ID)
	w.control.Kick("spurious ping backoff")
}

// buildPingBody assembles the Ping WBXML document.
func buildPingBody(heartbeat int, included []*store.Mailbox) ([]byte, error) {
	s := wbxml.NewSerializer()
	s.Start(wbxml.PingPing).
		DataInt(wbxml.PingHeartbeatInterval, heartbeat).
		Start(wbxml.PingFolders)
	for _, m := range included {
		s.Start(wbxml.PingFolder).
			Data(wbxml.PingID, m.ServerID).
			Data(wbxml.PingClass, m.Type.EASClass()).
			End()
	}
	s.End().End()
	return s.Bytes()
}

// parsePing decodes a Ping response document.
func parsePing(r *bytes.Reader) (*pingResult, error) {
	p, err := wbxml.NewParser(r)
	if err != nil {
		return nil, err
	}

	if tag, err := p.NextTag(0); err != nil {
		return nil, err
	} else if tag != wbxml.PingPing {
		return nil, errors.New("eas: unexpected Ping root tag")
	}

	result := &pingResult{}
	for {
		tag, err := p.NextTag(wbxml.PingPing)
		if err != nil {
			return nil, err
		}
		if tag == wbxml.Done {
			return result, nil
		}

		switch tag {
		case wbxml.PingStatus:
			if result.Status, err = p.ValueInt(); err != nil {
				return nil, err
			}
		case wbxml.PingHeartbeatInterval:
			if result.HeartbeatInterval, err = p.ValueInt(); err != nil {
				return nil, err
			}
		case wbxml.PingFolders:
			for {
				inner, err := p.NextTag(wbxml.PingFolders)
				if err != nil {
					return nil, err
				}
				if inner == wbxml.Done {
					break
				}
				if inner == wbxml.PingFolder {
					id, err := p.Value()
					if err != nil {
						return nil, err
					}
					if id != "" {
						result.ChangedFolders = append(result.ChangedFolders, id)
					}
				} else if err := p.Skip(); err != nil {
					return nil, err
				}
			}
		default:
			if err := p.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

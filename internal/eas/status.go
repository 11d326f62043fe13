// Package eas implements the Exchange ActiveSync protocol driver: the
// per-worker state machine that performs OPTIONS version discovery,
// FolderSync, long-lived Ping, interleaved Sync turns, attachment
// streaming, and the adaptive-heartbeat feedback loop.
package eas

import (
	"fmt"
	"time"
)

// StatusCode is a user-visible progress/status code emitted through the
// callback surface.
type StatusCode int

const (
	StatusInProgress StatusCode = iota + 1
	StatusSuccess
	StatusConnectionError
	StatusLoginFailed
	StatusMessageNotFound
	StatusAccountUninitialized
	StatusRemoteException
	StatusSecurityFailure
)

func (s StatusCode) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusConnectionError:
		return "connection_error"
	case StatusLoginFailed:
		return "login_failed"
	case StatusMessageNotFound:
		return "message_not_found"
	case StatusAccountUninitialized:
		return "account_uninitialized"
	case StatusRemoteException:
		return "remote_exception"
	case StatusSecurityFailure:
		return "security_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ExitStatus is a worker's terminal result, inspected by the scheduler
// to drive the error-hold policy.
type ExitStatus int

const (
	ExitDone ExitStatus = iota
	ExitIOError
	ExitLoginFailure
	ExitSecurityFailure
	ExitException
)

func (e ExitStatus) String() string {
	switch e {
	case ExitDone:
		return "done"
	case ExitIOError:
		return "io_error"
	case ExitLoginFailure:
		return "login_failure"
	case ExitSecurityFailure:
		return "security_failure"
	case ExitException:
		return "exception"
	default:
		return fmt.Sprintf("exit(%d)", int(e))
	}
}

// Fatal reports whether the exit status marks the mailbox as not
// auto-retryable until the user acts.
func (e ExitStatus) Fatal() bool {
	return e == ExitLoginFailure || e == ExitSecurityFailure || e == ExitException
}

// PingState is the scheduler's answer when the ping loop asks whether a
// mailbox may be included in the next Ping body.
type PingState int

const (
	// PingReady means no worker is active and the mailbox may be pinged.
	PingReady PingState = iota
	// PingRunning means a sync worker for the mailbox is mid-flight.
	PingRunning
	// PingWaiting means the mailbox is parked behind an error hold.
	PingWaiting
	// PingUnable means the mailbox can never be pinged (fatal error).
	PingUnable
)

// Controller is the scheduler surface a worker calls back into. The
// engine implements it; the indirection keeps the driver free of any
// scheduling state.
type Controller interface {
	// PingStatus reports whether mailboxID may join a Ping body.
	PingStatus(mailboxID int64) PingState
	// StartPingedSync asks the scheduler to sync a mailbox the server
	// reported as changed.
	StartPingedSync(mailboxID int64)
	// Kick wakes the scheduling loop without changing state.
	Kick(reason string)
	// RunAsleep tells the scheduler the mailbox is parked in a long
	// blocking wait and the process may sleep for roughly d.
	RunAsleep(mailboxID int64, d time.Duration)
	// RunAwake reverses RunAsleep.
	RunAwake(mailboxID int64)
}

// EventKind discriminates status events on the callback surface.
type EventKind int

const (
	EventAttachment EventKind = iota + 1
	EventSendMessage
	EventMailboxList
	EventMailbox
)

// StatusEvent is one callback-surface notification. Subscribers receive
// these through the engine's status broker.
type StatusEvent struct {
	Kind         EventKind
	AccountID    int64
	MailboxID    int64
	MessageID    int64
	AttachmentID int64
	Status       StatusCode
	Progress     int // 0-100, attachment loads only
}

// Notifier delivers status events to subscribers.
type Notifier interface {
	Notify(StatusEvent)
}

// NopNotifier discards every event. Useful in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(StatusEvent) {}

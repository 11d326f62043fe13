package store

import (
	"fmt"
	"time"
)

// MailboxType identifies the role of a mailbox within an account.
type MailboxType int

const (
	TypeAccount MailboxType = iota // hidden account mailbox; drives FolderSync + Ping
	TypeInbox
	TypeOutbox
	TypeDrafts
	TypeTrash
	TypeSent
	TypeContacts
	TypeCalendar
	TypeOther
)

func (t MailboxType) String() string {
	switch t {
	case TypeAccount:
		return "account"
	case TypeInbox:
		return "inbox"
	case TypeOutbox:
		return "outbox"
	case TypeDrafts:
		return "drafts"
	case TypeTrash:
		return "trash"
	case TypeSent:
		return "sent"
	case TypeContacts:
		return "contacts"
	case TypeCalendar:
		return "calendar"
	default:
		return "other"
	}
}

// IsPIM reports whether the mailbox holds calendar or contact items
// rather than mail.
func (t MailboxType) IsPIM() bool {
	return t == TypeContacts || t == TypeCalendar
}

// EASClass returns the collection class name used on the wire.
func (t MailboxType) EASClass() string {
	switch t {
	case TypeContacts:
		return "Contacts"
	case TypeCalendar:
		return "Calendar"
	default:
		return "Email"
	}
}

// Sync interval values. Positive values are minutes (at most 1440).
const (
	IntervalNever    = -1
	IntervalPush     = -2
	IntervalPing     = -3
	IntervalPushHold = -4

	// MaxIntervalMinutes caps scheduled sync intervals at one day.
	MaxIntervalMinutes = 1440
)

// Sync lookback filter codes, matching the EAS FilterType element.
const (
	LookbackAll      = 0
	LookbackOneDay   = 1
	Lookback3Days    = 2
	LookbackOneWeek  = 3
	Lookback2Weeks   = 4
	LookbackOneMonth = 5
)

// InitialSyncKey is the sync key of a collection that has never synced.
const InitialSyncKey = "0"

// SendFailedMarker is stored in a message's server id when a SendMail
// attempt failed; such messages are not send candidates until the user
// retries.
const SendFailedMarker = "SendFailed"

// Account represents one Exchange user.
type Account struct {
	ID              int64
	DisplayName     string
	EmailAddress    string
	Host            string
	Username        string
	Password        string
	UseTLS          bool
	TrustAllCerts   bool
	ProtocolVersion string // empty until probed
	SyncKey         string
	SyncInterval    int
	SyncLookback    int
	Incomplete      bool
	SecurityHold    bool
}

// Mailbox is a named collection inside an account.
type Mailbox struct {
	ID           int64
	AccountID    int64
	ServerID     string
	DisplayName  string
	Type         MailboxType
	SyncInterval int
	SyncKey      string
	LastSync     time.Time
	SyncStatus   string
	Visible      bool
}

// Pingable reports whether the mailbox may be included in a Ping
// request body. A mailbox with the initial sync key has no server-side
// state to watch and must not be pinged.
func (m *Mailbox) Pingable() bool {
	return m.Type != TypeAccount &&
		(m.SyncInterval == IntervalPush || m.SyncInterval == IntervalPing) &&
		m.SyncKey != InitialSyncKey
}

// Message is the subset of a mail row the sync core reads and writes.
type Message struct {
	ID           int64
	AccountID    int64
	MailboxID    int64
	ServerID     string
	Subject      string
	From         string
	To           string
	DateReceived time.Time
	Body         string
	Read         bool
	SyncDirty    bool // local change pending upsync
	SyncDeleted  bool // local delete pending upsync
}

// Attachment is an attachment row.
type Attachment struct {
	ID         int64
	MessageID  int64
	FileName   string
	Location   string // server-side fetch reference (AttachmentName)
	MimeType   string
	Size       int64
	ContentURI string // empty until downloaded
}

// SyncReason records why a sync ran; it is the first field of the
// mailbox sync-status string.
type SyncReason int

const (
	ReasonNone SyncReason = iota
	ReasonUser
	ReasonPush
	ReasonScheduled
	ReasonPing
	ReasonUpsync
)

func (r SyncReason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonPush:
		return "push"
	case ReasonScheduled:
		return "scheduled"
	case ReasonPing:
		return "ping"
	case ReasonUpsync:
		return "upsync"
	default:
		return "none"
	}
}

// FormatSyncStatus renders the mailbox sync status string S<reason>:<exit>:<n>.
func FormatSyncStatus(reason SyncReason, exit int, changeCount int) string {
	return fmt.Sprintf("S%d:%d:%d", int(reason), exit, changeCount)
}

// ParseSyncStatus decodes a sync status string. Reason is read from
// index 1, exit from index 3 and change count from index 5 onward.
func ParseSyncStatus(s string) (reason SyncReason, exit int, changeCount int, err error) {
	if len(s) < 6 || s[0] != 'S' || s[2] != ':' || s[4] != ':' {
		return 0, 0, 0, fmt.Errorf("store: malformed sync status %q", s)
	}
	reason = SyncReason(s[1] - '0')
	exit = int(s[3] - '0')
	if _, err := fmt.Sscanf(s[5:], "%d", &changeCount); err != nil {
		return 0, 0, 0, fmt.Errorf("store: malformed change count in %q", s)
	}
	return reason, exit, changeCount, nil
}

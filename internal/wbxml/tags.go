// Package wbxml implements the token-tagged binary XML encoding used by
// Exchange ActiveSync. Documents are serialized against per-page code
// tables; a tag constant carries its code page in the high bits so the
// serializer and parser can switch pages transparently.
package wbxml

// Control tokens defined by the WBXML 1.3 specification.
const (
	tokSwitchPage = 0x00
	tokEnd        = 0x01
	tokEntity     = 0x02
	tokStrI       = 0x03
	tokOpaque     = 0xC3

	// contentMask marks a start tag as having content.
	contentMask = 0x40

	// codePageShift packs the code page into tag constants: tag = page<<6 | token.
	codePageShift = 6
)

// EAS code pages.
const (
	PageAirSync         = 0x00
	PageEmail           = 0x02
	PageCalendar        = 0x04
	PageMove            = 0x05
	PageFolderHierarchy = 0x07
	PageMeetingResponse = 0x08
	PagePing            = 0x0D
	PageGAL             = 0x10
	PageAirSyncBase     = 0x11
)

func page(p, token int) int { return p<<codePageShift | token }

// AirSync (code page 0x00).
var (
	SyncSync            = page(PageAirSync, 0x05)
	SyncResponses       = page(PageAirSync, 0x06)
	SyncAdd             = page(PageAirSync, 0x07)
	SyncChange          = page(PageAirSync, 0x08)
	SyncDelete          = page(PageAirSync, 0x09)
	SyncFetch           = page(PageAirSync, 0x0A)
	SyncSyncKey         = page(PageAirSync, 0x0B)
	SyncClientID        = page(PageAirSync, 0x0C)
	SyncServerID        = page(PageAirSync, 0x0D)
	SyncStatus          = page(PageAirSync, 0x0E)
	SyncCollection      = page(PageAirSync, 0x0F)
	SyncClass           = page(PageAirSync, 0x10)
	SyncCollectionID    = page(PageAirSync, 0x12)
	SyncGetChanges      = page(PageAirSync, 0x13)
	SyncMoreAvailable   = page(PageAirSync, 0x14)
	SyncWindowSize      = page(PageAirSync, 0x15)
	SyncCommands        = page(PageAirSync, 0x16)
	SyncOptions         = page(PageAirSync, 0x17)
	SyncFilterType      = page(PageAirSync, 0x18)
	SyncCollections     = page(PageAirSync, 0x1C)
	SyncApplicationData = page(PageAirSync, 0x1D)
	SyncDeletesAsMoves  = page(PageAirSync, 0x1E)
	SyncMIMESupport     = page(PageAirSync, 0x22)
	SyncMIMETruncation  = page(PageAirSync, 0x23)
)

// Email (code page 0x02).
var (
	EmailAttachment   = page(PageEmail, 0x05)
	EmailAttachments  = page(PageEmail, 0x06)
	EmailAttName      = page(PageEmail, 0x07)
	EmailAttSize      = page(PageEmail, 0x08)
	EmailAttMethod    = page(PageEmail, 0x0A)
	EmailBody         = page(PageEmail, 0x0C)
	EmailBodySize     = page(PageEmail, 0x0D)
	EmailDateReceived = page(PageEmail, 0x0F)
	EmailDisplayTo    = page(PageEmail, 0x11)
	EmailImportance   = page(PageEmail, 0x12)
	EmailMessageClass = page(PageEmail, 0x13)
	EmailSubject      = page(PageEmail, 0x14)
	EmailRead         = page(PageEmail, 0x15)
	EmailTo           = page(PageEmail, 0x16)
	EmailCc           = page(PageEmail, 0x17)
	EmailFrom         = page(PageEmail, 0x18)
	EmailReplyTo      = page(PageEmail, 0x19)
)

// Calendar (code page 0x04).
var (
	CalTimeZone  = page(PageCalendar, 0x05)
	CalDTStamp   = page(PageCalendar, 0x11)
	CalEndTime   = page(PageCalendar, 0x12)
	CalLocation  = page(PageCalendar, 0x19)
	CalStartTime = page(PageCalendar, 0x22)
	CalSubject   = page(PageCalendar, 0x23)
	CalUID       = page(PageCalendar, 0x26)
)

// Move (code page 0x05).
var (
	MoveMoveItems = page(PageMove, 0x05)
	MoveMove      = page(PageMove, 0x06)
	MoveSrcMsgID  = page(PageMove, 0x07)
	MoveSrcFldID  = page(PageMove, 0x08)
	MoveDstFldID  = page(PageMove, 0x09)
	MoveResponse  = page(PageMove, 0x0A)
	MoveStatus    = page(PageMove, 0x0B)
	MoveDstMsgID  = page(PageMove, 0x0C)
)

// FolderHierarchy (code page 0x07).
var (
	FolderFolders     = page(PageFolderHierarchy, 0x05)
	FolderFolder      = page(PageFolderHierarchy, 0x06)
	FolderDisplayName = page(PageFolderHierarchy, 0x07)
	FolderServerID    = page(PageFolderHierarchy, 0x08)
	FolderParentID    = page(PageFolderHierarchy, 0x09)
	FolderType        = page(PageFolderHierarchy, 0x0A)
	FolderStatus      = page(PageFolderHierarchy, 0x0C)
	FolderChanges     = page(PageFolderHierarchy, 0x0E)
	FolderAdd         = page(PageFolderHierarchy, 0x0F)
	FolderDelete      = page(PageFolderHierarchy, 0x10)
	FolderUpdate      = page(PageFolderHierarchy, 0x11)
	FolderSyncKey     = page(PageFolderHierarchy, 0x12)
	FolderFolderSync  = page(PageFolderHierarchy, 0x16)
	FolderCount       = page(PageFolderHierarchy, 0x17)
)

// MeetingResponse (code page 0x08).
var (
	MeetingCalendarID   = page(PageMeetingResponse, 0x05)
	MeetingCollectionID = page(PageMeetingResponse, 0x06)
	MeetingResponse     = page(PageMeetingResponse, 0x07)
	MeetingRequestID    = page(PageMeetingResponse, 0x08)
	MeetingRequest      = page(PageMeetingResponse, 0x09)
	MeetingResult       = page(PageMeetingResponse, 0x0A)
	MeetingStatus       = page(PageMeetingResponse, 0x0B)
	MeetingUserResponse = page(PageMeetingResponse, 0x0C)
)

// Ping (code page 0x0D).
var (
	PingPing              = page(PagePing, 0x05)
	PingAutdState         = page(PagePing, 0x06)
	PingStatus            = page(PagePing, 0x07)
	PingHeartbeatInterval = page(PagePing, 0x08)
	PingFolders           = page(PagePing, 0x09)
	PingFolder            = page(PagePing, 0x0A)
	PingID                = page(PagePing, 0x0B)
	PingClass             = page(PagePing, 0x0C)
	PingMaxFolders        = page(PagePing, 0x0D)
)

// AirSyncBase (code page 0x11).
var (
	BaseBodyPreference    = page(PageAirSyncBase, 0x05)
	BaseType              = page(PageAirSyncBase, 0x06)
	BaseTruncationSize    = page(PageAirSyncBase, 0x07)
	BaseBody              = page(PageAirSyncBase, 0x0A)
	BaseData              = page(PageAirSyncBase, 0x0B)
	BaseEstimatedDataSize = page(PageAirSyncBase, 0x0C)
	BaseTruncated         = page(PageAirSyncBase, 0x0D)
)

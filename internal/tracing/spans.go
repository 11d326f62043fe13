package tracing

// Span attribute keys for sync tracing.
const (
	AttrAccountID   = "account.id"
	AttrMailboxID   = "mailbox.id"
	AttrMailboxType = "mailbox.type"
	AttrSyncReason  = "sync.reason"
	AttrSyncKey     = "sync.key"
	AttrCommand     = "eas.command"
	AttrVersion     = "eas.version"
	AttrHeartbeat   = "ping.heartbeat"
	AttrPingStatus  = "ping.status"
	AttrChangeCount = "sync.change_count"
	AttrExitStatus  = "worker.exit"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixWorker  = "worker."
	SpanPrefixCommand = "eas.command."
	SpanPrefixEngine  = "engine."
)

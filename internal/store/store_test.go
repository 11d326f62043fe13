package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// setupStore creates an in-memory database with the full schema.
func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenMemoryDB()
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { db.Close() })
	s := New(db)
	t.Cleanup(s.Close)
	return s
}

func testAccount(t *testing.T, s *Store) *Account {
	t.Helper()
	a := &Account{
		DisplayName:  "Work",
		EmailAddress: "user@example.com",
		Host:         "mail.example.com",
		Username:     "user@example.com",
		Password:     "secret",
		UseTLS:       true,
		SyncInterval: IntervalPush,
		SyncLookback: LookbackOneWeek,
	}
	require.NoError(t, s.CreateAccount(a))
	require.Greater(t, a.ID, int64(0))
	return a
}

func TestCreateAccount_InsertsAccountMailbox(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	m, err := s.AccountMailbox(a.ID)
	require.NoError(t, err)
	require.Equal(t, TypeAccount, m.Type)
	require.Equal(t, IntervalPush, m.SyncInterval)
	require.Equal(t, InitialSyncKey, m.SyncKey)
	require.False(t, m.Visible, "account mailbox is hidden")

	got, err := s.GetAccount(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.EmailAddress, got.EmailAddress)
	require.Equal(t, InitialSyncKey, got.SyncKey)
}

func TestDeleteAccount_CascadesEverything(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	inbox := &Mailbox{AccountID: a.ID, ServerID: "5", DisplayName: "Inbox",
		Type: TypeInbox, SyncInterval: IntervalPush, Visible: true}
	require.NoError(t, s.AddMailbox(inbox))

	msg := &Message{AccountID: a.ID, MailboxID: inbox.ID, ServerID: "5:1",
		Subject: "hello", DateReceived: time.Now()}
	require.NoError(t, s.AddMessage(msg))
	require.NoError(t, s.AddAttachment(&Attachment{MessageID: msg.ID, FileName: "a.pdf", Location: "5:1:0"}))

	require.NoError(t, s.DeleteAccount(a.ID))

	_, err := s.GetAccount(a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMailbox(inbox.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage(msg.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListPingCandidates_ExcludesAccountMailboxAndPolled(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	push := &Mailbox{AccountID: a.ID, ServerID: "1", DisplayName: "Inbox",
		Type: TypeInbox, SyncInterval: IntervalPush, SyncKey: "22", Visible: true}
	ping := &Mailbox{AccountID: a.ID, ServerID: "2", DisplayName: "Calendar",
		Type: TypeCalendar, SyncInterval: IntervalPing, SyncKey: "7", Visible: true}
	polled := &Mailbox{AccountID: a.ID, ServerID: "3", DisplayName: "Archive",
		Type: TypeOther, SyncInterval: 60, Visible: true}
	never := &Mailbox{AccountID: a.ID, ServerID: "4", DisplayName: "Junk",
		Type: TypeOther, SyncInterval: IntervalNever, Visible: true}
	for _, m := range []*Mailbox{push, ping, polled, never} {
		require.NoError(t, s.AddMailbox(m))
	}

	candidates, err := s.ListPingCandidates(a.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, push.ID, candidates[0].ID)
	require.Equal(t, ping.ID, candidates[1].ID)
}

func TestListSyncableMailboxes_KeepsOutboxDropsNever(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	outbox := &Mailbox{AccountID: a.ID, ServerID: "o", DisplayName: "Outbox",
		Type: TypeOutbox, SyncInterval: IntervalNever, Visible: true}
	junk := &Mailbox{AccountID: a.ID, ServerID: "j", DisplayName: "Junk",
		Type: TypeOther, SyncInterval: IntervalNever, Visible: true}
	require.NoError(t, s.AddMailbox(outbox))
	require.NoError(t, s.AddMailbox(junk))

	mailboxes, err := s.ListSyncableMailboxes()
	require.NoError(t, err)

	var ids []int64
	for _, m := range mailboxes {
		ids = append(ids, m.ID)
	}
	require.Contains(t, ids, outbox.ID, "outbox is always a candidate")
	require.NotContains(t, ids, junk.ID)
}

func TestFlipIntervals(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	for i, interval := range []int{IntervalPush, IntervalPush, IntervalPing, 30} {
		m := &Mailbox{AccountID: a.ID, ServerID: string(rune('a' + i)),
			DisplayName: "m", Type: TypeOther, SyncInterval: interval, Visible: true}
		require.NoError(t, s.AddMailbox(m))
	}

	// Account mailbox is PUSH too, so three rows flip.
	n, err := s.FlipIntervals(a.ID, IntervalPush, IntervalPushHold)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = s.FlipIntervals(a.ID, IntervalPushHold, IntervalPush)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestMailbox_Pingable(t *testing.T) {
	tests := []struct {
		name string
		m    Mailbox
		want bool
	}{
		{"push with state", Mailbox{Type: TypeInbox, SyncInterval: IntervalPush, SyncKey: "42"}, true},
		{"ping with state", Mailbox{Type: TypeCalendar, SyncInterval: IntervalPing, SyncKey: "9"}, true},
		{"never synced", Mailbox{Type: TypeInbox, SyncInterval: IntervalPush, SyncKey: InitialSyncKey}, false},
		{"account mailbox", Mailbox{Type: TypeAccount, SyncInterval: IntervalPush, SyncKey: "3"}, false},
		{"polled", Mailbox{Type: TypeInbox, SyncInterval: 15, SyncKey: "3"}, false},
		{"push hold", Mailbox{Type: TypeInbox, SyncInterval: IntervalPushHold, SyncKey: "3"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.m.Pingable())
		})
	}
}

func TestSyncStatus_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reason := SyncReason(rapid.IntRange(0, 5).Draw(rt, "reason"))
		exit := rapid.IntRange(0, 4).Draw(rt, "exit")
		count := rapid.IntRange(0, 100000).Draw(rt, "count")

		status := FormatSyncStatus(reason, exit, count)
		gotReason, gotExit, gotCount, err := ParseSyncStatus(status)
		require.NoError(rt, err)
		require.Equal(rt, reason, gotReason)
		require.Equal(rt, exit, gotExit)
		require.Equal(rt, count, gotCount)
	})
}

func TestParseSyncStatus_Malformed(t *testing.T) {
	for _, s := range []string{"", "S", "S4", "S4:0", "X4:0:1", "S4;0;1"} {
		_, _, _, err := ParseSyncStatus(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestUpsyncFlags(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	inbox := &Mailbox{AccountID: a.ID, ServerID: "5", DisplayName: "Inbox",
		Type: TypeInbox, SyncInterval: IntervalPush, SyncKey: "8", Visible: true}
	require.NoError(t, s.AddMailbox(inbox))

	read := &Message{AccountID: a.ID, MailboxID: inbox.ID, ServerID: "5:1",
		Subject: "read me", DateReceived: time.Now()}
	gone := &Message{AccountID: a.ID, MailboxID: inbox.ID, ServerID: "5:2",
		Subject: "delete me", DateReceived: time.Now()}
	require.NoError(t, s.AddMessage(read))
	require.NoError(t, s.AddMessage(gone))

	ids, err := s.DirtyMailboxIDs()
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.MarkMessageDirty(read.ID))
	require.NoError(t, s.MarkMessageDeleted(gone.ID))

	ids, err = s.DirtyMailboxIDs()
	require.NoError(t, err)
	require.Equal(t, []int64{inbox.ID}, ids)

	dirty, err := s.ListDirtyMessages(inbox.ID)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, read.ID, dirty[0].ID)

	deleted, err := s.ListDeletedMessages(inbox.ID)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, gone.ID, deleted[0].ID)

	require.NoError(t, s.ClearUpsyncFlags(inbox.ID))

	ids, err = s.DirtyMailboxIDs()
	require.NoError(t, err)
	require.Empty(t, ids)

	// The acknowledged delete is purged; the edited row survives.
	_, err = s.GetMessage(gone.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage(read.ID)
	require.NoError(t, err)
}

func TestOutbox_SendableMessages(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	outbox := &Mailbox{AccountID: a.ID, ServerID: "", DisplayName: "Outbox",
		Type: TypeOutbox, SyncInterval: IntervalNever, Visible: true}
	require.NoError(t, s.AddMailbox(outbox))

	sendable, err := s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.False(t, sendable)

	msg := &Message{AccountID: a.ID, MailboxID: outbox.ID,
		Subject: "outgoing", To: "rcpt@example.com", DateReceived: time.Now()}
	require.NoError(t, s.AddMessage(msg))

	sendable, err = s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.True(t, sendable)

	// A forwarded attachment that has not been downloaded yet blocks the send.
	att := &Attachment{MessageID: msg.ID, FileName: "f.pdf", Location: "ref"}
	require.NoError(t, s.AddAttachment(att))

	sendable, err = s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.False(t, sendable)

	require.NoError(t, s.SetAttachmentContent(att.ID, "file:///tmp/f.pdf", "application/pdf"))
	sendable, err = s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.True(t, sendable)

	// Send failures take the message out of the candidate set until the
	// user retries.
	require.NoError(t, s.MarkSendFailed(msg.ID))
	sendable, err = s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.False(t, sendable)

	require.NoError(t, s.ClearSendFailed(outbox.ID))
	sendable, err = s.HasSendableMessage(outbox.ID)
	require.NoError(t, err)
	require.True(t, sendable)
}

func TestMoveMessageLocal(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	src := &Mailbox{AccountID: a.ID, ServerID: "1", DisplayName: "Inbox",
		Type: TypeInbox, SyncInterval: IntervalPush, Visible: true}
	dst := &Mailbox{AccountID: a.ID, ServerID: "2", DisplayName: "Archive",
		Type: TypeOther, SyncInterval: IntervalNever, Visible: true}
	require.NoError(t, s.AddMailbox(src))
	require.NoError(t, s.AddMailbox(dst))

	msg := &Message{AccountID: a.ID, MailboxID: src.ID, ServerID: "1:9",
		Subject: "moving", DateReceived: time.Now()}
	require.NoError(t, s.AddMessage(msg))

	require.NoError(t, s.MoveMessageLocal(msg.ID, dst.ID, "2:4"))

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, dst.ID, got.MailboxID)
	require.Equal(t, "2:4", got.ServerID)

	mailboxID, err := s.MessageMailboxID(msg.ID)
	require.NoError(t, err)
	require.Equal(t, dst.ID, mailboxID)
}

func TestAttachmentMailboxID(t *testing.T) {
	s := setupStore(t)
	a := testAccount(t, s)

	inbox := &Mailbox{AccountID: a.ID, ServerID: "1", DisplayName: "Inbox",
		Type: TypeInbox, SyncInterval: IntervalPush, Visible: true}
	require.NoError(t, s.AddMailbox(inbox))

	msg := &Message{AccountID: a.ID, MailboxID: inbox.ID, ServerID: "1:1",
		DateReceived: time.Now()}
	require.NoError(t, s.AddMessage(msg))

	att := &Attachment{MessageID: msg.ID, FileName: "x.png", Location: "1:1:0", Size: 1024}
	require.NoError(t, s.AddAttachment(att))

	id, err := s.AttachmentMailboxID(att.ID)
	require.NoError(t, err)
	require.Equal(t, inbox.ID, id)

	_, err = s.AttachmentMailboxID(att.ID + 100)
	require.ErrorIs(t, err, ErrNotFound)
}

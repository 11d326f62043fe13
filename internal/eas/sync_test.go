package eas

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/wbxml"
)

// syncEnv holds a worker over a memory store, optionally backed by an
// httptest server for full round trips.
type syncEnv struct {
	store   *store.Store
	account *store.Account
	mailbox *store.Mailbox
	worker  *Worker
}

func newSyncEnv(t *testing.T, mailboxType store.MailboxType, syncKey, version string) *syncEnv {
	t.Helper()
	db, err := store.OpenMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	t.Cleanup(st.Close)

	a := &store.Account{
		DisplayName:  "Work",
		EmailAddress: "user@example.com",
		Host:         "mail.example.com",
		Username:     "user@example.com",
		Password:     "secret",
		SyncInterval: store.IntervalPush,
		SyncLookback: store.LookbackOneWeek,
	}
	require.NoError(t, st.CreateAccount(a))

	m := &store.Mailbox{AccountID: a.ID, ServerID: "5", DisplayName: "Inbox",
		Type: mailboxType, SyncInterval: store.IntervalPush, SyncKey: syncKey, Visible: true}
	require.NoError(t, st.AddMailbox(m))

	w := &Worker{
		Account: a,
		Mailbox: m,
		Reason:  store.ReasonUser,
		kind:    KindCollection,
		store:   st,
		client:  &Client{Version: version},
		notify:  NopNotifier{},
		queue:   NewRequestQueue(0),
	}
	return &syncEnv{store: st, account: a, mailbox: m, worker: w}
}

// syncRequest is the flattened shape of a built Sync body.
type syncRequest struct {
	class        string
	syncKey      string
	collectionID string
	filterType   string
	windowSize   int
	bodyType     int
	getChanges   bool
	deletesMoves bool
	hasOptions   bool
	changes      map[string]string // serverID -> read flag
	deletes      []string
}

func parseSyncRequest(t *testing.T, body []byte) *syncRequest {
	t.Helper()
	req := &syncRequest{changes: map[string]string{}}

	p, err := wbxml.NewParser(bytes.NewReader(body))
	require.NoError(t, err)
	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, wbxml.SyncSync, tag)

	tag, err = p.NextTag(wbxml.SyncSync)
	require.NoError(t, err)
	require.Equal(t, wbxml.SyncCollections, tag)
	tag, err = p.NextTag(wbxml.SyncCollections)
	require.NoError(t, err)
	require.Equal(t, wbxml.SyncCollection, tag)

	for {
		tag, err = p.NextTag(wbxml.SyncCollection)
		require.NoError(t, err)
		if tag == wbxml.Done {
			return req
		}
		switch tag {
		case wbxml.SyncClass:
			req.class = mustValue(t, p)
		case wbxml.SyncSyncKey:
			req.syncKey = mustValue(t, p)
		case wbxml.SyncCollectionID:
			req.collectionID = mustValue(t, p)
		case wbxml.SyncGetChanges:
			req.getChanges = true
			mustValue(t, p)
		case wbxml.SyncDeletesAsMoves:
			req.deletesMoves = true
			mustValue(t, p)
		case wbxml.SyncWindowSize:
			var err error
			req.windowSize, err = p.ValueInt()
			require.NoError(t, err)
		case wbxml.SyncOptions:
			req.hasOptions = true
			parseSyncRequestOptions(t, p, req)
		case wbxml.SyncCommands:
			parseSyncRequestCommands(t, p, req)
		default:
			require.NoError(t, p.Skip())
		}
	}
}

func parseSyncRequestOptions(t *testing.T, p *wbxml.Parser, req *syncRequest) {
	t.Helper()
	for {
		tag, err := p.NextTag(wbxml.SyncOptions)
		require.NoError(t, err)
		if tag == wbxml.Done {
			return
		}
		switch tag {
		case wbxml.SyncFilterType:
			req.filterType = mustValue(t, p)
		case wbxml.BaseBodyPreference:
			for {
				inner, err := p.NextTag(wbxml.BaseBodyPreference)
				require.NoError(t, err)
				if inner == wbxml.Done {
					break
				}
				if inner == wbxml.BaseType {
					req.bodyType, err = p.ValueInt()
					require.NoError(t, err)
				} else {
					require.NoError(t, p.Skip())
				}
			}
		default:
			require.NoError(t, p.Skip())
		}
	}
}

func parseSyncRequestCommands(t *testing.T, p *wbxml.Parser, req *syncRequest) {
	t.Helper()
	for {
		tag, err := p.NextTag(wbxml.SyncCommands)
		require.NoError(t, err)
		if tag == wbxml.Done {
			return
		}
		switch tag {
		case wbxml.SyncChange:
			var serverID, read string
			for {
				inner, err := p.NextTag(wbxml.SyncChange)
				require.NoError(t, err)
				if inner == wbxml.Done {
					break
				}
				switch inner {
				case wbxml.SyncServerID:
					serverID = mustValue(t, p)
				case wbxml.SyncApplicationData:
					for {
						field, err := p.NextTag(wbxml.SyncApplicationData)
						require.NoError(t, err)
						if field == wbxml.Done {
							break
						}
						if field == wbxml.EmailRead {
							read = mustValue(t, p)
						} else {
							require.NoError(t, p.Skip())
						}
					}
				default:
					require.NoError(t, p.Skip())
				}
			}
			req.changes[serverID] = read
		case wbxml.SyncDelete:
			for {
				inner, err := p.NextTag(wbxml.SyncDelete)
				require.NoError(t, err)
				if inner == wbxml.Done {
					break
				}
				if inner == wbxml.SyncServerID {
					req.deletes = append(req.deletes, mustValue(t, p))
				} else {
					require.NoError(t, p.Skip())
				}
			}
		default:
			require.NoError(t, p.Skip())
		}
	}
}

func mustValue(t *testing.T, p *wbxml.Parser) string {
	t.Helper()
	v, err := p.Value()
	require.NoError(t, err)
	return v
}

func TestBuildSyncBody_InitialEmail(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, store.InitialSyncKey, Version120)

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)

	require.Equal(t, "Email", req.class)
	require.Equal(t, store.InitialSyncKey, req.syncKey)
	require.Equal(t, "5", req.collectionID)
	require.False(t, req.getChanges, "the priming turn must not ask for changes")
	require.True(t, req.deletesMoves)
	require.Equal(t, windowSizeEmail, req.windowSize)
	require.Equal(t, "3", req.filterType, "one week lookback")
	require.Equal(t, bodyTypeHTML, req.bodyType)
}

func TestBuildSyncBody_SubsequentAsksForChanges(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)

	require.Equal(t, "12", req.syncKey)
	require.True(t, req.getChanges)
}

func TestBuildSyncBody_Calendar(t *testing.T) {
	env := newSyncEnv(t, store.TypeCalendar, "4", Version120)

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)

	require.Equal(t, "Calendar", req.class)
	require.Equal(t, windowSizePIM, req.windowSize)
	require.Equal(t, "3", req.filterType)
	require.Equal(t, bodyTypeText, req.bodyType, "only mail asks for HTML")
}

func TestBuildSyncBody_ContactsLegacyHasNoOptions(t *testing.T) {
	// Contacts never filter by date, and 2.5 has no body preferences, so
	// the Options block disappears entirely.
	env := newSyncEnv(t, store.TypeContacts, "4", Version25)

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)

	require.Equal(t, "Contacts", req.class)
	require.False(t, req.hasOptions)
	require.Equal(t, windowSizePIM, req.windowSize)
}

func TestBuildSyncBody_UpsyncCommands(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	read := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		ServerID: "5:1", Subject: "a", Read: true, DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(read))
	require.NoError(t, env.store.MarkMessageDirty(read.ID))

	local := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		Subject: "draft without server id", DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(local))
	require.NoError(t, env.store.MarkMessageDirty(local.ID))

	gone := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		ServerID: "5:2", Subject: "b", DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(gone))
	require.NoError(t, env.store.MarkMessageDeleted(gone.ID))

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)

	require.Equal(t, map[string]string{"5:1": "1"}, req.changes,
		"dirty rows without a server id stay local")
	require.Equal(t, []string{"5:2"}, req.deletes)
}

func TestBuildSyncBody_InitialSkipsUpsync(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, store.InitialSyncKey, Version120)

	msg := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		ServerID: "5:1", DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(msg))
	require.NoError(t, env.store.MarkMessageDirty(msg.ID))

	body, err := env.worker.buildSyncBody()
	require.NoError(t, err)
	req := parseSyncRequest(t, body)
	require.Empty(t, req.changes, "no upsync against sync key zero")
}

// syncResponse builds a minimal server Sync document.
func syncResponseDoc(t *testing.T, build func(s *wbxml.Serializer)) []byte {
	t.Helper()
	s := wbxml.NewSerializer()
	s.Start(wbxml.SyncSync).
		Start(wbxml.SyncCollections).
		Start(wbxml.SyncCollection)
	build(s)
	s.End().End().End()
	data, err := s.Bytes()
	require.NoError(t, err)
	return data
}

func TestApplySyncResponse_AddWithAttachment(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncSyncKey, "13").
			Data(wbxml.SyncStatus, "1").
			Start(wbxml.SyncCommands).
			Start(wbxml.SyncAdd).
			Data(wbxml.SyncServerID, "5:7").
			Start(wbxml.SyncApplicationData).
			Data(wbxml.EmailSubject, "Quarterly numbers").
			Data(wbxml.EmailFrom, "boss@example.com").
			Data(wbxml.EmailTo, "user@example.com").
			Data(wbxml.EmailDateReceived, "2026-08-25T09:30:00.000Z").
			Data(wbxml.EmailRead, "0").
			Start(wbxml.BaseBody).
			Data(wbxml.BaseData, "<html>numbers</html>").
			End().
			Start(wbxml.EmailAttachments).
			Start(wbxml.EmailAttachment).
			Data(wbxml.EmailAttName, "5:7:0").
			Data(wbxml.EmailAttSize, "2048").
			End().
			End().
			End().
			End().
			End()
	})

	result, err := env.worker.applySyncResponse(bytes.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "13", result.syncKey)
	require.Equal(t, 1, result.changeCount)
	require.False(t, result.moreAvailable)
	require.False(t, result.invalidKey)

	msg, err := env.store.GetMessageByServerID(env.mailbox.ID, "5:7")
	require.NoError(t, err)
	require.Equal(t, "Quarterly numbers", msg.Subject)
	require.Equal(t, "boss@example.com", msg.From)
	require.Equal(t, "<html>numbers</html>", msg.Body)
	require.False(t, msg.Read)
	require.Equal(t, 2026, msg.DateReceived.Year())

	atts, err := env.store.ListAttachments(msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, "5:7:0", atts[0].Location)
	require.Equal(t, int64(2048), atts[0].Size)
}

func TestApplySyncResponse_ChangeAndDelete(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	existing := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		ServerID: "5:1", Subject: "old", DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(existing))
	doomed := &store.Message{AccountID: env.account.ID, MailboxID: env.mailbox.ID,
		ServerID: "5:2", Subject: "bye", DateReceived: time.Now()}
	require.NoError(t, env.store.AddMessage(doomed))

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncSyncKey, "13").
			Data(wbxml.SyncStatus, "1").
			Start(wbxml.SyncCommands).
			Start(wbxml.SyncChange).
			Data(wbxml.SyncServerID, "5:1").
			Start(wbxml.SyncApplicationData).
			Data(wbxml.EmailRead, "1").
			End().
			End().
			Start(wbxml.SyncDelete).
			Data(wbxml.SyncServerID, "5:2").
			End().
			End()
	})

	result, err := env.worker.applySyncResponse(bytes.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 1, result.changeCount, "changes to known rows are not counted as new")

	got, err := env.store.GetMessage(existing.ID)
	require.NoError(t, err)
	require.True(t, got.Read)

	_, err = env.store.GetMessageByServerID(env.mailbox.ID, "5:2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySyncResponse_InvalidKey(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncStatus, "3")
	})

	result, err := env.worker.applySyncResponse(bytes.NewReader(doc))
	require.NoError(t, err)
	require.True(t, result.invalidKey)
}

func TestApplySyncResponse_MoreAvailable(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncSyncKey, "13").
			Data(wbxml.SyncStatus, "1").
			Tag(wbxml.SyncMoreAvailable)
	})

	result, err := env.worker.applySyncResponse(bytes.NewReader(doc))
	require.NoError(t, err)
	require.True(t, result.moreAvailable)
}

func TestSyncTurn_RoundTrip(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncSyncKey, "13").
			Data(wbxml.SyncStatus, "1").
			Start(wbxml.SyncCommands).
			Start(wbxml.SyncAdd).
			Data(wbxml.SyncServerID, "5:9").
			Start(wbxml.SyncApplicationData).
			Data(wbxml.EmailSubject, "hi").
			End().
			End().
			End()
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(doc)
	}))
	defer srv.Close()

	ResetDeviceID()
	t.Cleanup(ResetDeviceID)
	env.account.Host = strings.TrimPrefix(srv.URL, "http://")
	client, err := NewClient(NewTransport(), env.account, t.TempDir())
	require.NoError(t, err)
	client.Version = Version120
	env.worker.client = client

	more, err := env.worker.syncTurn(t.Context())
	require.NoError(t, err)
	require.False(t, more)

	got, err := env.store.GetMailbox(env.mailbox.ID)
	require.NoError(t, err)
	require.Equal(t, "13", got.SyncKey)
	require.Equal(t, "S1:0:1", got.SyncStatus, "user-requested sync, clean exit, one change")
	require.False(t, got.LastSync.IsZero())
}

func TestSyncTurn_InvalidKeyResetsAndRetries(t *testing.T) {
	env := newSyncEnv(t, store.TypeInbox, "12", Version120)

	doc := syncResponseDoc(t, func(s *wbxml.Serializer) {
		s.Data(wbxml.SyncStatus, "3")
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(doc)
	}))
	defer srv.Close()

	ResetDeviceID()
	t.Cleanup(ResetDeviceID)
	env.account.Host = strings.TrimPrefix(srv.URL, "http://")
	client, err := NewClient(NewTransport(), env.account, t.TempDir())
	require.NoError(t, err)
	client.Version = Version120
	env.worker.client = client

	more, err := env.worker.syncTurn(t.Context())
	require.NoError(t, err)
	require.True(t, more, "a reset collection must immediately re-sync")
	require.Equal(t, store.InitialSyncKey, env.worker.Mailbox.SyncKey)

	got, err := env.store.GetMailbox(env.mailbox.ID)
	require.NoError(t, err)
	require.Equal(t, store.InitialSyncKey, got.SyncKey)
}

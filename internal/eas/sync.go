package eas

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/wbxml"
)

// Sync response status codes the driver reacts to.
const (
	syncStatusOK         = 1
	syncStatusInvalidKey = 3
)

// Window sizes per collection class.
const (
	windowSizeEmail = 5
	windowSizePIM   = 20
)

// Body preference types (AirSyncBase).
const (
	bodyTypeText = 1
	bodyTypeHTML = 2
)

// emailDateLayout is the timestamp format in Email ApplicationData.
const emailDateLayout = "2006-01-02T15:04:05.000Z"

// lookbackFilter maps the account's lookback policy to the FilterType
// element value. Unknown values fall back to one week.
func lookbackFilter(lookback int) string {
	switch lookback {
	case store.LookbackAll:
		return "0"
	case store.LookbackOneDay:
		return "1"
	case store.Lookback3Days:
		return "2"
	case store.LookbackOneWeek:
		return "3"
	case store.Lookback2Weeks:
		return "4"
	case store.LookbackOneMonth:
		return "5"
	default:
		return "3"
	}
}

// syncTurn performs one Sync round trip for the worker's collection:
// upsync local changes, downsync a window of server changes, advance
// the sync key. Returns whether the server has more to send.
func (w *Worker) syncTurn(ctx context.Context) (more bool, err error) {
	body, err := w.buildSyncBody()
	if err != nil {
		return false, err
	}

	data, err := w.client.SendCommand(ctx, "Sync", body)
	if err != nil {
		return false, err
	}

	result, err := w.applySyncResponse(bytes.NewReader(data))
	if err != nil {
		return false, err
	}

	if result.invalidKey {
		// The server lost our cursor: restart the collection from zero.
		log.Warn(log.CatEAS, "Sync key rejected, resetting",
			"mailbox", w.Mailbox.ID, "name", w.Mailbox.DisplayName)
		w.Mailbox.SyncKey = store.InitialSyncKey
		if err := w.store.SetMailboxSyncKey(w.Mailbox.ID, store.InitialSyncKey); err != nil {
			return false, err
		}
		return true, nil
	}

	if result.syncKey != "" && result.syncKey != w.Mailbox.SyncKey {
		w.Mailbox.SyncKey = result.syncKey
		if err := w.store.SetMailboxSyncKey(w.Mailbox.ID, result.syncKey); err != nil {
			return false, err
		}
	}

	if err := w.store.ClearUpsyncFlags(w.Mailbox.ID); err != nil {
		return false, err
	}

	status := store.FormatSyncStatus(w.Reason, int(ExitDone), result.changeCount)
	if err := w.store.SetMailboxSyncStatus(w.Mailbox.ID, status); err != nil {
		return false, err
	}
	if err := w.store.SetMailboxLastSync(w.Mailbox.ID, time.Now()); err != nil {
		return false, err
	}

	log.Debug(log.CatEAS, "Sync turn complete",
		"mailbox", w.Mailbox.ID, "changes", result.changeCount, "more", result.moreAvailable)
	return result.moreAvailable, nil
}

// buildSyncBody assembles the Sync request for this collection,
// including pending local changes.
func (w *Worker) buildSyncBody() ([]byte, error) {
	m := w.Mailbox
	initial := m.SyncKey == store.InitialSyncKey

	windowSize := windowSizeEmail
	if m.Type.IsPIM() {
		windowSize = windowSizePIM
	}

	s := wbxml.NewSerializer()
	s.Start(wbxml.SyncSync).
		Start(wbxml.SyncCollections).
		Start(wbxml.SyncCollection).
		Data(wbxml.SyncClass, m.Type.EASClass()).
		Data(wbxml.SyncSyncKey, m.SyncKey).
		Data(wbxml.SyncCollectionID, m.ServerID).
		Tag(wbxml.SyncDeletesAsMoves)
	if !initial {
		s.Tag(wbxml.SyncGetChanges)
	}
	s.DataInt(wbxml.SyncWindowSize, windowSize)

	writeFilter := m.Type != store.TypeContacts
	writeBody := w.client.Version == Version120
	if writeFilter || writeBody {
		s.Start(wbxml.SyncOptions)
		if writeFilter {
			s.Data(wbxml.SyncFilterType, lookbackFilter(w.Account.SyncLookback))
		}
		if writeBody {
			bodyType := bodyTypeText
			if m.Type.EASClass() == "Email" {
				bodyType = bodyTypeHTML
			}
			s.Start(wbxml.BaseBodyPreference).
				DataInt(wbxml.BaseType, bodyType).
				End()
		}
		s.End()
	}

	if !initial {
		if err := w.writeUpsyncCommands(s); err != nil {
			return nil, err
		}
	}

	s.End().End().End()
	return s.Bytes()
}

// writeUpsyncCommands appends Change/Delete commands for local edits.
// Only the read flag is upsynced for mail; PIM upsync rides on the same
// dirty mark but carries no fields the server would reject.
func (w *Worker) writeUpsyncCommands(s *wbxml.Serializer) error {
	dirty, err := w.store.ListDirtyMessages(w.Mailbox.ID)
	if err != nil {
		return err
	}
	deleted, err := w.store.ListDeletedMessages(w.Mailbox.ID)
	if err != nil {
		return err
	}
	if len(dirty) == 0 && len(deleted) == 0 {
		return nil
	}

	s.Start(wbxml.SyncCommands)
	for _, msg := range dirty {
		if msg.ServerID == "" {
			continue
		}
		s.Start(wbxml.SyncChange).
			Data(wbxml.SyncServerID, msg.ServerID).
			Start(wbxml.SyncApplicationData).
			DataInt(wbxml.EmailRead, boolInt(msg.Read)).
			End().
			End()
	}
	for _, msg := range deleted {
		if msg.ServerID == "" {
			continue
		}
		s.Start(wbxml.SyncDelete).
			Data(wbxml.SyncServerID, msg.ServerID).
			End()
	}
	s.End()
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type syncResult struct {
	syncKey       string
	moreAvailable bool
	invalidKey    bool
	changeCount   int
}

// applySyncResponse parses the server's Sync document and applies adds,
// changes and deletes to the store.
func (w *Worker) applySyncResponse(r *bytes.Reader) (*syncResult, error) {
	p, err := wbxml.NewParser(r)
	if err != nil {
		return nil, err
	}

	if tag, err := p.NextTag(0); err != nil {
		return nil, err
	} else if tag != wbxml.SyncSync {
		return nil, fmt.Errorf("eas: unexpected Sync root tag 0x%X", tag)
	}

	result := &syncResult{}
	for {
		tag, err := p.NextTag(wbxml.SyncSync)
		if err != nil {
			return nil, err
		}
		if tag == wbxml.Done {
			return result, nil
		}
		if tag != wbxml.SyncCollections {
			if err := p.Skip(); err != nil {
				return nil, err
			}
			continue
		}

		for {
			inner, err := p.NextTag(wbxml.SyncCollections)
			if err != nil {
				return nil, err
			}
			if inner == wbxml.Done {
				break
			}
			if inner == wbxml.SyncCollection {
				if err := w.parseCollection(p, result); err != nil {
					return nil, err
				}
			} else if err := p.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func (w *Worker) parseCollection(p *wbxml.Parser, result *syncResult) error {
	for {
		tag, err := p.NextTag(wbxml.SyncCollection)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			return nil
		}

		switch tag {
		case wbxml.SyncSyncKey:
			if result.syncKey, err = p.Value(); err != nil {
				return err
			}
		case wbxml.SyncStatus:
			status, err := p.ValueInt()
			if err != nil {
				return err
			}
			switch status {
			case syncStatusOK:
			case syncStatusInvalidKey:
				result.invalidKey = true
			default:
				return fmt.Errorf("eas: Sync status %d", status)
			}
		case wbxml.SyncMoreAvailable:
			result.moreAvailable = true
			if _, err := p.Value(); err != nil {
				return err
			}
		case wbxml.SyncCommands:
			if err := w.parseCommands(p, result); err != nil {
				return err
			}
		case wbxml.SyncResponses:
			if err := p.Skip(); err != nil {
				return err
			}
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) parseCommands(p *wbxml.Parser, result *syncResult) error {
	for {
		tag, err := p.NextTag(wbxml.SyncCommands)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			return nil
		}

		switch tag {
		case wbxml.SyncAdd, wbxml.SyncChange:
			if err := w.parseServerItem(p, tag, result); err != nil {
				return err
			}
		case wbxml.SyncDelete:
			if err := w.parseServerDelete(p, result); err != nil {
				return err
			}
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) parseServerItem(p *wbxml.Parser, itemTag int, result *syncResult) error {
	var serverID string
	msg := &store.Message{
		AccountID: w.Account.ID,
		MailboxID: w.Mailbox.ID,
	}
	var attachments []*store.Attachment

	for {
		tag, err := p.NextTag(itemTag)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			break
		}
		switch tag {
		case wbxml.SyncServerID:
			if serverID, err = p.Value(); err != nil {
				return err
			}
		case wbxml.SyncApplicationData:
			atts, err := w.parseApplicationData(p, msg)
			if err != nil {
				return err
			}
			attachments = atts
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}
	if serverID == "" {
		return nil
	}
	msg.ServerID = serverID

	if itemTag == wbxml.SyncChange {
		existing, err := w.store.GetMessageByServerID(w.Mailbox.ID, serverID)
		if err == nil {
			return w.store.UpdateMessageFromServer(existing.ID, msg)
		}
		// Unknown change: treat as add.
	}

	if err := w.store.AddMessage(msg); err != nil {
		return err
	}
	for _, a := range attachments {
		a.MessageID = msg.ID
		if err := w.store.AddAttachment(a); err != nil {
			return err
		}
	}
	result.changeCount++
	return nil
}

func (w *Worker) parseServerDelete(p *wbxml.Parser, result *syncResult) error {
	var serverID string
	for {
		tag, err := p.NextTag(wbxml.SyncDelete)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			break
		}
		if tag == wbxml.SyncServerID {
			if serverID, err = p.Value(); err != nil {
				return err
			}
		} else if err := p.Skip(); err != nil {
			return err
		}
	}
	if serverID == "" {
		return nil
	}
	if err := w.store.DeleteMessageByServerID(w.Mailbox.ID, serverID); err != nil {
		return err
	}
	result.changeCount++
	return nil
}

// parseApplicationData fills msg from the item payload. Email items get
// the full treatment; Calendar and Contacts map their headline fields
// onto the flat item row.
func (w *Worker) parseApplicationData(p *wbxml.Parser, msg *store.Message) ([]*store.Attachment, error) {
	var attachments []*store.Attachment
	for {
		tag, err := p.NextTag(wbxml.SyncApplicationData)
		if err != nil {
			return nil, err
		}
		if tag == wbxml.Done {
			return attachments, nil
		}

		switch tag {
		case wbxml.EmailSubject, wbxml.CalSubject:
			if msg.Subject, err = p.Value(); err != nil {
				return nil, err
			}
		case wbxml.EmailFrom:
			if msg.From, err = p.Value(); err != nil {
				return nil, err
			}
		case wbxml.EmailTo:
			if msg.To, err = p.Value(); err != nil {
				return nil, err
			}
		case wbxml.EmailDateReceived, wbxml.CalDTStamp:
			raw, err := p.Value()
			if err != nil {
				return nil, err
			}
			if t, err := time.Parse(emailDateLayout, raw); err == nil {
				msg.DateReceived = t
			}
		case wbxml.EmailBody:
			if msg.Body, err = p.Value(); err != nil {
				return nil, err
			}
		case wbxml.BaseBody:
			// Version 12.0 wraps the content in airsyncbase:Body/Data.
			for {
				inner, err := p.NextTag(wbxml.BaseBody)
				if err != nil {
					return nil, err
				}
				if inner == wbxml.Done {
					break
				}
				if inner == wbxml.BaseData {
					if msg.Body, err = p.Value(); err != nil {
						return nil, err
					}
				} else if err := p.Skip(); err != nil {
					return nil, err
				}
			}
		case wbxml.EmailRead:
			v, err := p.Value()
			if err != nil {
				return nil, err
			}
			msg.Read = v == "1"
		case wbxml.EmailAttachments:
			atts, err := parseAttachments(p)
			if err != nil {
				return nil, err
			}
			attachments = atts
		default:
			if err := p.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func parseAttachments(p *wbxml.Parser) ([]*store.Attachment, error) {
	var out []*store.Attachment
	for {
		tag, err := p.NextTag(wbxml.EmailAttachments)
		if err != nil {
			return nil, err
		}
		if tag == wbxml.Done {
			return out, nil
		}
		if tag != wbxml.EmailAttachment {
			if err := p.Skip(); err != nil {
				return nil, err
			}
			continue
		}

		a := &store.Attachment{}
		for {
			inner, err := p.NextTag(wbxml.EmailAttachment)
			if err != nil {
				return nil, err
			}
			if inner == wbxml.Done {
				break
			}
			switch inner {
			case wbxml.EmailAttName:
				if a.Location, err = p.Value(); err != nil {
					return nil, err
				}
				a.FileName = a.Location
			case wbxml.EmailAttSize:
				raw, err := p.Value()
				if err != nil {
					return nil, err
				}
				if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
					a.Size = n
				}
			default:
				if err := p.Skip(); err != nil {
					return nil, err
				}
			}
		}
		out = append(out, a)
	}
}

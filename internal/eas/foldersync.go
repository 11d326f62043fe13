package eas

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/wbxml"
)

// FolderSync status codes the driver reacts to.
const (
	folderStatusOK      = 1
	folderStatusResync  = 9
	maxFolderSyncRounds = 5
)

// EAS folder type codes (FolderHierarchy Type element).
const (
	folderTypeUserGeneric  = 1
	folderTypeInbox        = 2
	folderTypeDrafts       = 3
	folderTypeTrash        = 4
	folderTypeSent         = 5
	folderTypeOutbox       = 6
	folderTypeCalendar     = 8
	folderTypeContacts     = 9
	folderTypeUserMail     = 12
	folderTypeUserCalendar = 13
	folderTypeUserContacts = 14
)

func mailboxTypeFor(folderType int) (store.MailboxType, bool) {
	switch folderType {
	case folderTypeInbox:
		return store.TypeInbox, true
	case folderTypeDrafts:
		return store.TypeDrafts, true
	case folderTypeTrash:
		return store.TypeTrash, true
	case folderTypeSent:
		return store.TypeSent, true
	case folderTypeOutbox:
		return store.TypeOutbox, true
	case folderTypeCalendar, folderTypeUserCalendar:
		return store.TypeCalendar, true
	case folderTypeContacts, folderTypeUserContacts:
		return store.TypeContacts, true
	case folderTypeUserGeneric, folderTypeUserMail:
		return store.TypeOther, true
	default:
		return store.TypeOther, false
	}
}

// defaultInterval picks the interval a newly discovered mailbox starts
// with. Inbox and PIM collections follow push; everything else waits
// for the user.
func defaultInterval(t store.MailboxType) int {
	switch t {
	case store.TypeInbox, store.TypeCalendar, store.TypeContacts:
		return store.IntervalPush
	default:
		return store.IntervalNever
	}
}

// FolderSync reconciles the account's folder hierarchy with the server.
// It loops while the server reports sync-key churn (status 9), then
// flips all PUSH_HOLD mailboxes back to PUSH so they join the next Ping.
func FolderSync(ctx context.Context, c *Client, st *store.Store, account *store.Account) error {
	for round := 0; round < maxFolderSyncRounds; round++ {
		resync, err := folderSyncRound(ctx, c, st, account)
		if err != nil {
			return err
		}
		if !resync {
			if _, err := st.FlipIntervals(account.ID, store.IntervalPushHold, store.IntervalPush); err != nil {
				return err
			}
			return nil
		}
		// Sync-key churn: restart the hierarchy from scratch.
		account.SyncKey = store.InitialSyncKey
		if err := st.SetAccountSyncKey(account.ID, store.InitialSyncKey); err != nil {
			return err
		}
	}
	return fmt.Errorf("eas: FolderSync did not converge after %d rounds", maxFolderSyncRounds)
}

func folderSyncRound(ctx context.Context, c *Client, st *store.Store, account *store.Account) (resync bool, err error) {
	s := wbxml.NewSerializer()
	s.Start(wbxml.FolderFolderSync).
		Data(wbxml.FolderSyncKey, account.SyncKey).
		End()
	body, err := s.Bytes()
	if err != nil {
		return false, err
	}

	data, err := c.SendCommand(ctx, "FolderSync", body)
	if err != nil {
		return false, err
	}

	return parseFolderSync(bytes.NewReader(data), st, account)
}

func parseFolderSync(r *bytes.Reader, st *store.Store, account *store.Account) (resync bool, err error) {
	p, err := wbxml.NewParser(r)
	if err != nil {
		return false, err
	}

	if tag, err := p.NextTag(0); err != nil {
		return false, err
	} else if tag != wbxml.FolderFolderSync {
		return false, fmt.Errorf("eas: unexpected FolderSync root tag 0x%X", tag)
	}

	for {
		tag, err := p.NextTag(wbxml.FolderFolderSync)
		if err != nil {
			return false, err
		}
		if tag == wbxml.Done {
			return resync, nil
		}

		switch tag {
		case wbxml.FolderStatus:
			status, err := p.ValueInt()
			if err != nil {
				return false, err
			}
			switch status {
			case folderStatusOK:
			case folderStatusResync:
				log.Debug(log.CatEAS, "FolderSync sync-key churn", "account", account.ID)
				resync = true
			default:
				return false, fmt.Errorf("eas: FolderSync status %d", status)
			}
		case wbxml.FolderSyncKey:
			key, err := p.Value()
			if err != nil {
				return false, err
			}
			if key != "" {
				account.SyncKey = key
				if err := st.SetAccountSyncKey(account.ID, key); err != nil {
					return false, err
				}
			}
		case wbxml.FolderChanges:
			if err := parseFolderChanges(p, st, account); err != nil {
				return false, err
			}
		default:
			if err := p.Skip(); err != nil {
				return false, err
			}
		}
	}
}

func parseFolderChanges(p *wbxml.Parser, st *store.Store, account *store.Account) error {
	for {
		tag, err := p.NextTag(wbxml.FolderChanges)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			return nil
		}

		switch tag {
		case wbxml.FolderAdd:
			if err := parseFolderAdd(p, st, account); err != nil {
				return err
			}
		case wbxml.FolderDelete:
			if err := parseFolderDelete(p, st, account); err != nil {
				return err
			}
		case wbxml.FolderUpdate:
			if err := parseFolderUpdate(p, st, account); err != nil {
				return err
			}
		case wbxml.FolderCount:
			if _, err := p.Value(); err != nil {
				return err
			}
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}
}

func parseFolderAdd(p *wbxml.Parser, st *store.Store, account *store.Account) error {
	var serverID, displayName string
	var folderType int

	for {
		tag, err := p.NextTag(wbxml.FolderAdd)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			break
		}
		switch tag {
		case wbxml.FolderServerID:
			if serverID, err = p.Value(); err != nil {
				return err
			}
		case wbxml.FolderDisplayName:
			if displayName, err = p.Value(); err != nil {
				return err
			}
		case wbxml.FolderType:
			if folderType, err = p.ValueInt(); err != nil {
				return err
			}
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}

	t, known := mailboxTypeFor(folderType)
	if !known {
		log.Debug(log.CatEAS, "Skipping unknown folder type",
			"type", strconv.Itoa(folderType), "name", displayName)
		return nil
	}

	// Re-adds of a known server id are updates in disguise.
	if _, err := st.GetMailboxByServerID(account.ID, serverID); err == nil {
		return st.RenameMailbox(account.ID, serverID, displayName)
	}

	m := &store.Mailbox{
		AccountID:    account.ID,
		ServerID:     serverID,
		DisplayName:  displayName,
		Type:         t,
		SyncInterval: defaultInterval(t),
		SyncKey:      store.InitialSyncKey,
		Visible:      true,
	}
	log.Debug(log.CatEAS, "Folder added", "name", displayName, "type", t.String())
	return st.AddMailbox(m)
}

func parseFolderDelete(p *wbxml.Parser, st *store.Store, account *store.Account) error {
	var serverID string
	for {
		tag, err := p.NextTag(wbxml.FolderDelete)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			break
		}
		if tag == wbxml.FolderServerID {
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
	err := st.RemoveMailboxByServerID(account.ID, serverID)
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

func parseFolderUpdate(p *wbxml.Parser, st *store.Store, account *store.Account) error {
	var serverID, displayName string
	for {
		tag, err := p.NextTag(wbxml.FolderUpdate)
		if err != nil {
			return err
		}
		if tag == wbxml.Done {
			break
		}
		switch tag {
		case wbxml.FolderServerID:
			if serverID, err = p.Value(); err != nil {
				return err
			}
		case wbxml.FolderDisplayName:
			if displayName, err = p.Value(); err != nil {
				return err
			}
		default:
			if err := p.Skip(); err != nil {
				return err
			}
		}
	}
	if serverID == "" || displayName == "" {
		return nil
	}
	err := st.RenameMailbox(account.ID, serverID, displayName)
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

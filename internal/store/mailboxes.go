package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/easync/internal/pubsub"
)

const mailboxColumns = `id, account_id, server_id, display_name, type,
	sync_interval, sync_key, last_sync, sync_status, visible`

func scanMailbox(scanner interface{ Scan(...any) error }) (*Mailbox, error) {
	var m Mailbox
	var lastSync int64
	err := scanner.Scan(
		&m.ID, &m.AccountID, &m.ServerID, &m.DisplayName, &m.Type,
		&m.SyncInterval, &m.SyncKey, &lastSync, &m.SyncStatus, &m.Visible,
	)
	if lastSync > 0 {
		m.LastSync = time.UnixMilli(lastSync)
	}
	return &m, err
}

// AddMailbox inserts a mailbox discovered by FolderSync.
func (s *Store) AddMailbox(m *Mailbox) error {
	if m.SyncKey == "" {
		m.SyncKey = InitialSyncKey
	}
	res, err := s.db.Exec(
		`INSERT INTO mailboxes (account_id, server_id, display_name, type, sync_interval, sync_key, sync_status, visible)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.ServerID, m.DisplayName, m.Type, m.SyncInterval, m.SyncKey, m.SyncStatus, m.Visible,
	)
	if err != nil {
		return fmt.Errorf("inserting mailbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading mailbox id: %w", err)
	}
	m.ID = id
	s.mailboxes.Publish(pubsub.CreatedEvent, ChangeEvent{Table: "mailboxes", ID: id, AccountID: m.AccountID})
	return nil
}

// GetMailbox retrieves one mailbox.
func (s *Store) GetMailbox(id int64) (*Mailbox, error) {
	row := s.db.QueryRow(`SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id)
	m, err := scanMailbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mailbox %d: %w", id, err)
	}
	return m, nil
}

// GetMailboxByServerID looks a mailbox up by its server-assigned id.
func (s *Store) GetMailboxByServerID(accountID int64, serverID string) (*Mailbox, error) {
	row := s.db.QueryRow(
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE account_id = ? AND server_id = ?`,
		accountID, serverID,
	)
	m, err := scanMailbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mailbox %s: %w", serverID, err)
	}
	return m, nil
}

// AccountMailbox returns the hidden account mailbox for an account.
func (s *Store) AccountMailbox(accountID int64) (*Mailbox, error) {
	row := s.db.QueryRow(
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE account_id = ? AND type = ?`,
		accountID, TypeAccount,
	)
	m, err := scanMailbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account mailbox for %d: %w", accountID, err)
	}
	return m, nil
}

// ListSyncableMailboxes returns every mailbox whose interval is not
// NEVER, plus all outboxes, ordered by id. This is the candidate set
// the scheduling loop walks.
func (s *Store) ListSyncableMailboxes() ([]*Mailbox, error) {
	rows, err := s.db.Query(
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE sync_interval != ? OR type = ? ORDER BY id`,
		IntervalNever, TypeOutbox,
	)
	if err != nil {
		return nil, fmt.Errorf("listing syncable mailboxes: %w", err)
	}
	return collectMailboxes(rows)
}

// ListAccountMailboxes returns all mailboxes of one account ordered by id.
func (s *Store) ListAccountMailboxes(accountID int64) ([]*Mailbox, error) {
	rows, err := s.db.Query(
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes for account %d: %w", accountID, err)
	}
	return collectMailboxes(rows)
}

// ListPingCandidates returns the account's mailboxes with PUSH or PING
// interval, excluding the account mailbox itself. Sync-key filtering is
// the caller's job: not-yet-synced candidates still count toward the
// push total.
func (s *Store) ListPingCandidates(accountID int64) ([]*Mailbox, error) {
	rows, err := s.db.Query(
		`SELECT `+mailboxColumns+` FROM mailboxes
		 WHERE account_id = ? AND type != ? AND sync_interval IN (?, ?) ORDER BY id`,
		accountID, TypeAccount, IntervalPush, IntervalPing,
	)
	if err != nil {
		return nil, fmt.Errorf("listing ping candidates for account %d: %w", accountID, err)
	}
	return collectMailboxes(rows)
}

func collectMailboxes(rows *sql.Rows) ([]*Mailbox, error) {
	defer rows.Close()
	var out []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mailbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RemoveMailboxByServerID deletes a mailbox the server no longer reports.
func (s *Store) RemoveMailboxByServerID(accountID int64, serverID string) error {
	m, err := s.GetMailboxByServerID(accountID, serverID)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE mailbox_id = ?)`,
		`DELETE FROM messages WHERE mailbox_id = ?`,
		`DELETE FROM mailboxes WHERE id = ?`,
	} {
		if _, err := s.db.Exec(q, m.ID); err != nil {
			return fmt.Errorf("removing mailbox %d: %w", m.ID, err)
		}
	}
	s.mailboxes.Publish(pubsub.DeletedEvent, ChangeEvent{Table: "mailboxes", ID: m.ID, AccountID: accountID})
	return nil
}

// RenameMailbox applies a FolderUpdate.
func (s *Store) RenameMailbox(accountID int64, serverID, displayName string) error {
	m, err := s.GetMailboxByServerID(accountID, serverID)
	if err != nil {
		return err
	}
	return s.updateMailbox(m.ID, m.AccountID,
		`UPDATE mailboxes SET display_name = ? WHERE id = ?`, displayName, m.ID)
}

// SetMailboxSyncKey persists a collection's advanced sync key.
func (s *Store) SetMailboxSyncKey(id int64, key string) error {
	m, err := s.GetMailbox(id)
	if err != nil {
		return err
	}
	return s.updateMailbox(id, m.AccountID,
		`UPDATE mailboxes SET sync_key = ? WHERE id = ?`, key, id)
}

// SetMailboxInterval changes a mailbox's sync interval.
func (s *Store) SetMailboxInterval(id int64, interval int) error {
	m, err := s.GetMailbox(id)
	if err != nil {
		return err
	}
	return s.updateMailbox(id, m.AccountID,
		`UPDATE mailboxes SET sync_interval = ? WHERE id = ?`, interval, id)
}

// SetMailboxSyncStatus records the S<reason>:<exit>:<count> status string.
func (s *Store) SetMailboxSyncStatus(id int64, status string) error {
	m, err := s.GetMailbox(id)
	if err != nil {
		return err
	}
	return s.updateMailbox(id, m.AccountID,
		`UPDATE mailboxes SET sync_status = ? WHERE id = ?`, status, id)
}

// SetMailboxLastSync records a successful sync completion time.
func (s *Store) SetMailboxLastSync(id int64, t time.Time) error {
	m, err := s.GetMailbox(id)
	if err != nil {
		return err
	}
	return s.updateMailbox(id, m.AccountID,
		`UPDATE mailboxes SET last_sync = ? WHERE id = ?`, t.UnixMilli(), id)
}

// FlipIntervals changes every mailbox of the account whose interval is
// from into to. Used to park PUSH mailboxes in PUSH_HOLD around folder
// list updates and to release them after a successful FolderSync.
// Returns the number of mailboxes flipped.
func (s *Store) FlipIntervals(accountID int64, from, to int) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE mailboxes SET sync_interval = ? WHERE account_id = ? AND sync_interval = ?`,
		to, accountID, from,
	)
	if err != nil {
		return 0, fmt.Errorf("flipping intervals for account %d: %w", accountID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.mailboxes.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "mailboxes", AccountID: accountID})
	}
	return n, nil
}

func (s *Store) updateMailbox(id, accountID int64, query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("updating mailbox %d: %w", id, err)
	}
	s.mailboxes.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "mailboxes", ID: id, AccountID: accountID})
	return nil
}

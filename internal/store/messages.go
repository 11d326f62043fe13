package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/easync/internal/pubsub"
)

const messageColumns = `id, account_id, mailbox_id, server_id, subject,
	from_addr, to_addr, date_received, body, read, sync_dirty, sync_deleted`

func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var received int64
	err := scanner.Scan(
		&m.ID, &m.AccountID, &m.MailboxID, &m.ServerID, &m.Subject,
		&m.From, &m.To, &received, &m.Body, &m.Read, &m.SyncDirty, &m.SyncDeleted,
	)
	if received > 0 {
		m.DateReceived = time.UnixMilli(received)
	}
	return &m, err
}

// AddMessage inserts a message row (downsynced or locally composed).
func (s *Store) AddMessage(m *Message) error {
	res, err := s.db.Exec(
		`INSERT INTO messages (account_id, mailbox_id, server_id, subject, from_addr, to_addr, date_received, body, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.MailboxID, m.ServerID, m.Subject, m.From, m.To, m.DateReceived.UnixMilli(), m.Body, m.Read,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	m.ID = id
	s.messages.Publish(pubsub.CreatedEvent, ChangeEvent{Table: "messages", ID: id, AccountID: m.AccountID})
	return nil
}

// GetMessage retrieves one message.
func (s *Store) GetMessage(id int64) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return m, nil
}

// DeleteMessage removes one message row and its attachments.
func (s *Store) DeleteMessage(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM attachments WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("deleting attachments of message %d: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting message %d: %w", id, err)
	}
	return nil
}

// GetMessageByServerID looks a message up by its server-assigned id.
func (s *Store) GetMessageByServerID(mailboxID int64, serverID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE mailbox_id = ? AND server_id = ?`,
		mailboxID, serverID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", serverID, err)
	}
	return m, nil
}

// UpdateMessageFromServer overwrites a row with server-sent fields.
func (s *Store) UpdateMessageFromServer(id int64, m *Message) error {
	if _, err := s.db.Exec(
		`UPDATE messages SET subject = ?, from_addr = ?, to_addr = ?, body = ?, read = ? WHERE id = ?`,
		m.Subject, m.From, m.To, m.Body, m.Read, id); err != nil {
		return fmt.Errorf("updating message %d: %w", id, err)
	}
	s.messages.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "messages", ID: id, AccountID: m.AccountID})
	return nil
}

// DeleteMessageByServerID applies a server-side delete.
func (s *Store) DeleteMessageByServerID(mailboxID int64, serverID string) error {
	_, err := s.db.Exec(
		`DELETE FROM messages WHERE mailbox_id = ? AND server_id = ?`, mailboxID, serverID)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", serverID, err)
	}
	return nil
}

// MarkMessageDirty flags a local edit as pending upsync and notifies
// the synced-message observer.
func (s *Store) MarkMessageDirty(id int64) error {
	return s.markSynced(id, `UPDATE messages SET sync_dirty = 1 WHERE id = ?`)
}

// MarkMessageDeleted flags a local delete as pending upsync.
func (s *Store) MarkMessageDeleted(id int64) error {
	return s.markSynced(id, `UPDATE messages SET sync_deleted = 1 WHERE id = ?`)
}

func (s *Store) markSynced(id int64, query string) error {
	if _, err := s.db.Exec(query, id); err != nil {
		return fmt.Errorf("marking message %d: %w", id, err)
	}
	m, err := s.GetMessage(id)
	if err != nil {
		return err
	}
	s.syncedMessages.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "messages", ID: id, AccountID: m.AccountID})
	return nil
}

// ClearUpsyncFlags resets dirty/deleted marks after a successful upsync
// and removes rows whose delete was acknowledged.
func (s *Store) ClearUpsyncFlags(mailboxID int64) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE mailbox_id = ? AND sync_deleted = 1`, mailboxID); err != nil {
		return fmt.Errorf("purging deleted messages: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE messages SET sync_dirty = 0 WHERE mailbox_id = ?`, mailboxID); err != nil {
		return fmt.Errorf("clearing dirty flags: %w", err)
	}
	return nil
}

// DirtyMailboxIDs returns the distinct mailboxes holding messages with
// pending local changes. The upsync alarm drains this set.
func (s *Store) DirtyMailboxIDs() ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT mailbox_id FROM messages WHERE sync_dirty = 1 OR sync_deleted = 1 ORDER BY mailbox_id`)
	if err != nil {
		return nil, fmt.Errorf("listing dirty mailboxes: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDirtyMessages returns the mailbox's messages with local edits
// pending upsync.
func (s *Store) ListDirtyMessages(mailboxID int64) ([]*Message, error) {
	return s.listMessagesWhere(
		`mailbox_id = ? AND sync_dirty = 1 AND sync_deleted = 0`, mailboxID)
}

// ListDeletedMessages returns the mailbox's messages with local deletes
// pending upsync.
func (s *Store) ListDeletedMessages(mailboxID int64) ([]*Message, error) {
	return s.listMessagesWhere(`mailbox_id = ? AND sync_deleted = 1`, mailboxID)
}

func (s *Store) listMessagesWhere(where string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearSendFailed removes the send-failed marker from every message in
// the outbox so they become send candidates again.
func (s *Store) ClearSendFailed(outboxID int64) error {
	_, err := s.db.Exec(
		`UPDATE messages SET server_id = '' WHERE mailbox_id = ? AND server_id = ?`,
		outboxID, SendFailedMarker)
	if err != nil {
		return fmt.Errorf("clearing send-failed markers: %w", err)
	}
	return nil
}

// MarkSendFailed stamps a message that could not be sent.
func (s *Store) MarkSendFailed(id int64) error {
	if _, err := s.db.Exec(
		`UPDATE messages SET server_id = ? WHERE id = ?`, SendFailedMarker, id); err != nil {
		return fmt.Errorf("marking message %d send-failed: %w", id, err)
	}
	return nil
}

// HasSendableMessage reports whether the outbox holds a message without
// the send-failed marker whose attachments are all loaded.
func (s *Store) HasSendableMessage(outboxID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (
			SELECT 1 FROM messages m
			WHERE m.mailbox_id = ? AND m.server_id != ?
			AND NOT EXISTS (
				SELECT 1 FROM attachments a
				WHERE a.message_id = m.id AND a.content_uri = ''
			)
		)`, outboxID, SendFailedMarker).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying sendable messages: %w", err)
	}
	return exists, nil
}

// ListSendableMessages returns the outbox messages eligible for SendMail.
func (s *Store) ListSendableMessages(outboxID int64) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.mailbox_id = ? AND m.server_id != ?
		 AND NOT EXISTS (
			SELECT 1 FROM attachments a WHERE a.message_id = m.id AND a.content_uri = ''
		 ) ORDER BY m.id`, outboxID, SendFailedMarker)
	if err != nil {
		return nil, fmt.Errorf("listing sendable messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MoveMessageLocal applies a message move after the server accepted a
// MoveItems command, updating the mailbox and the new server id.
func (s *Store) MoveMessageLocal(id, targetMailboxID int64, newServerID string) error {
	if _, err := s.db.Exec(
		`UPDATE messages SET mailbox_id = ?, server_id = ? WHERE id = ?`,
		targetMailboxID, newServerID, id); err != nil {
		return fmt.Errorf("moving message %d: %w", id, err)
	}
	m, err := s.GetMessage(id)
	if err != nil {
		return err
	}
	s.messages.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "messages", ID: id, AccountID: m.AccountID})
	return nil
}

// AddAttachment inserts an attachment row.
func (s *Store) AddAttachment(a *Attachment) error {
	res, err := s.db.Exec(
		`INSERT INTO attachments (message_id, file_name, location, mime_type, size, content_uri)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.FileName, a.Location, a.MimeType, a.Size, a.ContentURI,
	)
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading attachment id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAttachment retrieves one attachment.
func (s *Store) GetAttachment(id int64) (*Attachment, error) {
	row := s.db.QueryRow(
		`SELECT id, message_id, file_name, location, mime_type, size, content_uri
		 FROM attachments WHERE id = ?`, id)
	var a Attachment
	err := row.Scan(&a.ID, &a.MessageID, &a.FileName, &a.Location, &a.MimeType, &a.Size, &a.ContentURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting attachment %d: %w", id, err)
	}
	return &a, nil
}

// ListAttachments returns a message's attachments in insertion order.
func (s *Store) ListAttachments(messageID int64) ([]*Attachment, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, file_name, location, mime_type, size, content_uri
		 FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments for message %d: %w", messageID, err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.Location, &a.MimeType, &a.Size, &a.ContentURI); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SetAttachmentContent records a completed download.
func (s *Store) SetAttachmentContent(id int64, contentURI, mimeType string) error {
	if _, err := s.db.Exec(
		`UPDATE attachments SET content_uri = ?, mime_type = ? WHERE id = ?`,
		contentURI, mimeType, id); err != nil {
		return fmt.Errorf("updating attachment %d: %w", id, err)
	}
	return nil
}

// MessageMailboxID returns the owning mailbox of a message.
func (s *Store) MessageMailboxID(messageID int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT mailbox_id FROM messages WHERE id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving mailbox for message %d: %w", messageID, err)
	}
	return id, nil
}

// AttachmentMailboxID returns the mailbox owning an attachment's message.
func (s *Store) AttachmentMailboxID(attachmentID int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT m.mailbox_id FROM attachments a JOIN messages m ON m.id = a.message_id WHERE a.id = ?`,
		attachmentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving mailbox for attachment %d: %w", attachmentID, err)
	}
	return id, nil
}

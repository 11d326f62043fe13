package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/easync/internal/pubsub"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const accountColumns = `id, display_name, email_address, host, username, password,
	use_tls, trust_all_certs, protocol_version, sync_key, sync_interval, sync_lookback,
	incomplete, security_hold`

func scanAccount(scanner interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := scanner.Scan(
		&a.ID, &a.DisplayName, &a.EmailAddress, &a.Host, &a.Username, &a.Password,
		&a.UseTLS, &a.TrustAllCerts, &a.ProtocolVersion, &a.SyncKey,
		&a.SyncInterval, &a.SyncLookback, &a.Incomplete, &a.SecurityHold,
	)
	return &a, err
}

// CreateAccount inserts the account and its hidden account mailbox.
// The account mailbox uses PUSH and carries the account sync key's
// FolderSync + Ping duties.
func (s *Store) CreateAccount(a *Account) error {
	if a.SyncKey == "" {
		a.SyncKey = InitialSyncKey
	}
	res, err := s.db.Exec(
		`INSERT INTO accounts (display_name, email_address, host, username, password,
			use_tls, trust_all_certs, protocol_version, sync_key, sync_interval, sync_lookback,
			incomplete, security_hold)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DisplayName, a.EmailAddress, a.Host, a.Username, a.Password,
		a.UseTLS, a.TrustAllCerts, a.ProtocolVersion, a.SyncKey,
		a.SyncInterval, a.SyncLookback, a.Incomplete, a.SecurityHold,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading account id: %w", err)
	}
	a.ID = id

	_, err = s.db.Exec(
		`INSERT INTO mailboxes (account_id, server_id, display_name, type, sync_interval, sync_key, visible)
		 VALUES (?, '', ?, ?, ?, '0', 0)`,
		id, a.EmailAddress, TypeAccount, IntervalPush,
	)
	if err != nil {
		return fmt.Errorf("inserting account mailbox: %w", err)
	}

	s.accounts.Publish(pubsub.CreatedEvent, ChangeEvent{Table: "accounts", ID: id, AccountID: id})
	return nil
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount retrieves one account.
func (s *Store) GetAccount(id int64) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %w", id, err)
	}
	return a, nil
}

// DeleteAccount removes the account and everything under it.
func (s *Store) DeleteAccount(id int64) error {
	for _, q := range []string{
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE account_id = ?)`,
		`DELETE FROM messages WHERE account_id = ?`,
		`DELETE FROM mailboxes WHERE account_id = ?`,
		`DELETE FROM accounts WHERE id = ?`,
	} {
		if _, err := s.db.Exec(q, id); err != nil {
			return fmt.Errorf("deleting account %d: %w", id, err)
		}
	}
	s.accounts.Publish(pubsub.DeletedEvent, ChangeEvent{Table: "accounts", ID: id, AccountID: id})
	return nil
}

// SetAccountProtocolVersion persists the probed protocol version.
func (s *Store) SetAccountProtocolVersion(id int64, version string) error {
	return s.updateAccount(id, `UPDATE accounts SET protocol_version = ? WHERE id = ?`, version, id)
}

// SetAccountSyncKey persists the account (folder hierarchy) sync key.
func (s *Store) SetAccountSyncKey(id int64, key string) error {
	return s.updateAccount(id, `UPDATE accounts SET sync_key = ? WHERE id = ?`, key, id)
}

// SetAccountHost updates connection settings after a user edit.
func (s *Store) SetAccountHost(id int64, host, username, password string) error {
	return s.updateAccount(id,
		`UPDATE accounts SET host = ?, username = ?, password = ? WHERE id = ?`,
		host, username, password, id)
}

// SetAccountTLS updates the transport security flags.
func (s *Store) SetAccountTLS(id int64, useTLS, trustAllCerts bool) error {
	return s.updateAccount(id,
		`UPDATE accounts SET use_tls = ?, trust_all_certs = ? WHERE id = ?`,
		useTLS, trustAllCerts, id)
}

// SetAccountSecurityHold flags or clears the account's policy hold.
func (s *Store) SetAccountSecurityHold(id int64, hold bool) error {
	return s.updateAccount(id, `UPDATE accounts SET security_hold = ? WHERE id = ?`, hold, id)
}

// SetAccountSyncSettings updates the interval/lookback policy.
func (s *Store) SetAccountSyncSettings(id int64, interval, lookback int) error {
	return s.updateAccount(id,
		`UPDATE accounts SET sync_interval = ?, sync_lookback = ? WHERE id = ?`,
		interval, lookback, id)
}

func (s *Store) updateAccount(id int64, query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("updating account %d: %w", id, err)
	}
	s.accounts.Publish(pubsub.UpdatedEvent, ChangeEvent{Table: "accounts", ID: id, AccountID: id})
	return nil
}

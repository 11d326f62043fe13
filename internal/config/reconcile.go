package config

import (
	"fmt"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
)

// LookbackCode maps a config lookback string to the wire filter code.
// Unknown values fall back to one week.
func LookbackCode(s string) int {
	switch s {
	case "all":
		return store.LookbackAll
	case "1d":
		return store.LookbackOneDay
	case "3d":
		return store.Lookback3Days
	case "1w":
		return store.LookbackOneWeek
	case "2w":
		return store.Lookback2Weeks
	case "1m":
		return store.LookbackOneMonth
	default:
		return store.LookbackOneWeek
	}
}

// Reconcile makes the store's account rows match the config file.
// Accounts are matched by email address: new entries are created,
// removed entries are deleted, and edited entries are updated in place.
// It returns the ids of accounts whose host or credentials changed, so
// the caller can release their error holds and restart their workers.
func Reconcile(st *store.Store, accounts []AccountConfig) (hostChanged []int64, err error) {
	existing, err := st.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	byEmail := make(map[string]*store.Account, len(existing))
	for _, a := range existing {
		byEmail[a.EmailAddress] = a
	}

	seen := make(map[string]bool, len(accounts))
	for _, ac := range accounts {
		if ac.EmailAddress == "" || ac.Host == "" {
			log.Warn(log.CatConfig, "Skipping account with missing email_address or host", "name", ac.Name)
			continue
		}
		seen[ac.EmailAddress] = true

		username := ac.Username
		if username == "" {
			username = ac.EmailAddress
		}
		name := ac.Name
		if name == "" {
			name = ac.EmailAddress
		}
		lookback := LookbackCode(ac.SyncLookback)

		current, ok := byEmail[ac.EmailAddress]
		if !ok {
			a := &store.Account{
				DisplayName:   name,
				EmailAddress:  ac.EmailAddress,
				Host:          ac.Host,
				Username:      username,
				Password:      ac.Password,
				UseTLS:        ac.TLSEnabled(),
				TrustAllCerts: ac.TrustAllCerts,
				SyncInterval:  store.IntervalPush,
				SyncLookback:  lookback,
			}
			if err := st.CreateAccount(a); err != nil {
				return nil, fmt.Errorf("creating account %s: %w", ac.EmailAddress, err)
			}
			log.Info(log.CatConfig, "Account added", "email", ac.EmailAddress)
			continue
		}

		if current.Host != ac.Host || current.Username != username || current.Password != ac.Password {
			if err := st.SetAccountHost(current.ID, ac.Host, username, ac.Password); err != nil {
				return nil, fmt.Errorf("updating account %s: %w", ac.EmailAddress, err)
			}
			hostChanged = append(hostChanged, current.ID)
			log.Info(log.CatConfig, "Account host changed", "email", ac.EmailAddress)
		}
		if current.UseTLS != ac.TLSEnabled() || current.TrustAllCerts != ac.TrustAllCerts {
			if err := st.SetAccountTLS(current.ID, ac.TLSEnabled(), ac.TrustAllCerts); err != nil {
				return nil, fmt.Errorf("updating account %s: %w", ac.EmailAddress, err)
			}
			if !contains(hostChanged, current.ID) {
				hostChanged = append(hostChanged, current.ID)
			}
		}
		if current.SyncLookback != lookback {
			if err := st.SetAccountSyncSettings(current.ID, current.SyncInterval, lookback); err != nil {
				return nil, fmt.Errorf("updating account %s: %w", ac.EmailAddress, err)
			}
		}
	}

	for email, a := range byEmail {
		if !seen[email] {
			if err := st.DeleteAccount(a.ID); err != nil {
				return nil, fmt.Errorf("deleting account %s: %w", email, err)
			}
			log.Info(log.CatConfig, "Account removed", "email", email)
		}
	}

	return hostChanged, nil
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/easync/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	t.Cleanup(st.Close)
	return st
}

func TestLookbackCode(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"all", store.LookbackAll},
		{"1d", store.LookbackOneDay},
		{"3d", store.Lookback3Days},
		{"1w", store.LookbackOneWeek},
		{"2w", store.Lookback2Weeks},
		{"1m", store.LookbackOneMonth},
		{"", store.LookbackOneWeek},
		{"fortnight", store.LookbackOneWeek},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, LookbackCode(tt.in), "lookback %q", tt.in)
	}
}

func TestTLSEnabled(t *testing.T) {
	off := false
	on := true
	require.True(t, AccountConfig{}.TLSEnabled(), "TLS defaults on")
	require.True(t, AccountConfig{UseTLS: &on}.TLSEnabled())
	require.False(t, AccountConfig{UseTLS: &off}.TLSEnabled())
}

func TestReconcile_CreatesAccounts(t *testing.T) {
	st := setupStore(t)

	changed, err := Reconcile(st, []AccountConfig{
		{EmailAddress: "user@example.com", Host: "mail.example.com",
			Password: "secret", SyncLookback: "1m"},
	})
	require.NoError(t, err)
	require.Empty(t, changed, "creation is not a credential change")

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	a := accounts[0]
	require.Equal(t, "user@example.com", a.EmailAddress)
	require.Equal(t, "user@example.com", a.Username, "username defaults to the email")
	require.Equal(t, "user@example.com", a.DisplayName)
	require.True(t, a.UseTLS)
	require.Equal(t, store.IntervalPush, a.SyncInterval)
	require.Equal(t, store.LookbackOneMonth, a.SyncLookback)
}

func TestReconcile_SkipsIncompleteEntries(t *testing.T) {
	st := setupStore(t)

	_, err := Reconcile(st, []AccountConfig{
		{Name: "no host", EmailAddress: "user@example.com"},
		{Name: "no email", Host: "mail.example.com"},
	})
	require.NoError(t, err)

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestReconcile_HostAndCredentialChanges(t *testing.T) {
	st := setupStore(t)

	base := AccountConfig{EmailAddress: "user@example.com",
		Host: "mail.example.com", Password: "secret"}
	_, err := Reconcile(st, []AccountConfig{base})
	require.NoError(t, err)

	// No edits: no restarts.
	changed, err := Reconcile(st, []AccountConfig{base})
	require.NoError(t, err)
	require.Empty(t, changed)

	edited := base
	edited.Host = "owa.example.com"
	edited.Password = "rotated"
	changed, err = Reconcile(st, []AccountConfig{edited})
	require.NoError(t, err)
	require.Len(t, changed, 1)

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Equal(t, "owa.example.com", accounts[0].Host)
	require.Equal(t, "rotated", accounts[0].Password)
}

func TestReconcile_TLSChangeRestartsOnce(t *testing.T) {
	st := setupStore(t)

	base := AccountConfig{EmailAddress: "user@example.com",
		Host: "mail.example.com", Password: "secret"}
	_, err := Reconcile(st, []AccountConfig{base})
	require.NoError(t, err)

	off := false
	edited := base
	edited.Host = "owa.example.com"
	edited.UseTLS = &off
	edited.TrustAllCerts = true
	changed, err := Reconcile(st, []AccountConfig{edited})
	require.NoError(t, err)
	require.Len(t, changed, 1, "host and TLS edits on one account report it once")

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.False(t, accounts[0].UseTLS)
	require.True(t, accounts[0].TrustAllCerts)
}

func TestReconcile_LookbackChange(t *testing.T) {
	st := setupStore(t)

	base := AccountConfig{EmailAddress: "user@example.com",
		Host: "mail.example.com", Password: "secret", SyncLookback: "1w"}
	_, err := Reconcile(st, []AccountConfig{base})
	require.NoError(t, err)

	edited := base
	edited.SyncLookback = "all"
	changed, err := Reconcile(st, []AccountConfig{edited})
	require.NoError(t, err)
	require.Empty(t, changed, "lookback edits do not restart workers")

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Equal(t, store.LookbackAll, accounts[0].SyncLookback)
	require.Equal(t, store.IntervalPush, accounts[0].SyncInterval, "interval survives the settings update")
}

func TestReconcile_DeletesRemovedAccounts(t *testing.T) {
	st := setupStore(t)

	_, err := Reconcile(st, []AccountConfig{
		{EmailAddress: "keep@example.com", Host: "mail.example.com"},
		{EmailAddress: "drop@example.com", Host: "mail.example.com"},
	})
	require.NoError(t, err)

	_, err = Reconcile(st, []AccountConfig{
		{EmailAddress: "keep@example.com", Host: "mail.example.com"},
	})
	require.NoError(t, err)

	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "keep@example.com", accounts[0].EmailAddress)
}

func TestSaveAccounts_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SaveAccounts(path, []AccountConfig{
		{Name: "Work", EmailAddress: "user@example.com", Host: "mail.example.com",
			Password: "secret", SyncLookback: "2w"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg struct {
		Accounts []map[string]string `yaml:"accounts"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Accounts, 1)
	require.Equal(t, "user@example.com", cfg.Accounts[0]["email_address"])
	require.Equal(t, "2w", cfg.Accounts[0]["sync_lookback"])
	require.NotContains(t, cfg.Accounts[0], "use_tls", "default TLS is left implicit")
}

func TestSaveAccounts_PreservesOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := `# easync configuration
data_dir: /var/lib/easync

sync:
  # keep the radio quiet overnight
  background_data: true

accounts:
  - email_address: old@example.com
    host: old.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(original), 0644))

	off := false
	require.NoError(t, SaveAccounts(path, []AccountConfig{
		{EmailAddress: "new@example.com", Host: "mail.example.com", UseTLS: &off},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	require.Contains(t, text, "# easync configuration")
	require.Contains(t, text, "# keep the radio quiet overnight")
	require.Contains(t, text, "data_dir: /var/lib/easync")
	require.Contains(t, text, "new@example.com")
	require.NotContains(t, text, "old@example.com")
	require.Contains(t, text, "use_tls")
}

func TestSaveAccounts_AppendsSectionWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/x\n"), 0644))

	require.NoError(t, SaveAccounts(path, []AccountConfig{
		{EmailAddress: "user@example.com", Host: "mail.example.com"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "accounts:")
	require.Contains(t, string(data), "data_dir: /tmp/x")
}

func TestSaveAccounts_RoundTripsThroughReconcile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	st := setupStore(t)

	want := []AccountConfig{
		{Name: "Work", EmailAddress: "user@example.com", Host: "mail.example.com",
			Username: "DOMAIN\\user", Password: "secret", TrustAllCerts: true, SyncLookback: "3d"},
	}
	require.NoError(t, SaveAccounts(path, want))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		Accounts []map[string]any `yaml:"accounts"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Accounts, 1)
	require.Equal(t, "DOMAIN\\user", cfg.Accounts[0]["username"])
	require.Equal(t, true, cfg.Accounts[0]["trust_all_certs"])

	_, err = Reconcile(st, want)
	require.NoError(t, err)
	accounts, err := st.ListAccounts()
	require.NoError(t, err)
	require.Equal(t, "DOMAIN\\user", accounts[0].Username)
	require.True(t, accounts[0].TrustAllCerts)
	require.Equal(t, store.Lookback3Days, accounts[0].SyncLookback)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NotEmpty(t, cfg.DataDir)
	require.True(t, cfg.Sync.BackgroundData)
	require.True(t, cfg.Sync.MasterAutoSync)
	require.Equal(t, "none", cfg.Tracing.Exporter)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)

	require.True(t, strings.HasSuffix(cfg.DBPath(), "easync.db"))
	require.True(t, strings.HasSuffix(cfg.ResolvedLogPath(), "easync.log"))

	cfg.LogPath = "/tmp/custom.log"
	require.Equal(t, "/tmp/custom.log", cfg.ResolvedLogPath())
}

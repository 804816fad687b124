package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return NewManager(path)
}

const validYAML = `
logging:
  level: debug
  console: true
storage:
  path: /var/lib/rolemail/ledger.db
dispatch:
  enabled: true
  schedule: "10m"
  lease_ttl: "5m"
rules:
  transitions_file: /etc/rolemail/transitions.yaml
  events_file: /etc/rolemail/events.yaml
templates:
  directory: /etc/rolemail/templates
site_url: https://example.com
http:
  enabled: false
`

func TestLoadYAML(t *testing.T) {
	m := writeConfig(t, "rolemail.yaml", validYAML)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "10m", cfg.Dispatch.Schedule)
	require.Equal(t, "https://example.com", cfg.SiteURL)
	require.Nil(t, cfg.SMTP)
	require.Same(t, cfg, m.Get())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	m := writeConfig(t, "rolemail.yaml", validYAML+`
mailerz:
  oops: true
`)
	_, err := m.Load()
	require.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	m := writeConfig(t, "rolemail.yaml", `
dispatch:
  enabled: true
  lease_ttl: "banana"
`)
	_, err := m.Load()
	require.Error(t, err)
	for _, want := range []string{
		"storage.path",
		"dispatch.schedule",
		"rules.transitions_file",
		"rules.events_file",
		"templates.directory",
		"dispatch.lease_ttl",
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestValidateAlertsRequireTokenAndChat(t *testing.T) {
	m := writeConfig(t, "rolemail.yaml", validYAML+`
alerts:
  enabled: true
`)
	_, err := m.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "alerts.token")
	require.Contains(t, err.Error(), "alerts.chat_id")
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", 5*time.Minute)
	require.Error(t, err)
}

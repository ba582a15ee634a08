// bkconfig/config_test.go

package bkconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  key: /home/backup/.ssh/id_ed25519
  verify: insecure
  image: /dev/sda
local:
  db: /var/backups/host.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "host.example.com", cfg.Remote.Server)
	require.Equal(t, VerifyInsecure, cfg.Remote.Verify)
	require.Equal(t, "/var/backups/host.db", cfg.Local.DB)
}

func TestLoadDefaultsVerifyToKnownHosts(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  key: /home/backup/.ssh/id_ed25519
  image: /dev/sda
local:
  db: /var/backups/host.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, VerifyKnownHosts, cfg.Remote.Verify)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  key: /home/backup/.ssh/id_ed25519
  image: /dev/sda
  bogus_field: true
local:
  db: /var/backups/host.db
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  image: /dev/sda
local:
  db: /var/backups/host.db
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadRequiresPullLockWhenScriptsSet(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  key: /home/backup/.ssh/id_ed25519
  image: /dev/sda
  scripts:
    pre_pull: /usr/local/bin/freeze.sh
local:
  db: /var/backups/host.db
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadAllowsScriptsWithoutPullLockWhenOptedOut(t *testing.T) {
	path := writeConfig(t, `
remote:
  server: host.example.com
  user: backup
  key: /home/backup/.ssh/id_ed25519
  image: /dev/sda
  scripts:
    pre_pull: /usr/local/bin/freeze.sh
    no_pull_lock: true
local:
  db: /var/backups/host.db
`)

	_, err := Load(path)
	require.NoError(t, err)
}

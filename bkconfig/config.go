// bkconfig/config.go

// Package bkconfig loads and validates the pull configuration file: the
// remote endpoint, credentials, host verification mode, optional remote
// scripts, and the local database/lock paths. This is the Go shape of
// original_source/bsync/src/config.rs, adapted to return an error from
// Load instead of the original's fail-fast os.Exit.
package bkconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned for any structurally or semantically
// invalid config file: unknown keys, missing required fields, or a
// disallowed combination of fields.
var ErrConfigInvalid = errors.New("bkconfig: invalid configuration")

// HostVerification selects how the puller authenticates the remote host
// key. original_source/bsync/src/config.rs also defines a Dnssec variant
// that its own author left unimplemented ("not yet implemented" error);
// it is dropped here rather than carried as a mode that always fails.
type HostVerification string

const (
	VerifyKnownHosts HostVerification = "known_hosts"
	VerifyInsecure   HostVerification = "insecure"
)

// RemoteScripts names optional hook scripts run on the remote host around
// a pull, and the escape hatch that lets an operator opt out of requiring
// a pull-lock path when scripts are configured.
type RemoteScripts struct {
	PrePull    string `yaml:"pre_pull,omitempty"`
	PostPull   string `yaml:"post_pull,omitempty"`
	NoPullLock bool   `yaml:"no_pull_lock,omitempty"`
}

// Remote describes the transport endpoint and the image being backed up.
type Remote struct {
	Server  string            `yaml:"server"`
	Port    int               `yaml:"port,omitempty"`
	User    string            `yaml:"user"`
	Key     string            `yaml:"key"`
	Verify  HostVerification  `yaml:"verify"`
	Image   string            `yaml:"image"`
	Scripts RemoteScripts     `yaml:"scripts,omitempty"`
}

// Local describes the on-disk backup store.
type Local struct {
	DB       string `yaml:"db"`
	PullLock string `yaml:"pull_lock,omitempty"`
}

// Config is the parsed and validated pull configuration.
type Config struct {
	Remote Remote `yaml:"remote"`
	Local  Local  `yaml:"local"`
}

// Load reads and validates path. Unknown top-level or nested keys are
// rejected via yaml.v3's KnownFields decoding, matching the spec's "keys
// beyond those listed are rejected" requirement.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Remote.Server == "" {
		missing = append(missing, "remote.server")
	}
	if c.Remote.User == "" {
		missing = append(missing, "remote.user")
	}
	if c.Remote.Key == "" {
		missing = append(missing, "remote.key")
	}
	if c.Remote.Image == "" {
		missing = append(missing, "remote.image")
	}
	if c.Local.DB == "" {
		missing = append(missing, "local.db")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required field(s): %v", ErrConfigInvalid, missing)
	}

	switch c.Remote.Verify {
	case VerifyKnownHosts, VerifyInsecure:
	case "":
		c.Remote.Verify = VerifyKnownHosts
	default:
		return fmt.Errorf("%w: remote.verify %q is not known_hosts or insecure", ErrConfigInvalid, c.Remote.Verify)
	}

	hasScripts := c.Remote.Scripts.PrePull != "" || c.Remote.Scripts.PostPull != ""
	if hasScripts && c.Local.PullLock == "" && !c.Remote.Scripts.NoPullLock {
		return fmt.Errorf("%w: local.pull_lock is required when remote.scripts is set, unless scripts.no_pull_lock is true", ErrConfigInvalid)
	}

	return nil
}

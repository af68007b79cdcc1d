// Package config holds the spec §6 "Configuration" recognized options and
// a TOML loader, grounded on the teacher's own client2/config package
// (client2/client_docker_test.go's config.LoadFile("testdata/client.toml"),
// mailproxy/mailproxy.go's mailproxyConfigName = "mailproxy.toml"), which
// loads its daemon configuration via github.com/BurntSushi/toml.
package config

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalidConfig is the spec §7 InvalidConfig error kind. Configuration
// errors are always returned synchronously and leave no side effects.
var ErrInvalidConfig = errors.New("rist/config: invalid configuration")

// RecoveryMode selects how recovery_length_min/max are interpreted.
type RecoveryMode int

const (
	RecoveryUnconfigured RecoveryMode = iota
	RecoveryDisabled
	RecoveryBytes
	RecoveryTime
)

// BufferBloatMode selects the sender's congestion response (spec §4.2).
type BufferBloatMode int

const (
	BufferBloatOff BufferBloatMode = iota
	BufferBloatNormal
	BufferBloatAggressive
)

// KeySize mirrors xcrypto.KeySize without importing it, so config stays
// leaf-most in the dependency order (spec §2 "Dependency order").
type KeySize int

const (
	KeyDisabled KeySize = 0
	Key128      KeySize = 128
	Key256      KeySize = 256
)

// Peer is one configured peer entry (spec §6). Durations are stored as
// raw nanosecond integers in the TOML file, matching how BurntSushi/toml
// decodes an integer straight into a time.Duration field (it is, at the
// reflection level, just an int64).
type Peer struct {
	Address string `toml:"address"`

	GREDstPort uint16 `toml:"gre_dst_port"`

	RecoveryMode             RecoveryMode    `toml:"recovery_mode"`
	RecoveryMaxBitrate       uint64          `toml:"recovery_maxbitrate"`
	RecoveryMaxBitrateReturn uint64          `toml:"recovery_maxbitrate_return"`
	RecoveryLengthMin        time.Duration   `toml:"recovery_length_min"`
	RecoveryLengthMax        time.Duration   `toml:"recovery_length_max"`
	RecoveryReorderBuffer    time.Duration   `toml:"recovery_reorder_buffer"`
	RecoveryRTTMin           time.Duration   `toml:"recovery_rtt_min"`
	RecoveryRTTMax           time.Duration   `toml:"recovery_rtt_max"`
	Weight                   uint32          `toml:"weight"`
	BufferBloatMode          BufferBloatMode `toml:"buffer_bloat_mode"`
	BufferBloatLimit         time.Duration   `toml:"buffer_bloat_limit"`
	BufferBloatHardLimit     time.Duration   `toml:"buffer_bloat_hard_limit"`
	KeySize                  KeySize         `toml:"key_size"`
	Secret                   string          `toml:"secret"`

	SessionTimeout   time.Duration `toml:"session_timeout"`
	KeepaliveTimeout time.Duration `toml:"keepalive_timeout"`
	MaxRetries       int           `toml:"max_retries"`
	MTU              uint32        `toml:"mtu"`
}

// Config is the top-level configuration for a Sender or Receiver context.
type Config struct {
	Profile string `toml:"profile"` // "simple" or "main"
	FlowID  uint32 `toml:"flow_id"`
	CName   string `toml:"cname"`
	Peers   []Peer `toml:"peers"`

	StatsInterval time.Duration `toml:"stats_interval"`

	OOBQueueSize int `toml:"oob_queue_size"`
}

// DefaultOOBQueueSize is spec §4.6's "default 1024".
const DefaultOOBQueueSize = 1024

// Load reads and parses a TOML config file, then validates it (mirroring
// the teacher's client2/config.LoadFile).
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for internal consistency, returning
// ErrInvalidConfig (wrapped with detail) on the first problem found.
// Validate never mutates c except to fill in defaults (OOBQueueSize, and
// each peer's MTU, MaxRetries, SessionTimeout and KeepaliveTimeout).
func (c *Config) Validate() error {
	if c.Profile != "simple" && c.Profile != "main" {
		return errors.Join(ErrInvalidConfig, errors.New("profile must be \"simple\" or \"main\""))
	}
	if len(c.Peers) == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("at least one peer is required"))
	}
	if c.OOBQueueSize <= 0 {
		c.OOBQueueSize = DefaultOOBQueueSize
	}
	for i := range c.Peers {
		if err := c.Peers[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) validate() error {
	if p.Address == "" {
		return errors.Join(ErrInvalidConfig, errors.New("peer address is required"))
	}
	if len(p.Secret) > 128 {
		return errors.Join(ErrInvalidConfig, errors.New("secret exceeds 128 bytes"))
	}
	switch p.KeySize {
	case KeyDisabled, Key128, Key256:
	default:
		return errors.Join(ErrInvalidConfig, errors.New("key_size must be 0, 128, or 256"))
	}
	if p.RecoveryMode == RecoveryTime || p.RecoveryMode == RecoveryBytes {
		if p.RecoveryLengthMin <= 0 || p.RecoveryLengthMax < p.RecoveryLengthMin {
			return errors.Join(ErrInvalidConfig, errors.New("recovery_length_min/max misconfigured"))
		}
		if p.RecoveryRTTMin <= 0 || p.RecoveryRTTMax < p.RecoveryRTTMin {
			return errors.Join(ErrInvalidConfig, errors.New("recovery_rtt_min/max misconfigured"))
		}
	}
	if p.MTU == 0 {
		p.MTU = 1400
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 10
	}
	if p.SessionTimeout <= 0 {
		p.SessionTimeout = 30 * time.Second
	}
	if p.KeepaliveTimeout <= 0 {
		p.KeepaliveTimeout = 5 * time.Second
	}
	return nil
}

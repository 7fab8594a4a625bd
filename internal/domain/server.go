package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SyncDirection defines which side is authoritative
type SyncDirection int

const (
	// DirectionClone makes the local tree match the remote tree
	DirectionClone SyncDirection = iota
	// DirectionMirror is Clone plus deletion of local entries absent remotely
	DirectionMirror
	// DirectionUpload makes the remote tree match the local tree
	DirectionUpload
)

// String returns the config name of the direction
func (d SyncDirection) String() string {
	switch d {
	case DirectionClone:
		return "clone"
	case DirectionMirror:
		return "mirror"
	case DirectionUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// IsValid checks if the direction is a known value
func (d SyncDirection) IsValid() bool {
	return d >= DirectionClone && d <= DirectionUpload
}

// IsDownload reports whether remote is authoritative
func (d SyncDirection) IsDownload() bool {
	return d == DirectionClone || d == DirectionMirror
}

// ParseDirection accepts either the name or the numeric id (0, 1, 2)
func ParseDirection(s string) (SyncDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clone":
		return DirectionClone, nil
	case "mirror":
		return DirectionMirror, nil
	case "upload":
		return DirectionUpload, nil
	}
	if n, err := strconv.Atoi(s); err == nil && SyncDirection(n).IsValid() {
		return SyncDirection(n), nil
	}
	return DirectionClone, fmt.Errorf("%w: unknown sync direction %q", ErrConfigInvalid, s)
}

// UnmarshalText lets config files name the direction
func (d *SyncDirection) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText writes the direction by name
func (d SyncDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// HashAlgorithm selects the digest used for change detection
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashSHA256 HashAlgorithm = "sha256"
)

// IsValid checks if the algorithm is supported
func (h HashAlgorithm) IsValid() bool {
	return h == HashMD5 || h == HashSHA256
}

// RemoteCommand returns the coreutils program computing this digest
func (h HashAlgorithm) RemoteCommand() string {
	if h == HashSHA256 {
		return "sha256sum"
	}
	return "md5sum"
}

// ServerConfig describes one remote endpoint and how to sync it.
// The sync core treats it as read-only.
type ServerConfig struct {
	// Alias is the unique key of the server
	Alias string `mapstructure:"alias" yaml:"alias"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// KeyPath is an optional private key used instead of (or along with) Password
	KeyPath string `mapstructure:"key_path" yaml:"key_path,omitempty"`

	// KnownHostsFile enables host key verification when set
	KnownHostsFile string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`

	// InsecureIgnoreHostKey skips host key verification
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key,omitempty"`

	RemoteDir string `mapstructure:"remote_dir" yaml:"remote_dir"`
	LocalDir  string `mapstructure:"local_dir" yaml:"local_dir"`

	Direction SyncDirection `mapstructure:"direction" yaml:"direction"`

	// RecheckMinutes is the cooldown between two runs
	RecheckMinutes int `mapstructure:"recheck_minutes" yaml:"recheck_minutes"`

	HashAlgorithm HashAlgorithm `mapstructure:"hash" yaml:"hash,omitempty"`
}

// WithDefaults returns a copy with default values applied
func (s ServerConfig) WithDefaults() ServerConfig {
	if s.Port == 0 {
		s.Port = 22
	}
	if s.RemoteDir == "" {
		s.RemoteDir = "."
	}
	if s.RecheckMinutes <= 0 {
		s.RecheckMinutes = 15
	}
	if s.HashAlgorithm == "" {
		s.HashAlgorithm = HashMD5
	}
	return s
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks if the server is properly configured
func (s ServerConfig) Validate() error {
	if s.Alias == "" {
		return fmt.Errorf("%w: server alias cannot be empty", ErrConfigInvalid)
	}
	if s.Host == "" {
		return fmt.Errorf("%w: server %s has no host", ErrConfigInvalid, s.Alias)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: server %s has invalid port %d", ErrConfigInvalid, s.Alias, s.Port)
	}
	if s.Username == "" {
		return fmt.Errorf("%w: server %s has no username", ErrConfigInvalid, s.Alias)
	}
	if s.LocalDir == "" {
		return fmt.Errorf("%w: server %s has no local directory", ErrConfigInvalid, s.Alias)
	}
	if !s.Direction.IsValid() {
		return fmt.Errorf("%w: server %s has invalid direction %d", ErrConfigInvalid, s.Alias, s.Direction)
	}
	if s.HashAlgorithm != "" && !s.HashAlgorithm.IsValid() {
		return fmt.Errorf("%w: server %s has unsupported hash %q", ErrConfigInvalid, s.Alias, s.HashAlgorithm)
	}
	return nil
}

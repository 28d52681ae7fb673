package imap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// ConnectionSecurity selects how the byte stream is secured.
type ConnectionSecurity int

const (
	SecurityNone ConnectionSecurity = iota
	SecurityStartTLS
	SecurityTLS
)

func (s ConnectionSecurity) String() string {
	switch s {
	case SecurityStartTLS:
		return "starttls"
	case SecurityTLS:
		return "tls"
	}
	return "none"
}

// UnmarshalYAML accepts none, starttls and tls (or ssl).
func (s *ConnectionSecurity) UnmarshalYAML(unmarshal func(any) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch strings.ToLower(v) {
	case "", "none", "plain":
		*s = SecurityNone
	case "starttls":
		*s = SecurityStartTLS
	case "tls", "ssl", "ssl/tls":
		*s = SecurityTLS
	default:
		return fmt.Errorf("unknown connection security %q", v)
	}
	return nil
}

// AuthType selects the authentication mechanism.
type AuthType string

const (
	AuthPlain    AuthType = "PLAIN"
	AuthLogin    AuthType = "LOGIN"
	AuthCRAMMD5  AuthType = "CRAM-MD5"
	AuthExternal AuthType = "EXTERNAL"
	// AuthOAuth2 uses OAUTHBEARER when advertised and XOAUTH2 otherwise.
	AuthOAuth2 AuthType = "XOAUTH2"
)

// NetworkType is the kind of network the device is currently on.
type NetworkType int

const (
	NetworkOther NetworkType = iota
	NetworkWiFi
	NetworkMobile
)

// CompressionPolicy says per network type whether COMPRESS=DEFLATE may be
// negotiated.
type CompressionPolicy struct {
	WiFi   bool `yaml:"wifi"`
	Mobile bool `yaml:"mobile"`
	Other  bool `yaml:"other"`
}

// Allowed reports whether compression may be used on network n.
func (p CompressionPolicy) Allowed(n NetworkType) bool {
	switch n {
	case NetworkWiFi:
		return p.WiFi
	case NetworkMobile:
		return p.Mobile
	}
	return p.Other
}

// ServerSettings describes how to reach and log in to the server.
type ServerSettings struct {
	Host     string             `yaml:"host"`
	Port     int                `yaml:"port"`
	Security ConnectionSecurity `yaml:"security"`
	AuthType AuthType           `yaml:"auth_type"`
	Username string             `yaml:"username"`
	Password string             `yaml:"password"`

	// ClientCertificateAlias names a certificate known to the socket
	// factory. Required for EXTERNAL.
	ClientCertificateAlias string `yaml:"client_certificate_alias"`

	// PathPrefix is prepended to folder names. Leave empty and set
	// AutoDetectNamespace to discover it with NAMESPACE.
	PathPrefix          string `yaml:"path_prefix"`
	AutoDetectNamespace bool   `yaml:"auto_detect_namespace"`

	Compression CompressionPolicy `yaml:"compression"`

	// Proxy is an optional socks5:// URL. When empty the environment
	// (ALL_PROXY/NO_PROXY) is consulted.
	Proxy string `yaml:"proxy"`
}

// Address returns host:port.
func (s ServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds the account level knobs the engine honours.
type StoreConfig struct {
	// MaximumAutoDownloadSize bounds partial body fetches; zero fetches
	// whole bodies.
	MaximumAutoDownloadSize int64 `yaml:"max_auto_download_size"`
	// DisplayCount bounds the push catch-up window.
	DisplayCount int `yaml:"display_count"`
	// IdleRefreshMinutes is how long an IDLE is kept before it is renewed.
	IdleRefreshMinutes    int  `yaml:"idle_refresh_minutes"`
	PushPollOnConnect     bool `yaml:"push_poll_on_connect"`
	SubscribedFoldersOnly bool `yaml:"subscribed_folders_only"`
	RemoteSearchFullText  bool `yaml:"remote_search_full_text"`
}

// Config is the file format read by LoadConfig.
type Config struct {
	Server ServerSettings `yaml:"server"`
	Store  StoreConfig    `yaml:"store"`
	// PushFolders lists the folders to keep under IDLE.
	PushFolders []string `yaml:"push_folders"`
	// PushStatePath is the bbolt file holding push state.
	PushStatePath string `yaml:"push_state_path"`
}

const (
	defaultDisplayCount       = 25
	defaultIdleRefreshMinutes = 24
)

func (c *StoreConfig) applyDefaults() {
	if c.DisplayCount <= 0 {
		c.DisplayCount = defaultDisplayCount
	}
	if c.IdleRefreshMinutes <= 0 {
		c.IdleRefreshMinutes = defaultIdleRefreshMinutes
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration and fills in defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Store.applyDefaults()
	if cfg.Server.AuthType == "" {
		cfg.Server.AuthType = AuthPlain
	}
	cfg.Server.AuthType = AuthType(strings.ToUpper(string(cfg.Server.AuthType)))
	if cfg.Server.Port == 0 {
		if cfg.Server.Security == SecurityTLS {
			cfg.Server.Port = 993
		} else {
			cfg.Server.Port = 143
		}
	}
	return &cfg, nil
}

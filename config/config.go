package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PEERDROP"
	// TransportPeerJS brokers WebRTC data channels through a PeerJS server.
	TransportPeerJS = "peerjs"
	// TransportTCP dials share hosts over TCP.
	TransportTCP = "tcp"
	// TransportQUIC dials share hosts over QUIC.
	TransportQUIC = "quic"
	// DefaultPeerJSHost is the public PeerJS signalling server.
	DefaultPeerJSHost = "0.peerjs.com"
	// DefaultListenPort is used by share hosts when no override exists; 0 picks a free port.
	DefaultListenPort = 0
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Default timings, in milliseconds.
const (
	DefaultConnectTimeoutMS    = 15000
	DefaultHeartbeatIntervalMS = 2000
	DefaultSamplerIntervalMS   = 200
	DefaultSpeedWindowMS       = 500
	DefaultQueueDelayMS        = 200
	DefaultNudgeClearMS        = 500
	DefaultRequestTimeoutMS    = 10000
)

// DefaultICEServers is the STUN list used for WebRTC sessions.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// PeerJSConfig locates the signalling server.
type PeerJSConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
	Secure bool   `json:"secure"`
	Key    string `json:"key"`
}

// ReceiverConfig contains persistent local settings.
type ReceiverConfig struct {
	ClientID    string       `json:"client_id"`
	DisplayName string       `json:"display_name"`
	Transport   string       `json:"transport"`
	PeerJS      PeerJSConfig `json:"peerjs"`
	ICEServers  []string     `json:"ice_servers"`
	DownloadDir string       `json:"download_dir"`
	ListenPort  int          `json:"listen_port"`

	ConnectTimeoutMS    int `json:"connect_timeout_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
	SamplerIntervalMS   int `json:"sampler_interval_ms"`
	SpeedWindowMS       int `json:"speed_window_ms"`
	QueueDelayMS        int `json:"queue_delay_ms"`
	NudgeClearMS        int `json:"nudge_clear_ms"`
	RequestTimeoutMS    int `json:"request_timeout_ms"`
}

// envOverrides are read from PEERDROP_* variables and win over config.json.
type envOverrides struct {
	DisplayName    string        `envconfig:"DISPLAY_NAME"`
	Transport      string        `envconfig:"TRANSPORT"`
	PeerJSHost     string        `envconfig:"PEERJS_HOST"`
	PeerJSPort     int           `envconfig:"PEERJS_PORT"`
	PeerJSPath     string        `envconfig:"PEERJS_PATH"`
	PeerJSKey      string        `envconfig:"PEERJS_KEY"`
	ICEServers     []string      `envconfig:"ICE_SERVERS"`
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR"`
	ListenPort     int           `envconfig:"LISTEN_PORT"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`
}

// ConnectTimeout bounds the time from connect to an open channel.
func (c *ReceiverConfig) ConnectTimeout() time.Duration {
	return millis(c.ConnectTimeoutMS)
}

// HeartbeatInterval is the PING period while connected.
func (c *ReceiverConfig) HeartbeatInterval() time.Duration {
	return millis(c.HeartbeatIntervalMS)
}

// SamplerInterval is the progress sampler tick.
func (c *ReceiverConfig) SamplerInterval() time.Duration {
	return millis(c.SamplerIntervalMS)
}

// SpeedWindow is the minimum elapsed time between speed recomputations.
func (c *ReceiverConfig) SpeedWindow() time.Duration {
	return millis(c.SpeedWindowMS)
}

// QueueDelay is the pause before requesting the next queued file.
func (c *ReceiverConfig) QueueDelay() time.Duration {
	return millis(c.QueueDelayMS)
}

// NudgeClear is how long the nudged flag stays raised.
func (c *ReceiverConfig) NudgeClear() time.Duration {
	return millis(c.NudgeClearMS)
}

// RequestTimeout bounds the wait for the host to start a requested file.
func (c *ReceiverConfig) RequestTimeout() time.Duration {
	return millis(c.RequestTimeoutMS)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ReceiverConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ReceiverConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ReceiverConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// effective config (environment overrides applied) and its path.
func LoadOrCreate() (*ReceiverConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ReceiverConfig {
	cfg := &ReceiverConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ReceiverConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.ClientID, uuid.NewString())
	setString(&cfg.DisplayName, defaultDisplayName())

	transport := normalizeTransport(cfg.Transport)
	if transport == "" {
		transport = TransportPeerJS
	}
	if cfg.Transport != transport {
		cfg.Transport = transport
		updated = true
	}

	if cfg.PeerJS.Host == "" {
		cfg.PeerJS = PeerJSConfig{Host: DefaultPeerJSHost, Port: 443, Path: "/", Secure: true, Key: "peerjs"}
		updated = true
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = append([]string(nil), DefaultICEServers...)
		updated = true
	}
	setString(&cfg.DownloadDir, filepath.Join(dataDir, "downloads"))
	if cfg.ListenPort < 0 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}

	setInt(&cfg.ConnectTimeoutMS, DefaultConnectTimeoutMS)
	setInt(&cfg.HeartbeatIntervalMS, DefaultHeartbeatIntervalMS)
	setInt(&cfg.SamplerIntervalMS, DefaultSamplerIntervalMS)
	setInt(&cfg.SpeedWindowMS, DefaultSpeedWindowMS)
	setInt(&cfg.QueueDelayMS, DefaultQueueDelayMS)
	setInt(&cfg.NudgeClearMS, DefaultNudgeClearMS)
	setInt(&cfg.RequestTimeoutMS, DefaultRequestTimeoutMS)

	return updated
}

func applyEnv(cfg *ReceiverConfig) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	if env.DisplayName != "" {
		cfg.DisplayName = env.DisplayName
	}
	if env.Transport != "" {
		transport := normalizeTransport(env.Transport)
		if transport == "" {
			return fmt.Errorf("invalid %s_TRANSPORT %q", EnvPrefix, env.Transport)
		}
		cfg.Transport = transport
	}
	if env.PeerJSHost != "" {
		cfg.PeerJS.Host = env.PeerJSHost
	}
	if env.PeerJSPort > 0 {
		cfg.PeerJS.Port = env.PeerJSPort
	}
	if env.PeerJSPath != "" {
		cfg.PeerJS.Path = env.PeerJSPath
	}
	if env.PeerJSKey != "" {
		cfg.PeerJS.Key = env.PeerJSKey
	}
	if len(env.ICEServers) > 0 {
		cfg.ICEServers = env.ICEServers
	}
	if env.DownloadDir != "" {
		cfg.DownloadDir = env.DownloadDir
	}
	if env.ListenPort > 0 {
		cfg.ListenPort = env.ListenPort
	}
	if env.ConnectTimeout > 0 {
		cfg.ConnectTimeoutMS = int(env.ConnectTimeout / time.Millisecond)
	}
	return nil
}

func normalizeTransport(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case TransportPeerJS:
		return TransportPeerJS
	case TransportTCP:
		return TransportTCP
	case TransportQUIC:
		return TransportQUIC
	default:
		return ""
	}
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "PeerDrop Device"
}

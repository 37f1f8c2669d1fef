package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultHost             = "localhost"
	DefaultPort             = 9000
	DefaultPath             = "/"
	DefaultDebugLevel       = 1
	DefaultSTUN             = "stun:stun.l.google.com:19302"
	DefaultRenderDelay      = 500 * time.Millisecond
	DefaultWatchdogInterval = 2 * time.Second
	DefaultWatchdogConfirm  = 3 * time.Second
	DefaultProfile          = "default"
	DefaultListen           = ":9000"
)

// ICEServer is one STUN or TURN entry handed to the peer connection.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Config holds application configuration
type Config struct {
	// Signaling server location
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Path   string `mapstructure:"path"`
	Secure bool   `mapstructure:"secure"`

	// DebugLevel is 0 (silent) through 3 (everything)
	DebugLevel int    `mapstructure:"debug_level"`
	LogFile    string `mapstructure:"log_file"`

	// ICE servers for WebRTC
	STUNServer string      `mapstructure:"stun_server"`
	TURNServer string      `mapstructure:"turn_server"`
	TURNUser   string      `mapstructure:"turn_username"`
	TURNPass   string      `mapstructure:"turn_password"`
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	ForceRelay bool        `mapstructure:"force_relay"`

	// Room timing
	RenderDelay      time.Duration `mapstructure:"render_delay"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	WatchdogConfirm  time.Duration `mapstructure:"watchdog_confirm"`

	// Media
	BandwidthKbps uint64 `mapstructure:"bandwidth_kbps"`
	VideoFile     string `mapstructure:"video_file"`
	AudioFile     string `mapstructure:"audio_file"`
	NoMedia       bool   `mapstructure:"no_media"`

	// Persisted identity and membership
	StateDir string `mapstructure:"state_dir"`
	Profile  string `mapstructure:"profile"`

	// Relay server listen address
	Listen string `mapstructure:"listen"`
}

// Options carries CLI flag values. Zero values and nil pointers mean "not set".
type Options struct {
	ConfigFile string

	Host       string
	Port       int
	Path       string
	Secure     *bool
	DebugLevel *int
	LogFile    string

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay *bool

	RenderDelay   time.Duration
	BandwidthKbps uint64
	VideoFile     string
	AudioFile     string
	NoMedia       *bool

	StateDir string
	Profile  string
	Listen   string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. MESHCALL_* environment variables
// 3. Config file (--config, MESHCALL_CONFIG or meshcall.yaml)
// 4. Defaults - lowest priority
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.apply(opts)

	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("path", DefaultPath)
	v.SetDefault("secure", false)
	v.SetDefault("debug_level", DefaultDebugLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("stun_server", DefaultSTUN)
	v.SetDefault("turn_server", "")
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_password", "")
	v.SetDefault("force_relay", false)
	v.SetDefault("render_delay", DefaultRenderDelay)
	v.SetDefault("watchdog_interval", DefaultWatchdogInterval)
	v.SetDefault("watchdog_confirm", DefaultWatchdogConfirm)
	v.SetDefault("bandwidth_kbps", 0)
	v.SetDefault("video_file", "")
	v.SetDefault("audio_file", "")
	v.SetDefault("no_media", false)
	v.SetDefault("state_dir", "")
	v.SetDefault("profile", DefaultProfile)
	v.SetDefault("listen", DefaultListen)
}

func readConfigFile(v *viper.Viper, explicit string) error {
	file := explicit
	if file == "" {
		file = os.Getenv("MESHCALL_CONFIG")
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("meshcall")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "meshcall"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *Config) apply(o Options) {
	setString(&c.Host, o.Host)
	setString(&c.Path, o.Path)
	setString(&c.LogFile, o.LogFile)
	setString(&c.STUNServer, o.STUNServer)
	setString(&c.TURNServer, o.TURNServer)
	setString(&c.TURNUser, o.TURNUser)
	setString(&c.TURNPass, o.TURNPass)
	setString(&c.VideoFile, o.VideoFile)
	setString(&c.AudioFile, o.AudioFile)
	setString(&c.StateDir, o.StateDir)
	setString(&c.Profile, o.Profile)
	setString(&c.Listen, o.Listen)

	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.RenderDelay != 0 {
		c.RenderDelay = o.RenderDelay
	}
	if o.BandwidthKbps != 0 {
		c.BandwidthKbps = o.BandwidthKbps
	}
	if o.DebugLevel != nil {
		c.DebugLevel = *o.DebugLevel
	}
	if o.Secure != nil {
		c.Secure = *o.Secure
	}
	if o.ForceRelay != nil {
		c.ForceRelay = *o.ForceRelay
	}
	if o.NoMedia != nil {
		c.NoMedia = *o.NoMedia
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks ranges the rest of the program relies on.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("config: host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 3 {
		return fmt.Errorf("config: debug level %d out of range 0..3", c.DebugLevel)
	}
	if c.RenderDelay < 0 || c.WatchdogInterval <= 0 || c.WatchdogConfirm < 0 {
		return errors.New("config: timing values must be positive")
	}
	if c.Profile == "" {
		return errors.New("config: profile must not be empty")
	}
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "meshcall")
	}
	return filepath.Join(os.TempDir(), "meshcall")
}

func (c *Config) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) basePath(elem ...string) string {
	p := c.Path
	if p == "" {
		p = "/"
	}
	return path.Join(append([]string{p}, elem...)...)
}

// SignalingURL returns the websocket URL the participant id registers on.
func (c *Config) SignalingURL(id string) string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.hostPort(),
		Path:     c.basePath("ws"),
		RawQuery: url.Values{"id": {id}}.Encode(),
	}
	return u.String()
}

// RoomLink returns the shareable link for a room id
func (c *Config) RoomLink(roomID string) string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.hostPort(),
		Path:   c.basePath("r", roomID),
	}
	return u.String()
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetICEServers returns the STUN entry, the TURN entry and any extra servers from the config file.
func (c *Config) GetICEServers() []ICEServer {
	var servers []ICEServer
	if c.STUNServer != "" {
		servers = append(servers, ICEServer{URLs: []string{c.STUNServer}})
	}
	if turn := c.GetTURNServers(); len(turn) > 0 {
		servers = append(servers, ICEServer{
			URLs:       turn,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return append(servers, c.ICEServers...)
}

// HasTURN reports whether any configured server can relay.
func (c *Config) HasTURN() bool {
	for _, s := range c.GetICEServers() {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

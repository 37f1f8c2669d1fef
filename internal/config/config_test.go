package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "meshcall.yaml")
	content := "host: file.example\nport: 7000\nrender_delay: 250ms\nprofile: fromfile\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MESHCALL_PORT", "7100")
	t.Setenv("MESHCALL_PROFILE", "fromenv")

	cfg, err := Load(Options{ConfigFile: file, Profile: "fromflag", StateDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "file.example" {
		t.Errorf("host = %q, want value from config file", cfg.Host)
	}
	if cfg.Port != 7100 {
		t.Errorf("port = %d, want env value 7100", cfg.Port)
	}
	if cfg.Profile != "fromflag" {
		t.Errorf("profile = %q, want flag value", cfg.Profile)
	}
	if cfg.RenderDelay != 250*time.Millisecond {
		t.Errorf("render delay = %v, want 250ms", cfg.RenderDelay)
	}
	if cfg.WatchdogInterval != DefaultWatchdogInterval {
		t.Errorf("watchdog interval = %v, want default", cfg.WatchdogInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Config)
		wantErr string
	}{
		"ok":               {mutate: func(*Config) {}},
		"debug too high":   {mutate: func(c *Config) { c.DebugLevel = 4 }, wantErr: "debug level"},
		"port zero":        {mutate: func(c *Config) { c.Port = 0 }, wantErr: "port"},
		"empty host":       {mutate: func(c *Config) { c.Host = "" }, wantErr: "host"},
		"no watchdog tick": {mutate: func(c *Config) { c.WatchdogInterval = 0 }, wantErr: "timing"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{
				Host:             DefaultHost,
				Port:             DefaultPort,
				DebugLevel:       DefaultDebugLevel,
				RenderDelay:      DefaultRenderDelay,
				WatchdogInterval: DefaultWatchdogInterval,
				WatchdogConfirm:  DefaultWatchdogConfirm,
				Profile:          DefaultProfile,
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestURLs(t *testing.T) {
	cfg := &Config{Host: "relay.example", Port: 443, Path: "/call", Secure: true}

	if got, want := cfg.SignalingURL("abc"), "wss://relay.example:443/call/ws?id=abc"; got != want {
		t.Errorf("SignalingURL = %q, want %q", got, want)
	}
	if got, want := cfg.RoomLink("room-1"), "https://relay.example:443/call/r/room-1"; got != want {
		t.Errorf("RoomLink = %q, want %q", got, want)
	}
}

func TestGetICEServers(t *testing.T) {
	cfg := &Config{
		STUNServer: DefaultSTUN,
		TURNServer: "turn.example",
		TURNUser:   "u",
		TURNPass:   "p",
		ICEServers: []ICEServer{{URLs: []string{"stun:extra.example:3478"}}},
	}

	servers := cfg.GetICEServers()
	if len(servers) != 3 {
		t.Fatalf("got %d servers, want 3", len(servers))
	}
	if servers[1].Username != "u" || len(servers[1].URLs) != 3 {
		t.Errorf("turn entry = %+v", servers[1])
	}
	if !cfg.HasTURN() {
		t.Error("HasTURN() = false with a TURN server configured")
	}
}

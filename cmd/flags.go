package cmd

import (
	"time"

	"github.com/BioHazard786/meshcall/internal/config"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagHost      string
	flagPort      int
	flagPath      string
	flagSecure    bool
	flagDebug     int
	flagLogFile   string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
	flagProfile   string
	flagStateDir  string
	flagBandwidth uint64
	flagVideo     string
	flagAudio     string
	flagNoMedia   bool
	flagDelay     time.Duration
	flagListen    string
)

func bindCommonFlags(c *cobra.Command) {
	f := c.PersistentFlags()
	f.StringVarP(&flagConfig, "config", "c", "", "Config file (default ./meshcall.yaml)")
	f.StringVar(&flagHost, "host", "", "Relay host")
	f.IntVarP(&flagPort, "port", "p", 0, "Relay port")
	f.StringVar(&flagPath, "path", "", "Relay base path")
	f.BoolVar(&flagSecure, "secure", false, "Use wss/https for the relay")
	f.IntVar(&flagDebug, "debug", 0, "Log verbosity, 0 (off) to 3 (everything)")
	f.StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
	f.StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	f.StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	f.BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	f.StringVar(&flagProfile, "profile", "", "State profile, one per identity")
	f.StringVar(&flagStateDir, "state-dir", "", "Directory for persisted state")
	f.Uint64Var(&flagBandwidth, "bandwidth", 0, "Per-connection bandwidth cap in kbps (0 = none)")
	f.StringVar(&flagVideo, "video", "", "IVF/VP8 file to send as video")
	f.StringVar(&flagAudio, "audio", "", "Ogg/Opus file to send as audio")
	f.BoolVar(&flagNoMedia, "no-media", false, "Send silent audio only, no video")
	f.DurationVar(&flagDelay, "render-delay", 0, "Delay between dialing members")
	f.StringVar(&flagListen, "listen", "", "Relay listen address")
}

// loadConfig turns the flags that were set into config.Options.
func loadConfig(c *cobra.Command) (*config.Config, error) {
	opts := config.Options{
		ConfigFile:    flagConfig,
		Host:          flagHost,
		Port:          flagPort,
		Path:          flagPath,
		LogFile:       flagLogFile,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
		RenderDelay:   flagDelay,
		BandwidthKbps: flagBandwidth,
		VideoFile:     flagVideo,
		AudioFile:     flagAudio,
		StateDir:      flagStateDir,
		Profile:       flagProfile,
		Listen:        flagListen,
	}

	flags := c.Flags()
	if flags.Changed("secure") {
		opts.Secure = &flagSecure
	}
	if flags.Changed("debug") {
		opts.DebugLevel = &flagDebug
	}
	if flags.Changed("relay") {
		opts.ForceRelay = &flagRelay
	}
	if flags.Changed("no-media") {
		opts.NoMedia = &flagNoMedia
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

package cmd

import (
	"log/slog"
	"strings"

	"github.com/BioHazard786/meshcall/internal/relay"
	"github.com/spf13/cobra"
)

var flagOrigins []string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the websocket relay that forwards offers, answers and candidates between
participants. It carries no media and keeps no room state.

Examples:
  meshcall relay --listen :9000
  meshcall relay --path /meshcall --origins https://call.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		srv := relay.NewServer(relay.Options{
			Listen:         cfg.Listen,
			Path:           cfg.Path,
			AllowedOrigins: flagOrigins,
			Debug:          cfg.DebugLevel >= 3,
			Logger:         slog.Default(),
		})
		slog.Info("starting relay", "listen", cfg.Listen, "origins", strings.Join(flagOrigins, ","))
		return srv.Run(cmd.Context())
	},
}

func init() {
	relayCmd.Flags().StringSliceVar(&flagOrigins, "origins", nil, "Allowed CORS origins (default any)")
}

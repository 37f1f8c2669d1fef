package cmd

import (
	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h"},
	Short:   "Open a room and host its membership",
	Long: `Open a room whose id is your participant id. Others join with the printed
room id or link, and everyone ends up connected to everyone else.

Examples:
  meshcall host
  meshcall host --video clip.ivf --audio voice.ogg
  meshcall host --profile work --relay`,
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

		st, self, err := openStore(cfg)
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), cfg, st, self, self)
	},
}

package cmd

import (
	"fmt"

	"github.com/BioHazard786/meshcall/internal/roomid"
	"github.com/BioHazard786/meshcall/internal/store"
	"github.com/BioHazard786/meshcall/internal/ui"
	"github.com/spf13/cobra"
)

var flagRegenerate bool

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show the participant id of the current profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.New(cfg.StateDir, cfg.Profile)
		if err != nil {
			return err
		}

		if flagRegenerate {
			id := roomid.Generate()
			if err := st.SaveSelfID(id); err != nil {
				return err
			}
			ui.PrintSuccessf("New participant id: %s", id)
			return nil
		}

		id, err := st.EnsureSelfID(roomid.Generate)
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Out, id)
		return nil
	},
}

func init() {
	idCmd.Flags().BoolVar(&flagRegenerate, "new", false, "Generate and save a new id")
}

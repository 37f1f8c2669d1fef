package cmd

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/BioHazard786/meshcall/internal/roomid"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id | room-link>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by id or by the link the host shared.

Examples:
  meshcall join brave-otter-ramen-42
  meshcall join https://relay.example.com/r/brave-otter-ramen-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomInput(args[0])
		if err != nil {
			return err
		}

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
		return runCall(cmd.Context(), cfg, st, self, roomID)
	},
}

// parseRoomInput accepts a bare room id or a link ending in /r/<id>.
func parseRoomInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	id := input
	if strings.Contains(input, "/") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("invalid room link: %w", err)
		}
		dir, last := path.Split(strings.TrimSuffix(u.Path, "/"))
		if path.Base(dir) != "r" {
			return "", fmt.Errorf("invalid room link: %s", input)
		}
		id = last
	}
	id = strings.ToLower(id)
	if !roomid.Valid(id) {
		return "", fmt.Errorf("invalid room id: %q", id)
	}
	return id, nil
}

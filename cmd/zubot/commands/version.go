package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zubinjha/Zubot/internal/version"
)

// VersionCmd shows build metadata
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show zubot version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if jsonOutput {
			info := map[string]string{
				"version":    version.Version,
				"commit":     version.Commit,
				"build_date": version.BuildDate,
			}
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal version info: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("zubot %s\n", version.String())
		return nil
	},
}

func init() {
	VersionCmd.Flags().Bool("json", false, "Output version information as JSON")
}

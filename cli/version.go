package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/freecad-core/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
		if err != nil {
			return fail(ExitGeneralError, "marshaling build info: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"telemed/internal/handlers"
)

// 构建时通过 -ldflags "-X telemed/cmd/cli.Version=..." 注入
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func buildInfo() handlers.BuildInfo {
	return handlers.BuildInfo{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of telemed",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuildTime: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

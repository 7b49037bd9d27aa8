package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		if full {
			fmt.Println(VersionInfo.Full())
			return
		}
		fmt.Println(VersionInfo.Short())
	},
}

func init() {
	versionCmd.Flags().Bool("full", false, "Print detailed version information")
	rootCmd.AddCommand(versionCmd)
}

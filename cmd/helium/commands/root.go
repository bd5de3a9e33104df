// Package commands implements the helium command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set by main at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "helium",
	Short: "Helium system services plane",
	Long: `Helium hosts the system-services plane of the Helium microkernel in a
single binary: the process server, the VFS server and the reference
in-memory filesystem, all running over the in-process kernel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("helium %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/helium/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("configuration ok (root fs %q, api %v)\n", cfg.Root.FsPort, cfg.API.Enabled)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

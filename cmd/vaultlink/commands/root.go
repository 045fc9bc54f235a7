package commands

import (
	"github.com/spf13/cobra"

	"github.com/vaultlink/vaultlink-go/pkg/config"
)

var (
	configPath string
	logLevel   string
	fileCfg    *config.File
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vaultlink",
		Short:        "Pair agents with a human approver and broker credentials",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultPath()
			}
			f, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				f.LogLevel = logLevel
				if _, err := f.Level(); err != nil {
					return err
				}
			}
			fileCfg = f
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.vaultlink/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(approverCmd(), agentCmd(), auditCmd())
	return root
}

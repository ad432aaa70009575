package cli

import "github.com/spf13/cobra"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "windlass",
		Short: "Workflow orchestration and scheduling engine",
	}

	cmd.Flags().String("config", "config.yaml", "Path to config file")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cordum/masher/core/infra/buildinfo"
)

var (
	configPath string
	publish    bool

	rootCmd = &cobra.Command{
		Use:           "masherd",
		Short:         "Push updates into repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "masherd", buildinfo.Info())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "masher config file (default $MASHER_CONFIG_PATH)")
	pushCmd.Flags().BoolVar(&publish, "publish", false, "publish a signed trigger instead of pushing locally")
	resumeCmd.Flags().BoolVar(&publish, "publish", false, "publish a signed trigger instead of resuming locally")

	catalogCmd.AddCommand(catalogLoadCmd)
	rootCmd.AddCommand(serveCmd, pushCmd, resumeCmd, statusCmd, catalogCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "masherd:", err)
		os.Exit(1)
	}
}

// Package main is the unified entry point for ads. One binary runs the web
// and Telegram fronts, the per-workspace task queues, and the agent backends
// together with shared infrastructure.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdev/ads/internal/common/errkind"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "ads",
		Short:         "ads is the agent development server",
		Long:          "ads runs chat and Telegram fronts over code-assistant CLIs,\nwith a persistent per-workspace task queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ads.yaml or ADS_* environment)")

	root.AddCommand(serveCmd())
	root.AddCommand(initAdminCmd())
	root.AddCommand(resetAdminCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errkind.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ads %s\n", Version)
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kyri56xcaesar/collab-tasks/internal/mtask"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Collaborative task tracker service",
	Long: `taskd serves the task tracker REST API and runs the background
reconciler that retries collaborator emails and sends deadline reminders.

Configuration is read from the environment, optionally seeded from an env file.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API and, unless RECONCILE_ENABLED=false, the reconciler.

Examples:
  taskd serve
  taskd serve --config configs/tasks.env`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mtask.InitAndServe(configPath)
	},
}

var reconcileOnce bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Retry pending collaborator emails and send deadline reminders",
	Long: `Run the reconciler without the HTTP API.

Examples:
  taskd reconcile --once
  taskd reconcile --config configs/tasks.env`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mtask.RunReconcile(configPath, reconcileOnce)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/tasks.env", "Path to the env config file")
	reconcileCmd.Flags().BoolVar(&reconcileOnce, "once", false, "Run a single cycle and exit")

	rootCmd.AddCommand(serveCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

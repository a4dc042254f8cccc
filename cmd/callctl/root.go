package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/anas-aljanaby/call-center-backend/internal/app"
	"github.com/anas-aljanaby/call-center-backend/internal/config"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
)

// application is built before every command unless already set, which tests do.
var (
	application *app.App
	ownsApp     bool
)

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Operate the call-center backend",
	Long: `Imports call manifests, runs call processing, indexes knowledge documents
and searches them, against the store configured by config.yaml and the environment.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if !ownsApp {
			return nil
		}
		err := application.Close()
		application, ownsApp = nil, false
		return err
	},
}

func setupApp(cmd *cobra.Command, args []string) error {
	if application != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWith(cfg.Environment, cfg.LogLevel, os.Stderr)
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	application, ownsApp = a, true
	return nil
}

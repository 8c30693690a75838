// Package cli is the ragctl operator command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studymate/internal/bootstrap"
	"studymate/internal/config"
	"studymate/internal/pkg/logging"
)

const skipAppAnnotation = "skip-app"

var (
	cfg    *config.Config
	logger *zap.Logger
	app    *bootstrap.App

	userID  uint
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:           "ragctl",
	Short:         "Operate the StudyMate document index",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg == nil {
			if cfg, err = config.Load(); err != nil {
				return err
			}
		}
		if logger == nil {
			if logger, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
		}
		if cmd.Annotations[skipAppAnnotation] != "" || app != nil {
			return nil
		}
		app, err = bootstrap.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("start studymate failed: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		err := app.Close()
		app = nil
		return err
	},
}

func init() {
	// cobra prints to stderr unless told otherwise
	rootCmd.SetOut(os.Stdout)
	rootCmd.PersistentFlags().UintVarP(&userID, "user", "u", 1, "id of the acting user")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
}

// Execute runs the command line.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashdb/internal/app"
	"hashdb/internal/config"
	"hashdb/internal/logging"
)

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	dbPath     string
	logLevel   string
	quiet      bool

	app    *app.App
	logger *zap.Logger
}

// newRootCmd builds the command tree. The returned cli must be torn down
// after execution, whether or not the command failed.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	root := &cobra.Command{
		Use:   "hashdb",
		Short: "hashdb - a content hash index for large file trees",
		Long: `hashdb walks directory trees, records cryptographic digests of every file in a
SQLite database and uses them to verify integrity and resolve duplicate content.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "INI configuration file")
	flags.StringVar(&c.dbPath, "db", "", "database path (overrides the configuration)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "suppress progress output")

	root.AddCommand(
		newScanCmd(c),
		newVerifyCmd(c),
		newDedupeCmd(c),
		newCleanupCmd(c),
		newCompactCmd(c),
		newReportCmd(c),
		newHealthCmd(c),
		newServeCmd(c),
	)
	return root, c
}

// setup loads the configuration, applies flag overrides and opens the app.
// Subcommands may adjust the configuration through their own flags first.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.DatabasePath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.quiet && c.logLevel == "" {
		cfg.Log.Level = "warn"
	}
	if override, ok := configOverrides[cmd.Name()]; ok {
		if err := override(cmd, &cfg); err != nil {
			return err
		}
	}

	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger

	c.app, err = app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}
	return nil
}

func (c *cli) teardown() error {
	var err error
	if c.app != nil {
		err = c.app.Close()
		c.app = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return err
}

// configOverrides lets a subcommand fold its flags into the configuration
// before the app is opened.
var configOverrides = map[string]func(cmd *cobra.Command, cfg *config.Config) error{
	"dedupe": func(cmd *cobra.Command, cfg *config.Config) error {
		if dir, _ := cmd.Flags().GetString("quarantine-dir"); dir != "" {
			cfg.QuarantineDir = dir
		}
		return nil
	},
	"serve": func(cmd *cobra.Command, cfg *config.Config) error {
		raw, _ := cmd.Flags().GetString("roots")
		if raw == "" {
			return nil
		}
		roots, err := config.NormalizeScanPaths(raw)
		if err != nil {
			return err
		}
		cfg.ScanPaths = roots
		return nil
	},
}

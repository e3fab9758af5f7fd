package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pdmlink/internal/config"
)

// cli holds state shared by all subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar
	log   *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "pdmlink",
		Short:         "Stream PDM microphone audio as TLV frames over a serial link",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to the YAML configuration file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newStreamCmd(c),
		newScopeCmd(c),
		newDecodeCmd(c),
	)
	return root
}

// setup loads the configuration and installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if c.configPath == "" {
		c.cfg = config.Default()
	} else {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
	}

	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", c.logLevel)
		}
		c.cfg.Server.LogLevel = lvl
	}

	c.level.Set(c.cfg.Server.LogLevel.Level())
	c.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: c.level}))
	slog.SetDefault(c.log)
	return nil
}

// configWatcher returns a watcher that hot-applies log level changes from
// the config file, or nil when no file is in use.
func (c *cli) configWatcher() *config.Watcher {
	if c.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(c.configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged && c.logLevel == "" {
			c.level.Set(d.NewLogLevel.Level())
			c.log.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			c.log.Warn("config changes take effect after restart", "sections", d.RestartRequired)
		}
	}, config.WithWatcherLogger(c.log))
	if err != nil {
		c.log.Warn("config watcher disabled", "err", err)
		return nil
	}
	return w
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"switchyard/pkg/config"
	"switchyard/pkg/version"
)

// defaultConfigFile is looked up in --dir when --config is not given.
const defaultConfigFile = "switchyard.yaml"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	dir        string
	configPath string
	variant    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "switchyard",
		Short:         "Orchestrate transitions between workspaces",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.dir, "dir", "C", ".", "Base directory for relative paths")
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default <dir>/"+defaultConfigFile+")")
	flags.StringVar(&opts.variant, "variant", "", "Presentation variant override")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newImportCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the config file and applies flag overrides on top.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = filepath.Join(o.dir, defaultConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if o.variant != "" {
		cfg.Loader.Variant = o.variant
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

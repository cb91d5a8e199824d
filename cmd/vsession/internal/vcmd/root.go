// Package vcmd contains the commands of the vsession binary.
package vcmd

import (
	"log/slog"
	"os"

	"github.com/flipsession/vsession/vconfig"
	"github.com/spf13/cobra"
)

const (
	flagConfig  = "config"
	flagEnvFile = "env-file"
)

// NewRootCmd returns the root command.
// log is used until a command has loaded its own logging configuration.
func NewRootCmd(log *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "vsession",
		Short: "Validation session client for a flip-based identity network",

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String(flagConfig, "", "path to a YAML config file")
	pf.String(flagEnvFile, ".env", "path to a .env file (ignored if missing)")
	vconfig.AddFlags(pf)

	root.AddCommand(
		newRunCmd(log),
		newDevnodeCmd(log),
	)
	root.AddCommand(newControlCmds()...)

	return root
}

func loadConfig(cmd *cobra.Command) (vconfig.Config, error) {
	fs := cmd.Flags()

	file, err := fs.GetString(flagConfig)
	if err != nil {
		return vconfig.Config{}, err
	}
	envFile, err := fs.GetString(flagEnvFile)
	if err != nil {
		return vconfig.Config{}, err
	}

	cfg, err := vconfig.Load(vconfig.Sources{
		File:      file,
		EnvFile:   envFile,
		LookupEnv: os.LookupEnv,
	})
	if err != nil {
		return vconfig.Config{}, err
	}
	if err := vconfig.ApplyFlags(fs, &cfg); err != nil {
		return vconfig.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return vconfig.Config{}, err
	}
	return cfg, nil
}

// Command vmsim boots the memory subsystem of the kernel on a simulated
// machine and exercises it.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"vmcore/kernel/kfmt"
)

var (
	configPath string
	envFile    string

	// cfg is populated before any sub-command runs.
	cfg config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "vmsim boots the kernel memory subsystem on a simulated machine.",
	Long: `vmsim installs simulated RAM and cores, runs the loader and boots the kernel ` +
		`frame allocator, page table manager and heap. The machine is described by an ` +
		`optional TOML file; VMSIM_* environment variables override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(configPath); err != nil {
			return err
		}

		env, err := readEnv(envFile)
		if err != nil {
			return err
		}
		if err = cfg.applyEnv(env); err != nil {
			return err
		}

		if err = cfg.validate(); err != nil {
			return err
		}

		kfmt.SetOutputSink(cmd.ErrOrStderr())
		return kfmt.SetLevel(cfg.LogLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "machine description (TOML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with VMSIM_* overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package cmd implements fotactl's cobra command tree. Configuration
// (workspace path, TLS verification, User-Agent, public-key paths, debug
// logging) is flag/env/file driven through viper, the pattern skaffold and docker-compose's own CLI
// trees use for their root commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FOTACTL"

var cfgFile string

// RootCommand returns the base fotactl command with all subcommands wired
// in and its persistent flags bound to viper.
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fotactl",
		Short:         "Drive the LwM2M firmware/software update download core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.fotactl.yaml)")
	root.PersistentFlags().String("workspace", "fotactl.db", "path to the workspace database")
	root.PersistentFlags().Bool("insecure-tls", false, "skip TLS certificate verification")
	root.PersistentFlags().String("user-agent", "fotactl/1.0", "User-Agent sent with every request")
	root.PersistentFlags().String("fw-public-key", "", "path to the DER-encoded firmware public key")
	root.PersistentFlags().String("sw-public-key", "", "path to the DER-encoded software public key")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	bindFlag(root, "workspace")
	bindFlag(root, "insecure-tls")
	bindFlag(root, "user-agent")
	bindFlag(root, "fw-public-key")
	bindFlag(root, "sw-public-key")
	bindFlag(root, "debug")

	root.AddCommand(
		startCommand(),
		resumeCommand(),
		suspendCommand(),
		abortCommand(),
		statusCommand(),
	)

	return root
}

func bindFlag(cmd *cobra.Command, name string) {
	if err := viper.BindPFlag(name, cmd.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".fotactl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	if viper.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

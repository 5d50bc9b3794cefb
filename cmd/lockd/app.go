package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// newRootCommand builds the lockd cobra tree: the bare root command is not
// runnable itself, it only carries persistent config flags shared by the
// serve and client subcommands.
func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lockd",
		Short:         "lockd is a reader/writer lock coordination daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error, disabled)")
	persistentFlags.String("log-mode", "structured", "log rendering (structured, console)")

	bindFlag := func(name string) {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("LOCKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"log-level", "log-mode"} {
		bindFlag(name)
	}

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile(path string) error {
	if path == "" {
		viper.SetConfigName("lockd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.lockd")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil
			}
			return err
		}
		return nil
	}
	viper.SetConfigFile(path)
	return viper.ReadInConfig()
}

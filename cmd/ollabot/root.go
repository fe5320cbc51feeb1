package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/ollabot/internal/config"
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "ollabot",
		Short:        "Chat bot that relays /message commands to a local Ollama model",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file path (optional).")
	flags.String("log-level", "info", "Log level: debug, info, warn or error.")
	flags.String("log-format", "text", "Log format: text or json.")
	flags.Bool("log-add-source", false, "Include source file and line in log records.")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("logging.add_source", flags.Lookup("log-add-source"))

	cmd.AddCommand(newRunCmd(v))
	cmd.AddCommand(newEventsCmd(v))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func readConfigFile(v *viper.Viper) error {
	cfgFile := strings.TrimSpace(v.GetString("config"))
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
	}
	return nil
}

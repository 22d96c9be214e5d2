package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/imlink/internal/config"
	"github.com/danmuck/imlink/internal/observability"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "imclient: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath   string
		overrides clientConfig
	)
	cmd := &cobra.Command{
		Use:           "imclient",
		Short:         "Hold an identified long-link to an imlink server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("imclient")
			cfg, err := resolveConfig(cmd, cfgPath, overrides)
			if err != nil {
				return err
			}
			log.Info().
				Str("endpoint", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
				Str("transport", cfg.Transport).
				Str("client", cfg.ClientID).
				Msg("imclient starting")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return newClient(cfg).run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file (.toml, .yaml)")
	f.StringVar(&overrides.Host, "host", "", "server host")
	f.Uint16Var(&overrides.Port, "port", 0, "server port")
	f.StringVar(&overrides.Transport, "transport", "", "tcp or websocket")
	f.StringVar(&overrides.ClientID, "client-id", "", "identify client id")
	f.StringVar(&overrides.Secret, "secret", "", "identify shared secret")
	f.IntVar(&overrides.MaxConnectAttempts, "max-attempts", 0, "consecutive connect attempts before giving up (0 = unbounded)")
	f.DurationVar(&overrides.PingInterval, "ping", 0, "send a ping frame at this interval once connected")

	cmd.AddCommand(initConfigCmd())
	return cmd
}

// resolveConfig layers defaults, the config file, then explicitly set flags.
func resolveConfig(cmd *cobra.Command, path string, flags clientConfig) (clientConfig, error) {
	cfg := defaultClientConfig()
	if path != "" {
		loaded, err := loadClientConfig(path)
		if err != nil {
			return clientConfig{}, err
		}
		cfg = loaded
	}
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = flags.Host
	}
	if f.Changed("port") {
		cfg.Port = flags.Port
	}
	if f.Changed("transport") {
		cfg.Transport = flags.Transport
	}
	if f.Changed("client-id") {
		cfg.ClientID = flags.ClientID
	}
	if f.Changed("secret") {
		cfg.Secret = flags.Secret
	}
	if f.Changed("max-attempts") {
		cfg.MaxConnectAttempts = flags.MaxConnectAttempts
	}
	if f.Changed("ping") {
		cfg.PingInterval = flags.PingInterval
	}
	return cfg, cfg.validate()
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a starter client config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "client", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/imlink/internal/config"
	"github.com/danmuck/imlink/internal/observability"
	"github.com/danmuck/imlink/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "imserver: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath  string
		addr     string
		httpAddr string
		clients  map[string]string
	)
	cmd := &cobra.Command{
		Use:           "imserver",
		Short:         "Run the reference imlink long-link server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("imserver")
			gin.SetMode(gin.ReleaseMode)

			cfg := server.DefaultConfig()
			if cfgPath != "" {
				loaded, err := loadServerConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("client") {
				if cfg.Clients == nil {
					cfg.Clients = make(map[string]string)
				}
				for id, secret := range normalizeClients(clients) {
					cfg.Clients[id] = secret
				}
			}
			if err := validate(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := server.New(cfg)
			log.Info().
				Str("server", srv.ID).
				Str("addr", cfg.Addr).
				Str("http_addr", cfg.HTTPAddr).
				Int("clients", len(cfg.Clients)).
				Msg("imserver starting")
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file (.toml, .yaml)")
	f.StringVar(&addr, "addr", "", "TCP long-link listen address")
	f.StringVar(&httpAddr, "http-addr", "", "HTTP listen address for /ws, /metrics, /health")
	f.StringToStringVar(&clients, "client", nil, "client id=secret (repeatable)")

	cmd.AddCommand(initConfigCmd())
	return cmd
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a starter server config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "server", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

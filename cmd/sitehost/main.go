package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sitehost/internal/config"
	"sitehost/internal/logging"
	"sitehost/internal/rewrite"
	"sitehost/internal/server"
	"sitehost/internal/version"
)

var (
	configPath string
	logLevel   string
)

var rootCommand = &cobra.Command{
	Use:          "sitehost",
	Short:        "Multi-site host with per-site response caching",
	SilenceUsage: true,
	RunE:         serve,
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

var rewriteCommand = &cobra.Command{
	Use:   "rewrite",
	Short: "Rewrite configuration tools",
}

var (
	sourceSuffix string
	dynamicExt   string
)

var rewriteCheckCommand = &cobra.Command{
	Use:   "check <file>",
	Short: "Parse a rewrite configuration and print its forwarding aliases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := rewrite.ParseFile(args[0], rewrite.Options{SourceSuffix: sourceSuffix, DynamicExtension: dynamicExt})
		if err != nil {
			return err
		}
		m := ix.Map()
		targets := make([]string, 0, len(m))
		for t := range m {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		out := cmd.OutOrStdout()
		for _, t := range targets {
			fmt.Fprintf(out, "%s <- %v\n", t, m[t])
		}
		fmt.Fprintf(out, "%d aliases\n", ix.Len())
		return nil
	},
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SITEHOST_CONFIG", "/sitehost.yaml"), "path to sitehost.yaml")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rewriteCheckCommand.Flags().StringVar(&sourceSuffix, "source-suffix", config.DefaultSourceSuffix, "literal suffix stripped from rule sources")
	rewriteCheckCommand.Flags().StringVar(&dynamicExt, "dynamic-extension", config.DefaultDynamicExtension, "extension stripped from rule targets")
	rewriteCommand.AddCommand(rewriteCheckCommand)

	rootCommand.AddCommand(versionCommand, rewriteCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Console); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.Start()
	go func() {
		log.Info().Str("addr", addr).Str("version", version.Version).Msg("sitehost listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownAfter)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return app.Close(shutdownCtx)
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mp3relay/internal/config"
)

var (
	cfgFile      string
	portFlag     int
	downloadsDir string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "mp3relay",
	Short: "Convert media URLs to MP3 and hand them out once",
	Long: `mp3relay is an HTTP service that turns a media page URL into an MP3
file with yt-dlp and ffmpeg. Each file can be fetched from /stream/{id} and
is deleted shortly after the transfer starts.

Running the binary without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired jobs and their files once, then exit",
	Long: `sweep removes jobs older than the configured job TTL together with
any file they left behind. It needs the Redis registry: in-memory records
exist only inside a running server, which sweeps them on its own.`,
	RunE: runSweep,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file with the current settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml if present)")
	pf.IntVar(&portFlag, "port", 0, "listen port (overrides PORT)")
	pf.StringVar(&downloadsDir, "downloads-dir", "", "directory for converted files (overrides DOWNLOADS_DIR)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, sweepCmd, configCmd)
}

// loadConfig layers explicitly set flags over the loaded configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = portFlag
	}
	if flags.Changed("downloads-dir") {
		cfg.Storage.DownloadsDir = downloadsDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	return sweepExpired(cmd.Context(), cfg, logger, cmd.OutOrStdout())
}

// Package cmd implements the fmp4streamd CLI, grounded on the cobra +
// pflag + viper layering the rest of the example pack uses for its
// daemon entry points.
package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	fmp4config "github.com/nota-av/fmp4stream/internal/config"
	"github.com/nota-av/fmp4stream/internal/httpapi"
	"github.com/nota-av/fmp4stream/internal/rtsp"
	"github.com/nota-av/fmp4stream/internal/rtspserver"
)

var (
	cfgFile string
	logger  *slog.Logger
)

// rootCmd is fmp4streamd's single command: there are no subcommands, per
// spec.md §6's flat CLI flag surface.
var rootCmd = &cobra.Command{
	Use:   "fmp4streamd",
	Short: "Serves one directory of MP4 files as HLS, DASH, RTSP, and RTMP ingest",
	RunE:  runServe,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing fmp4streamd: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "", "", "config file (default $HOME/.fmp4streamd.yaml)")
	flags.StringP("ports", "p", fmp4config.DefaultPorts, "http,https,rtsp ports")
	flags.StringP("root", "r", ".", "root directory of source MP4 files")
	flags.Float64P("segment", "s", fmp4config.DefaultSegmentSecs, "HLS/DASH segment floor, seconds")
	flags.BoolP("cache", "c", false, "persist segmented output to <file>.cache")
	flags.StringP("basic", "b", "", "basic auth: user:pass@realm")
	flags.StringP("digest", "d", "", "digest auth: user:pass@realm")
	flags.StringP("keys", "k", "", "TLS key/cert directory")
	flags.BoolP("verb", "v", false, "verbose logging")

	mustBindPFlag("ports", flags.Lookup("ports"))
	mustBindPFlag("root", flags.Lookup("root"))
	mustBindPFlag("segment", flags.Lookup("segment"))
	mustBindPFlag("cache", flags.Lookup("cache"))
	mustBindPFlag("basic", flags.Lookup("basic"))
	mustBindPFlag("digest", flags.Lookup("digest"))
	mustBindPFlag("keys", flags.Lookup("keys"))
	mustBindPFlag("verb", flags.Lookup("verb"))
}

func initConfig() {
	fmp4config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".fmp4streamd")
	}
	viper.SetEnvPrefix("FMP4STREAMD")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("fmp4streamd: failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := fmp4config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Verbose {
		cfg.Logging.Level = "debug"
	}
	logger = fmp4config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	var auth *rtsp.AuthContainer
	if cfg.Basic != "" || cfg.Digest != "" {
		auth = &rtsp.AuthContainer{}
		if cfg.Basic != "" {
			b, err := rtsp.NewBasicAuth(cfg.Basic)
			if err != nil {
				return err
			}
			auth.Basic = b
		}
		if cfg.Digest != "" {
			d, err := rtsp.NewDigestAuth(cfg.Digest)
			if err != nil {
				return err
			}
			auth.Digest = d
		}
	}

	httpSrv := httpapi.New(cfg.Root, cfg.Segment, cfg.Cache, logger)
	rtspSrv := rtspserver.New(cfg.Root, auth, logger)

	errCh := make(chan error, 2)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Ports.HTTP)
		logger.Info("http listener starting", "addr", addr)
		errCh <- http.ListenAndServe(addr, httpSrv)
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Ports.RTSP)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		logger.Info("rtsp/rtmp listener starting", "addr", addr)
		errCh <- rtspSrv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

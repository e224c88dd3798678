package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alimk/fieldwatch/pkg/config"
	"github.com/alimk/fieldwatch/pkg/logging"
)

var version = "dev"

var (
	cfgFile string
	cfg     config.Config
	logger  = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

var rootCmd = &cobra.Command{
	Use:           "ingestor",
	Short:         "Field station telemetry ingester",
	Long:          `Subscribes to field station MQTT topics and persists environmental, system and detection records.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig()
	},
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the ops HTTP server and exit 0/1",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conn, err := net.DialTimeout("tcp", probeAddr(cfg.HTTP.Addr), 3*time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fieldwatch.yaml or /etc/fieldwatch/fieldwatch.yaml)")
	rootCmd.AddCommand(healthcheckCmd)
}

func initConfig() error {
	loaded, err := config.Load(config.New(), cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	l, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return err
	}
	logger = l
	slog.SetDefault(logger)
	return nil
}

// probeAddr turns a listen address such as ":8080" into something dialable.
func probeAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

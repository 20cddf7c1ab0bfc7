package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serval-project/rhizomefetch/internal/fetchengine"
	"github.com/serval-project/rhizomefetch/internal/importshim"
	"github.com/serval-project/rhizomefetch/internal/mclock"
	"github.com/serval-project/rhizomefetch/internal/rhizomenet"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rhizomefetchd",
	Short: "Runs the bundle payload fetch engine as a standalone daemon",
	Run:   runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "rhizomefetchd.toml", "path to the TOML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute root command: %v", err)
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
	}

	store := importshim.NewStore(64 * 1024 * 1024)
	importer := importshim.NewImporter(store, logger)
	dialer := rhizomenet.TCPDialer{DialTimeout: 5 * time.Second}
	datagram := rhizomenet.NullDatagramSender{Logger: logger}

	engine, err := fetchengine.NewEngine(store, importer, dialer, datagram, mclock.System{}, logger, cfg.engineOptions())
	if err != nil {
		logger.Fatal("failed to start fetch engine", zap.Error(err))
	}
	defer engine.Close()

	statusAddr := cfg.StatusAddr
	if statusAddr == "" {
		statusAddr = "127.0.0.1:7444"
	}
	status := newStatusServer(statusAddr, engine, logger)
	go status.run()
	defer status.close()

	logger.Info("rhizomefetchd started",
		zap.String("scratch_dir", cfg.ScratchDir),
		zap.String("status_addr", statusAddr),
		zap.Int("tiers", len(cfg.engineOptions().Tiers)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

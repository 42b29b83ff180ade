// Command blkcolo-svm runs the secondary side of a COLO-replicated block
// device: it exports a ublk device backed by a ReplicationDriver, accepts
// one checkpoint channel connection from the primary, and runs the
// secondary CheckpointCoordinator loop until the channel closes or the
// process is signaled.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/colohq/blkcolo"
	"github.com/colohq/blkcolo/backend"
	"github.com/colohq/blkcolo/internal/channel"
	"github.com/colohq/blkcolo/internal/checkpoint"
	"github.com/colohq/blkcolo/internal/config"
	"github.com/colohq/blkcolo/internal/logging"
	"github.com/colohq/blkcolo/internal/proxy"
	"github.com/colohq/blkcolo/internal/vmstub"
)

var (
	configPath string
	sizeBytes  int64
	listenAddr string
	exportName string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "blkcolo-svm",
		Short: "Run the secondary (SVM) side of a COLO-replicated block device",
		Args:  cobra.NoArgs,
		RunE:  run,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to config.toml (when set, device mode, export name and replication timing come from it; --export is then ignored, the other flags still apply)")
	root.Flags().Int64Var(&sizeBytes, "size", 64<<20, "size in bytes of the in-memory backing disk")
	root.Flags().StringVar(&listenAddr, "listen", ":4590", "address the checkpoint channel listens on")
	root.Flags().StringVar(&exportName, "export", "disk0", "export name for the replicated device")
	root.Flags().BoolVar(&verbose, "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadOrBuildConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Device.Mode != "secondary" {
		return fmt.Errorf("blkcolo-svm requires device.mode = secondary, got %q", cfg.Device.Mode)
	}

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mem := backend.NewMemory(sizeBytes)
	defer mem.Close()

	driver := blkcolo.NewReplicationDriver(mem)
	metrics := blkcolo.NewMetrics()
	driver.SetObserver(blkcolo.NewMetricsObserver(metrics))

	if err := driver.StartReplication(blkcolo.SecondaryReplicating); err != nil {
		return fmt.Errorf("start_replication: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceParams := blkcolo.DefaultParams(driver)
	device, err := blkcolo.CreateAndServe(ctx, deviceParams, &blkcolo.Options{Observer: blkcolo.NewMetricsObserver(metrics)})
	if err != nil {
		return fmt.Errorf("create_and_serve: %w", err)
	}
	logger.Info("exporting replicated device", "export", cfg.Device.Export, "block_device", device.Path)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	defer ln.Close()
	logger.Info("waiting for primary checkpoint connection", "listen", listenAddr)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}

	enabled, err := checkpoint.NegotiateColo(tcpConn, true)
	if err != nil {
		return fmt.Errorf("negotiate colo: %w", err)
	}
	if !enabled {
		return fmt.Errorf("primary did not request colo replication")
	}

	ch, err := channel.NewTCP(tcpConn)
	if err != nil {
		return fmt.Errorf("checkpoint channel: %w", err)
	}
	logger.Info("primary connected", "remote", conn.RemoteAddr())

	failover := blkcolo.NewFailoverController()
	coord := &checkpoint.Coordinator{
		Channel:  ch,
		VM:       &vmstub.NoOp{},
		Proxy:    proxy.NoOp{},
		Failover: failover,
		Config: checkpoint.Config{
			MinPeriod:     cfg.Replication.MinPeriod(),
			MaxPeriod:     cfg.Replication.MaxPeriod(),
			PollInterval:  100 * time.Millisecond,
			ComparePollTO: cfg.Replication.ProxyPollTimeout(),
		},
		Log: logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- coord.RunSecondary(ctx, driver) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, requesting failover", "signal", sig.String())
		failover.RequestFailover("operator signal")
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("coordinator exited", "error", err)
		}
	}

	cancel()
	return blkcolo.StopAndDelete(context.Background(), device)
}

func loadOrBuildConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	cfg.Device.Mode = "secondary"
	cfg.Device.Export = exportName
	cfg.Channel.ListenAddr = listenAddr
	return cfg, nil
}

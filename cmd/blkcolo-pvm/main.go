// Command blkcolo-pvm runs the primary side of a COLO-replicated block
// device: it exports a ublk device backed by a ReplicationDriver, dials
// the secondary's checkpoint channel, and drives the primary
// CheckpointCoordinator loop until the operator requests shutdown.
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
	dialAddr   string
	dialTO     time.Duration
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "blkcolo-pvm",
		Short: "Run the primary (PVM) side of a COLO-replicated block device",
		Args:  cobra.NoArgs,
		RunE:  run,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to config.toml (when set, device mode and replication timing come from it; the flags below still apply)")
	root.Flags().Int64Var(&sizeBytes, "size", 64<<20, "size in bytes of the in-memory backing disk")
	root.Flags().StringVar(&dialAddr, "dial", "127.0.0.1:4590", "address of the secondary's checkpoint channel")
	root.Flags().DurationVar(&dialTO, "dial-timeout", 10*time.Second, "timeout for connecting to the secondary")
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
	if cfg.Device.Mode != "primary" {
		return fmt.Errorf("blkcolo-pvm requires device.mode = primary, got %q", cfg.Device.Mode)
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

	if err := driver.StartReplication(blkcolo.PrimaryReplicating); err != nil {
		return fmt.Errorf("start_replication: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceParams := blkcolo.DefaultParams(driver)
	device, err := blkcolo.CreateAndServe(ctx, deviceParams, &blkcolo.Options{Observer: blkcolo.NewMetricsObserver(metrics)})
	if err != nil {
		return fmt.Errorf("create_and_serve: %w", err)
	}
	logger.Info("exporting replicated device", "block_device", device.Path)

	logger.Info("dialing secondary checkpoint channel", "dial", dialAddr)
	netConn, err := net.DialTimeout("tcp", dialAddr, dialTO)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dialAddr, err)
	}
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", netConn)
	}

	enabled, err := checkpoint.NegotiateColo(tcpConn, true)
	if err != nil {
		return fmt.Errorf("negotiate colo: %w", err)
	}
	if !enabled {
		return fmt.Errorf("secondary did not accept colo replication")
	}

	ch, err := channel.NewTCP(tcpConn)
	if err != nil {
		return fmt.Errorf("checkpoint channel: %w", err)
	}
	logger.Info("connected to secondary", "remote", netConn.RemoteAddr())

	failover := blkcolo.NewFailoverController()
	shutdownRequested := make(chan struct{})
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
		ShutdownRequested: func() bool {
			select {
			case <-shutdownRequested:
				return true
			default:
				return false
			}
		},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- coord.RunPrimary(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, requesting graceful shutdown", "signal", sig.String())
		close(shutdownRequested)
		select {
		case <-errCh:
		case <-time.After(cfg.Replication.MaxPeriod() + 5*time.Second):
			logger.Warn("coordinator did not exit in time, forcing stop")
		}
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
	cfg.Device.Mode = "primary"
	cfg.Channel.DialAddr = dialAddr
	return cfg, nil
}

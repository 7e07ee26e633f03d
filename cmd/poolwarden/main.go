package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/poolwarden/poolwarden/pkg/config"
	"github.com/poolwarden/poolwarden/pkg/fleet"
	"github.com/poolwarden/poolwarden/pkg/log"
	"github.com/poolwarden/poolwarden/pkg/metrics"
	"github.com/poolwarden/poolwarden/pkg/monitor"
	"github.com/poolwarden/poolwarden/pkg/node"
	"github.com/poolwarden/poolwarden/pkg/notify"
	"github.com/poolwarden/poolwarden/pkg/slots"
	"github.com/poolwarden/poolwarden/pkg/supervisor"
	"github.com/poolwarden/poolwarden/pkg/telemetry"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "poolwarden",
	Short:   "High-availability supervisor for a stake pool's node fleet",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringP("jmanager-config", "j", "jmanager_config.json", "Path to the main jmanager configuration file")
	rootCmd.Flags().StringP("config-template", "t", "config_template.json", "Path to the per-node config template")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Listen address for /metrics, /health, /ready, /live")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

// fleetViewRef breaks the construction cycle between NodeMonitors (which
// need a FleetView at New) and the FleetManager (which needs every
// NodeMonitor at New): monitors hold this indirection instead of a direct
// reference to the manager or its sibling list.
type fleetViewRef struct {
	mgr *fleet.Manager
}

func (r *fleetViewRef) AnyOtherStarted(exceptNodeName string) bool {
	if r.mgr == nil {
		return false
	}
	return r.mgr.AnyOtherStarted(exceptNodeName)
}

func run(cmd *cobra.Command, args []string) error {
	jmanagerConfigPath, _ := cmd.Flags().GetString("jmanager-config")
	templateConfigPath, _ := cmd.Flags().GetString("config-template")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)

	store, err := config.NewStore(jmanagerConfigPath, templateConfigPath)
	if err != nil {
		return fmt.Errorf("poolwarden: load config: %w", err)
	}
	metrics.RegisterComponent("config", true, "loaded")

	commonCfg := store.GetCommonConfig()
	mgrCfg := store.GetManagerConfig()
	poolToolCfg := store.GetPoolToolConfig()

	supervisorClient, err := supervisor.NewClient(commonCfg.SupervisorRPCURL)
	if err != nil {
		return fmt.Errorf("poolwarden: dial supervisor: %w", err)
	}
	defer supervisorClient.Close()

	notifier := notify.NewBroker()
	notifier.Start()
	defer notifier.Stop()
	logNotifications(notifier)

	viewRef := &fleetViewRef{}

	nodeConfigs := store.GetNodeConfigs()
	monitors := make(map[string]fleet.MonitorClient, len(nodeConfigs))
	for _, nc := range nodeConfigs {
		nodeClient := node.NewClient(nc)
		mon := monitor.New(nc.NodeName, nodeClient, supervisorClient, store, viewRef)
		monitors[nc.NodeName] = mon
	}

	telemetryPublisher := telemetry.NewPublisher(poolToolCfg)

	packager, err := slots.NewPackager(poolToolCfg.SendSlots, mgrCfg.PoolID, mgrCfg.GenesisHash, poolToolCfg.UserID, slots.NewRESTSender(poolToolCfg.SendSlots.URL))
	if err != nil {
		return fmt.Errorf("poolwarden: build slot packager: %w", err)
	}

	fleetManager := fleet.New(monitors, store, telemetryPublisher, packager, notifier, mgrCfg.PoolID, mgrCfg.GenesisHash)
	viewRef.mgr = fleetManager
	metrics.RegisterComponent("fleet", true, "started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, mon := range monitors {
		m := mon.(*monitor.Monitor)
		go m.Run(ctx)
		log.Info(fmt.Sprintf("poolwarden: monitor started for node %s", name))
	}
	go fleetManager.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("poolwarden: metrics server error: %v", err)
		}
	}()
	log.Info(fmt.Sprintf("poolwarden: telemetry endpoint listening on http://%s", metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("poolwarden: shutting down")
	cancel()
	_ = server.Close()

	return nil
}

// logNotifications drains the Notifier's events onto the component logger
// since email delivery itself is an external, out-of-scope collaborator.
func logNotifications(broker *notify.Broker) {
	sub := broker.Subscribe()
	notifyLog := log.WithComponent("notify")
	go func() {
		for event := range sub {
			notifyLog.Info().
				Str("type", string(event.Type)).
				Str("node", event.NodeName).
				Msg("notification published")
		}
	}()
}

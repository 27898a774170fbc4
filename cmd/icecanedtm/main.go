package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dr0pdb/icecanedtm/internal/common"
	pcommon "github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dispatcher"
	"github.com/dr0pdb/icecanedtm/pkg/segment"
	"github.com/dr0pdb/icecanedtm/pkg/tm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath         string
	dbPath             string
	logLevel           string
	metricsAddress     string
	checkpointInterval time.Duration

	segmentID   int32
	segmentPort string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "icecanedtm",
		Short: "Distributed transaction manager for a coordinator and its segments",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path of the yaml or toml config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "path", "", "directory path of the db")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "the level of log")
	rootCmd.PersistentFlags().StringVar(&metricsAddress, "metrics", "", "address to serve prometheus metrics on")

	coordinatorCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator's transaction manager",
		Long: `Run the coordinator's transaction manager without client sessions.

The command recovers in-doubt distributed transactions, checkpoints the redo log
periodically and serves metrics until it is signalled. It accepts no client
connections. Sessions begin and commit distributed transactions through a
tm.Manager embedded in the coordinator process.`,
		Run: runCoordinator,
	}
	coordinatorCmd.Flags().DurationVar(&checkpointInterval, "checkpoint-interval", time.Minute, "how often the redo log is checkpointed")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve in-doubt distributed transactions and exit",
		Run:   runRecover,
	}

	segmentCmd := &cobra.Command{
		Use:   "segment",
		Short: "Run a segment participant",
		Run:   runSegment,
	}
	segmentCmd.Flags().Int32Var(&segmentID, "id", -1, "segment id")
	segmentCmd.Flags().StringVar(&segmentPort, "port", "", "port to serve on")

	rootCmd.AddCommand(coordinatorCmd, recoverCmd, segmentCmd)
	return rootCmd
}

func loadDTMConfig() *pcommon.DTMConfig {
	conf := pcommon.NewDefaultDTMConfig()
	if configPath != "" {
		if err := conf.LoadFromFile(configPath); err != nil {
			log.Fatalf("icecanedtm::main::loadDTMConfig; %v", err)
		}
	}
	if dbPath != "" {
		conf.DbPath = dbPath
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if metricsAddress != "" {
		conf.MetricsAddress = metricsAddress
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("icecanedtm::main::loadDTMConfig; %v", err)
	}
	setLogLevel(conf.LogLevel)
	return conf
}

func loadSegmentConfig() *pcommon.SegmentConfig {
	conf := pcommon.NewDefaultSegmentConfig()
	if configPath != "" {
		if err := conf.LoadFromFile(configPath); err != nil {
			log.Fatalf("icecanedtm::main::loadSegmentConfig; %v", err)
		}
	}
	if dbPath != "" {
		conf.DbPath = dbPath
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if metricsAddress != "" {
		conf.MetricsAddress = metricsAddress
	}
	if segmentID >= 0 {
		conf.ID = segmentID
	}
	if segmentPort != "" {
		conf.Port = segmentPort
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("icecanedtm::main::loadSegmentConfig; %v", err)
	}
	setLogLevel(conf.LogLevel)
	return conf
}

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("icecanedtm::main::setLogLevel; %v", err)
	}
	log.SetLevel(l)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.WithFields(log.Fields{"address": addr}).Info("icecanedtm::main::serveMetrics; serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithFields(log.Fields{"error": err.Error()}).Error("icecanedtm::main::serveMetrics; metrics server stopped")
		}
	}()
}

func waitForSignal() os.Signal {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return <-sc
}

func startManager(conf *pcommon.DTMConfig, reg prometheus.Registerer) (*tm.Manager, *dispatcher.Dispatcher) {
	d := dispatcher.NewDispatcher(conf.Segments)
	m, err := tm.NewManager(context.Background(), conf, d, reg)
	if err != nil {
		d.Close()
		log.Fatalf("icecanedtm::main::startManager; %v", err)
	}
	return m, d
}

// runCoordinator keeps a manager alive for recovery and checkpoints only. Embedders that serve
// sessions create their own tm.Manager with tm.NewManager.
func runCoordinator(cmd *cobra.Command, args []string) {
	conf := loadDTMConfig()
	reg := prometheus.NewRegistry()
	serveMetrics(conf.MetricsAddress, reg)

	m, d := startManager(conf, reg)
	defer d.Close()
	defer m.Close()

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := m.Checkpoint(); err != nil {
				if common.IsFatal(err) {
					log.Fatalf("icecanedtm::main::runCoordinator; %v", err)
				}
				log.WithFields(log.Fields{"error": err.Error()}).Error("icecanedtm::main::runCoordinator; checkpoint failed")
			}
		}
	}()

	sig := waitForSignal()
	log.WithFields(log.Fields{"signal": sig.String()}).Info("icecanedtm::main::runCoordinator; shutting down")
	m.Shutdown()
	if err := m.Checkpoint(); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("icecanedtm::main::runCoordinator; final checkpoint failed")
	}
}

func runRecover(cmd *cobra.Command, args []string) {
	conf := loadDTMConfig()
	conf.ReadOnly = false

	m, d := startManager(conf, nil)
	defer d.Close()
	defer m.Close()
	log.Info("icecanedtm::main::runRecover; no in-doubt distributed transactions left")
}

func runSegment(cmd *cobra.Command, args []string) {
	conf := loadSegmentConfig()
	reg := prometheus.NewRegistry()
	serveMetrics(conf.MetricsAddress, reg)

	s, err := segment.NewServer(conf)
	if err != nil {
		log.Fatalf("icecanedtm::main::runSegment; %v", err)
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(conf.Address, conf.Port))
	if err != nil {
		log.Fatalf("icecanedtm::main::runSegment; %v", err)
	}

	go func() {
		if err := s.Serve(lis); err != nil {
			log.Fatalf("icecanedtm::main::runSegment; %v", err)
		}
	}()

	sig := waitForSignal()
	log.WithFields(log.Fields{"signal": sig.String()}).Info("icecanedtm::main::runSegment; shutting down")
	if err := s.Stop(); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("icecanedtm::main::runSegment; stop failed")
	}
}

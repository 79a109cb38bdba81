package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghostveil/cluster/internal/cluster"
	"github.com/ghostveil/cluster/internal/compute"
	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/imagestore"
	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/transport"
)

func main() {
	peerID := flag.Uint("peer-id", 0, "this peer's id")
	bindAddr := flag.String("bind-addr", "", "this peer's bind address (host:port)")
	healthAddr := flag.String("health-addr", "127.0.0.1:8081", "health/metrics/pprof server address")
	peerMapPath := flag.String("peer-map", "", "path to the JSON peer map (id -> address)")
	simulatedLatency := flag.Duration("simulated-compute-latency", 0, "test-only artificial compute delay")
	flag.Parse()

	logger := observability.NewLogger("cluster-peer", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "cluster-peer"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("cluster peer starting")

	if *peerID == 0 || *bindAddr == "" || *peerMapPath == "" {
		logger.Fatal(nil, "peer-id, bind-addr, and peer-map are required")
	}

	peers, err := config.LoadPeerMap(*peerMapPath)
	if err != nil {
		logger.Fatal(err, "failed to load peer map")
	}

	cfg := config.DefaultConfig()
	cfg.PeerID = uint32(*peerID)
	cfg.BindAddress = *bindAddr
	cfg.HealthAddress = *healthAddr
	cfg.Peers = peers

	if err := cfg.Validate(); err != nil {
		logger.Fatal(err, "invalid configuration")
	}

	self := cluster.NewPeer(cfg.PeerID, cfg.BindAddress)
	plog := logger.WithPeer(cfg.PeerID)

	tr, err := transport.Listen(cfg.BindAddress, cfg.SocketBufferBytes, cfg.MaxInFlightPerSourceRPS, cfg.MaxInFlightPerSourceBurst, plog, metrics, func() bool { return self.State() == cluster.StateFailed })
	if err != nil {
		plog.Fatal(err, "failed to open datagram listener")
	}
	defer tr.Close()

	detector := cluster.NewFailureDetector(self, cfg.Peers, tr, plog, metrics, cfg)
	elector := cluster.NewElector(self, cfg.Peers, tr, plog, metrics, cfg)
	sessions := imagestore.NewSessionRegistry()
	images := imagestore.New()
	computer := compute.New()
	computer.SimulatedLatency = *simulatedLatency

	router := cluster.NewRouter(self, cfg.Peers, tr, detector, elector, sessions, images, computer, plog, metrics, cfg)
	tr.SetHandler(router.Dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector.OnCoordinatorFailed(func(reason string) {
		go elector.RunElection(ctx, reason)
	})

	go tr.Serve()
	go tr.RunSweepLoop(ctx.Done())
	go tr.RunRetransmitLoop(ctx.Done())
	go detector.RunHeartbeatLoop(ctx)
	go detector.RunDetectorLoop(ctx)
	go elector.RunStartupElection(ctx)
	go elector.RunSafetyNet(ctx)

	healthChecker.RegisterCheck("datagram_listener", observability.DatagramListenerCheck(tr.LocalAddr()))
	healthChecker.RegisterCheck("coordinator", observability.CoordinatorKnownCheck(func() bool {
		_, known := self.CoordinatorID()
		return known
	}))
	healthChecker.RegisterCheck("peers", observability.LivePeerCountCheck(func() int {
		return len(cfg.Peers) - len(self.FailedPeers())
	}, len(cfg.Peers)))

	go startAdminServer(cfg.HealthAddress, metrics, healthChecker, router, plog)

	plog.Info("cluster peer running on " + cfg.BindAddress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	plog.Info("shutting down gracefully")
	cancel()
}

func startAdminServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, router *cluster.Router, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Operational controls for simulating failure/recovery: state
	// transitions triggered exogenously rather than by internal logic.
	mux.HandleFunc("/admin/fail", func(w http.ResponseWriter, r *http.Request) {
		if err := router.Self().TransitionTo(cluster.StateFailed); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/recover", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := router.RecoverSelf(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("admin server listening on " + addr + " (metrics, health, pprof, test controls)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "admin server stopped")
	}
}

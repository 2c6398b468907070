package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raftkv/consensus-store/pkg/api"
	"github.com/raftkv/consensus-store/pkg/cluster"
	"github.com/raftkv/consensus-store/pkg/config"
	"github.com/raftkv/consensus-store/pkg/kv"
	"github.com/raftkv/consensus-store/pkg/metrics"
	"github.com/raftkv/consensus-store/pkg/raft"
	"github.com/raftkv/consensus-store/pkg/store"
	grpctransport "github.com/raftkv/consensus-store/pkg/transport/grpc"
)

func main() {
	cfg, err := config.Load(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := log.New(os.Stdout, "["+cfg.NodeID+"] ", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("starting node: grpc=%s http=%s metrics=%s peers=%v",
		cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr, cfg.PeerIDs())

	members, err := cluster.NewConfig(cfg.NodeID, cfg.GRPCAddr, cfg.Peers)
	if err != nil {
		logger.Fatalf("failed to build cluster membership: %v", err)
	}

	durableStore, err := store.Open(cfg.WALDir)
	if err != nil {
		logger.Fatalf("failed to open durable store: %v", err)
	}

	stateMachine := kv.New()
	collector := metrics.New()

	transport := grpctransport.New(members)

	nodeConfig := raft.NodeConfig{
		ID:                 cfg.NodeID,
		Peers:              members.PeerIDs(),
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		WALPath:            cfg.WALDir,
		SnapshotThreshold:  cfg.SnapshotSize,
	}

	node := raft.NewNode(nodeConfig, members, transport, durableStore, stateMachine, logger, collector)
	transport.SetNode(node)

	serveCtx, cancelServe := context.WithCancel(context.Background())
	go func() {
		if err := transport.Serve(serveCtx, cfg.GRPCAddr); err != nil && err != context.Canceled {
			logger.Printf("gRPC transport stopped: %v", err)
		}
	}()

	if err := node.Start(); err != nil {
		logger.Fatalf("failed to start node: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHTTPHandler(node, stateMachine, collector),
	}

	go func() {
		logger.Printf("HTTP API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.EnableMetrics {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: collector.Handler()}
		go func() {
			logger.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	cancelServe()
	transport.Stop()
	node.Stop()
	durableStore.Close()

	logger.Println("shutdown complete")
}

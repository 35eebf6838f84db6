package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/config"
	"github.com/Aidin1998/fixgate/internal/engine"
	"github.com/Aidin1998/fixgate/internal/hub"
	"github.com/Aidin1998/fixgate/internal/journal"
	"github.com/Aidin1998/fixgate/internal/messaging"
	"github.com/Aidin1998/fixgate/internal/replication"
	"github.com/Aidin1998/fixgate/internal/seqindex"
	"github.com/Aidin1998/fixgate/internal/server"
	"github.com/Aidin1998/fixgate/internal/transport"
	"github.com/Aidin1998/fixgate/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventReplaySize = 256

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Bootstrap logger; the configured level takes over once config is loaded
	zapLogger, logLevel := logger.NewLogger("info")
	defer zapLogger.Sync()

	// Load configuration
	manager := config.NewManager(zapLogger)
	defer manager.Close()

	var configPaths []string
	if path := os.Getenv("FIXGATE_CONFIG"); path != "" {
		configPaths = append(configPaths, path)
	}
	if err := manager.LoadConfig(configPaths...); err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := manager.GetConfig()
	logLevel.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	manager.AddReloadCallback(func(oldCfg, newCfg *config.GatewayConfig) error {
		logLevel.SetLevel(logger.ParseLevel(newCfg.Logging.Level))
		zapLogger.Info("configuration reloaded",
			zap.String("effective", newCfg.String()))
		return nil
	})

	// Shared log medium for replication, archival and egress
	medium := transport.NewMedium()

	// Create the cluster node. Config members include this node; the
	// replication layer wants only the peers.
	peers := make([]int16, 0, len(cfg.Cluster.Members))
	for _, member := range cfg.Cluster.Members {
		if member != cfg.Cluster.NodeID {
			peers = append(peers, member)
		}
	}
	var strategy replication.AcknowledgementStrategy = replication.Quorum{}
	if cfg.Cluster.AcknowledgementStrategy == "entire-cluster" {
		strategy = replication.EntireCluster{}
	}
	node, err := replication.NewClusterNode(replication.Configuration{
		NodeID:    cfg.Cluster.NodeID,
		Members:   peers,
		Medium:    medium,
		TimeoutMS: cfg.Cluster.TimeoutMS,
		Strategy:  strategy,
		Log:       logger.Named(zapLogger, "replication"),
	})
	if err != nil {
		zapLogger.Fatal("Failed to create cluster node", zap.Error(err))
	}

	// Open the fragment archive
	store, err := archive.OpenStore(cfg.Archive.Dir)
	if err != nil {
		zapLogger.Fatal("Failed to open archive store", zap.Error(err))
	}
	archiveSub, err := medium.AddSubscription(replication.DefaultDataStreamID)
	if err != nil {
		zapLogger.Fatal("Failed to subscribe archiver", zap.Error(err))
	}
	archiver, err := archive.NewArchiver(archiveSub, store, logger.Named(zapLogger, "archive"))
	if err != nil {
		zapLogger.Fatal("Failed to create archiver", zap.Error(err))
	}

	// Sequence index: redis when configured, in-process otherwise
	var seqIndex seqindex.Index = seqindex.NewMemoryIndex()
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		seqIndex = seqindex.NewRedisIndex(redisClient, logger.Named(zapLogger, "seqindex"))
		zapLogger.Info("sequence index backed by redis", zap.Strings("addrs", cfg.Redis.Addrs))
	}

	// Session event journal: postgres when configured
	var sessionJournal journal.Journal = journal.Nop{}
	var pgJournal *journal.PostgresJournal
	if cfg.Journal.Enabled {
		pgJournal, err = journal.NewPostgresJournal(context.Background(), cfg.Journal.DSN,
			logger.Named(zapLogger, "journal"))
		if err != nil {
			zapLogger.Fatal("Failed to connect session journal", zap.Error(err))
		}
		sessionJournal = pgJournal
	}

	// Kafka bridge over the committed stream
	var egress *messaging.Egress
	var egressRunner *engine.Runner
	if cfg.Kafka.Enabled {
		dataSub, err := medium.AddSubscription(replication.DefaultDataStreamID)
		if err != nil {
			zapLogger.Fatal("Failed to subscribe egress data stream", zap.Error(err))
		}
		controlSub, err := medium.AddSubscription(replication.DefaultControlStreamID)
		if err != nil {
			zapLogger.Fatal("Failed to subscribe egress control stream", zap.Error(err))
		}
		egressLog := logger.Named(zapLogger, "egress")
		clusterSub := replication.NewClusterSubscription(dataSub, controlSub, egressLog)

		writerCfg := messaging.DefaultConfig()
		writerCfg.Brokers = cfg.Kafka.Brokers
		writerCfg.Topic = cfg.Kafka.Topic
		writerCfg.Compression = cfg.Kafka.Compression
		egress = messaging.NewEgress(clusterSub, messaging.NewWriter(writerCfg), egressLog)
		egressRunner = engine.NewRunner("kafka-egress", engine.AgentFunc(func(nowMS int64) int {
			return egress.Poll(context.Background(), 64)
		}), egressLog)
		zapLogger.Info("kafka egress enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	// Monitoring hub for the websocket event feed
	eventHub := hub.NewHub(eventReplaySize, logger.Named(zapLogger, "hub"))

	// Create the engine
	engineCfg := engine.Config{
		BindAddress:           cfg.FIX.BindAddress,
		BeginString:           cfg.FIX.BeginString,
		HeartbeatIntervalSecs: cfg.FIX.HeartbeatIntervalSecs,
		EncoderBufferSize:     cfg.FIX.EncoderBufferSize,
		SendingTimeWindowMS:   cfg.FIX.SendingTimeWindowMS,
		PersistSequences:      cfg.FIX.PersistSequences,
		Credentials:           cfg.FIX.Credentials,
	}
	for _, init := range cfg.FIX.Initiators {
		engineCfg.Initiators = append(engineCfg.Initiators, engine.InitiatorConfig{
			Address:      init.Address,
			SenderCompID: init.SenderCompID,
			SenderSubID:  init.SenderSubID,
			TargetCompID: init.TargetCompID,
			Username:     init.Username,
			Password:     init.Password,
			ResetOnLogon: init.ResetOnLogon,
		})
	}
	fixEngine, err := engine.NewFixEngine(engineCfg, engine.Dependencies{
		Node:     node,
		Archiver: archiver,
		SeqIndex: seqIndex,
		Journal:  sessionJournal,
		Hub:      eventHub,
		Log:      logger.Named(zapLogger, "engine"),
	})
	if err != nil {
		zapLogger.Fatal("Failed to create engine", zap.Error(err))
	}

	// Start the engine
	if err := fixEngine.Start(context.Background()); err != nil {
		zapLogger.Fatal("Failed to start engine", zap.Error(err))
	}
	if egressRunner != nil {
		egressRunner.Start(context.Background())
	}

	// Start admin server in a goroutine
	adminServer := server.NewServer(zapLogger, fixEngine, eventHub, server.Config{
		BindAddress: cfg.Admin.BindAddress,
		JWTSecret:   cfg.Admin.JWTSecret,
	})
	go func() {
		zapLogger.Info("Starting admin server", zap.String("addr", cfg.Admin.BindAddress))
		if err := adminServer.Start(); err != nil {
			zapLogger.Fatal("Admin server failed", zap.Error(err))
		}
	}()

	zapLogger.Info("Gateway started",
		zap.String("fix", cfg.FIX.BindAddress),
		zap.Int16("node", cfg.Cluster.NodeID),
		zap.String("strategy", cfg.Cluster.AcknowledgementStrategy))

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down gateway...")

	// Stop taking admin requests, then drain the engine and its collaborators
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop admin server", zap.Error(err))
	}

	fixEngine.Stop()

	if egressRunner != nil {
		egressRunner.Stop()
		if err := egress.Close(); err != nil {
			zapLogger.Error("Failed to close kafka writer", zap.Error(err))
		}
	}

	eventHub.Shutdown()

	if pgJournal != nil {
		pgJournal.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		zapLogger.Error("Failed to close archive store", zap.Error(err))
	}
	medium.Close()

	zapLogger.Info("Gateway exited properly")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/feature"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/reader/binance"
	"depthflow/storage"
	"depthflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	router := channel.NewRouter()
	writerSub := router.Subscribe("writer", cfg.Channels.WriterBuffer)

	var featureSub *channel.Subscription
	if cfg.Features.Enabled {
		featureSub = router.Subscribe("feature", cfg.Channels.FeatureBuffer)
	}

	var kafkaSub *channel.Subscription
	if cfg.Storage.Kafka.Enabled {
		kafkaSub = router.Subscribe("kafka", cfg.Channels.KafkaBuffer)
	}

	var archiveSub *channel.Subscription
	if cfg.Storage.S3.Enabled {
		archiveSub = router.Subscribe("archive", cfg.Channels.ArchiveBuffer)
	}

	if cfg.Metrics.ChannelSize {
		metrics.StartChannelSizeMetrics(ctx, router, 30*time.Second)
	}

	var store storage.Store
	if cfg.Storage.Timescale.Enabled {
		timescale, err := storage.NewTimescale(ctx, cfg.Storage.Timescale)
		if err != nil {
			log.WithError(err).Error("failed to connect to timescale")
			os.Exit(1)
		}
		defer timescale.Close()
		store = timescale
	} else {
		log.WithComponent("main").Warn("timescale storage disabled; events will not be persisted")
		store = storage.Discard{}
	}

	batchWriter := writer.NewBatchWriter(cfg, writerSub, store)

	var featureCalc *feature.Calculator
	if featureSub != nil {
		featureCalc = feature.NewCalculator(cfg, featureSub, store)
	}

	var kafkaWriter *writer.KafkaWriter
	if kafkaSub != nil {
		kafkaWriter, err = writer.NewKafkaWriter(cfg, kafkaSub)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
	}

	var archiveWriter *writer.ArchiveWriter
	if archiveSub != nil {
		archiveWriter, err = writer.NewArchiveWriter(cfg, archiveSub)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	}

	fetcher := binance.NewSnapshotFetcher(cfg.Source.Binance)
	streamReader := binance.NewStreamReader(cfg, router, fetcher)

	if err := batchWriter.Start(ctx); err != nil {
		log.WithError(err).Error("batch writer failed to start")
		os.Exit(1)
	}
	if featureCalc != nil {
		if err := featureCalc.Start(ctx); err != nil {
			log.WithError(err).Error("feature calculator failed to start")
			os.Exit(1)
		}
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("kafka writer failed to start")
			os.Exit(1)
		}
	}
	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("archive writer failed to start")
			os.Exit(1)
		}
	}
	if err := streamReader.Start(ctx); err != nil {
		log.WithError(err).Error("stream reader failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		streamReader.Stop()
		router.Close()
		if kafkaWriter != nil {
			kafkaWriter.Stop()
		}
		if archiveWriter != nil {
			archiveWriter.Stop()
		}
		if featureCalc != nil {
			featureCalc.Stop()
		}
		batchWriter.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthflow stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptolink/config"
	"cryptolink/internal/channel"
	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/reader"
	"cryptolink/reader/binance"
	"cryptolink/reader/bitglobal"
	"cryptolink/writer"
)

const (
	defaultConfigPath = "config/config.yml"
	defaultShardPath  = "config/ip_shards.yml"
)

type component interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", defaultShardPath, "Path to IP shard configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Cryptolink.Name,
		"version":     cfg.Cryptolink.Version,
		"environment": env,
	}).Info("starting cryptolink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	channels := channel.NewChannels(cfg.Channels.Buffer)
	metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	shards, err := loadShards(*shardPath, env)
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}

	readers, err := buildReaders(cfg, shards, channels)
	if err != nil {
		log.WithError(err).Error("failed to create readers")
		os.Exit(1)
	}

	writers, outs, err := buildWriters(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create writers")
		os.Exit(1)
	}

	// fan-out outlives the signal so queued messages reach the writers
	fanoutCtx, fanoutCancel := context.WithCancel(context.Background())
	defer fanoutCancel()
	waitFanout := func() {}
	if len(outs) > 0 {
		waitFanout = writer.FanoutQueues(fanoutCtx, channels.Queues(), outs...)
	} else {
		log.WithComponent("main").Info("no storage enabled; queues are left to the embedding consumer")
	}

	for _, w := range writers {
		if err := w.Start(ctx); err != nil {
			log.WithError(err).Warn("writer failed to start")
		}
	}
	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).WithField("exchange", r.Exchange()).Warn("reader failed to start")
		}
	}

	log.WithFields(logger.Fields{
		"readers": len(readers),
		"writers": len(writers),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		for _, r := range readers {
			r.Stop()
		}
		channels.Close()
		waitFanout()
		for _, w := range writers {
			w.Stop()
		}
		cancel()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		fanoutCancel()
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptolink stopped")
}

// loadShards reads the IP shard map. It is optional outside production.
func loadShards(path, env string) (*config.IPShards, error) {
	shards, err := config.LoadIPShards(path)
	if err == nil {
		return shards, nil
	}
	if errors.Is(err, os.ErrNotExist) && !config.IsProductionLike(env) {
		logger.GetLogger().WithComponent("main").WithField("path", path).Info("no shard file, using a single shard")
		return nil, nil
	}
	return nil, err
}

func buildReaders(cfg *config.Config, shards *config.IPShards, channels *channel.Channels) ([]reader.Reader, error) {
	var readers []reader.Reader
	if cfg.Source.Bitglobal.Enabled {
		for _, src := range shards.BitglobalShards(cfg.Source.Bitglobal) {
			r, err := bitglobal.NewReader(cfg, src, channels)
			if err != nil {
				return nil, err
			}
			readers = append(readers, r)
		}
	}
	if cfg.Source.Binance.Enabled {
		for _, src := range shards.BinanceShards(cfg.Source.Binance) {
			r, err := binance.NewReader(cfg, src, channels)
			if err != nil {
				return nil, err
			}
			readers = append(readers, r)
		}
	}
	return readers, nil
}

func buildWriters(cfg *config.Config) ([]component, []chan<- models.Message, error) {
	var (
		writers []component
		outs    []chan<- models.Message
	)
	buffer := cfg.Channels.Buffer

	if cfg.Storage.Kafka.Enabled {
		ch := make(chan models.Message, buffer)
		kw, err := writer.NewKafkaWriter(cfg, ch)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, kw)
		outs = append(outs, ch)
	}
	if cfg.Storage.S3.Enabled {
		ch := make(chan models.Message, buffer)
		aw, err := writer.NewArchiveWriter(cfg, ch)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, aw)
		outs = append(outs, ch)
	}
	return writers, outs, nil
}

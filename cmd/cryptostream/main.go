package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptostream/config"
	"cryptostream/internal/channel"
	"cryptostream/internal/dashboard"
	"cryptostream/internal/metrics"
	"cryptostream/internal/watch"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")
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
		"service":     cfg.Cryptostream.Name,
		"version":     cfg.Cryptostream.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting cryptostream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Level == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		if err := logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard); err != nil {
			log.WithError(err).Warn("cloudwatch disabled")
		}
	}
	if cfg.Metrics.Enabled {
		srv, errCh := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		go func() {
			if err, ok := <-errCh; ok && err != nil {
				log.WithComponent("metrics").WithError(err).Error("metrics server stopped")
			}
		}()
	}

	var shards *config.IPShards
	if _, err := os.Stat(*shardPath); err == nil {
		shards, err = config.LoadIPShards(*shardPath)
		if err != nil {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	books := channel.NewBooks("books", cfg.Supervisor.UpdateBuffer)
	metrics.StartChannelSizeMetrics(ctx, 10*time.Second, books)

	var streams []shardStream
	ids := make([]string, 0, len(cfg.Exchanges))
	for id, ex := range cfg.Exchanges {
		if ex.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s, engine, err := buildExchange(cfg, id, shards.SymbolsFor(id, cfg.Exchanges[id].Symbols))
		if err != nil {
			log.WithError(err).Error("failed to configure exchange")
			os.Exit(1)
		}
		dash.AddSource(engine)
		streams = append(streams, s...)
	}
	if len(streams) == 0 {
		log.Error("no enabled exchange has symbols to stream")
		os.Exit(1)
	}

	var archive *writer.Archive
	if cfg.Storage.S3.Enabled {
		client, err := writer.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			os.Exit(1)
		}
		archive = writer.NewArchive(cfg.Storage.S3, cfg.Cryptostream.Version, client)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive")
	}

	var wg sync.WaitGroup
	for _, st := range streams {
		for _, symbol := range st.symbols {
			sup := watch.NewSupervisor(st.pool, st.adapter, symbol, st.cost, cfg.Supervisor, books)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.WithComponent("main").WithError(err).Warn("supervisor exited")
				}
			}()
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"exchange": st.exchange,
			"ip":       st.ip,
			"symbols":  len(st.symbols),
		}).Info("shard started")
	}

	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		consume(ctx, books, archive)
	}()
	if archive != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := archive.Run(ctx); err != nil {
				log.WithComponent("main").WithError(err).Warn("archive flush failed")
			}
		}()
	}

	if dash != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := dash.Run(ctx, cfg.Cryptostream.Name); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()
	for _, st := range streams {
		if err := st.pool.CloseAll(); err != nil {
			log.WithError(err).Warn("failed to close connections")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		books.Close()
		consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	log.Info("cryptostream stopped")
}

// consume logs the top of every book and hands it to the archive.
func consume(ctx context.Context, books *channel.Books, archive *writer.Archive) {
	log := logger.GetLogger().WithComponent("books")
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-books.C:
			if !ok {
				return
			}
			logTop(log, book)
			if archive != nil {
				archive.Observe(book)
			}
		}
	}
}

func logTop(log *logger.Entry, book models.OrderBook) {
	fields := logger.Fields{
		"exchange": book.Exchange,
		"symbol":   book.Symbol,
		"nonce":    book.Nonce,
	}
	if bid, ok := book.BestBid(); ok {
		fields["bid"] = bid.PriceString()
		fields["bid_size"] = bid.SizeString()
	}
	if ask, ok := book.BestAsk(); ok {
		fields["ask"] = ask.PriceString()
		fields["ask_size"] = ask.SizeString()
	}
	if !book.Spread().IsZero() {
		fields["spread"] = book.Spread().String()
	}
	log.WithFields(fields).Debug("top of book")
}

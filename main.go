package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"userstream/config"
	"userstream/internal/channel"
	"userstream/internal/dashboard"
	"userstream/internal/metrics"
	"userstream/internal/reader/binance"
	"userstream/internal/userdata"
	"userstream/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
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
		"service":  cfg.Userstream.Name,
		"version":  cfg.Userstream.Version,
		"accounts": len(cfg.Binance.Accounts),
	}).Info("starting userstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	} else if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var wg sync.WaitGroup

	metrics.Init()
	if addr := cfg.Metrics.PrometheusAddr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, addr); err != nil {
				log.WithError(err).Warn("prometheus endpoint stopped")
			}
		}()
	}

	if cfg.Metrics.CloudWatch.Enabled {
		publisher, err := metrics.NewCloudWatchPublisher(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			log.WithError(err).Error("failed to create CloudWatch publisher")
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
		}()
	}

	feeds := channel.NewFeeds(cfg.Channels.FeedBuffer)
	defer feeds.Close()

	streams := binance.NewStreams()
	dispatcher := userdata.NewDispatcher(userdata.DispatcherConfig{
		Registry: userdata.NewRegistry(log),
		Sink:     feeds,
		Tracker:  streams,
		Log:      log,
	})

	srv, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Registry: dispatcher.Registry(),
		Tracker:  streams,
		Feeds:    feeds,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, cfg.Userstream.Name); err != nil {
				log.WithError(err).Warn("dashboard server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeFeeds(ctx, feeds, log)
	}()

	readers := make([]*binance.UserStreamReader, 0, len(cfg.Binance.Accounts))
	for _, account := range cfg.Binance.Accounts {
		keys := binance.NewRESTListenKeys(cfg, account)
		reader := binance.NewUserStreamReader(cfg, account, keys, dispatcher, streams)
		fills := binance.Registration{
			Category: userdata.CategoryTrade,
			Handler:  userdata.TradeHandler(logFill(log, account.Name)),
		}
		// The fill handler binds the stream before the first frame, so the
		// aggregate feeds see every event from the start.
		if err := reader.Start(ctx, fills); err != nil {
			log.WithError(err).WithField("account", account.Name).Warn("user stream reader failed to start")
			continue
		}
		readers = append(readers, reader)
	}

	log.WithField("readers", len(readers)).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping user stream readers")
	for _, r := range readers {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("userstream stopped")
}

func logFill(log *logger.Log, account string) func(context.Context, *userdata.TradeUpdate) error {
	return func(ctx context.Context, ev *userdata.TradeUpdate) error {
		log.WithComponent("main").WithFields(logger.Fields{
			"account":    account,
			"symbol":     ev.Order.Symbol,
			"order_id":   ev.Order.ID,
			"trade_id":   ev.TradeID,
			"side":       string(ev.Order.Side),
			"fill_price": ev.FillPrice.String(),
			"fill_qty":   ev.FillQuantity.String(),
		}).Info("order filled")
		return nil
	}
}

// consumeFeeds drains the aggregate feeds until ctx is done.
func consumeFeeds(ctx context.Context, feeds *channel.Feeds, log *logger.Log) {
	entry := log.WithComponent("feed_consumer")
	for {
		select {
		case <-ctx.Done():
			stats := feeds.GetStats()
			entry.WithFields(logger.Fields{
				"account_sent":    stats.AccountSent,
				"account_dropped": stats.AccountDropped,
				"order_sent":      stats.OrderSent,
				"order_dropped":   stats.OrderDropped,
				"trade_sent":      stats.TradeSent,
				"trade_dropped":   stats.TradeDropped,
			}).Info("feed consumer stopped")
			return
		case ev := <-feeds.Account:
			entry.WithFields(logger.Fields{
				"balances":  len(ev.Balances),
				"can_trade": ev.CanTrade,
			}).Debug("account update")
		case ev := <-feeds.Order:
			entry.WithFields(logger.Fields{
				"owner":     string(ev.Order.Owner),
				"symbol":    ev.Order.Symbol,
				"order_id":  ev.Order.ID,
				"execution": ev.ExecutionType.String(),
				"status":    string(ev.Order.Status),
			}).Debug("order update")
		case ev := <-feeds.Trade:
			entry.WithFields(logger.Fields{
				"owner":    string(ev.Order.Owner),
				"symbol":   ev.Order.Symbol,
				"trade_id": ev.TradeID,
			}).Debug("trade update")
		}
	}
}

package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"userstream/config"
	"userstream/internal/channel"
	"userstream/internal/metrics"
	"userstream/internal/userdata"
	"userstream/logger"
)

// Sources are the live components the status API reports on. Any of them
// may be nil.
type Sources struct {
	Registry *userdata.Registry
	Tracker  interface{ Accounts() []string }
	Feeds    *channel.Feeds
}

// Server hosts the Gin-powered status API.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	sources         Sources
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer constructs a status server when the dashboard feature is
// enabled. When it is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, log),
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("addr", s.cfg.Address).Info("serving status api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	s.resourceSampler.stop()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "app": appName})
	})

	router.GET("/api/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"streams": s.streamStatus(), "tracked_accounts": s.trackedAccounts()})
	})

	router.GET("/api/feeds", func(c *gin.Context) {
		if s.sources.Feeds == nil {
			c.JSON(http.StatusOK, gin.H{"feeds": nil})
			return
		}
		stats := s.sources.Feeds.GetStats()
		c.JSON(http.StatusOK, gin.H{"feeds": gin.H{
			"account": gin.H{"sent": stats.AccountSent, "dropped": stats.AccountDropped, "buffered": len(s.sources.Feeds.Account)},
			"order":   gin.H{"sent": stats.OrderSent, "dropped": stats.OrderDropped, "buffered": len(s.sources.Feeds.Order)},
			"trade":   gin.H{"sent": stats.TradeSent, "dropped": stats.TradeDropped, "buffered": len(s.sources.Feeds.Trade)},
		}})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

// streamStatus lists bound identities with their registration counts.
// Listen keys are never exposed.
func (s *Server) streamStatus() []gin.H {
	if s.sources.Registry == nil {
		return []gin.H{}
	}
	streams := s.sources.Registry.Streams()
	out := make([]gin.H, 0, len(streams))
	for _, streamID := range streams {
		identity, ok := s.sources.Registry.Identity(streamID)
		if !ok {
			continue
		}
		out = append(out, gin.H{
			"identity":      string(identity),
			"registrations": s.sources.Registry.Count(streamID),
		})
	}
	return out
}

func (s *Server) trackedAccounts() []string {
	if s.sources.Tracker == nil {
		return []string{}
	}
	return s.sources.Tracker.Accounts()
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

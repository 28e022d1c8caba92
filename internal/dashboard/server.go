// Package dashboard serves the HTTP status API: book sync state, recent
// metrics and logs, and host resource samples.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"cryptostream/config"
	"cryptostream/internal/metrics"
	"cryptostream/internal/orderbook"
	"cryptostream/internal/symbols"
	"cryptostream/logger"
	"cryptostream/models"
)

// BookSource exposes the books of one exchange. *orderbook.Engine
// satisfies it.
type BookSource interface {
	Exchange() string
	Symbols() []string
	Status(symbol string) orderbook.Status
	Book(symbol string) (models.OrderBook, bool)
}

// Server hosts the Gin status API.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler

	mu      sync.RWMutex
	sources map[string]BookSource
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
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
		cfg:               cfg,
		log:               log,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		sources:           make(map[string]BookSource),
	}, nil
}

// AddSource registers the books of one exchange.
func (s *Server) AddSource(src BookSource) {
	if s == nil || src == nil {
		return
	}
	s.mu.Lock()
	s.sources[src.Exchange()] = src
	s.mu.Unlock()
}

// Run serves until ctx is cancelled or the HTTP server fails.
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
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

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

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) source(exchange string) (BookSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[exchange]
	return src, ok
}

func (s *Server) sortedSources() []BookSource {
	s.mu.RLock()
	out := make([]BookSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange() < out[j].Exchange() })
	return out
}

func bookSummary(src BookSource, symbol string) gin.H {
	status := src.Status(symbol)
	h := gin.H{
		"exchange":  src.Exchange(),
		"symbol":    symbol,
		"canonical": symbols.Canonical(src.Exchange(), symbol),
		"status":    status.String(),
	}
	book, ok := src.Book(symbol)
	if !ok {
		return h
	}
	h["nonce"] = book.Nonce
	h["timestamp"] = book.Timestamp.Format(time.RFC3339Nano)
	h["bid_levels"] = len(book.Bids)
	h["ask_levels"] = len(book.Asks)
	if bid, ok := book.BestBid(); ok {
		h["best_bid"] = bid.PriceString()
	}
	if ask, ok := book.BestAsk(); ok {
		h["best_ask"] = ask.PriceString()
	}
	h["spread"] = book.Spread().String()
	return h
}

func levelsPayload(levels []models.Level) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.PriceString(), l.SizeString()}
	}
	return out
}

func metricsPayload(items []metrics.Metric) []gin.H {
	payload := make([]gin.H, 0, len(items))
	for _, m := range items {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	return payload
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"app": appName, "status": "ok", "refresh_interval_ms": s.refreshIntervalMs})
	})

	router.GET("/api/books", func(c *gin.Context) {
		payload := make([]gin.H, 0)
		for _, src := range s.sortedSources() {
			for _, symbol := range src.Symbols() {
				payload = append(payload, bookSummary(src, symbol))
			}
		}
		c.JSON(http.StatusOK, gin.H{"books": payload})
	})

	router.GET("/api/books/:exchange/:symbol", func(c *gin.Context) {
		src, ok := s.source(c.Param("exchange"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown exchange"})
			return
		}
		symbol := c.Param("symbol")
		book, ok := src.Book(symbol)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "book not synced", "status": src.Status(symbol).String()})
			return
		}
		depth, err := strconv.Atoi(c.DefaultQuery("depth", "20"))
		if err != nil || depth < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid depth"})
			return
		}
		top := book.Top(depth)
		c.JSON(http.StatusOK, gin.H{
			"exchange":  top.Exchange,
			"symbol":    top.Symbol,
			"nonce":     top.Nonce,
			"timestamp": top.Timestamp.Format(time.RFC3339Nano),
			"bids":      levelsPayload(top.Bids),
			"asks":      levelsPayload(top.Asks),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": metricsPayload(s.metricStore.all())})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.all()})
	})

	router.GET("/api/books/:exchange/:symbol/events", func(c *gin.Context) {
		key := streamKey{Exchange: c.Param("exchange"), Symbol: c.Param("symbol")}
		if _, ok := s.source(key.Exchange); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown exchange"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"exchange": key.Exchange,
			"symbol":   key.Symbol,
			"metrics":  metricsPayload(s.metricStore.stream(key)),
			"logs":     s.logStore.stream(key),
		})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.all()})
	})

	return router, nil
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

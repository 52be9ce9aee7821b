package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/InsulaLabs/drive/config"
	"github.com/InsulaLabs/drive/db/models"
	"github.com/InsulaLabs/drive/db/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	RequestIDHeader = "X-Request-Id"

	categoryReads   = "reads"
	categoryWrites  = "writes"
	categoryEvents  = "events"
	categoryDefault = "default"
)

// Core serves the registry operations over HTTP and fans out change events
// to websocket subscribers.
type Core struct {
	appCtx   context.Context
	cfg      *config.Node
	logger   *slog.Logger
	registry *registry.Registry
	mux      *http.ServeMux

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	// WebSocket event handling
	eventSubscribers     map[*eventSession]bool
	eventSubscribersLock sync.RWMutex
	wsUpgrader           websocket.Upgrader
	eventCh              chan models.Event // Central event channel for the service
	activeWsConnections  int32             // Counter for active WebSocket connections
	wsConnectionLock     sync.Mutex        // To protect the activeWsConnections counter
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Node,
	reg *registry.Registry,
) (*Core, error) {

	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	for category, rlConfig := range map[string]config.RateLimiterConfig{
		categoryReads:   cfg.RateLimiters.Reads,
		categoryWrites:  cfg.RateLimiters.Writes,
		categoryEvents:  cfg.RateLimiters.Events,
		categoryDefault: cfg.RateLimiters.Default,
	} {
		if rlConfig.Limit > 0 {
			rateLimiters[category] = makeCategoryRateLimiter()
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
		}
	}

	service := &Core{
		appCtx:           ctx,
		cfg:              cfg,
		logger:           logger,
		registry:         reg,
		mux:              http.NewServeMux(),
		rateLimiters:     rateLimiters,
		eventSubscribers: make(map[*eventSession]bool),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		eventCh:   make(chan models.Event, cfg.Sessions.EventChannelSize),
		startedAt: time.Now(),
	}

	service.routes()

	go service.eventProcessingLoop()

	return service, nil
}

// Handler exposes the routed mux, mainly so tests can mount it on httptest.
func (c *Core) Handler() http.Handler {
	return c.mux
}

func (c *Core) route(path string, category string, h http.HandlerFunc) {
	c.mux.Handle(path, c.requestIDMiddleware(c.rateLimitMiddleware(h, category)))
}

func (c *Core) routes() {
	// Reads
	c.route("/api/v1/get_file", categoryReads, c.getFileHandler)
	c.route("/api/v1/get_all_files", categoryReads, c.getAllFilesHandler)
	c.route("/api/v1/get_all_files_by_folder_id", categoryReads, c.getAllFilesByFolderIDHandler)
	c.route("/api/v1/get_all_files_by_folder_name", categoryReads, c.getAllFilesByFolderNameHandler)
	c.route("/api/v1/get_folder", categoryReads, c.getFolderHandler)
	c.route("/api/v1/get_folder_by_name", categoryReads, c.getFolderByNameHandler)
	c.route("/api/v1/get_all_folders", categoryReads, c.getAllFoldersHandler)

	// Writes
	c.route("/api/v1/create_file", categoryWrites, c.createFileHandler)
	c.route("/api/v1/update_file", categoryWrites, c.updateFileHandler)
	c.route("/api/v1/update_file_name", categoryWrites, c.updateFileNameHandler)
	c.route("/api/v1/delete_file", categoryWrites, c.deleteFileHandler)
	c.route("/api/v1/create_folder", categoryWrites, c.createFolderHandler)
	c.route("/api/v1/update_folder", categoryWrites, c.updateFolderHandler)

	// Change feed
	c.route("/api/v1/events/subscribe", categoryEvents, c.eventSubscribeHandler)

	// System
	c.route("/api/v1/status", categoryDefault, c.statusHandler)
	c.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	return remoteIP
}

func (c *Core) rateLimiterConfig(category string) config.RateLimiterConfig {
	switch category {
	case categoryReads:
		return c.cfg.RateLimiters.Reads
	case categoryWrites:
		return c.cfg.RateLimiters.Writes
	case categoryEvents:
		return c.cfg.RateLimiters.Events
	default:
		return c.cfg.RateLimiters.Default
	}
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		limiterCategory, ok = c.rateLimiters[categoryDefault]
		if !ok {
			return nil
		}
		category = categoryDefault
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.rateLimiterConfig(category)
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		// If there's a delay, the request is rate-limited.
		if delay := res.Delay(); delay > 0 {
			// We're not proceeding, so cancel the reservation to return the token.
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Core) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		c.logger.Debug("request", "request_id", requestID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Run serves until the app context is cancelled.
func (c *Core) Run() {
	httpListenAddr := c.cfg.HttpBinding
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", (c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""))

	srv := &http.Server{
		Addr:              httpListenAddr,
		Handler:           c.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	c.startedAt = time.Now()

	var err error
	if c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != "" {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key)
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		err = srv.ListenAndServe()
	}

	// ListenAndServe returns as soon as Shutdown starts; in-flight handlers
	// may still be using the store until Shutdown itself returns.
	if err == http.ErrServerClosed {
		<-shutdownDone
	} else {
		c.logger.Error("HTTP server error", "error", err, "tls_enabled", srv.TLSConfig != nil)
	}

	c.Stop()
}

// Stop releases the rate limiter caches and closes every subscriber.
func (c *Core) Stop() {
	stopWg := sync.WaitGroup{}

	stopWg.Add(1)
	go func() {
		defer stopWg.Done()
		c.eventSubscribersLock.RLock()
		defer c.eventSubscribersLock.RUnlock()
		for session := range c.eventSubscribers {
			if session.conn != nil {
				if err := session.conn.Close(); err != nil {
					c.logger.Error("Error closing WebSocket connection", "error", err)
				}
			}
		}
	}()

	stopWg.Add(1)
	go func() {
		defer stopWg.Done()
		for _, limiter := range c.rateLimiters {
			limiter.Stop()
		}
	}()

	c.logger.Info("Waiting for server to stop - this may take a moment")
	stopWg.Wait()

	c.logger.Info("Server stopped")
}

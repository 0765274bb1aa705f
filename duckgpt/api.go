package duckgpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPrefix          = "/api"
	apiPathHealthCheck = apiPrefix + "/health"
	apiPathStats       = apiPrefix + "/stats"
	apiPathModels      = apiPrefix + "/models"
	apiPathSystem      = apiPrefix + "/system"

	pprofPrefix = "/debug/pprof"

	xRequestIDHeader = "X-Request-ID"

	apiShutdownTimeout = 5 * time.Second
)

// API is a small, read-only HTTP status server, reporting gateway state,
// invocation counters, the model registry and (rate limited) image
// backend device stats.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Bot

	// limits how often /api/system reaches ComfyUI
	systemStatsLimiter *rate.Limiter

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

func newAPI(bot *Bot, config *APIConfig) *API {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		bot:    bot,
		logger: newLogger(config.LogLevel, "api"),
		systemStatsLimiter: rate.NewLimiter(
			rate.Limit(config.SystemStatsPerSecond),
			1,
		),
		requestMetrics: map[string]int{},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if corsConfig, ok := apiCORSConfig(config.CORSAllowOrigins); ok {
		r.Use(cors.New(corsConfig))
	}

	if config.Pprof {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiPathHealthCheck, api.healthCheck)
	r.GET(apiPathStats, api.stats)
	r.GET(apiPathModels, api.models)
	r.GET(apiPathSystem, api.systemStats)

	return api
}

// apiCORSConfig returns the CORS config for the given origins, and false
// if no origins are allowed
func apiCORSConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Accept", "Content-Type"},
		ExposeHeaders: []string{xRequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg, true
		}
	}
	cfg.AllowOrigins = origins
	return cfg, true
}

// Serve listens on the configured address until ctx is canceled, then
// shuts the server down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			apiShutdownTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
		}
	}()

	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
	Version                 string `json:"version"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.bot.discord.Connected(),
			Uptime:                  a.bot.Uptime().Round(time.Second).String(),
			Version:                 Version,
		},
	)
}

type statsResponse struct {
	Commands          map[string]CommandStats `json:"commands"`
	CooldownEntries   int                     `json:"cooldown_entries"`
	DiscordConnects   int64                   `json:"discord_connects"`
	DiscordDisconnect int64                   `json:"discord_disconnects"`
	Requests          map[string]int          `json:"requests"`
}

func (a *API) stats(c *gin.Context) {
	a.requestMetricsMu.Lock()
	requests := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		requests[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, statsResponse{
			Commands:          a.bot.dispatcher.Stats(),
			CooldownEntries:   a.bot.cooldowns.Len(),
			DiscordConnects:   a.bot.discord.metricConnects.Load(),
			DiscordDisconnect: a.bot.discord.metricDisconnects.Load(),
			Requests:          requests,
		},
	)
}

type modelResponse struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

func (a *API) models(c *gin.Context) {
	models := Models()
	rv := make([]modelResponse, 0, len(models))
	for _, m := range models {
		rv = append(rv, modelResponse{Name: m.String(), Identifier: m.Identifier()})
	}
	c.JSON(http.StatusOK, rv)
}

func (a *API) systemStats(c *gin.Context) {
	if !a.systemStatsLimiter.Allow() {
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "rate limited, try again later"},
		)
		return
	}
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)

	stats, err := a.bot.comfyUI.SystemStats(ctx)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type httpError struct {
	Error string `json:"error"`
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or slog.Default() if there isn't one
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware adds a request logger to the gin context, and logs
// each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

//nolint:gochecknoinits // gin's debug route logging
func init() {
	gin.SetMode(gin.ReleaseMode)
}

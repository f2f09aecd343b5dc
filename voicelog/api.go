package voicelog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck    = "/healthz"
	apiPathEvents     = "/api/events"
	apiPathEventDates = "/api/events/dates"

	xRequestIDHeader = "X-Request-ID"

	// apiMaxEventLimit caps the `limit` query parameter on /api/events
	apiMaxEventLimit = 100
)

type httpError struct {
	Error string `json:"error"`
}

// API is a read-only HTTP server exposing recorded voice events and a
// health check, for operators and dashboards. It never mutates state.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	bot *VoiceLogger
}

func newAPI(v *VoiceLogger, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, nil
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		bot:            v,
	}
	api.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

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
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathEvents, api.getEvents)
	r.GET(apiPathEventDates, api.getEventDates)

	return api, nil
}

// Serve listens on the configured address and blocks until the server
// stops. Canceling ctx triggers a graceful shutdown.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %q: %w", a.config.Listen, err)
		}
		a.listener = ln
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.config.WriteTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
		}
	}()

	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	connected := false
	var connects, disconnects int64
	if a.bot.discord != nil {
		connected = a.bot.discord.connected.Load()
		connects = a.bot.discord.metricConnects.Load()
		disconnects = a.bot.discord.metricDisconnects.Load()
	}
	c.JSON(
		http.StatusOK, gin.H{
			"status":          "ok",
			"started_at":      a.bot.startedAt,
			"gateway_online":  connected,
			"connects":        connects,
			"disconnects":     disconnects,
			"active_sessions": a.bot.tracker.Len(),
			"open_browsers":   a.bot.browsers.Len(),
		},
	)
}

// getEvents returns recorded events, newest first. Optional query
// params: user_id, date (MM/DD/YYYY) and limit (default 25, max 100).
func (a *API) getEvents(c *gin.Context) {
	logger := ginContextLogger(c)

	limit := logPageSize
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "limit must be a positive integer"},
			)
			return
		}
		limit = min(parsed, apiMaxEventLimit)
	}

	var searchDate time.Time
	if rawDate := c.Query("date"); rawDate != "" {
		parsed, err := time.Parse(dateLayoutUS, rawDate)
		if err != nil {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "date must be in MM/DD/YYYY format"},
			)
			return
		}
		searchDate = parsed
	}

	events, err := a.bot.db.RecentEvents(
		c.Request.Context(),
		c.Query("user_id"),
		searchDate,
		limit,
	)
	if err != nil {
		logger.Error("error querying voice events", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error querying voice events"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// getEventDates returns the distinct dates (MM/DD/YYYY, newest first)
// with recorded events for the required user_id query param.
func (a *API) getEventDates(c *gin.Context) {
	logger := ginContextLogger(c)

	userID := c.Query("user_id")
	if userID == "" {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "user_id is required"},
		)
		return
	}

	dates, err := a.bot.db.EventDates(c.Request.Context(), userID)
	if err != nil {
		logger.Error("error querying event dates", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error querying event dates"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "dates": dates})
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

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets it in the context for subsequent calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, castOK := logger.(*slog.Logger); castOK {
			return requestLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration, status code
// and body size.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[fmt.Sprintf(
			"%s %s",
			c.Request.Method,
			c.Request.URL.Path,
		)]++
	}
}

package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
	"github.com/gabihodoroga/log-pipeline/service"
)

const (
	requestIDHeader = "X-Request-Id"
	defaultLogLimit = 100
	maxLogLimit     = 1000
	pingTimeout     = 5 * time.Second
)

type ingester interface {
	Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestAck, error)
}

type statsSource interface {
	Stats(ctx context.Context) (service.SupervisorStats, error)
}

// handlers serves the http api. Routes are only registered for the collaborators that are set.
type handlers struct {
	ingest    ingester
	publisher model.EventPublisher
	sink      model.EventSink
	finder    model.LogFinder
	stats     statsSource
	sinkInfo  map[string]any
}

func newRouter(h *handlers, loggerLevel zap.AtomicLevel) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("gin-router"))
	r.Use(requestID())

	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// GET reports the level, PUT {"level":"debug"} changes it
	r.Any("/log/level", gin.WrapH(loggerLevel))

	if h.ingest != nil {
		r.POST("/ingest", h.ingestLog)
	}
	if h.sink != nil {
		r.GET("/db-status", h.dbStatus)
		r.GET("/logs", h.findLogs)
	}
	if h.stats != nil {
		r.GET("/stats", h.getStats)
	}
	return r
}

// requestID attaches a request id to the request context, reusing the caller's one when present
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uniuri.NewLen(10)
		}
		ctx := context.WithValue(c.Request.Context(), model.RequestIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func errorResponse(message string) gin.H {
	return gin.H{"status": "error", "message": message}
}

func (h *handlers) ingestLog(c *gin.Context) {
	ctx := c.Request.Context()
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.RequestIDKey)))

	var req model.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, errorResponse("request body must be a valid JSON object"))
			return
		}
		// the body decoded, report the same reason the service would
		if verr := req.Validate(); verr != nil {
			c.JSON(http.StatusBadRequest, errorResponse(verr.Error()))
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse(validationErrs.Error()))
		return
	}

	ack, err := h.ingest.Ingest(ctx, &req)
	if err != nil {
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, errorResponse(validationErr.Error()))
			return
		}
		logger.Error("failed to enqueue log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("failed to enqueue log"))
		return
	}
	c.JSON(http.StatusCreated, ack)
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	status := http.StatusOK
	resp := gin.H{"status": "ok"}
	if h.sink != nil {
		if err := h.sink.Ping(ctx); err != nil {
			zap.L().Warn("health: sink probe failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			resp["database"] = "disconnected"
			resp["message"] = err.Error()
		} else {
			resp["database"] = "connected"
		}
	}
	if h.publisher != nil {
		if err := h.publisher.Ping(ctx); err != nil {
			zap.L().Warn("health: transport ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			resp["transport"] = "disconnected"
			resp["message"] = err.Error()
		} else {
			resp["transport"] = "connected"
		}
	}
	if status != http.StatusOK {
		resp["status"] = "error"
	}
	c.JSON(status, resp)
}

func (h *handlers) dbStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	database := gin.H{"connected": h.sink.Ping(ctx) == nil}
	for k, v := range h.sinkInfo {
		database[k] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"database":  database,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *handlers) getStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) findLogs(c *gin.Context) {
	if h.finder == nil {
		c.JSON(http.StatusNotImplemented, errorResponse("the configured sink cannot be queried"))
		return
	}

	filter := model.LogFilter{
		AppName: c.Query("appName"),
		Limit:   defaultLogLimit,
	}
	if level := c.Query("level"); level != "" {
		filter.Level = model.LogLevel(strings.ToUpper(level))
		if !filter.Level.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse("level must be one of the following values: INFO, WARN, ERROR"))
			return
		}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, errorResponse("limit must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxLogLimit)
	}

	logs, err := h.finder.FindLogs(c.Request.Context(), filter)
	if err != nil {
		zap.L().Error("failed to query logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("failed to query logs"))
		return
	}
	if logs == nil {
		logs = []*model.StoredLog{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(logs), "logs": logs})
}

package feedapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/dispatch"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type feedBody struct {
	PortionSize *float64 `json:"portionSize"`
}

type linkBody struct {
	Name           string  `json:"name"`
	PetType        string  `json:"petType"`
	DefaultPortion float64 `json:"defaultPortion"`
}

type routineBody struct {
	Days        []string `json:"days"`
	Time        string   `json:"time"`
	PortionSize float64  `json:"portionSize"`
	Weeks       int      `json:"weeks"`
}

// httpStatus maps the caller-facing error taxonomy onto HTTP.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	st := status.Convert(err)
	c.AbortWithStatusJSON(httpStatus(st.Code()), gin.H{"error": st.Message()})
}

// bindOptional decodes a JSON body when there is one; an empty body is fine.
func bindOptional(c *gin.Context, out any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	err := c.ShouldBindJSON(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// accessLog writes one line per request through the shared zap logger.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// NewRouter builds the public API plus /healthz, /readyz and /metrics.
// ready is the readiness probe; nil means always ready.
func NewRouter(h *Handler, m *metrics.Metrics, ready func(context.Context) error) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := r.Group("/api/feeders/:feederId")
	api.POST("/feed", h.handleFeed)
	api.PUT("", h.handleLink)
	api.PUT("/weekly-schedule", h.handleWeekly)
	api.POST("/routines", h.handleRoutine)
	api.GET("/next-feeding", h.handleNext)
	return r
}

func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderUserID))
}

func (h *Handler) handleFeed(c *gin.Context) {
	var body feedBody
	if err := bindOptional(c, &body); err != nil {
		writeError(c, status.Error(codes.InvalidArgument, "invalid JSON body"))
		return
	}
	res, err := h.ManualFeed(c.Request.Context(), ManualFeedRequest{
		FeederID:       c.Param("feederId"),
		UserID:         userID(c),
		PortionSize:    body.PortionSize,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleLink(c *gin.Context) {
	var body linkBody
	if err := bindOptional(c, &body); err != nil {
		writeError(c, status.Error(codes.InvalidArgument, "invalid JSON body"))
		return
	}
	f, err := h.LinkFeeder(c.Request.Context(), userID(c), entities.Feeder{
		ID:             c.Param("feederId"),
		Name:           body.Name,
		PetType:        body.PetType,
		DefaultPortion: body.DefaultPortion,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) handleWeekly(c *gin.Context) {
	var body entities.WeeklySchedule
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, status.Error(codes.InvalidArgument, "body must map day names to lists of HH:MM times"))
		return
	}
	w, err := h.SetWeeklySchedule(c.Request.Context(), userID(c), c.Param("feederId"), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"weekly_schedule": w})
}

func (h *Handler) handleRoutine(c *gin.Context) {
	var body routineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, status.Error(codes.InvalidArgument, "invalid JSON body"))
		return
	}
	days := make([]time.Weekday, 0, len(body.Days))
	for _, d := range body.Days {
		wd, err := entities.ParseDay(d)
		if err != nil {
			writeError(c, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		days = append(days, wd)
	}
	rows, err := h.CreateRoutine(c.Request.Context(), userID(c), dispatch.Routine{
		FeederID:    c.Param("feederId"),
		Days:        days,
		Time:        body.Time,
		PortionSize: body.PortionSize,
		Weeks:       body.Weeks,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": len(rows), "schedules": rows})
}

func (h *Handler) handleNext(c *gin.Context) {
	next, err := h.NextFeeding(c.Request.Context(), userID(c), c.Param("feederId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

package feedapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/dispatch"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/dedup"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// ManualFeedRequest is one on-demand dispense. PortionSize nil means the
// feeder's default portion.
type ManualFeedRequest struct {
	FeederID       string
	UserID         string
	PortionSize    *float64
	IdempotencyKey string
}

type ManualFeedResult struct {
	Message string `json:"message"`
}

type Options struct {
	TopicPrefix    string
	DefaultPortion float64
	MaxPortion     float64
}

// Handler serves manual feeds and the owner-gated feeder operations. Errors
// carry a gRPC status code; the HTTP edge maps them to HTTP statuses.
type Handler struct {
	store     store.Store
	transport broker.Transport
	history   telemetry.Recorder
	metrics   *metrics.Metrics
	dedup     dedup.IDeduper
	limiter   *Limiter
	opts      Options
	now       func() time.Time
}

func NewHandler(s store.Store, t broker.Transport, h telemetry.Recorder, m *metrics.Metrics, opts Options) *Handler {
	if h == nil {
		h = telemetry.NopRecorder{}
	}
	return &Handler{
		store:     s,
		transport: t,
		history:   h,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// WithDeduper enables Idempotency-Key handling.
func (h *Handler) WithDeduper(d dedup.IDeduper) *Handler {
	h.dedup = d
	return h
}

// WithLimiter enables per-caller rate limiting of manual feeds.
func (h *Handler) WithLimiter(l *Limiter) *Handler {
	h.limiter = l
	return h
}

// authorize returns the feeder when userID owns it. Unknown feeders get
// PermissionDenied too, so callers cannot probe which ids exist.
func (h *Handler) authorize(ctx context.Context, userID, feederID string) (*entities.Feeder, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	if strings.TrimSpace(feederID) == "" {
		return nil, status.Error(codes.InvalidArgument, "feeder id is required")
	}
	f, err := h.store.GetFeeder(ctx, feederID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, status.Error(codes.PermissionDenied, "you do not own this feeder")
	case err != nil:
		logger.Error("loading feeder", zap.String("feeder_id", feederID), zap.Error(err))
		return nil, status.Error(codes.Internal, "could not load feeder")
	}
	if !f.OwnedBy(userID) {
		return nil, status.Error(codes.PermissionDenied, "you do not own this feeder")
	}
	return f, nil
}

// ManualFeed publishes one dispense command for the caller's feeder and
// records the attempt. Nothing is published or written unless the caller owns
// the feeder.
func (h *Handler) ManualFeed(ctx context.Context, req ManualFeedRequest) (res ManualFeedResult, err error) {
	defer func() {
		if h.metrics != nil {
			h.metrics.ManualFeeds.WithLabelValues(status.Code(err).String()).Inc()
		}
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return res, status.Error(codes.Unauthenticated, "authentication required")
	}
	if req.PortionSize != nil && (*req.PortionSize <= 0 || *req.PortionSize > h.opts.MaxPortion) {
		return res, status.Errorf(codes.InvalidArgument, "portion must be greater than 0 and at most %g grams", h.opts.MaxPortion)
	}

	f, err := h.authorize(ctx, req.UserID, req.FeederID)
	if err != nil {
		logger.Warn("manual feed rejected",
			zap.String("feeder_id", req.FeederID), zap.String("user_id", req.UserID), zap.Error(err))
		return res, err
	}
	// only owners spend tokens, so a denied caller keeps getting PermissionDenied
	if h.limiter != nil && !h.limiter.Allow(req.UserID) {
		return res, status.Error(codes.ResourceExhausted, "too many feed requests, slow down")
	}

	key := ""
	if h.dedup != nil && req.IdempotencyKey != "" {
		key = req.UserID + ":" + f.ID + ":" + req.IdempotencyKey
		first, derr := h.dedup.ShouldProcess(ctx, key)
		if derr != nil {
			logger.Error("idempotency check", zap.String("feeder_id", f.ID), zap.Error(derr))
			return res, status.Error(codes.Unavailable, "could not check idempotency key")
		}
		if !first {
			return res, status.Error(codes.AlreadyExists, "request with this idempotency key was already processed")
		}
	}

	portion := h.opts.DefaultPortion
	switch {
	case req.PortionSize != nil:
		portion = *req.PortionSize
	case f.DefaultPortion > 0:
		portion = f.DefaultPortion
	}

	pubErr := dispatch.SendOnce(ctx, h.transport, h.opts.TopicPrefix, f.ID, portion, h.metrics)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	at := h.now().UTC()
	fields := []zap.Field{zap.String("feeder_id", f.ID), zap.String("user_id", req.UserID), zap.Float64("portion", portion)}

	defer h.history.RecordDispatch(bctx, telemetry.DispatchEvent{
		FeederID:    f.ID,
		Source:      string(entities.SourceManual),
		Kind:        "manual",
		PortionSize: portion,
		Success:     pubErr == nil,
		At:          at,
	})

	if pubErr != nil {
		logger.Error("manual feed publish failed", append(fields, zap.Error(pubErr))...)
		if key != "" {
			if ferr := h.dedup.Forget(bctx, key); ferr != nil {
				logger.Warn("releasing idempotency key", append(fields, zap.Error(ferr))...)
			}
		}
		h.notify(bctx, f.ID, entities.NotificationFailed, fmt.Sprintf("Manual feeding of %gg failed: %v", portion, pubErr))
		return res, status.Error(codes.Internal, "failed to send feed command")
	}

	if err := h.store.AppendLog(bctx, &entities.FeedingLog{
		FeederID:    f.ID,
		PortionSize: portion,
		Source:      entities.SourceManual,
		CreatedAt:   at,
	}); err != nil {
		logger.Error("appending feeding log", append(fields, zap.Error(err))...)
	}
	h.notify(bctx, f.ID, entities.NotificationSuccess, fmt.Sprintf("Manual feeding of %gg dispensed.", portion))
	logger.Info("manual feed dispatched", fields...)

	return ManualFeedResult{Message: fmt.Sprintf("Feed command sent to %s (%gg).", f.ID, portion)}, nil
}

func (h *Handler) notify(ctx context.Context, feederID string, st entities.NotificationStatus, msg string) {
	err := h.store.AppendNotification(ctx, &entities.Notification{
		FeederID:  feederID,
		Status:    st,
		Source:    entities.SourceManual,
		Message:   msg,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		logger.Error("appending notification", zap.String("feeder_id", feederID), zap.Error(err))
	}
}

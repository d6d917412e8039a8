package feedapi

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/dispatch"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// LinkFeeder registers userID as the owner of f.ID and stores its profile.
// A feeder already linked to someone else is PermissionDenied.
func (h *Handler) LinkFeeder(ctx context.Context, userID string, f entities.Feeder) (*entities.Feeder, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	if strings.TrimSpace(f.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "feeder id is required")
	}
	if f.DefaultPortion < 0 || f.DefaultPortion > h.opts.MaxPortion {
		return nil, status.Errorf(codes.InvalidArgument, "default portion must be between 0 and %g grams", h.opts.MaxPortion)
	}

	f.OwnerID = userID
	err := h.store.LinkFeeder(ctx, &f)
	switch {
	case errors.Is(err, store.ErrNotOwner):
		return nil, status.Error(codes.PermissionDenied, "feeder is linked to another account")
	case err != nil:
		logger.Error("linking feeder", zap.String("feeder_id", f.ID), zap.Error(err))
		return nil, status.Error(codes.Internal, "could not link feeder")
	}
	out, err := h.store.GetFeeder(ctx, f.ID)
	if err != nil {
		return nil, status.Error(codes.Internal, "could not load feeder")
	}
	logger.Info("feeder linked", zap.String("feeder_id", f.ID), zap.String("user_id", userID))
	return out, nil
}

// SetWeeklySchedule replaces the recurring table and returns it normalised.
func (h *Handler) SetWeeklySchedule(ctx context.Context, userID, feederID string, w entities.WeeklySchedule) (entities.WeeklySchedule, error) {
	if _, err := h.authorize(ctx, userID, feederID); err != nil {
		return nil, err
	}
	if _, err := w.Normalize(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	norm, err := h.store.SetWeeklySchedule(ctx, feederID, w)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, status.Error(codes.PermissionDenied, "you do not own this feeder")
	case err != nil:
		logger.Error("storing weekly schedule", zap.String("feeder_id", feederID), zap.Error(err))
		return nil, status.Error(codes.Internal, "could not store schedule")
	}
	logger.Info("weekly schedule updated", zap.String("feeder_id", feederID))
	return norm, nil
}

// CreateRoutine expands r from now into absolute schedules.
func (h *Handler) CreateRoutine(ctx context.Context, userID string, r dispatch.Routine) ([]entities.FeedingSchedule, error) {
	if _, err := h.authorize(ctx, userID, r.FeederID); err != nil {
		return nil, err
	}
	if r.PortionSize > h.opts.MaxPortion {
		return nil, status.Errorf(codes.InvalidArgument, "portion must be at most %g grams", h.opts.MaxPortion)
	}
	rows, err := dispatch.GenerateRoutine(ctx, h.store, r, h.now())
	switch {
	case errors.Is(err, dispatch.ErrInvalidRoutine):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		logger.Error("creating routine", zap.String("feeder_id", r.FeederID), zap.Error(err))
		return nil, status.Error(codes.Internal, "could not create routine")
	}
	logger.Info("routine created", zap.String("feeder_id", r.FeederID), zap.Int("schedules", len(rows)))
	return rows, nil
}

// NextFeeding returns the feeder's upcoming dispense, NotFound when nothing is planned.
func (h *Handler) NextFeeding(ctx context.Context, userID, feederID string) (dispatch.NextFeeding, error) {
	f, err := h.authorize(ctx, userID, feederID)
	if err != nil {
		return dispatch.NextFeeding{}, err
	}
	next, ok, err := dispatch.FindNextFeeding(ctx, h.store, f, h.opts.DefaultPortion, h.now())
	if err != nil {
		logger.Error("finding next feeding", zap.String("feeder_id", feederID), zap.Error(err))
		return dispatch.NextFeeding{}, status.Error(codes.Internal, "could not compute next feeding")
	}
	if !ok {
		return dispatch.NextFeeding{}, status.Error(codes.NotFound, "no upcoming feeding")
	}
	return next, nil
}

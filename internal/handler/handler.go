// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/middleware"
	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateProgram(ctx context.Context, p model.Program, tiers []model.Tier) (*model.Program, []model.Tier, error)
	GetProgram(ctx context.Context, salonID int64) (*model.Program, []model.Tier, error)
	UpdateProgram(ctx context.Context, salonID int64, settings model.Program) (*model.Program, error)

	ListTiers(ctx context.Context, salonID int64) ([]model.Tier, error)
	CreateTier(ctx context.Context, salonID int64, t model.Tier) (*model.Tier, error)
	UpdateTier(ctx context.Context, salonID int64, t model.Tier) (*model.Tier, error)
	DeleteTier(ctx context.Context, salonID, tierID int64) error

	ListRewards(ctx context.Context, salonID int64, activeOnly bool) ([]model.Reward, error)
	GetReward(ctx context.Context, salonID, rewardID int64) (*model.Reward, error)
	CreateReward(ctx context.Context, salonID int64, rw model.Reward) (*model.Reward, error)
	UpdateReward(ctx context.Context, salonID int64, rw model.Reward) (*model.Reward, error)
	DeleteReward(ctx context.Context, salonID, rewardID int64) (bool, error)
	ListEligibleRewards(ctx context.Context, salonID, clientID int64) ([]model.Reward, error)

	Enroll(ctx context.Context, salonID, clientID int64, referralCode string) (*model.Account, error)
	GetAccount(ctx context.Context, salonID, clientID int64) (*model.AccountSummary, error)
	ListTransactions(ctx context.Context, salonID, clientID int64, limit int) ([]model.Transaction, error)
	AdjustPoints(ctx context.Context, salonID, clientID, delta int64, reason string, actor int64) (*model.Transaction, error)
	CheckAndPromote(ctx context.Context, salonID, clientID int64) (tier.Change, error)
	CloseCommand(ctx context.Context, salonID int64, ev model.CommandClosed) (model.EarnResult, error)
	ListMarketingEvents(ctx context.Context, salonID int64, limit int) ([]model.MarketingEvent, error)

	Redeem(ctx context.Context, salonID, clientID, rewardID, actor int64) (model.RedemptionResult, *model.Redemption, error)
	ListRedemptions(ctx context.Context, salonID, clientID int64) ([]model.Redemption, error)
	ValidateVoucher(ctx context.Context, salonID int64, code string) (model.VoucherCheck, error)
	UseVoucher(ctx context.Context, salonID int64, code string, commandID int64) (*model.Redemption, error)
	CancelVoucher(ctx context.Context, salonID int64, code string) (*model.Redemption, error)

	SetClientBirthday(ctx context.Context, salonID, clientID int64, birthDate time.Time) error
	Sweep(ctx context.Context, salonID int64) (model.SweepReport, error)
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil, тогда /metrics не публикуется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		metrics:        metrics,
	}
}

const defaultListLimit = 50

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor сопоставляет доменную ошибку с HTTP-статусом.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrProgramNotFound),
		errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrRewardNotFound),
		errors.Is(err, model.ErrTierNotFound),
		errors.Is(err, model.ErrRedemptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrProgramAlreadyExists),
		errors.Is(err, model.ErrAlreadyEnrolled),
		errors.Is(err, model.ErrCommandAlreadyProcessed),
		errors.Is(err, model.ErrTierInUse):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientPoints),
		errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrRewardInactive),
		errors.Is(err, model.ErrRewardExhausted),
		errors.Is(err, model.ErrTierTooLow),
		errors.Is(err, model.ErrRedemptionLimitReached),
		errors.Is(err, model.ErrVoucherInvalid),
		errors.Is(err, model.ErrInvalidTier):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidProgram),
		errors.Is(err, model.ErrInvalidReward),
		errors.Is(err, model.ErrInvalidLineItem),
		errors.Is(err, model.ErrZeroDelta),
		errors.Is(err, model.ErrPointsOverflow):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("method", r.Method), zap.String("path", r.URL.Path))
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "malformed json: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		badRequest(w, err.Error())
		return false
	}
	return true
}

// salon возвращает салон и сотрудника из токена запроса.
func salon(w http.ResponseWriter, r *http.Request) (salonID, staffID int64, ok bool) {
	salonID, ok = middleware.GetSalonID(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, 0, false
	}
	staffID, _ = middleware.GetStaffID(r.Context())
	return salonID, staffID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		badRequest(w, "invalid limit")
		return 0, false
	}
	return limit, true
}

package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

type tierRequest struct {
	Name       string             `json:"name" validate:"required,max=64"`
	Rank       int                `json:"rank" validate:"gte=0"`
	MinPoints  int64              `json:"min_points" validate:"gte=0"`
	Multiplier decimal.Decimal    `json:"multiplier"`
	Benefits   model.TierBenefits `json:"benefits"`
}

func (t tierRequest) tier(id int64) model.Tier {
	return model.Tier{
		ID:         id,
		Name:       t.Name,
		Rank:       t.Rank,
		MinPoints:  t.MinPoints,
		Multiplier: t.Multiplier,
		Benefits:   t.Benefits,
	}
}

type programRequest struct {
	ServiceRate       decimal.Decimal `json:"service_rate"`
	ProductRate       decimal.Decimal `json:"product_rate"`
	PointsExpireDays  *int            `json:"points_expire_days" validate:"omitempty,gt=0"`
	MinPointsToRedeem int64           `json:"min_points_to_redeem" validate:"gte=0"`
	WelcomePoints     int64           `json:"welcome_points" validate:"gte=0"`
	BirthdayPoints    int64           `json:"birthday_points" validate:"gte=0"`
	ReferralPoints    int64           `json:"referral_points" validate:"gte=0"`
	Active            *bool           `json:"active"`
	Tiers             []tierRequest   `json:"tiers" validate:"omitempty,dive"`
}

func (p programRequest) program(salonID int64) model.Program {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return model.Program{
		SalonID:           salonID,
		ServiceRate:       p.ServiceRate,
		ProductRate:       p.ProductRate,
		PointsExpireDays:  p.PointsExpireDays,
		MinPointsToRedeem: p.MinPointsToRedeem,
		WelcomePoints:     p.WelcomePoints,
		BirthdayPoints:    p.BirthdayPoints,
		ReferralPoints:    p.ReferralPoints,
		Active:            active,
	}
}

type programResponse struct {
	Program *model.Program `json:"program"`
	Tiers   []model.Tier   `json:"tiers"`
}

// CreateProgram создаёт программу лояльности салона. Без переданных уровней
// программа получает лестницу по умолчанию.
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req programRequest
	if !h.decode(w, r, &req) {
		return
	}

	tiers := make([]model.Tier, 0, len(req.Tiers))
	for _, t := range req.Tiers {
		tiers = append(tiers, t.tier(0))
	}

	p, ladder, err := h.service.CreateProgram(r.Context(), req.program(salonID), tiers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, programResponse{Program: p, Tiers: ladder})
}

// GetProgram возвращает программу салона вместе с уровнями.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	p, tiers, err := h.service.GetProgram(r.Context(), salonID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, programResponse{Program: p, Tiers: tiers})
}

// UpdateProgram изменяет настройки программы салона.
func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req programRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.UpdateProgram(r.Context(), salonID, req.program(salonID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ListTiers возвращает лестницу уровней салона.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	tiers, err := h.service.ListTiers(r.Context(), salonID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tiers)
}

// CreateTier добавляет уровень в лестницу.
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req tierRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.service.CreateTier(r.Context(), salonID, req.tier(0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// UpdateTier изменяет уровень.
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	tierID, ok := pathID(w, r, "tierID")
	if !ok {
		return
	}

	var req tierRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.service.UpdateTier(r.Context(), salonID, req.tier(tierID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// DeleteTier удаляет уровень.
func (h *Handler) DeleteTier(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	tierID, ok := pathID(w, r, "tierID")
	if !ok {
		return
	}

	if err := h.service.DeleteTier(r.Context(), salonID, tierID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type rewardRequest struct {
	Name           string              `json:"name" validate:"required,max=255"`
	Description    string              `json:"description" validate:"max=2000"`
	Type           model.RewardType    `json:"type" validate:"required,oneof=DISCOUNT_VALUE DISCOUNT_PERCENT FREE_SERVICE FREE_PRODUCT GIFT"`
	PointsCost     int64               `json:"points_cost" validate:"gt=0"`
	Value          decimal.NullDecimal `json:"value"`
	ProductID      *int64              `json:"product_id" validate:"omitempty,gt=0"`
	ServiceID      *int64              `json:"service_id" validate:"omitempty,gt=0"`
	MinTierID      *int64              `json:"min_tier_id" validate:"omitempty,gt=0"`
	MaxPerClient   *int                `json:"max_per_client" validate:"omitempty,gt=0"`
	TotalAvailable *int                `json:"total_available" validate:"omitempty,gte=0"`
	ValidDays      int                 `json:"valid_days" validate:"gt=0"`
	Active         *bool               `json:"active"`
}

func (req rewardRequest) reward(id int64) model.Reward {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return model.Reward{
		ID:             id,
		Name:           req.Name,
		Description:    req.Description,
		Type:           req.Type,
		PointsCost:     req.PointsCost,
		Value:          req.Value,
		ProductID:      req.ProductID,
		ServiceID:      req.ServiceID,
		MinTierID:      req.MinTierID,
		MaxPerClient:   req.MaxPerClient,
		TotalAvailable: req.TotalAvailable,
		ValidDays:      req.ValidDays,
		Active:         active,
	}
}

// ListRewards возвращает каталог наград. Параметр active=true оставляет только доступные.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	rewards, err := h.service.ListRewards(r.Context(), salonID, activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rewards)
}

// GetReward возвращает награду.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	rewardID, ok := pathID(w, r, "rewardID")
	if !ok {
		return
	}

	rw, err := h.service.GetReward(r.Context(), salonID, rewardID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rw)
}

// CreateReward добавляет награду в каталог.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req rewardRequest
	if !h.decode(w, r, &req) {
		return
	}

	rw, err := h.service.CreateReward(r.Context(), salonID, req.reward(0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rw)
}

// UpdateReward изменяет награду.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	rewardID, ok := pathID(w, r, "rewardID")
	if !ok {
		return
	}

	var req rewardRequest
	if !h.decode(w, r, &req) {
		return
	}

	rw, err := h.service.UpdateReward(r.Context(), salonID, req.reward(rewardID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rw)
}

type deleteRewardResponse struct {
	Deactivated bool `json:"deactivated"`
}

// DeleteReward удаляет награду. Награда, по которой уже были обмены, только отключается.
func (h *Handler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	rewardID, ok := pathID(w, r, "rewardID")
	if !ok {
		return
	}

	deactivated, err := h.service.DeleteReward(r.Context(), salonID, rewardID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteRewardResponse{Deactivated: deactivated})
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

type enrollRequest struct {
	ClientID     int64  `json:"client_id" validate:"gt=0"`
	ReferralCode string `json:"referral_code" validate:"max=32"`
}

// Enroll записывает клиента в программу салона.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req enrollRequest
	if !h.decode(w, r, &req) {
		return
	}

	acc, err := h.service.Enroll(r.Context(), salonID, req.ClientID, req.ReferralCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, acc)
}

// GetAccount возвращает счёт клиента с текущим и следующим уровнем.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	summary, err := h.service.GetAccount(r.Context(), salonID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListTransactions возвращает журнал баллов клиента, начиная с последних записей.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), salonID, clientID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListEligibleRewards возвращает награды, доступные клиенту прямо сейчас.
func (h *Handler) ListEligibleRewards(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	rewards, err := h.service.ListEligibleRewards(r.Context(), salonID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rewards)
}

type adjustRequest struct {
	Points int64  `json:"points" validate:"ne=0"`
	Reason string `json:"reason" validate:"required,max=255"`
}

// AdjustPoints выполняет ручную корректировку баланса от имени сотрудника.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	salonID, staffID, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.service.AdjustPoints(r.Context(), salonID, clientID, req.Points, req.Reason, staffID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

type tierCheckResponse struct {
	Changed  bool        `json:"changed"`
	Upgraded bool        `json:"upgraded"`
	From     *model.Tier `json:"from,omitempty"`
	To       model.Tier  `json:"to"`
}

// CheckTier пересчитывает уровень клиента.
func (h *Handler) CheckTier(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	change, err := h.service.CheckAndPromote(r.Context(), salonID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tierCheckResponse{
		Changed:  change.Changed,
		Upgraded: change.Upgraded,
		From:     change.From,
		To:       change.To,
	})
}

type redeemRequest struct {
	RewardID int64 `json:"reward_id" validate:"gt=0"`
}

type redeemResponse struct {
	model.RedemptionResult
	Redemption *model.Redemption `json:"redemption"`
}

// Redeem обменивает баллы клиента на награду и выдаёт ваучер.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	salonID, staffID, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, red, err := h.service.Redeem(r.Context(), salonID, clientID, req.RewardID, staffID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, redeemResponse{RedemptionResult: res, Redemption: red})
}

// ListRedemptions возвращает ваучеры клиента.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	reds, err := h.service.ListRedemptions(r.Context(), salonID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(reds) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reds)
}

type lineItemRequest struct {
	Type       model.ItemType  `json:"type" validate:"required,oneof=SERVICE PRODUCT"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Cancelled  bool            `json:"cancelled"`
}

type commandClosedRequest struct {
	ClientID  int64             `json:"client_id" validate:"gt=0"`
	CommandID int64             `json:"command_id" validate:"gt=0"`
	Items     []lineItemRequest `json:"items" validate:"dive"`
}

// CommandClosed принимает событие о закрытии команды и начисляет баллы клиенту.
func (h *Handler) CommandClosed(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req commandClosedRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev := model.CommandClosed{
		ClientID:  req.ClientID,
		CommandID: req.CommandID,
		Items:     make([]model.LineItem, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		ev.Items = append(ev.Items, model.LineItem{Type: it.Type, TotalPrice: it.TotalPrice, Cancelled: it.Cancelled})
	}

	res, err := h.service.CloseCommand(r.Context(), salonID, ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ValidateVoucher проверяет ваучер, не погашая его.
func (h *Handler) ValidateVoucher(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	check, err := h.service.ValidateVoucher(r.Context(), salonID, chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

type useVoucherRequest struct {
	CommandID int64 `json:"command_id" validate:"gt=0"`
}

// UseVoucher погашает ваучер в команде.
func (h *Handler) UseVoucher(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	var req useVoucherRequest
	if !h.decode(w, r, &req) {
		return
	}

	red, err := h.service.UseVoucher(r.Context(), salonID, chi.URLParam(r, "code"), req.CommandID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, red)
}

// CancelVoucher отменяет непогашенный ваучер.
func (h *Handler) CancelVoucher(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	red, err := h.service.CancelVoucher(r.Context(), salonID, chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, red)
}

type birthdayRequest struct {
	BirthDate string `json:"birth_date" validate:"required,datetime=2006-01-02"`
}

// SetBirthday сохраняет дату рождения клиента.
func (h *Handler) SetBirthday(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	clientID, ok := pathID(w, r, "clientID")
	if !ok {
		return
	}

	var req birthdayRequest
	if !h.decode(w, r, &req) {
		return
	}

	date, err := time.Parse(time.DateOnly, req.BirthDate)
	if err != nil {
		badRequest(w, "invalid birth_date")
		return
	}

	if err := h.service.SetClientBirthday(r.Context(), salonID, clientID, date); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMarketingEvents возвращает последние маркетинговые события салона.
func (h *Handler) ListMarketingEvents(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListMarketingEvents(r.Context(), salonID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// RunJobs выполняет обход программы салона вне расписания.
func (h *Handler) RunJobs(w http.ResponseWriter, r *http.Request) {
	salonID, _, ok := salon(w, r)
	if !ok {
		return
	}

	report, err := h.service.Sweep(r.Context(), salonID)
	if err != nil {
		if statusFor(err) != http.StatusInternalServerError {
			h.writeError(w, r, err)
			return
		}
		h.logger.Warn("manual sweep finished with errors", zap.Int64("salon_id", salonID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, report)
}

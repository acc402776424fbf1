// Package model содержит доменные сущности программы лояльности салона.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Program описывает программу лояльности салона. У салона не больше одной программы.
type Program struct {
	ID                int64           `json:"id"`
	SalonID           int64           `json:"salon_id"`
	ServiceRate       decimal.Decimal `json:"service_rate"`
	ProductRate       decimal.Decimal `json:"product_rate"`
	PointsExpireDays  *int            `json:"points_expire_days,omitempty"`
	MinPointsToRedeem int64           `json:"min_points_to_redeem"`
	WelcomePoints     int64           `json:"welcome_points"`
	BirthdayPoints    int64           `json:"birthday_points"`
	ReferralPoints    int64           `json:"referral_points"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TierBenefits содержит привилегии уровня.
type TierBenefits struct {
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	PriorityBooking bool            `json:"priority_booking"`
	ExtraBenefits   string          `json:"extra_benefits,omitempty"`
}

// Tier описывает уровень программы, открываемый накопленными за всё время баллами.
type Tier struct {
	ID         int64           `json:"id"`
	ProgramID  int64           `json:"program_id"`
	Name       string          `json:"name"`
	Rank       int             `json:"rank"`
	MinPoints  int64           `json:"min_points"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Benefits   TierBenefits    `json:"benefits"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Account описывает участие клиента в программе лояльности салона.
type Account struct {
	ID               int64      `json:"id"`
	ProgramID        int64      `json:"program_id"`
	ClientID         int64      `json:"client_id"`
	CurrentPoints    int64      `json:"current_points"`
	LifetimeEarned   int64      `json:"lifetime_points_earned"`
	LifetimeRedeemed int64      `json:"lifetime_points_redeemed"`
	TierID           *int64     `json:"tier_id,omitempty"`
	TierAchievedAt   *time.Time `json:"tier_achieved_at,omitempty"`
	ReferralCode     string     `json:"referral_code"`
	ReferredByID     *int64     `json:"referred_by_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TransactionType описывает тип движения баллов.
type TransactionType string

const (
	TransactionEarn     TransactionType = "EARN"
	TransactionRedeem   TransactionType = "REDEEM"
	TransactionAdjust   TransactionType = "ADJUST"
	TransactionExpire   TransactionType = "EXPIRE"
	TransactionWelcome  TransactionType = "WELCOME"
	TransactionBirthday TransactionType = "BIRTHDAY"
	TransactionReferral TransactionType = "REFERRAL"
)

// Transaction описывает неизменяемую запись журнала баллов.
type Transaction struct {
	ID                   int64           `json:"id"`
	AccountID            int64           `json:"account_id"`
	Type                 TransactionType `json:"type"`
	Points               int64           `json:"points"`
	BalanceAfter         int64           `json:"balance_after"`
	Description          string          `json:"description"`
	CommandID            *int64          `json:"command_id,omitempty"`
	AppointmentID        *int64          `json:"appointment_id,omitempty"`
	RewardID             *int64          `json:"reward_id,omitempty"`
	ExpiredTransactionID *int64          `json:"expired_transaction_id,omitempty"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"`
	CreatedBy            *int64          `json:"created_by,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// RewardType описывает вид награды.
type RewardType string

const (
	RewardDiscountValue   RewardType = "DISCOUNT_VALUE"
	RewardDiscountPercent RewardType = "DISCOUNT_PERCENT"
	RewardFreeService     RewardType = "FREE_SERVICE"
	RewardFreeProduct     RewardType = "FREE_PRODUCT"
	RewardGift            RewardType = "GIFT"
)

// Valid сообщает, известен ли тип награды.
func (t RewardType) Valid() bool {
	switch t {
	case RewardDiscountValue, RewardDiscountPercent, RewardFreeService, RewardFreeProduct, RewardGift:
		return true
	}
	return false
}

// Reward описывает награду из каталога программы.
type Reward struct {
	ID             int64               `json:"id"`
	ProgramID      int64               `json:"program_id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Type           RewardType          `json:"type"`
	PointsCost     int64               `json:"points_cost"`
	Value          decimal.NullDecimal `json:"value"`
	ProductID      *int64              `json:"product_id,omitempty"`
	ServiceID      *int64              `json:"service_id,omitempty"`
	MinTierID      *int64              `json:"min_tier_id,omitempty"`
	MaxPerClient   *int                `json:"max_per_client,omitempty"`
	TotalAvailable *int                `json:"total_available,omitempty"`
	ValidDays      int                 `json:"valid_days"`
	Active         bool                `json:"active"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// RedemptionStatus описывает статус ваучера.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "PENDING"
	RedemptionUsed      RedemptionStatus = "USED"
	RedemptionExpired   RedemptionStatus = "EXPIRED"
	RedemptionCancelled RedemptionStatus = "CANCELLED"
)

// Terminal сообщает, что из статуса нет переходов.
func (s RedemptionStatus) Terminal() bool {
	return s != RedemptionPending
}

// CanTransition проверяет допустимость перехода между статусами ваучера.
// Разрешены только переходы из PENDING в один из конечных статусов.
func (s RedemptionStatus) CanTransition(to RedemptionStatus) bool {
	if s != RedemptionPending {
		return false
	}
	switch to {
	case RedemptionUsed, RedemptionExpired, RedemptionCancelled:
		return true
	}
	return false
}

// InvalidReason возвращает причину, по которой ваучер в этом статусе нельзя использовать.
func (s RedemptionStatus) InvalidReason() string {
	switch s {
	case RedemptionPending:
		return ""
	case RedemptionUsed:
		return VoucherReasonUsed
	default:
		return VoucherReasonInactive
	}
}

// Redemption описывает обмен баллов на награду и выданный ваучер.
type Redemption struct {
	ID              int64            `json:"id"`
	AccountID       int64            `json:"account_id"`
	RewardID        int64            `json:"reward_id"`
	TransactionID   int64            `json:"transaction_id"`
	VoucherCode     string           `json:"voucher_code"`
	Status          RedemptionStatus `json:"status"`
	ExpiresAt       time.Time        `json:"expires_at"`
	UsedAt          *time.Time       `json:"used_at,omitempty"`
	UsedInCommandID *int64           `json:"used_in_command_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// MarketingEventType описывает тип маркетингового события.
type MarketingEventType string

const (
	MarketingReferralBonus MarketingEventType = "REFERRAL_BONUS"
	MarketingTierChanged   MarketingEventType = "TIER_CHANGED"
)

// ReferralContext содержит данные события о реферальном бонусе.
type ReferralContext struct {
	ReferrerAccountID int64 `json:"referrer_account_id"`
	ReferredAccountID int64 `json:"referred_account_id"`
	Points            int64 `json:"points"`
}

// TierChangeContext содержит данные события о смене уровня.
type TierChangeContext struct {
	FromTierID *int64 `json:"from_tier_id,omitempty"`
	ToTierID   int64  `json:"to_tier_id"`
	ToTierName string `json:"to_tier_name"`
	Upgraded   bool   `json:"upgraded"`
}

// EventContext содержит данные события; заполнено ровно одно поле в зависимости от типа.
type EventContext struct {
	Referral   *ReferralContext   `json:"referral,omitempty"`
	TierChange *TierChangeContext `json:"tier_change,omitempty"`
}

// MarketingEvent описывает событие для маркетинговых рассылок внешней системы.
type MarketingEvent struct {
	ID        int64              `json:"id"`
	ProgramID int64              `json:"program_id"`
	AccountID int64              `json:"account_id"`
	Type      MarketingEventType `json:"type"`
	Context   EventContext       `json:"context"`
	CreatedAt time.Time          `json:"created_at"`
}

// ItemType описывает тип позиции в закрытой команде.
type ItemType string

const (
	ItemService ItemType = "SERVICE"
	ItemProduct ItemType = "PRODUCT"
)

// LineItem описывает позицию закрытой команды.
type LineItem struct {
	Type       ItemType        `json:"type"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Cancelled  bool            `json:"cancelled"`
}

// CommandClosed описывает входящее событие о закрытии команды.
type CommandClosed struct {
	ClientID  int64      `json:"client_id"`
	CommandID int64      `json:"command_id"`
	Items     []LineItem `json:"items"`
}

// PointsBreakdown содержит результат расчёта баллов за команду.
type PointsBreakdown struct {
	ServicePoints int64           `json:"service_points"`
	ProductPoints int64           `json:"product_points"`
	BonusPoints   int64           `json:"bonus_points"`
	Total         int64           `json:"total"`
	Multiplier    decimal.Decimal `json:"multiplier"`
}

// EarnResult возвращается вызывающей стороне для уведомления клиента о начислении.
type EarnResult struct {
	PointsEarned int64  `json:"points_earned"`
	NewBalance   int64  `json:"new_balance"`
	TierUpgraded bool   `json:"tier_upgraded"`
	NewTierName  string `json:"new_tier_name,omitempty"`
}

// RedemptionResult возвращается вызывающей стороне после выдачи ваучера.
type RedemptionResult struct {
	VoucherCode string    `json:"voucher_code"`
	RewardName  string    `json:"reward_name"`
	PointsSpent int64     `json:"points_spent"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// VoucherCheck содержит результат проверки ваучера.
type VoucherCheck struct {
	Valid      bool        `json:"valid"`
	Reason     string      `json:"error,omitempty"`
	Redemption *Redemption `json:"voucher,omitempty"`
}

// JobFailure описывает ошибку обработки одного счёта в фоновой задаче.
type JobFailure struct {
	AccountID     int64  `json:"account_id"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Err           error  `json:"-"`
	Message       string `json:"error"`
}

// JobReport содержит итог фоновой задачи по одному салону.
type JobReport struct {
	AccountsAffected int          `json:"accounts_affected"`
	Failures         []JobFailure `json:"failures,omitempty"`
}

// ClientProfile содержит данные клиента, синхронизируемые из основной системы.
type ClientProfile struct {
	SalonID   int64
	ClientID  int64
	BirthDate time.Time
}

// AccountSummary содержит счёт вместе с текущим и следующим уровнем.
type AccountSummary struct {
	Account          Account `json:"account"`
	Tier             *Tier   `json:"tier,omitempty"`
	NextTier         *Tier   `json:"next_tier,omitempty"`
	PointsToNextTier int64   `json:"points_to_next_tier"`
}

// SweepReport содержит итог ежедневного обхода программы салона.
type SweepReport struct {
	SalonID         int64     `json:"salon_id"`
	ExpiredPoints   JobReport `json:"expired_points"`
	VouchersExpired int       `json:"vouchers_expired"`
	BirthdayPoints  JobReport `json:"birthday_points"`
}

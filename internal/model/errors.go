package model

import "errors"

var (
	// ErrProgramNotFound возвращается, если у салона нет активной программы.
	ErrProgramNotFound = errors.New("loyalty program not found")
	// ErrProgramAlreadyExists возвращается при повторном создании программы салона.
	ErrProgramAlreadyExists = errors.New("loyalty program already exists")
	// ErrInvalidProgram возвращается при некорректных настройках программы.
	ErrInvalidProgram = errors.New("invalid loyalty program")
	// ErrAlreadyEnrolled возвращается, если клиент уже участвует в программе.
	ErrAlreadyEnrolled = errors.New("client already enrolled")
	// ErrAccountNotFound возвращается, если счёт клиента не найден.
	ErrAccountNotFound = errors.New("loyalty account not found")
	// ErrInsufficientBalance возвращается журналом, если баланс стал бы отрицательным.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientPoints возвращается при обмене, если баллов не хватает на награду.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrZeroDelta возвращается при попытке записать пустое движение баллов.
	ErrZeroDelta = errors.New("zero points delta")
	// ErrPointsOverflow возвращается, если баланс или накопительный счётчик вышел бы за пределы int64.
	ErrPointsOverflow = errors.New("points overflow")
	// ErrRewardNotFound возвращается, если награда не найдена.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrRewardInactive возвращается при обмене на отключённую награду.
	ErrRewardInactive = errors.New("reward inactive")
	// ErrRewardExhausted возвращается, если награды закончились.
	ErrRewardExhausted = errors.New("reward exhausted")
	// ErrInvalidReward возвращается при некорректных параметрах награды.
	ErrInvalidReward = errors.New("invalid reward")
	// ErrTierTooLow возвращается, если уровень клиента ниже требуемого наградой.
	ErrTierTooLow = errors.New("tier too low")
	// ErrTierNotFound возвращается, если уровень не найден.
	ErrTierNotFound = errors.New("tier not found")
	// ErrTierInUse возвращается при удалении уровня, который есть у клиентов.
	ErrTierInUse = errors.New("tier held by accounts")
	// ErrInvalidTier возвращается, если изменение нарушает лестницу уровней.
	ErrInvalidTier = errors.New("invalid tier ladder")
	// ErrRedemptionLimitReached возвращается при превышении лимита обменов на клиента.
	ErrRedemptionLimitReached = errors.New("redemption limit reached")
	// ErrRedemptionNotFound возвращается, если ваучер с таким кодом не найден.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrVoucherInvalid возвращается при попытке использовать недействительный ваучер.
	ErrVoucherInvalid = errors.New("voucher invalid")
	// ErrInvalidLineItem возвращается при некорректной позиции команды.
	ErrInvalidLineItem = errors.New("invalid line item")
	// ErrCommandAlreadyProcessed возвращается при повторном начислении за одну и ту же команду.
	ErrCommandAlreadyProcessed = errors.New("command already processed")
	// ErrCodeCollision возвращается хранилищем при нарушении уникальности кода.
	ErrCodeCollision = errors.New("code already taken")
)

// Причины недействительности ваучера.
const (
	VoucherReasonNotFound = "voucher not found"
	VoucherReasonUsed     = "voucher already used"
	VoucherReasonInactive = "voucher expired or cancelled"
	VoucherReasonExpired  = "voucher expired"
)

// VoucherError описывает причину, по которой ваучер нельзя использовать.
type VoucherError struct {
	Reason string
}

func (e *VoucherError) Error() string {
	return ErrVoucherInvalid.Error() + ": " + e.Reason
}

// Is позволяет сопоставлять ошибку с ErrVoucherInvalid через errors.Is.
func (e *VoucherError) Is(target error) bool {
	return target == ErrVoucherInvalid
}

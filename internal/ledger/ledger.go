// Package ledger реализует журнал баллов, единственный путь изменения баланса счёта.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

// Writer описывает запись журнала в рамках одной единицы работы хранилища.
// Вызывающая сторона отвечает за то, чтобы строка счёта была заблокирована.
type Writer interface {
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	SaveAccount(ctx context.Context, a *model.Account) error
}

// Entry описывает движение баллов, которое нужно провести по счёту.
type Entry struct {
	Type                 model.TransactionType
	Points               int64
	Description          string
	CommandID            *int64
	AppointmentID        *int64
	RewardID             *int64
	ExpiredTransactionID *int64
	ExpiresAt            *time.Time
	CreatedBy            *int64
	At                   time.Time
}

// Next вычисляет состояние счёта после движения delta, не изменяя исходный счёт.
func Next(acc model.Account, delta int64, typ model.TransactionType) (model.Account, error) {
	if delta == 0 && typ != model.TransactionExpire {
		return acc, model.ErrZeroDelta
	}
	if delta > 0 && (acc.CurrentPoints > math.MaxInt64-delta || acc.LifetimeEarned > math.MaxInt64-delta) {
		return acc, fmt.Errorf("%w: account %d, delta %d", model.ErrPointsOverflow, acc.ID, delta)
	}

	balance := acc.CurrentPoints + delta
	if balance < 0 {
		return acc, fmt.Errorf("%w: balance %d, delta %d", model.ErrInsufficientBalance, acc.CurrentPoints, delta)
	}

	if delta < 0 && typ == model.TransactionRedeem && acc.LifetimeRedeemed > math.MaxInt64+delta {
		return acc, fmt.Errorf("%w: account %d, delta %d", model.ErrPointsOverflow, acc.ID, delta)
	}

	acc.CurrentPoints = balance
	if delta > 0 {
		acc.LifetimeEarned += delta
	}
	if delta < 0 && typ == model.TransactionRedeem {
		acc.LifetimeRedeemed += -delta
	}

	return acc, nil
}

// Apply проводит движение по счёту: добавляет запись журнала со снимком баланса и сохраняет счёт.
// При ошибке счёт acc не изменяется.
func Apply(ctx context.Context, w Writer, acc *model.Account, e Entry) (*model.Transaction, error) {
	next, err := Next(*acc, e.Points, e.Type)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = e.At

	t := &model.Transaction{
		AccountID:            acc.ID,
		Type:                 e.Type,
		Points:               e.Points,
		BalanceAfter:         next.CurrentPoints,
		Description:          e.Description,
		CommandID:            e.CommandID,
		AppointmentID:        e.AppointmentID,
		RewardID:             e.RewardID,
		ExpiredTransactionID: e.ExpiredTransactionID,
		CreatedBy:            e.CreatedBy,
		CreatedAt:            e.At,
	}
	// Срок сгорания имеет смысл только для начислений.
	if e.Points > 0 {
		t.ExpiresAt = e.ExpiresAt
	}

	if err := w.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := w.SaveAccount(ctx, &next); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	*acc = next
	return t, nil
}

// Package repository содержит реализации хранилища программы лояльности: PostgreSQL и память.
package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/salon-loyalty/internal/ledger"
	"github.com/mmeshcher/salon-loyalty/internal/model"
)

// Tx описывает операции, выполняемые внутри одной атомарной единицы работы.
// Заблокированные через LockAccount и LockReward строки недоступны конкурентным
// единицам работы до её завершения.
type Tx interface {
	ledger.Writer

	LockAccount(ctx context.Context, accountID int64) (*model.Account, error)
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccountByReferralCode(ctx context.Context, programID int64, code string) (*model.Account, error)

	LockReward(ctx context.Context, rewardID int64) (*model.Reward, error)
	DecrementRewardStock(ctx context.Context, rewardID int64) error
	CountRedemptions(ctx context.Context, accountID, rewardID int64) (int, error)
	InsertRedemption(ctx context.Context, r *model.Redemption) error

	CommandEarned(ctx context.Context, accountID, commandID int64) (bool, error)
	ExpiryRecorded(ctx context.Context, transactionID int64) (bool, error)
	HasTransactionSince(ctx context.Context, accountID int64, typ model.TransactionType, since time.Time) (bool, error)

	InsertMarketingEvent(ctx context.Context, e *model.MarketingEvent) error
}

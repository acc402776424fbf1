package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/accrual"
	"github.com/mmeshcher/salon-loyalty/internal/ledger"
	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
	"github.com/mmeshcher/salon-loyalty/internal/validation"
)

// Enroll регистрирует клиента в активной программе салона. Реферальный код
// привязывает пригласившего и начисляет ему бонус; неизвестный код игнорируется.
func (s *Service) Enroll(ctx context.Context, salonID, clientID int64, referralCode string) (*model.Account, error) {
	p, tiers, err := s.activeProgram(ctx, salonID)
	if err != nil {
		return nil, err
	}

	referralCode = validation.NormalizeCode(referralCode)
	now := s.clock()

	var (
		acc          *model.Account
		referrer     *model.Account
		referrerTier tier.Change
		accTier      tier.Change
	)
	err = s.repo.Atomic(ctx, func(tx repository.Tx) error {
		acc = &model.Account{ProgramID: p.ID, ClientID: clientID, CreatedAt: now, UpdatedAt: now}
		referrer = nil
		referrerTier = tier.Change{}
		accTier = tier.Change{}

		if _, err := tier.Check(acc, tiers, now); err != nil {
			return err
		}

		if validation.IsValidReferralCode(referralCode) {
			r, err := tx.GetAccountByReferralCode(ctx, p.ID, referralCode)
			switch {
			case err == nil:
				referrer = r
				acc.ReferredByID = &r.ID
			case !errors.Is(err, model.ErrAccountNotFound):
				return err
			}
		}

		if err := s.createAccount(ctx, tx, acc); err != nil {
			return err
		}

		if referrer != nil && p.ReferralPoints > 0 {
			locked, err := lockProgramAccount(ctx, tx, p.ID, referrer.ID)
			if err != nil {
				return err
			}
			_, referrerTier, err = s.post(ctx, tx, locked, tiers, ledger.Entry{
				Type:        model.TransactionReferral,
				Points:      p.ReferralPoints,
				Description: fmt.Sprintf("Referral bonus for inviting client %d", clientID),
				At:          now,
			})
			if err != nil {
				return err
			}
			referrer = locked

			err = tx.InsertMarketingEvent(ctx, &model.MarketingEvent{
				ProgramID: p.ID,
				AccountID: locked.ID,
				Type:      model.MarketingReferralBonus,
				Context: model.EventContext{Referral: &model.ReferralContext{
					ReferrerAccountID: locked.ID,
					ReferredAccountID: acc.ID,
					Points:            p.ReferralPoints,
				}},
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("insert referral event: %w", err)
			}
		}

		if p.WelcomePoints > 0 {
			_, accTier, err = s.post(ctx, tx, acc, tiers, ledger.Entry{
				Type:        model.TransactionWelcome,
				Points:      p.WelcomePoints,
				Description: "Welcome bonus",
				At:          now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObservePoints(string(model.TransactionWelcome), p.WelcomePoints)
	if referrer != nil {
		s.metrics.ObservePoints(string(model.TransactionReferral), p.ReferralPoints)
		s.observeChange(referrer, referrerTier)
	}
	s.observeChange(acc, accTier)
	s.logger.Info("client enrolled",
		zap.Int64("salon_id", salonID),
		zap.Int64("client_id", clientID),
		zap.Int64("account_id", acc.ID),
		zap.Bool("referred", acc.ReferredByID != nil),
	)
	return acc, nil
}

// GetAccount возвращает счёт клиента с текущим и следующим уровнем.
func (s *Service) GetAccount(ctx context.Context, salonID, clientID int64) (*model.AccountSummary, error) {
	_, tiers, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return nil, err
	}

	res := &model.AccountSummary{Account: *acc}
	if acc.TierID != nil {
		if t, ok := tier.Find(tiers, *acc.TierID); ok {
			res.Tier = &t
		}
	}
	for _, t := range tier.Sorted(tiers) {
		if t.MinPoints > acc.LifetimeEarned {
			next := t
			res.NextTier = &next
			res.PointsToNextTier = t.MinPoints - acc.LifetimeEarned
			break
		}
	}
	return res, nil
}

// ListTransactions возвращает журнал счёта клиента, начиная с последних записей.
func (s *Service) ListTransactions(ctx context.Context, salonID, clientID int64, limit int) ([]model.Transaction, error) {
	_, _, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, acc.ID, limit)
}

// CloseCommand обрабатывает событие о закрытии команды: рассчитывает баллы
// по текущему множителю уровня клиента и начисляет их. Для неактивной программы
// событие игнорируется.
func (s *Service) CloseCommand(ctx context.Context, salonID int64, ev model.CommandClosed) (model.EarnResult, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return model.EarnResult{}, err
	}
	if !p.Active {
		s.logger.Debug("command ignored for inactive program",
			zap.Int64("salon_id", salonID), zap.Int64("command_id", ev.CommandID))
		return model.EarnResult{}, nil
	}

	acc, err := s.repo.GetAccountByClient(ctx, p.ID, ev.ClientID)
	if err != nil {
		return model.EarnResult{}, err
	}

	breakdown, err := accrual.Calculate(p, tier.Multiplier(tiers, acc.TierID), ev.Items)
	if err != nil {
		return model.EarnResult{}, err
	}
	return s.ProcessCommandClosed(ctx, p, tiers, acc.ID, ev.CommandID, breakdown)
}

// ProcessCommandClosed начисляет рассчитанные за команду баллы и пересчитывает уровень.
// Нулевое начисление ничего не меняет.
func (s *Service) ProcessCommandClosed(ctx context.Context, p *model.Program, tiers []model.Tier, accountID, commandID int64, breakdown model.PointsBreakdown) (model.EarnResult, error) {
	if breakdown.Total == 0 {
		acc, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return model.EarnResult{}, err
		}
		return model.EarnResult{NewBalance: acc.CurrentPoints}, nil
	}

	var (
		res    model.EarnResult
		acc    *model.Account
		change tier.Change
	)
	err := s.withBalanceRetry(ctx, func() error {
		return s.repo.Atomic(ctx, func(tx repository.Tx) error {
			var err error
			acc, err = lockProgramAccount(ctx, tx, p.ID, accountID)
			if err != nil {
				return err
			}

			done, err := tx.CommandEarned(ctx, accountID, commandID)
			if err != nil {
				return err
			}
			if done {
				return fmt.Errorf("%w: command %d", model.ErrCommandAlreadyProcessed, commandID)
			}

			now := s.clock()
			entry := ledger.Entry{
				Type:        model.TransactionEarn,
				Points:      breakdown.Total,
				Description: fmt.Sprintf("Points for command %d", commandID),
				CommandID:   &commandID,
				At:          now,
			}
			if p.PointsExpireDays != nil {
				expiresAt := now.AddDate(0, 0, *p.PointsExpireDays)
				entry.ExpiresAt = &expiresAt
			}

			_, change, err = s.post(ctx, tx, acc, tiers, entry)
			if err != nil {
				return err
			}

			res = model.EarnResult{PointsEarned: breakdown.Total, NewBalance: acc.CurrentPoints}
			if change.Upgraded {
				res.TierUpgraded = true
				res.NewTierName = change.To.Name
			}
			return nil
		})
	})
	if err != nil {
		return model.EarnResult{}, err
	}

	s.metrics.ObservePoints(string(model.TransactionEarn), breakdown.Total)
	s.observeChange(acc, change)
	return res, nil
}

// AdjustPoints проводит ручную корректировку баланса клиента от имени сотрудника.
func (s *Service) AdjustPoints(ctx context.Context, salonID, clientID, delta int64, reason string, actor int64) (*model.Transaction, error) {
	p, tiers, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return nil, err
	}

	var (
		t      *model.Transaction
		change tier.Change
	)
	err = s.withBalanceRetry(ctx, func() error {
		return s.repo.Atomic(ctx, func(tx repository.Tx) error {
			locked, err := lockProgramAccount(ctx, tx, p.ID, acc.ID)
			if err != nil {
				return err
			}
			t, change, err = s.post(ctx, tx, locked, tiers, ledger.Entry{
				Type:        model.TransactionAdjust,
				Points:      delta,
				Description: reason,
				CreatedBy:   actorRef(actor),
				At:          s.clock(),
			})
			if err != nil {
				return err
			}
			acc = locked
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObservePoints(string(model.TransactionAdjust), delta)
	s.observeChange(acc, change)
	s.logger.Info("points adjusted",
		zap.Int64("account_id", acc.ID),
		zap.Int64("delta", delta),
		zap.Int64("actor", actor),
	)
	return t, nil
}

// CheckAndPromote пересчитывает уровень клиента по накопленным баллам.
func (s *Service) CheckAndPromote(ctx context.Context, salonID, clientID int64) (tier.Change, error) {
	p, tiers, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return tier.Change{}, err
	}

	var change tier.Change
	err = s.repo.Atomic(ctx, func(tx repository.Tx) error {
		locked, err := lockProgramAccount(ctx, tx, p.ID, acc.ID)
		if err != nil {
			return err
		}
		change, err = s.syncTier(ctx, tx, locked, tiers, s.clock())
		return err
	})
	if err != nil {
		return tier.Change{}, err
	}

	s.observeChange(acc, change)
	return change, nil
}

// RecalculateTiers пересчитывает уровни всех счетов программы салона
// и возвращает число счетов, у которых уровень изменился.
func (s *Service) RecalculateTiers(ctx context.Context, salonID int64) (int, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return 0, err
	}
	return s.recalculate(ctx, p)
}

func (s *Service) recalculate(ctx context.Context, p *model.Program) (int, error) {
	tiers, err := s.repo.ListTiers(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("list tiers: %w", err)
	}
	accounts, err := s.repo.ListAccounts(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	changed := 0
	for _, a := range accounts {
		if resolved, err := tier.Resolve(tiers, a.LifetimeEarned); err == nil && a.TierID != nil && *a.TierID == resolved.ID {
			continue
		}

		var change tier.Change
		err := s.repo.Atomic(ctx, func(tx repository.Tx) error {
			locked, err := lockProgramAccount(ctx, tx, p.ID, a.ID)
			if err != nil {
				return err
			}
			change, err = s.syncTier(ctx, tx, locked, tiers, s.clock())
			return err
		})
		if err != nil {
			return changed, fmt.Errorf("account %d: %w", a.ID, err)
		}
		if change.Changed {
			changed++
			s.observeChange(&a, change)
		}
	}
	return changed, nil
}

// ListMarketingEvents возвращает последние маркетинговые события программы салона.
func (s *Service) ListMarketingEvents(ctx context.Context, salonID int64, limit int) ([]model.MarketingEvent, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMarketingEvents(ctx, p.ID, limit)
}

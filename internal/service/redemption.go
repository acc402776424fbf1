package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/ledger"
	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
	"github.com/mmeshcher/salon-loyalty/internal/validation"
)

// Redeem обменивает баллы клиента на награду и выдаёт ваучер. Все проверки,
// списание, выдача ваучера и уменьшение остатка награды выполняются атомарно.
func (s *Service) Redeem(ctx context.Context, salonID, clientID, rewardID, actor int64) (model.RedemptionResult, *model.Redemption, error) {
	p, tiers, acc, err := s.clientAccount(ctx, salonID, clientID, true)
	if err != nil {
		return model.RedemptionResult{}, nil, err
	}

	var (
		res model.RedemptionResult
		red *model.Redemption
	)
	err = s.withBalanceRetry(ctx, func() error {
		return s.repo.Atomic(ctx, func(tx repository.Tx) error {
			locked, err := lockProgramAccount(ctx, tx, p.ID, acc.ID)
			if err != nil {
				return err
			}
			rw, err := tx.LockReward(ctx, rewardID)
			if err != nil {
				return err
			}
			if rw.ProgramID != p.ID {
				return model.ErrRewardNotFound
			}

			if err := s.checkRedeemable(ctx, tx, p, tiers, locked, rw); err != nil {
				return err
			}

			now := s.clock()
			rid := rw.ID
			t, err := ledger.Apply(ctx, tx, locked, ledger.Entry{
				Type:        model.TransactionRedeem,
				Points:      -rw.PointsCost,
				Description: "Redeemed: " + rw.Name,
				RewardID:    &rid,
				CreatedBy:   actorRef(actor),
				At:          now,
			})
			if err != nil {
				return err
			}

			red = &model.Redemption{
				AccountID:     locked.ID,
				RewardID:      rw.ID,
				TransactionID: t.ID,
				Status:        model.RedemptionPending,
				ExpiresAt:     now.AddDate(0, 0, rw.ValidDays),
				CreatedAt:     now,
			}
			if err := s.insertRedemption(ctx, tx, red); err != nil {
				return err
			}

			if rw.TotalAvailable != nil {
				if err := tx.DecrementRewardStock(ctx, rw.ID); err != nil {
					return err
				}
			}

			res = model.RedemptionResult{
				VoucherCode: red.VoucherCode,
				RewardName:  rw.Name,
				PointsSpent: rw.PointsCost,
				ExpiresAt:   red.ExpiresAt,
			}
			return nil
		})
	})
	if err != nil {
		return model.RedemptionResult{}, nil, err
	}

	s.metrics.ObservePoints(string(model.TransactionRedeem), res.PointsSpent)
	s.metrics.ObserveRedemption(string(model.RedemptionPending))
	s.logger.Info("reward redeemed",
		zap.Int64("account_id", acc.ID),
		zap.Int64("reward_id", rewardID),
		zap.Int64("points", res.PointsSpent),
	)
	return res, red, nil
}

// checkRedeemable проверяет условия обмена до любых изменений.
func (s *Service) checkRedeemable(ctx context.Context, tx repository.Tx, p *model.Program, tiers []model.Tier, acc *model.Account, rw *model.Reward) error {
	if !rw.Active {
		return model.ErrRewardInactive
	}
	if acc.CurrentPoints < rw.PointsCost {
		return fmt.Errorf("%w: balance %d, cost %d", model.ErrInsufficientPoints, acc.CurrentPoints, rw.PointsCost)
	}
	if acc.CurrentPoints < p.MinPointsToRedeem {
		return fmt.Errorf("%w: balance %d below program minimum %d", model.ErrInsufficientPoints, acc.CurrentPoints, p.MinPointsToRedeem)
	}

	if rw.MinTierID != nil {
		required, ok := tier.Find(tiers, *rw.MinTierID)
		if !ok {
			return fmt.Errorf("%w: minimum tier %d", model.ErrTierNotFound, *rw.MinTierID)
		}
		if tier.RankOf(tiers, acc.TierID) < required.Rank {
			return fmt.Errorf("%w: %s required", model.ErrTierTooLow, required.Name)
		}
	}

	if rw.MaxPerClient != nil {
		n, err := tx.CountRedemptions(ctx, acc.ID, rw.ID)
		if err != nil {
			return err
		}
		if n >= *rw.MaxPerClient {
			return model.ErrRedemptionLimitReached
		}
	}

	if rw.TotalAvailable != nil && *rw.TotalAvailable <= 0 {
		return model.ErrRewardExhausted
	}
	return nil
}

// findVoucher ищет ваучер салона по коду.
func (s *Service) findVoucher(ctx context.Context, salonID int64, code string) (*model.Redemption, error) {
	code = validation.NormalizeCode(code)
	if !validation.IsValidVoucherCode(code) {
		return nil, model.ErrRedemptionNotFound
	}

	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	red, err := s.repo.GetRedemptionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	acc, err := s.repo.GetAccount(ctx, red.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.ProgramID != p.ID {
		return nil, model.ErrRedemptionNotFound
	}
	return red, nil
}

// ValidateVoucher проверяет ваучер, не изменяя его статус. Просроченный ваучер
// считается недействительным, даже если его статус ещё PENDING.
func (s *Service) ValidateVoucher(ctx context.Context, salonID int64, code string) (model.VoucherCheck, error) {
	red, err := s.findVoucher(ctx, salonID, code)
	if err != nil {
		if errors.Is(err, model.ErrRedemptionNotFound) {
			return model.VoucherCheck{Reason: model.VoucherReasonNotFound}, nil
		}
		return model.VoucherCheck{}, err
	}

	if reason := red.Status.InvalidReason(); reason != "" {
		return model.VoucherCheck{Reason: reason}, nil
	}
	if s.clock().After(red.ExpiresAt) {
		return model.VoucherCheck{Reason: model.VoucherReasonExpired}, nil
	}
	return model.VoucherCheck{Valid: true, Redemption: red}, nil
}

// UseVoucher погашает ваучер в команде. Недействительный ваучер приводит
// к ошибке, совместимой с model.ErrVoucherInvalid.
func (s *Service) UseVoucher(ctx context.Context, salonID int64, code string, commandID int64) (*model.Redemption, error) {
	check, err := s.ValidateVoucher(ctx, salonID, code)
	if err != nil {
		return nil, err
	}
	if !check.Valid {
		return nil, &model.VoucherError{Reason: check.Reason}
	}

	red, err := s.repo.TransitionRedemption(ctx, check.Redemption.ID, model.RedemptionUsed, s.clock(), &commandID)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveRedemption(string(model.RedemptionUsed))
	s.logger.Info("voucher used", zap.String("code", red.VoucherCode), zap.Int64("command_id", commandID))
	return red, nil
}

// CancelVoucher отменяет ещё не использованный ваучер. Баллы не возвращаются.
func (s *Service) CancelVoucher(ctx context.Context, salonID int64, code string) (*model.Redemption, error) {
	red, err := s.findVoucher(ctx, salonID, code)
	if err != nil {
		return nil, err
	}

	red, err = s.repo.TransitionRedemption(ctx, red.ID, model.RedemptionCancelled, s.clock(), nil)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveRedemption(string(model.RedemptionCancelled))
	return red, nil
}

// ExpireVouchers переводит просроченные ваучеры салона в EXPIRED и возвращает их число.
func (s *Service) ExpireVouchers(ctx context.Context, salonID int64) (int, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return 0, err
	}

	n, err := s.repo.ExpireRedemptions(ctx, p.ID, s.clock())
	if err != nil {
		return 0, err
	}

	s.metrics.ObserveRedemptions(string(model.RedemptionExpired), n)
	return n, nil
}

// ListRedemptions возвращает обмены клиента, начиная с последних.
func (s *Service) ListRedemptions(ctx context.Context, salonID, clientID int64) ([]model.Redemption, error) {
	_, _, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRedemptions(ctx, acc.ID)
}

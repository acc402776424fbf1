package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/ledger"
	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
)

// Имена фоновых задач в метриках и журнале.
const (
	JobExpirePoints   = "expire_points"
	JobExpireVouchers = "expire_vouchers"
	JobBirthdayPoints = "birthday_points"
)

// ProcessExpiredPoints списывает баллы начислений салона с истёкшим сроком.
// Списывается не больше текущего баланса; каждое начисление обрабатывается один раз,
// поэтому повторный запуск ничего не меняет. Ошибки по отдельным счетам
// собираются в отчёт и не прерывают обход.
func (s *Service) ProcessExpiredPoints(ctx context.Context, salonID int64) (model.JobReport, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return model.JobReport{}, err
	}

	now := s.clock()
	entries, err := s.repo.ListExpirableTransactions(ctx, p.ID, now)
	if err != nil {
		return model.JobReport{}, fmt.Errorf("list expirable transactions: %w", err)
	}

	var report model.JobReport
	affected := make(map[int64]struct{})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		expired, err := s.expireEntry(ctx, p.ID, e, now)
		if err != nil {
			report.Failures = append(report.Failures, model.JobFailure{
				AccountID:     e.AccountID,
				TransactionID: e.ID,
				Err:           err,
				Message:       err.Error(),
			})
			s.logger.Warn("expire points failed",
				zap.Int64("account_id", e.AccountID),
				zap.Int64("transaction_id", e.ID),
				zap.Error(err),
			)
			continue
		}
		if expired > 0 {
			affected[e.AccountID] = struct{}{}
			s.metrics.ObservePoints(string(model.TransactionExpire), expired)
		}
	}

	report.AccountsAffected = len(affected)
	s.metrics.ObserveJob(JobExpirePoints, len(report.Failures))
	return report, nil
}

// expireEntry проводит сгорание одного начисления и возвращает число списанных баллов.
// Если остаток на счёте нулевой, записывается нулевая отметка, чтобы начисление
// больше не рассматривалось.
func (s *Service) expireEntry(ctx context.Context, programID int64, e model.Transaction, now time.Time) (int64, error) {
	var expired int64
	err := s.repo.Atomic(ctx, func(tx repository.Tx) error {
		expired = 0

		done, err := tx.ExpiryRecorded(ctx, e.ID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		acc, err := lockProgramAccount(ctx, tx, programID, e.AccountID)
		if err != nil {
			return err
		}

		toExpire := min(e.Points, acc.CurrentPoints)
		source := e.ID
		_, err = ledger.Apply(ctx, tx, acc, ledger.Entry{
			Type:                 model.TransactionExpire,
			Points:               -toExpire,
			Description:          fmt.Sprintf("Points expired from transaction %d", e.ID),
			ExpiredTransactionID: &source,
			At:                   now,
		})
		if err != nil {
			return err
		}
		expired = toExpire
		return nil
	})
	if errors.Is(err, model.ErrCodeCollision) {
		// Начисление уже списано конкурентным запуском.
		return 0, nil
	}
	return expired, err
}

// ProcessBirthdayPoints начисляет бонус клиентам салона, у которых сегодня день рождения.
// Бонус начисляется не чаще раза в календарный год. Родившиеся 29 февраля
// в невисокосный год получают бонус 28 февраля.
func (s *Service) ProcessBirthdayPoints(ctx context.Context, salonID int64) (model.JobReport, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return model.JobReport{}, err
	}

	var report model.JobReport
	if !p.Active || p.BirthdayPoints == 0 {
		s.metrics.ObserveJob(JobBirthdayPoints, 0)
		return report, nil
	}

	now := s.clock()
	accounts, err := s.repo.ListBirthdayAccounts(ctx, p.ID, now.Month(), now.Day())
	if err != nil {
		return report, fmt.Errorf("list birthday accounts: %w", err)
	}
	if now.Month() == time.February && now.Day() == 28 && !isLeapYear(now.Year()) {
		leap, err := s.repo.ListBirthdayAccounts(ctx, p.ID, time.February, 29)
		if err != nil {
			return report, fmt.Errorf("list birthday accounts: %w", err)
		}
		accounts = append(accounts, leap...)
	}

	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		granted, err := s.grantBirthday(ctx, p, tiers, a.ID, yearStart, now)
		if err != nil {
			report.Failures = append(report.Failures, model.JobFailure{AccountID: a.ID, Err: err, Message: err.Error()})
			s.logger.Warn("birthday points failed", zap.Int64("account_id", a.ID), zap.Error(err))
			continue
		}
		if granted {
			report.AccountsAffected++
		}
	}

	s.metrics.ObserveJob(JobBirthdayPoints, len(report.Failures))
	return report, nil
}

func (s *Service) grantBirthday(ctx context.Context, p *model.Program, tiers []model.Tier, accountID int64, yearStart, now time.Time) (bool, error) {
	var (
		granted bool
		acc     *model.Account
		change  tier.Change
	)
	err := s.repo.Atomic(ctx, func(tx repository.Tx) error {
		granted = false

		var err error
		acc, err = lockProgramAccount(ctx, tx, p.ID, accountID)
		if err != nil {
			return err
		}

		has, err := tx.HasTransactionSince(ctx, accountID, model.TransactionBirthday, yearStart)
		if err != nil {
			return err
		}
		if has {
			return nil
		}

		_, change, err = s.post(ctx, tx, acc, tiers, ledger.Entry{
			Type:        model.TransactionBirthday,
			Points:      p.BirthdayPoints,
			Description: fmt.Sprintf("Birthday bonus %d", now.Year()),
			At:          now,
		})
		if err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil || !granted {
		return false, err
	}

	s.metrics.ObservePoints(string(model.TransactionBirthday), p.BirthdayPoints)
	s.observeChange(acc, change)
	return true, nil
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// SetClientBirthday сохраняет дату рождения клиента салона.
func (s *Service) SetClientBirthday(ctx context.Context, salonID, clientID int64, birthDate time.Time) error {
	date := time.Date(birthDate.Year(), birthDate.Month(), birthDate.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.UpsertClientProfile(ctx, model.ClientProfile{
		SalonID:   salonID,
		ClientID:  clientID,
		BirthDate: date,
	})
}

// ActivePrograms возвращает салоны с активными программами.
func (s *Service) ActivePrograms(ctx context.Context) ([]int64, error) {
	programs, err := s.repo.ListActivePrograms(ctx)
	if err != nil {
		return nil, err
	}

	salons := make([]int64, 0, len(programs))
	for _, p := range programs {
		salons = append(salons, p.SalonID)
	}
	return salons, nil
}

// Sweep выполняет ежедневный обход салона: сгорание баллов, просрочку ваучеров
// и начисление бонусов ко дню рождения. Ошибка одного шага не отменяет остальные.
func (s *Service) Sweep(ctx context.Context, salonID int64) (model.SweepReport, error) {
	report := model.SweepReport{SalonID: salonID}

	var errs []error
	expired, err := s.ProcessExpiredPoints(ctx, salonID)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobExpirePoints, err))
	}
	report.ExpiredPoints = expired

	vouchers, err := s.ExpireVouchers(ctx, salonID)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobExpireVouchers, err))
	}
	report.VouchersExpired = vouchers
	s.metrics.ObserveJob(JobExpireVouchers, 0)

	birthday, err := s.ProcessBirthdayPoints(ctx, salonID)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobBirthdayPoints, err))
	}
	report.BirthdayPoints = birthday

	s.logger.Info("sweep finished",
		zap.Int64("salon_id", salonID),
		zap.Int("points_expired_accounts", report.ExpiredPoints.AccountsAffected),
		zap.Int("vouchers_expired", report.VouchersExpired),
		zap.Int("birthday_accounts", report.BirthdayPoints.AccountsAffected),
	)
	return report, errors.Join(errs...)
}

// Package scheduler запускает ежедневный обход программ лояльности по расписанию cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

// DefaultSchedule запускает обход каждый день в 03:00 UTC.
const DefaultSchedule = "0 3 * * *"

// Jobs определяет операции сервиса, которые выполняет планировщик.
type Jobs interface {
	ActivePrograms(ctx context.Context) ([]int64, error)
	Sweep(ctx context.Context, salonID int64) (model.SweepReport, error)
}

// Scheduler выполняет обход всех активных программ по расписанию.
type Scheduler struct {
	cron     *cron.Cron
	jobs     Jobs
	logger   *zap.Logger
	schedule string
}

// New создаёт планировщик. Пустое расписание заменяется DefaultSchedule.
func New(jobs Jobs, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Run запускает расписание и блокируется до отмены ctx.
// Перед возвратом дожидается завершения начатого обхода.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("loyalty scheduler started", zap.String("schedule", s.schedule))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("loyalty scheduler stopped")
	return nil
}

// RunOnce обходит все активные программы. Ошибка по одному салону не прерывает обход остальных.
func (s *Scheduler) RunOnce(ctx context.Context) []model.SweepReport {
	salons, err := s.jobs.ActivePrograms(ctx)
	if err != nil {
		s.logger.Error("list active programs", zap.Error(err))
		return nil
	}

	reports := make([]model.SweepReport, 0, len(salons))
	for _, salonID := range salons {
		if ctx.Err() != nil {
			break
		}

		report, err := s.jobs.Sweep(ctx, salonID)
		if err != nil {
			s.logger.Error("loyalty sweep failed", zap.Int64("salon_id", salonID), zap.Error(err))
		}
		for _, f := range append(report.ExpiredPoints.Failures, report.BirthdayPoints.Failures...) {
			s.logger.Warn("loyalty sweep account failure",
				zap.Int64("salon_id", salonID),
				zap.Int64("account_id", f.AccountID),
				zap.String("error", f.Message),
			)
		}
		reports = append(reports, report)
	}
	return reports
}

// cronLogger направляет журнал cron в zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

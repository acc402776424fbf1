// Package service реализует бизнес-логику программы лояльности салона.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/ledger"
	"github.com/mmeshcher/salon-loyalty/internal/metrics"
	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Atomic(ctx context.Context, fn func(tx repository.Tx) error) error

	CreateProgram(ctx context.Context, p *model.Program, tiers []model.Tier) error
	GetProgramBySalon(ctx context.Context, salonID int64) (*model.Program, error)
	UpdateProgram(ctx context.Context, p *model.Program) error
	ListActivePrograms(ctx context.Context) ([]model.Program, error)

	ListTiers(ctx context.Context, programID int64) ([]model.Tier, error)
	CreateTier(ctx context.Context, t *model.Tier) error
	UpdateTier(ctx context.Context, t *model.Tier) error
	DeleteTier(ctx context.Context, programID, tierID int64) error

	CreateReward(ctx context.Context, rw *model.Reward) error
	GetReward(ctx context.Context, programID, rewardID int64) (*model.Reward, error)
	UpdateReward(ctx context.Context, rw *model.Reward) error
	DeleteReward(ctx context.Context, programID, rewardID int64) (bool, error)
	ListRewards(ctx context.Context, programID int64, activeOnly bool) ([]model.Reward, error)

	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetAccountByClient(ctx context.Context, programID, clientID int64) (*model.Account, error)
	ListAccounts(ctx context.Context, programID int64) ([]model.Account, error)
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error)

	GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error)
	ListRedemptions(ctx context.Context, accountID int64) ([]model.Redemption, error)
	TransitionRedemption(ctx context.Context, id int64, to model.RedemptionStatus, at time.Time, commandID *int64) (*model.Redemption, error)
	ExpireRedemptions(ctx context.Context, programID int64, now time.Time) (int, error)

	ListExpirableTransactions(ctx context.Context, programID int64, now time.Time) ([]model.Transaction, error)
	ListBirthdayAccounts(ctx context.Context, programID int64, month time.Month, day int) ([]model.Account, error)
	UpsertClientProfile(ctx context.Context, p model.ClientProfile) error
	ListMarketingEvents(ctx context.Context, programID int64, limit int) ([]model.MarketingEvent, error)
}

// Service содержит бизнес-логику программы лояльности.
type Service struct {
	repo        Repository
	logger      *zap.Logger
	metrics     *metrics.Loyalty
	now         func() time.Time
	codes       func() (string, error)
	retryDelays []time.Duration
}

// Option настраивает Service.
type Option func(*Service)

// WithClock задаёт источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.Loyalty) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetryDelays задаёт паузы между повторами при нехватке баланса.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Service) { s.retryDelays = delays }
}

// WithCodeGenerator задаёт генератор случайной части реферальных кодов и кодов ваучеров.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.codes = gen }
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:        repo,
		logger:      logger,
		now:         time.Now,
		codes:       RandomCode,
		retryDelays: []time.Duration{5 * time.Millisecond, 20 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// withBalanceRetry повторяет fn, пока журнал сообщает о нехватке баланса.
func (s *Service) withBalanceRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, d := range s.retryDelays {
		if !errors.Is(err, model.ErrInsufficientBalance) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		err = fn()
	}
	return err
}

// program возвращает программу салона независимо от её активности.
func (s *Service) program(ctx context.Context, salonID int64) (*model.Program, []model.Tier, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, nil, err
	}
	tiers, err := s.repo.ListTiers(ctx, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list tiers: %w", err)
	}
	return p, tiers, nil
}

// activeProgram возвращает программу салона, если она активна.
func (s *Service) activeProgram(ctx context.Context, salonID int64) (*model.Program, []model.Tier, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return nil, nil, err
	}
	if !p.Active {
		return nil, nil, fmt.Errorf("%w: program of salon %d is inactive", model.ErrProgramNotFound, salonID)
	}
	return p, tiers, nil
}

// clientAccount возвращает программу и счёт клиента в ней.
func (s *Service) clientAccount(ctx context.Context, salonID, clientID int64, activeOnly bool) (*model.Program, []model.Tier, *model.Account, error) {
	load := s.program
	if activeOnly {
		load = s.activeProgram
	}
	p, tiers, err := load(ctx, salonID)
	if err != nil {
		return nil, nil, nil, err
	}
	acc, err := s.repo.GetAccountByClient(ctx, p.ID, clientID)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, tiers, acc, nil
}

// lockProgramAccount блокирует счёт и проверяет, что он принадлежит программе.
func lockProgramAccount(ctx context.Context, tx repository.Tx, programID, accountID int64) (*model.Account, error) {
	acc, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.ProgramID != programID {
		return nil, model.ErrAccountNotFound
	}
	return acc, nil
}

// post проводит движение по заблокированному счёту. После начисления уровень
// пересчитывается в той же единице работы, смена уровня фиксируется событием.
func (s *Service) post(ctx context.Context, tx repository.Tx, acc *model.Account, tiers []model.Tier, e ledger.Entry) (*model.Transaction, tier.Change, error) {
	t, err := ledger.Apply(ctx, tx, acc, e)
	if err != nil {
		return nil, tier.Change{}, err
	}
	if e.Points <= 0 {
		return t, tier.Change{}, nil
	}

	change, err := s.syncTier(ctx, tx, acc, tiers, e.At)
	if err != nil {
		return nil, tier.Change{}, err
	}
	return t, change, nil
}

// syncTier приводит уровень заблокированного счёта в соответствие с лестницей.
func (s *Service) syncTier(ctx context.Context, tx repository.Tx, acc *model.Account, tiers []model.Tier, now time.Time) (tier.Change, error) {
	change, err := tier.Check(acc, tiers, now)
	if err != nil {
		return tier.Change{}, err
	}
	if !change.Changed {
		return change, nil
	}

	acc.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return tier.Change{}, fmt.Errorf("save tier: %w", err)
	}

	ev := &model.MarketingEvent{
		ProgramID: acc.ProgramID,
		AccountID: acc.ID,
		Type:      model.MarketingTierChanged,
		Context: model.EventContext{TierChange: &model.TierChangeContext{
			ToTierID:   change.To.ID,
			ToTierName: change.To.Name,
			Upgraded:   change.Upgraded,
		}},
		CreatedAt: now,
	}
	if change.From != nil {
		from := change.From.ID
		ev.Context.TierChange.FromTierID = &from
	}
	if err := tx.InsertMarketingEvent(ctx, ev); err != nil {
		return tier.Change{}, fmt.Errorf("insert tier event: %w", err)
	}
	return change, nil
}

// observeChange учитывает смену уровня в метриках и журнале.
func (s *Service) observeChange(acc *model.Account, change tier.Change) {
	if !change.Changed {
		return
	}
	s.metrics.ObserveTierChange(change.Upgraded)
	s.logger.Info("tier changed",
		zap.Int64("account_id", acc.ID),
		zap.String("tier", change.To.Name),
		zap.Bool("upgraded", change.Upgraded),
	)
}

func actorRef(actor int64) *int64 {
	if actor == 0 {
		return nil
	}
	return &actor
}

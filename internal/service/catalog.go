package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
)

var hundred = decimal.NewFromInt(100)

func validateProgram(p *model.Program) error {
	switch {
	case p.ServiceRate.IsNegative():
		return fmt.Errorf("%w: negative service rate", model.ErrInvalidProgram)
	case p.ProductRate.IsNegative():
		return fmt.Errorf("%w: negative product rate", model.ErrInvalidProgram)
	case p.PointsExpireDays != nil && *p.PointsExpireDays <= 0:
		return fmt.Errorf("%w: points expiry must be positive", model.ErrInvalidProgram)
	case p.MinPointsToRedeem < 0, p.WelcomePoints < 0, p.BirthdayPoints < 0, p.ReferralPoints < 0:
		return fmt.Errorf("%w: negative points setting", model.ErrInvalidProgram)
	}
	return nil
}

// CreateProgram создаёт программу салона. Без явной лестницы уровней
// программа получает лестницу по умолчанию.
func (s *Service) CreateProgram(ctx context.Context, p model.Program, tiers []model.Tier) (*model.Program, []model.Tier, error) {
	if err := validateProgram(&p); err != nil {
		return nil, nil, err
	}
	if len(tiers) == 0 {
		tiers = tier.DefaultLadder()
	}
	if err := tier.Validate(tiers); err != nil {
		return nil, nil, err
	}

	now := s.clock()
	p.ID = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	ladder := tier.Sorted(tiers)

	if err := s.repo.CreateProgram(ctx, &p, ladder); err != nil {
		return nil, nil, err
	}

	s.logger.Info("loyalty program created", zap.Int64("salon_id", p.SalonID), zap.Int("tiers", len(ladder)))
	return &p, ladder, nil
}

// GetProgram возвращает программу салона и её уровни.
func (s *Service) GetProgram(ctx context.Context, salonID int64) (*model.Program, []model.Tier, error) {
	return s.program(ctx, salonID)
}

// UpdateProgram заменяет настройки программы салона, включая признак активности.
func (s *Service) UpdateProgram(ctx context.Context, salonID int64, settings model.Program) (*model.Program, error) {
	existing, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, err
	}

	settings.ID = existing.ID
	settings.SalonID = existing.SalonID
	settings.CreatedAt = existing.CreatedAt
	settings.UpdatedAt = s.clock()
	if err := validateProgram(&settings); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateProgram(ctx, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ListTiers возвращает уровни программы салона по возрастанию ранга.
func (s *Service) ListTiers(ctx context.Context, salonID int64) ([]model.Tier, error) {
	_, tiers, err := s.program(ctx, salonID)
	return tiers, err
}

// CreateTier добавляет уровень и пересчитывает уровни всех счетов программы.
func (s *Service) CreateTier(ctx context.Context, salonID int64, t model.Tier) (*model.Tier, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return nil, err
	}

	t.ID = 0
	t.ProgramID = p.ID
	t.CreatedAt = s.clock()
	if err := tier.Validate(append(slices.Clone(tiers), t)); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTier(ctx, &t); err != nil {
		return nil, err
	}
	if _, err := s.recalculate(ctx, p); err != nil {
		return &t, fmt.Errorf("recalculate tiers: %w", err)
	}
	return &t, nil
}

// UpdateTier изменяет уровень и пересчитывает уровни всех счетов программы.
func (s *Service) UpdateTier(ctx context.Context, salonID int64, t model.Tier) (*model.Tier, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return nil, err
	}

	idx := slices.IndexFunc(tiers, func(x model.Tier) bool { return x.ID == t.ID })
	if idx < 0 {
		return nil, model.ErrTierNotFound
	}

	t.ProgramID = p.ID
	t.CreatedAt = tiers[idx].CreatedAt
	ladder := slices.Clone(tiers)
	ladder[idx] = t
	if err := tier.Validate(ladder); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateTier(ctx, &t); err != nil {
		return nil, err
	}
	if _, err := s.recalculate(ctx, p); err != nil {
		return &t, fmt.Errorf("recalculate tiers: %w", err)
	}
	return &t, nil
}

// DeleteTier удаляет уровень. Базовый уровень и уровень, на который ссылаются
// счета или награды, удалить нельзя.
func (s *Service) DeleteTier(ctx context.Context, salonID, tierID int64) error {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return err
	}

	if _, ok := tier.Find(tiers, tierID); !ok {
		return model.ErrTierNotFound
	}
	if tier.Sorted(tiers)[0].ID == tierID {
		return fmt.Errorf("%w: base tier cannot be deleted", model.ErrInvalidTier)
	}

	return s.repo.DeleteTier(ctx, p.ID, tierID)
}

func validateReward(rw *model.Reward, tiers []model.Tier) error {
	switch {
	case strings.TrimSpace(rw.Name) == "":
		return fmt.Errorf("%w: name is required", model.ErrInvalidReward)
	case !rw.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidReward, rw.Type)
	case rw.PointsCost <= 0:
		return fmt.Errorf("%w: points cost must be positive", model.ErrInvalidReward)
	case rw.ValidDays <= 0:
		return fmt.Errorf("%w: validity must be positive", model.ErrInvalidReward)
	case rw.MaxPerClient != nil && *rw.MaxPerClient <= 0:
		return fmt.Errorf("%w: per-client limit must be positive", model.ErrInvalidReward)
	case rw.TotalAvailable != nil && *rw.TotalAvailable < 0:
		return fmt.Errorf("%w: negative stock", model.ErrInvalidReward)
	}

	switch rw.Type {
	case model.RewardDiscountValue, model.RewardDiscountPercent:
		if !rw.Value.Valid || !rw.Value.Decimal.IsPositive() {
			return fmt.Errorf("%w: discount value must be positive", model.ErrInvalidReward)
		}
		if rw.Type == model.RewardDiscountPercent && rw.Value.Decimal.GreaterThan(hundred) {
			return fmt.Errorf("%w: discount above 100%%", model.ErrInvalidReward)
		}
	}

	if rw.MinTierID != nil {
		if _, ok := tier.Find(tiers, *rw.MinTierID); !ok {
			return fmt.Errorf("%w: minimum tier %d", model.ErrTierNotFound, *rw.MinTierID)
		}
	}
	return nil
}

// ListRewards возвращает каталог наград салона.
func (s *Service) ListRewards(ctx context.Context, salonID int64, activeOnly bool) ([]model.Reward, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRewards(ctx, p.ID, activeOnly)
}

// GetReward возвращает награду салона.
func (s *Service) GetReward(ctx context.Context, salonID, rewardID int64) (*model.Reward, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetReward(ctx, p.ID, rewardID)
}

// CreateReward добавляет награду в каталог салона.
func (s *Service) CreateReward(ctx context.Context, salonID int64, rw model.Reward) (*model.Reward, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return nil, err
	}
	if err := validateReward(&rw, tiers); err != nil {
		return nil, err
	}

	now := s.clock()
	rw.ID = 0
	rw.ProgramID = p.ID
	rw.CreatedAt = now
	rw.UpdatedAt = now
	if err := s.repo.CreateReward(ctx, &rw); err != nil {
		return nil, err
	}
	return &rw, nil
}

// UpdateReward заменяет параметры награды.
func (s *Service) UpdateReward(ctx context.Context, salonID int64, rw model.Reward) (*model.Reward, error) {
	p, tiers, err := s.program(ctx, salonID)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetReward(ctx, p.ID, rw.ID)
	if err != nil {
		return nil, err
	}
	if err := validateReward(&rw, tiers); err != nil {
		return nil, err
	}

	rw.ProgramID = p.ID
	rw.CreatedAt = existing.CreatedAt
	rw.UpdatedAt = s.clock()
	if err := s.repo.UpdateReward(ctx, &rw); err != nil {
		return nil, err
	}
	return &rw, nil
}

// DeleteReward удаляет награду. Награда, по которой уже были обмены, только отключается;
// в этом случае возвращается true.
func (s *Service) DeleteReward(ctx context.Context, salonID, rewardID int64) (bool, error) {
	p, err := s.repo.GetProgramBySalon(ctx, salonID)
	if err != nil {
		return false, err
	}
	return s.repo.DeleteReward(ctx, p.ID, rewardID)
}

// ListEligibleRewards возвращает активные награды, доступные клиенту по балансу и рангу уровня.
func (s *Service) ListEligibleRewards(ctx context.Context, salonID, clientID int64) ([]model.Reward, error) {
	p, tiers, acc, err := s.clientAccount(ctx, salonID, clientID, false)
	if err != nil {
		return nil, err
	}
	rewards, err := s.repo.ListRewards(ctx, p.ID, true)
	if err != nil {
		return nil, err
	}

	rank := tier.RankOf(tiers, acc.TierID)
	res := make([]model.Reward, 0, len(rewards))
	for _, rw := range rewards {
		if rw.PointsCost > acc.CurrentPoints {
			continue
		}
		if rw.MinTierID != nil {
			required, ok := tier.Find(tiers, *rw.MinTierID)
			if !ok || required.Rank > rank {
				continue
			}
		}
		res = append(res, rw)
	}
	return res, nil
}

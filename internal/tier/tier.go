// Package tier определяет уровень счёта по накопленным за всё время баллам.
package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

// Change описывает результат пересчёта уровня счёта.
type Change struct {
	Changed  bool
	Upgraded bool
	From     *model.Tier
	To       model.Tier
}

// DefaultLadder возвращает лестницу из четырёх уровней, которой засевается новая программа.
func DefaultLadder() []model.Tier {
	return []model.Tier{
		{Name: "BASIC", Rank: 0, MinPoints: 0, Multiplier: decimal.NewFromInt(1)},
		{
			Name:       "SILVER",
			Rank:       1,
			MinPoints:  500,
			Multiplier: decimal.RequireFromString("1.1"),
			Benefits:   model.TierBenefits{DiscountPercent: decimal.NewFromInt(5)},
		},
		{
			Name:       "GOLD",
			Rank:       2,
			MinPoints:  1500,
			Multiplier: decimal.RequireFromString("1.25"),
			Benefits:   model.TierBenefits{DiscountPercent: decimal.NewFromInt(10), PriorityBooking: true},
		},
		{
			Name:       "VIP",
			Rank:       3,
			MinPoints:  5000,
			Multiplier: decimal.RequireFromString("1.5"),
			Benefits: model.TierBenefits{
				DiscountPercent: decimal.NewFromInt(15),
				PriorityBooking: true,
				ExtraBenefits:   "complimentary treatment on birthday",
			},
		},
	}
}

// Sorted возвращает копию уровней, упорядоченную по рангу.
func Sorted(tiers []model.Tier) []model.Tier {
	res := make([]model.Tier, len(tiers))
	copy(res, tiers)
	sort.Slice(res, func(i, j int) bool { return res[i].Rank < res[j].Rank })
	return res
}

// Validate проверяет лестницу: базовый уровень с порогом 0, пороги строго растут с рангом,
// множитель не меньше единицы.
func Validate(tiers []model.Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers", model.ErrInvalidTier)
	}

	sorted := Sorted(tiers)
	if sorted[0].MinPoints != 0 {
		return fmt.Errorf("%w: base tier %q must have threshold 0", model.ErrInvalidTier, sorted[0].Name)
	}

	one := decimal.NewFromInt(1)
	names := make(map[string]struct{}, len(sorted))
	for i, t := range sorted {
		if t.Name == "" {
			return fmt.Errorf("%w: empty tier name", model.ErrInvalidTier)
		}
		if _, ok := names[t.Name]; ok {
			return fmt.Errorf("%w: duplicate tier name %q", model.ErrInvalidTier, t.Name)
		}
		names[t.Name] = struct{}{}

		if t.Multiplier.LessThan(one) {
			return fmt.Errorf("%w: tier %q multiplier below 1", model.ErrInvalidTier, t.Name)
		}
		if t.Benefits.DiscountPercent.IsNegative() || t.Benefits.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: tier %q discount out of range", model.ErrInvalidTier, t.Name)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if t.Rank == prev.Rank {
			return fmt.Errorf("%w: duplicate rank %d", model.ErrInvalidTier, t.Rank)
		}
		if t.MinPoints <= prev.MinPoints {
			return fmt.Errorf("%w: tier %q threshold %d not above %d", model.ErrInvalidTier, t.Name, t.MinPoints, prev.MinPoints)
		}
	}

	return nil
}

// Resolve возвращает уровень с наибольшим порогом, не превышающим lifetimeEarned.
func Resolve(tiers []model.Tier, lifetimeEarned int64) (model.Tier, error) {
	var (
		best  model.Tier
		found bool
	)
	for _, t := range tiers {
		if t.MinPoints > lifetimeEarned {
			continue
		}
		if !found || t.MinPoints > best.MinPoints {
			best = t
			found = true
		}
	}
	if !found {
		return model.Tier{}, fmt.Errorf("%w: no tier for %d points", model.ErrTierNotFound, lifetimeEarned)
	}
	return best, nil
}

// Find возвращает уровень по идентификатору.
func Find(tiers []model.Tier, id int64) (model.Tier, bool) {
	for _, t := range tiers {
		if t.ID == id {
			return t, true
		}
	}
	return model.Tier{}, false
}

// RankOf возвращает ранг уровня счёта; счёт без уровня считается на нулевом ранге.
func RankOf(tiers []model.Tier, id *int64) int {
	if id == nil {
		return 0
	}
	if t, ok := Find(tiers, *id); ok {
		return t.Rank
	}
	return 0
}

// Multiplier возвращает множитель текущего уровня счёта.
func Multiplier(tiers []model.Tier, id *int64) decimal.Decimal {
	if id != nil {
		if t, ok := Find(tiers, *id); ok {
			return t.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

// Check пересчитывает уровень по LifetimeEarned и обновляет счёт, если уровень изменился.
// Понижение уровня допускается.
func Check(acc *model.Account, tiers []model.Tier, now time.Time) (Change, error) {
	resolved, err := Resolve(tiers, acc.LifetimeEarned)
	if err != nil {
		return Change{}, err
	}

	if acc.TierID != nil && *acc.TierID == resolved.ID {
		return Change{To: resolved}, nil
	}

	change := Change{Changed: true, To: resolved}
	if acc.TierID != nil {
		if from, ok := Find(tiers, *acc.TierID); ok {
			change.From = &from
			change.Upgraded = resolved.Rank > from.Rank
		} else {
			change.Upgraded = resolved.MinPoints > 0
		}
	} else {
		change.Upgraded = resolved.MinPoints > 0
	}

	id := resolved.ID
	achieved := now
	acc.TierID = &id
	acc.TierAchievedAt = &achieved

	return change, nil
}

// Package accrual рассчитывает баллы, начисляемые за закрытую команду.
package accrual

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

var (
	one       = decimal.NewFromInt(1)
	maxPoints = decimal.NewFromInt(math.MaxInt64)
)

// Calculate рассчитывает баллы за позиции команды: базовые баллы по ставкам программы
// для каждой неотменённой позиции и бонус уровня по множителю. Все округления вниз.
func Calculate(p *model.Program, multiplier decimal.Decimal, items []model.LineItem) (model.PointsBreakdown, error) {
	if p == nil {
		return model.PointsBreakdown{}, model.ErrProgramNotFound
	}
	if multiplier.LessThan(one) {
		multiplier = one
	}

	service, product := decimal.Zero, decimal.Zero
	for i, item := range items {
		if item.Cancelled {
			continue
		}
		if item.TotalPrice.IsNegative() {
			return model.PointsBreakdown{}, fmt.Errorf("%w: item %d has negative total", model.ErrInvalidLineItem, i)
		}

		switch item.Type {
		case model.ItemService:
			service = service.Add(item.TotalPrice.Mul(p.ServiceRate).Floor())
		case model.ItemProduct:
			product = product.Add(item.TotalPrice.Mul(p.ProductRate).Floor())
		default:
			return model.PointsBreakdown{}, fmt.Errorf("%w: item %d has unknown type %q", model.ErrInvalidLineItem, i, item.Type)
		}
	}

	base := service.Add(product)
	bonus := base.Mul(multiplier.Sub(one)).Floor()
	if base.Add(bonus).GreaterThan(maxPoints) {
		return model.PointsBreakdown{}, fmt.Errorf("%w: command total %s exceeds the limit", model.ErrInvalidLineItem, base.Add(bonus))
	}

	res := model.PointsBreakdown{
		ServicePoints: service.IntPart(),
		ProductPoints: product.IntPart(),
		BonusPoints:   bonus.IntPart(),
		Multiplier:    multiplier,
	}
	res.Total = res.ServicePoints + res.ProductPoints + res.BonusPoints

	return res, nil
}

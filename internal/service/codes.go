package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
	"github.com/mmeshcher/salon-loyalty/internal/validation"
)

// maxCodeAttempts ограничивает число перегенераций кода при коллизии.
const maxCodeAttempts = 10

var alphabetSize = big.NewInt(int64(len(validation.CodeAlphabet)))

// RandomCode возвращает validation.CodeLength случайных символов алфавита кодов
// с равномерным распределением.
func RandomCode() (string, error) {
	buf := make([]byte, validation.CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = validation.CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// createAccount сохраняет счёт, перегенерируя реферальный код при коллизии.
func (s *Service) createAccount(ctx context.Context, tx repository.Tx, acc *model.Account) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.codes()
		if err != nil {
			return err
		}
		acc.ReferralCode = code

		err = tx.CreateAccount(ctx, acc)
		if !errors.Is(err, model.ErrCodeCollision) {
			return err
		}
		s.metrics.ObserveCodeCollision("referral")
	}
	return fmt.Errorf("generate referral code: %w", model.ErrCodeCollision)
}

// insertRedemption сохраняет обмен, перегенерируя код ваучера при коллизии.
func (s *Service) insertRedemption(ctx context.Context, tx repository.Tx, red *model.Redemption) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.codes()
		if err != nil {
			return err
		}
		red.VoucherCode = validation.VoucherPrefix + code

		err = tx.InsertRedemption(ctx, red)
		if !errors.Is(err, model.ErrCodeCollision) {
			return err
		}
		s.metrics.ObserveCodeCollision("voucher")
	}
	return fmt.Errorf("generate voucher code: %w", model.ErrCodeCollision)
}

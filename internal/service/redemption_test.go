package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/validation"
)

func (f *fixture) fund(t *testing.T, clientID, points int64) {
	t.Helper()
	f.enroll(t, clientID)
	if points > 0 {
		_, err := f.svc.AdjustPoints(context.Background(), testSalon, clientID, points, "funding", testStaff)
		require.NoError(t, err)
	}
}

func TestRedeem_ScenarioB(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 500)
	rw := f.createReward(t, model.Reward{PointsCost: 500, ValidDays: 14})

	res, red, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	assert.True(t, validation.IsValidVoucherCode(res.VoucherCode), res.VoucherCode)
	assert.Equal(t, rw.Name, res.RewardName)
	assert.Equal(t, int64(500), res.PointsSpent)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 14), res.ExpiresAt)

	require.NotNil(t, red)
	assert.Equal(t, model.RedemptionPending, red.Status)
	assert.Equal(t, res.VoucherCode, red.VoucherCode)

	summary, err := f.svc.GetAccount(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Zero(t, summary.Account.CurrentPoints)
	assert.Equal(t, int64(500), summary.Account.LifetimeRedeemed)
	assert.Equal(t, int64(500), summary.Account.LifetimeEarned)

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TransactionRedeem, txs[0].Type)
	assert.Equal(t, red.TransactionID, txs[0].ID)
	assertLedgerIdentity(t, f, 1)
}

func TestRedeem_ScenarioC_InsufficientPoints(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 400)
	rw := f.createReward(t, model.Reward{PointsCost: 500})

	_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.ErrorIs(t, err, model.ErrInsufficientPoints)

	assert.Equal(t, int64(400), f.balance(t, 1))
	reds, err := f.svc.ListRedemptions(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Empty(t, reds)
}

func TestRedeem_Checks(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	p.MinPointsToRedeem = 150
	ladder := f.createProgram(t, p)
	f.fund(t, 1, 600)
	f.fund(t, 2, 600)
	f.fund(t, 3, 100)

	goldID := ladder[2].ID
	one := 1

	t.Run("inactive reward", func(t *testing.T) {
		rw := f.createReward(t, model.Reward{PointsCost: 10})
		rw.Active = false
		_, err := f.svc.UpdateReward(context.Background(), testSalon, *rw)
		require.NoError(t, err)

		_, _, err = f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
		require.ErrorIs(t, err, model.ErrRewardInactive)
	})

	t.Run("below program minimum", func(t *testing.T) {
		rw := f.createReward(t, model.Reward{PointsCost: 50})
		_, _, err := f.svc.Redeem(context.Background(), testSalon, 3, rw.ID, testStaff)
		require.ErrorIs(t, err, model.ErrInsufficientPoints)
	})

	t.Run("tier too low", func(t *testing.T) {
		rw := f.createReward(t, model.Reward{PointsCost: 10, MinTierID: &goldID})
		_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
		require.ErrorIs(t, err, model.ErrTierTooLow)
	})

	t.Run("per client limit", func(t *testing.T) {
		rw := f.createReward(t, model.Reward{PointsCost: 10, MaxPerClient: &one})
		_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
		require.NoError(t, err)

		_, _, err = f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
		require.ErrorIs(t, err, model.ErrRedemptionLimitReached)
	})

	t.Run("stock exhausted", func(t *testing.T) {
		rw := f.createReward(t, model.Reward{PointsCost: 10, TotalAvailable: &one})
		_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
		require.NoError(t, err)

		got, err := f.svc.GetReward(context.Background(), testSalon, rw.ID)
		require.NoError(t, err)
		require.NotNil(t, got.TotalAvailable)
		assert.Zero(t, *got.TotalAvailable)

		before := f.balance(t, 2)
		_, _, err = f.svc.Redeem(context.Background(), testSalon, 2, rw.ID, testStaff)
		require.ErrorIs(t, err, model.ErrRewardExhausted)
		assert.Equal(t, before, f.balance(t, 2))
	})

	t.Run("unknown reward", func(t *testing.T) {
		_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, 424242, testStaff)
		require.ErrorIs(t, err, model.ErrRewardNotFound)
	})

	assertLedgerIdentity(t, f, 1)
	assertLedgerIdentity(t, f, 2)
}

func TestRedeem_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 1000)
	rw := f.createReward(t, model.Reward{PointsCost: 300})

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrInsufficientPoints):
				failed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, workers-3, failed)
	assert.Equal(t, int64(100), f.balance(t, 1))

	reds, err := f.svc.ListRedemptions(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Len(t, reds, 3)
	assertLedgerIdentity(t, f, 1)
}

func TestVoucher_UseOnce(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 100)
	rw := f.createReward(t, model.Reward{PointsCost: 100})

	res, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	check, err := f.svc.ValidateVoucher(context.Background(), testSalon, lower(res.VoucherCode))
	require.NoError(t, err)
	require.True(t, check.Valid)
	assert.Equal(t, res.VoucherCode, check.Redemption.VoucherCode)

	used, err := f.svc.UseVoucher(context.Background(), testSalon, res.VoucherCode, 900)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionUsed, used.Status)
	require.NotNil(t, used.UsedAt)
	require.NotNil(t, used.UsedInCommandID)
	assert.Equal(t, int64(900), *used.UsedInCommandID)

	check, err = f.svc.ValidateVoucher(context.Background(), testSalon, res.VoucherCode)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, model.VoucherReasonUsed, check.Reason)
	assert.Nil(t, check.Redemption)

	_, err = f.svc.UseVoucher(context.Background(), testSalon, res.VoucherCode, 901)
	require.ErrorIs(t, err, model.ErrVoucherInvalid)
	var verr *model.VoucherError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, model.VoucherReasonUsed, verr.Reason)

	_, err = f.svc.CancelVoucher(context.Background(), testSalon, res.VoucherCode)
	require.ErrorIs(t, err, model.ErrVoucherInvalid)

	reds, err := f.svc.ListRedemptions(context.Background(), testSalon, 1)
	require.NoError(t, err)
	require.Len(t, reds, 1)
	assert.Equal(t, model.RedemptionUsed, reds[0].Status)
}

func TestVoucher_ExpiryIsLazy(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 100)
	rw := f.createReward(t, model.Reward{PointsCost: 100, ValidDays: 7})

	res, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)

	check, err := f.svc.ValidateVoucher(context.Background(), testSalon, res.VoucherCode)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, model.VoucherReasonExpired, check.Reason)

	reds, err := f.svc.ListRedemptions(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionPending, reds[0].Status)

	_, err = f.svc.UseVoucher(context.Background(), testSalon, res.VoucherCode, 1)
	require.ErrorIs(t, err, model.ErrVoucherInvalid)

	n, err := f.svc.ExpireVouchers(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ExpireVouchers(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, n)

	check, err = f.svc.ValidateVoucher(context.Background(), testSalon, res.VoucherCode)
	require.NoError(t, err)
	assert.Equal(t, model.VoucherReasonInactive, check.Reason)

	_, err = f.svc.CancelVoucher(context.Background(), testSalon, res.VoucherCode)
	require.ErrorIs(t, err, model.ErrVoucherInvalid)
}

func TestVoucher_Cancel(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 100)
	one := 1
	rw := f.createReward(t, model.Reward{PointsCost: 50, MaxPerClient: &one})

	res, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelVoucher(context.Background(), testSalon, res.VoucherCode)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionCancelled, cancelled.Status)
	assert.Equal(t, int64(50), f.balance(t, 1))

	// Отменённый обмен не учитывается в лимите на клиента.
	_, _, err = f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)
}

func TestVoucher_NotFound(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 100)
	rw := f.createReward(t, model.Reward{PointsCost: 100})

	res, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	other := basicProgram()
	other.SalonID = testSalon + 1
	_, _, err = f.svc.CreateProgram(context.Background(), other, nil)
	require.NoError(t, err)

	for _, code := range []string{"V-00000000", "garbage"} {
		check, err := f.svc.ValidateVoucher(context.Background(), testSalon, code)
		require.NoError(t, err)
		assert.False(t, check.Valid)
		assert.Equal(t, model.VoucherReasonNotFound, check.Reason)
	}

	check, err := f.svc.ValidateVoucher(context.Background(), other.SalonID, res.VoucherCode)
	require.NoError(t, err)
	assert.Equal(t, model.VoucherReasonNotFound, check.Reason)

	_, err = f.svc.UseVoucher(context.Background(), other.SalonID, res.VoucherCode, 1)
	require.ErrorIs(t, err, model.ErrVoucherInvalid)

	_, err = f.svc.CancelVoucher(context.Background(), other.SalonID, res.VoucherCode)
	require.ErrorIs(t, err, model.ErrRedemptionNotFound)
}

func TestRedeem_RegeneratesCollidingVoucherCode(t *testing.T) {
	f := newFixture(t, WithCodeGenerator(seqCodes("REF00001", "CODE0001", "CODE0001", "CODE0002")))
	f.createProgram(t, basicProgram())
	f.fund(t, 1, 100)
	rw := f.createReward(t, model.Reward{PointsCost: 10})

	first, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)
	second, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	assert.Equal(t, "V-CODE0001", first.VoucherCode)
	assert.Equal(t, "V-CODE0002", second.VoucherCode)
}

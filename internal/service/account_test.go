package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/tier"
)

func TestCloseCommand_ScenarioA(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	f.createProgram(t, p, tier.DefaultLadder()[0])
	f.enroll(t, 1)

	res, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 501,
		Items:     []model.LineItem{serviceItem("100.00")},
	})
	require.NoError(t, err)

	assert.Equal(t, model.EarnResult{PointsEarned: 100, NewBalance: 100}, res)
	assert.Equal(t, int64(100), f.balance(t, 1))
	assertLedgerIdentity(t, f, 1)
}

func TestCloseCommand_ScenarioE_TierUpgrade(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	_, err := f.svc.AdjustPoints(context.Background(), testSalon, 1, 400, "import", testStaff)
	require.NoError(t, err)

	res, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 502,
		Items:     []model.LineItem{serviceItem("200")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.PointsEarned)
	assert.True(t, res.TierUpgraded)
	assert.Equal(t, "SILVER", res.NewTierName)

	summary, err := f.svc.GetAccount(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), summary.Account.LifetimeEarned)
	assert.Equal(t, "SILVER", summary.Tier.Name)
	require.NotNil(t, summary.Account.TierAchievedAt)

	events, err := f.svc.ListMarketingEvents(context.Background(), testSalon, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.MarketingTierChanged, events[0].Type)
	require.NotNil(t, events[0].Context.TierChange)
	assert.Equal(t, "SILVER", events[0].Context.TierChange.ToTierName)
	assert.True(t, events[0].Context.TierChange.Upgraded)
}

func TestCloseCommand_AppliesTierMultiplier(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	_, err := f.svc.AdjustPoints(context.Background(), testSalon, 1, 1500, "import", testStaff)
	require.NoError(t, err)

	res, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 503,
		Items: []model.LineItem{
			serviceItem("101"),
			{Type: model.ItemProduct, TotalPrice: dec("20"), Cancelled: true},
		},
	})
	require.NoError(t, err)
	// GOLD x1.25: 101 + floor(101*0.25)
	assert.Equal(t, int64(126), res.PointsEarned)
	assert.False(t, res.TierUpgraded)
}

func TestCloseCommand_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	ev := model.CommandClosed{ClientID: 1, CommandID: 77, Items: []model.LineItem{serviceItem("50")}}
	_, err := f.svc.CloseCommand(context.Background(), testSalon, ev)
	require.NoError(t, err)

	_, err = f.svc.CloseCommand(context.Background(), testSalon, ev)
	require.ErrorIs(t, err, model.ErrCommandAlreadyProcessed)
	assert.Equal(t, int64(50), f.balance(t, 1))
}

func TestCloseCommand_ZeroTotalIsNoop(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	res, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 78,
		Items:     []model.LineItem{{Type: model.ItemService, TotalPrice: dec("80"), Cancelled: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.EarnResult{}, res)

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCloseCommand_Errors(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	_, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{ClientID: 2, CommandID: 1})
	require.ErrorIs(t, err, model.ErrAccountNotFound)

	_, err = f.svc.CloseCommand(context.Background(), 404, model.CommandClosed{ClientID: 1, CommandID: 1})
	require.ErrorIs(t, err, model.ErrProgramNotFound)

	_, err = f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 2,
		Items:     []model.LineItem{serviceItem("-5")},
	})
	require.ErrorIs(t, err, model.ErrInvalidLineItem)

	settings := basicProgram()
	settings.Active = false
	_, err = f.svc.UpdateProgram(context.Background(), testSalon, settings)
	require.NoError(t, err)

	res, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  1,
		CommandID: 3,
		Items:     []model.LineItem{serviceItem("10")},
	})
	require.NoError(t, err)
	assert.Zero(t, res.PointsEarned)
	assert.Zero(t, f.balance(t, 1))
}

func TestEnroll_WelcomeAndReferral(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	p.WelcomePoints = 50
	p.ReferralPoints = 100
	f.createProgram(t, p)

	referrer := f.enroll(t, 1)
	require.True(t, len(referrer.ReferralCode) == 8)
	assert.Equal(t, int64(50), referrer.CurrentPoints)
	require.NotNil(t, referrer.TierID)

	referred, err := f.svc.Enroll(context.Background(), testSalon, 2, " "+lower(referrer.ReferralCode)+" ")
	require.NoError(t, err)
	require.NotNil(t, referred.ReferredByID)
	assert.Equal(t, referrer.ID, *referred.ReferredByID)
	assert.Equal(t, int64(50), referred.CurrentPoints)

	assert.Equal(t, int64(150), f.balance(t, 1))
	assertLedgerIdentity(t, f, 1)
	assertLedgerIdentity(t, f, 2)

	events, err := f.svc.ListMarketingEvents(context.Background(), testSalon, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.MarketingReferralBonus, events[0].Type)
	require.NotNil(t, events[0].Context.Referral)
	assert.Equal(t, referred.ID, events[0].Context.Referral.ReferredAccountID)

	stranger, err := f.svc.Enroll(context.Background(), testSalon, 3, "ZZZZZZZZ")
	require.NoError(t, err)
	assert.Nil(t, stranger.ReferredByID)

	_, err = f.svc.Enroll(context.Background(), testSalon, 2, "")
	require.ErrorIs(t, err, model.ErrAlreadyEnrolled)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func TestEnroll_ProgramMissingOrInactive(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Enroll(context.Background(), testSalon, 1, "")
	require.ErrorIs(t, err, model.ErrProgramNotFound)

	p := basicProgram()
	p.Active = false
	f.createProgram(t, p)

	_, err = f.svc.Enroll(context.Background(), testSalon, 1, "")
	require.ErrorIs(t, err, model.ErrProgramNotFound)
}

func TestEnroll_RegeneratesCollidingCode(t *testing.T) {
	f := newFixture(t, WithCodeGenerator(seqCodes("AAAAAAAA", "AAAAAAAA", "BBBBBBBB")))
	f.createProgram(t, basicProgram())

	first := f.enroll(t, 1)
	second := f.enroll(t, 2)
	assert.Equal(t, "AAAAAAAA", first.ReferralCode)
	assert.Equal(t, "BBBBBBBB", second.ReferralCode)
}

func TestEnroll_GivesUpAfterBoundedAttempts(t *testing.T) {
	f := newFixture(t, WithCodeGenerator(seqCodes("AAAAAAAA")))
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	_, err := f.svc.Enroll(context.Background(), testSalon, 2, "")
	require.ErrorIs(t, err, model.ErrCodeCollision)

	_, err = f.svc.GetAccount(context.Background(), testSalon, 2)
	require.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestAdjustPoints(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	tx, err := f.svc.AdjustPoints(context.Background(), testSalon, 1, 120, "goodwill", testStaff)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionAdjust, tx.Type)
	assert.Equal(t, int64(120), tx.BalanceAfter)
	require.NotNil(t, tx.CreatedBy)
	assert.Equal(t, testStaff, *tx.CreatedBy)

	_, err = f.svc.AdjustPoints(context.Background(), testSalon, 1, -20, "correction", testStaff)
	require.NoError(t, err)

	_, err = f.svc.AdjustPoints(context.Background(), testSalon, 1, -500, "too much", testStaff)
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = f.svc.AdjustPoints(context.Background(), testSalon, 1, 0, "nothing", testStaff)
	require.ErrorIs(t, err, model.ErrZeroDelta)

	summary, err := f.svc.GetAccount(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.Account.CurrentPoints)
	assert.Equal(t, int64(120), summary.Account.LifetimeEarned)
	assert.Zero(t, summary.Account.LifetimeRedeemed)

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assertLedgerIdentity(t, f, 1)
}

func TestCheckAndPromote(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	change, err := f.svc.CheckAndPromote(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.False(t, change.Changed)
	assert.Equal(t, "BASIC", change.To.Name)

	changed, err := f.svc.RecalculateTiers(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

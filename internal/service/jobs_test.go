package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/salon-loyalty/internal/model"
	"github.com/mmeshcher/salon-loyalty/internal/repository"
)

var errLockFailed = errors.New("lock failed")

// brokenAccountRepo отказывает в блокировке одного счёта, остальные работают как обычно.
type brokenAccountRepo struct {
	*repository.MemoryRepository
	accountID int64
}

func (r *brokenAccountRepo) Atomic(ctx context.Context, fn func(tx repository.Tx) error) error {
	return r.MemoryRepository.Atomic(ctx, func(tx repository.Tx) error {
		return fn(&brokenAccountTx{Tx: tx, accountID: r.accountID})
	})
}

type brokenAccountTx struct {
	repository.Tx
	accountID int64
}

func (tx *brokenAccountTx) LockAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	if accountID == tx.accountID {
		return nil, errLockFailed
	}
	return tx.Tx.LockAccount(ctx, accountID)
}

// withBrokenAccount возвращает сервис над тем же хранилищем, в котором счёт accountID недоступен.
func (f *fixture) withBrokenAccount(accountID int64) *Service {
	repo := &brokenAccountRepo{MemoryRepository: f.repo, accountID: accountID}
	return NewService(repo, nil, WithClock(f.clock.Now), WithRetryDelays())
}

func expiringProgram(days int) model.Program {
	p := basicProgram()
	p.PointsExpireDays = &days
	return p
}

func (f *fixture) earn(t *testing.T, clientID, commandID int64, total string) {
	t.Helper()
	_, err := f.svc.CloseCommand(context.Background(), testSalon, model.CommandClosed{
		ClientID:  clientID,
		CommandID: commandID,
		Items:     []model.LineItem{serviceItem(total)},
	})
	require.NoError(t, err)
}

func TestProcessExpiredPoints_ScenarioD(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, expiringProgram(30))
	f.enroll(t, 1)
	f.earn(t, 1, 1, "100")

	report, err := f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)
	assert.Equal(t, int64(100), f.balance(t, 1))

	f.clock.Advance(31 * 24 * time.Hour)

	report, err = f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
	assert.Empty(t, report.Failures)
	assert.Zero(t, f.balance(t, 1))

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	expire, source := txs[0], txs[1]
	assert.Equal(t, model.TransactionExpire, expire.Type)
	assert.Equal(t, int64(-100), expire.Points)
	require.NotNil(t, expire.ExpiredTransactionID)
	assert.Equal(t, source.ID, *expire.ExpiredTransactionID)
	assert.Contains(t, expire.Description, "transaction")

	report, err = f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)

	txs, err = f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	summary, err := f.svc.GetAccount(context.Background(), testSalon, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.Account.LifetimeEarned)
	assertLedgerIdentity(t, f, 1)
}

func TestProcessExpiredPoints_NeverExceedsBalance(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, expiringProgram(10))
	f.enroll(t, 1)
	f.enroll(t, 2)
	f.earn(t, 1, 1, "100")
	f.earn(t, 2, 2, "100")

	_, err := f.svc.AdjustPoints(context.Background(), testSalon, 1, -70, "partial spend", testStaff)
	require.NoError(t, err)
	_, err = f.svc.AdjustPoints(context.Background(), testSalon, 2, -100, "full spend", testStaff)
	require.NoError(t, err)

	f.clock.Advance(11 * 24 * time.Hour)

	report, err := f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
	assert.Zero(t, f.balance(t, 1))
	assert.Zero(t, f.balance(t, 2))

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 2, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TransactionExpire, txs[0].Type)
	assert.Zero(t, txs[0].Points)

	before, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)

	report, err = f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)

	after, err := f.svc.ListTransactions(context.Background(), testSalon, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	assertLedgerIdentity(t, f, 1)
	assertLedgerIdentity(t, f, 2)
}

func TestProcessExpiredPoints_WithoutExpiryKeepsPoints(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)
	f.earn(t, 1, 1, "40")

	f.clock.Advance(5 * 365 * 24 * time.Hour)

	report, err := f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)
	assert.Equal(t, int64(40), f.balance(t, 1))
}

func TestProcessBirthdayPoints(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	p.BirthdayPoints = 200
	f.createProgram(t, p)
	f.enroll(t, 1)
	f.enroll(t, 2)

	require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, 1, time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, 2, time.Date(1985, time.July, 1, 0, 0, 0, 0, time.UTC)))

	f.clock.Set(time.Date(2026, time.June, 15, 9, 0, 0, 0, time.UTC))

	report, err := f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
	assert.Equal(t, int64(200), f.balance(t, 1))
	assert.Zero(t, f.balance(t, 2))

	report, err = f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)
	assert.Equal(t, int64(200), f.balance(t, 1))

	f.clock.Set(time.Date(2027, time.June, 15, 9, 0, 0, 0, time.UTC))

	report, err = f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
	assert.Equal(t, int64(400), f.balance(t, 1))
	assertLedgerIdentity(t, f, 1)
}

func TestProcessBirthdayPoints_LeapDay(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	p.BirthdayPoints = 50
	f.createProgram(t, p)
	f.enroll(t, 1)

	require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, 1, time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC)))

	f.clock.Set(time.Date(2027, time.February, 28, 9, 0, 0, 0, time.UTC))
	report, err := f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)

	f.clock.Set(time.Date(2028, time.February, 28, 9, 0, 0, 0, time.UTC))
	report, err = f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)

	f.clock.Set(time.Date(2028, time.February, 29, 9, 0, 0, 0, time.UTC))
	report, err = f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
}

func TestProcessBirthdayPoints_ZeroAmountSkipped(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, basicProgram())
	f.enroll(t, 1)

	require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, 1, f.clock.Now()))

	report, err := f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Zero(t, report.AccountsAffected)
	assert.Zero(t, f.balance(t, 1))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	p := expiringProgram(5)
	p.BirthdayPoints = 10
	f.createProgram(t, p)
	f.enroll(t, 1)
	f.earn(t, 1, 1, "100")

	rw := f.createReward(t, model.Reward{PointsCost: 30, ValidDays: 2})
	_, _, err := f.svc.Redeem(context.Background(), testSalon, 1, rw.ID, testStaff)
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, 1, f.clock.Now().AddDate(-30, 0, 0)))

	salons, err := f.svc.ActivePrograms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{testSalon}, salons)

	report, err := f.svc.Sweep(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, testSalon, report.SalonID)
	assert.Equal(t, 1, report.ExpiredPoints.AccountsAffected)
	assert.Equal(t, 1, report.VouchersExpired)
	assert.Equal(t, 1, report.BirthdayPoints.AccountsAffected)

	// 100 заработано, 30 потрачено, 70 сгорело, 10 ко дню рождения.
	assert.Equal(t, int64(10), f.balance(t, 1))
	assertLedgerIdentity(t, f, 1)
}

func TestProcessExpiredPoints_AccountFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	f.createProgram(t, expiringProgram(30))
	f.enroll(t, 1)
	broken := f.enroll(t, 2)
	f.enroll(t, 3)
	f.earn(t, 1, 1, "100")
	f.earn(t, 2, 2, "100")
	f.earn(t, 3, 3, "100")

	txs, err := f.svc.ListTransactions(context.Background(), testSalon, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	brokenEarn := txs[0]

	f.clock.Advance(31 * 24 * time.Hour)

	report, err := f.withBrokenAccount(broken.ID).ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 2, report.AccountsAffected)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, broken.ID, report.Failures[0].AccountID)
	assert.Equal(t, brokenEarn.ID, report.Failures[0].TransactionID)
	assert.ErrorIs(t, report.Failures[0].Err, errLockFailed)
	assert.NotEmpty(t, report.Failures[0].Message)

	assert.Zero(t, f.balance(t, 1))
	assert.Equal(t, int64(100), f.balance(t, 2))
	assert.Zero(t, f.balance(t, 3))

	report, err = f.svc.ProcessExpiredPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsAffected)
	assert.Empty(t, report.Failures)
	assert.Zero(t, f.balance(t, 2))
	for _, clientID := range []int64{1, 2, 3} {
		assertLedgerIdentity(t, f, clientID)
	}
}

func TestSweep_BirthdayAccountFailureIsReported(t *testing.T) {
	f := newFixture(t)
	p := basicProgram()
	p.BirthdayPoints = 25
	f.createProgram(t, p)
	f.enroll(t, 1)
	broken := f.enroll(t, 2)
	f.enroll(t, 3)

	birthday := time.Date(1990, time.March, 10, 0, 0, 0, 0, time.UTC)
	for _, clientID := range []int64{1, 2, 3} {
		require.NoError(t, f.svc.SetClientBirthday(context.Background(), testSalon, clientID, birthday))
	}

	report, err := f.withBrokenAccount(broken.ID).Sweep(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 2, report.BirthdayPoints.AccountsAffected)
	require.Len(t, report.BirthdayPoints.Failures, 1)
	assert.Equal(t, broken.ID, report.BirthdayPoints.Failures[0].AccountID)
	assert.Zero(t, report.BirthdayPoints.Failures[0].TransactionID)
	assert.ErrorIs(t, report.BirthdayPoints.Failures[0].Err, errLockFailed)

	assert.Equal(t, int64(25), f.balance(t, 1))
	assert.Zero(t, f.balance(t, 2))
	assert.Equal(t, int64(25), f.balance(t, 3))

	birthdayReport, err := f.svc.ProcessBirthdayPoints(context.Background(), testSalon)
	require.NoError(t, err)
	assert.Equal(t, 1, birthdayReport.AccountsAffected)
	assert.Equal(t, int64(25), f.balance(t, 2))
}

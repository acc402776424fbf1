package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

type stubWriter struct {
	transactions []model.Transaction
	saved        []model.Account

	insertErr error
	saveErr   error
}

func (w *stubWriter) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	if w.insertErr != nil {
		return w.insertErr
	}
	t.ID = int64(len(w.transactions) + 1)
	w.transactions = append(w.transactions, *t)
	return nil
}

func (w *stubWriter) SaveAccount(ctx context.Context, a *model.Account) error {
	if w.saveErr != nil {
		return w.saveErr
	}
	w.saved = append(w.saved, *a)
	return nil
}

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		acc     model.Account
		delta   int64
		typ     model.TransactionType
		want    model.Account
		wantErr error
	}{
		{
			name:  "earn grows lifetime earned",
			acc:   model.Account{CurrentPoints: 10, LifetimeEarned: 10},
			delta: 90,
			typ:   model.TransactionEarn,
			want:  model.Account{CurrentPoints: 100, LifetimeEarned: 100},
		},
		{
			name:  "redeem grows lifetime redeemed",
			acc:   model.Account{CurrentPoints: 500, LifetimeEarned: 500},
			delta: -500,
			typ:   model.TransactionRedeem,
			want:  model.Account{CurrentPoints: 0, LifetimeEarned: 500, LifetimeRedeemed: 500},
		},
		{
			name:  "negative adjust keeps lifetime counters",
			acc:   model.Account{CurrentPoints: 50, LifetimeEarned: 80, LifetimeRedeemed: 30},
			delta: -20,
			typ:   model.TransactionAdjust,
			want:  model.Account{CurrentPoints: 30, LifetimeEarned: 80, LifetimeRedeemed: 30},
		},
		{
			name:    "balance cannot go negative",
			acc:     model.Account{CurrentPoints: 400},
			delta:   -500,
			typ:     model.TransactionRedeem,
			want:    model.Account{CurrentPoints: 400},
			wantErr: model.ErrInsufficientBalance,
		},
		{
			name:    "zero delta rejected",
			acc:     model.Account{CurrentPoints: 5},
			delta:   0,
			typ:     model.TransactionAdjust,
			want:    model.Account{CurrentPoints: 5},
			wantErr: model.ErrZeroDelta,
		},
		{
			name:    "current balance overflow rejected",
			acc:     model.Account{CurrentPoints: math.MaxInt64 - 5, LifetimeEarned: math.MaxInt64 - 5},
			delta:   10,
			typ:     model.TransactionEarn,
			want:    model.Account{CurrentPoints: math.MaxInt64 - 5, LifetimeEarned: math.MaxInt64 - 5},
			wantErr: model.ErrPointsOverflow,
		},
		{
			name:    "lifetime earned overflow rejected after points were spent",
			acc:     model.Account{CurrentPoints: 0, LifetimeEarned: math.MaxInt64 - 5, LifetimeRedeemed: 100},
			delta:   10,
			typ:     model.TransactionBirthday,
			want:    model.Account{CurrentPoints: 0, LifetimeEarned: math.MaxInt64 - 5, LifetimeRedeemed: 100},
			wantErr: model.ErrPointsOverflow,
		},
		{
			name:    "lifetime redeemed overflow rejected",
			acc:     model.Account{CurrentPoints: 50, LifetimeEarned: math.MaxInt64, LifetimeRedeemed: math.MaxInt64 - 10},
			delta:   -20,
			typ:     model.TransactionRedeem,
			want:    model.Account{CurrentPoints: 50, LifetimeEarned: math.MaxInt64, LifetimeRedeemed: math.MaxInt64 - 10},
			wantErr: model.ErrPointsOverflow,
		},
		{
			name:  "earn up to the limit is allowed",
			acc:   model.Account{CurrentPoints: 0, LifetimeEarned: math.MaxInt64 - 10},
			delta: 10,
			typ:   model.TransactionEarn,
			want:  model.Account{CurrentPoints: 10, LifetimeEarned: math.MaxInt64},
		},
		{
			name:  "zero expire marker allowed",
			acc:   model.Account{CurrentPoints: 0, LifetimeEarned: 100},
			delta: 0,
			typ:   model.TransactionExpire,
			want:  model.Account{CurrentPoints: 0, LifetimeEarned: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.acc, tt.delta, tt.typ)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApply_WritesSnapshot(t *testing.T) {
	w := &stubWriter{}
	acc := &model.Account{ID: 7, CurrentPoints: 100, LifetimeEarned: 100}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 0, 30)
	commandID := int64(55)

	tx, err := Apply(context.Background(), w, acc, Entry{
		Type:        model.TransactionEarn,
		Points:      40,
		Description: "command #55",
		CommandID:   &commandID,
		ExpiresAt:   &expires,
		At:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(140), tx.BalanceAfter)
	assert.Equal(t, int64(7), tx.AccountID)
	assert.Equal(t, &expires, tx.ExpiresAt)
	assert.Equal(t, int64(140), acc.CurrentPoints)
	assert.Equal(t, int64(140), acc.LifetimeEarned)
	assert.Equal(t, now, acc.UpdatedAt)
	require.Len(t, w.saved, 1)
	assert.Equal(t, *acc, w.saved[0])
}

func TestApply_DropsExpiryOnDebit(t *testing.T) {
	w := &stubWriter{}
	acc := &model.Account{ID: 1, CurrentPoints: 100}
	expires := time.Now().Add(time.Hour)

	tx, err := Apply(context.Background(), w, acc, Entry{
		Type:      model.TransactionAdjust,
		Points:    -10,
		ExpiresAt: &expires,
		At:        time.Now(),
	})
	require.NoError(t, err)
	assert.Nil(t, tx.ExpiresAt)
}

func TestApply_NoSideEffectsOnFailure(t *testing.T) {
	w := &stubWriter{}
	acc := &model.Account{ID: 1, CurrentPoints: 400}

	_, err := Apply(context.Background(), w, acc, Entry{
		Type:   model.TransactionRedeem,
		Points: -500,
		At:     time.Now(),
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, w.transactions)
	assert.Empty(t, w.saved)
	assert.Equal(t, int64(400), acc.CurrentPoints)
}

func TestApply_WriterErrorLeavesAccount(t *testing.T) {
	w := &stubWriter{saveErr: errors.New("boom")}
	acc := &model.Account{ID: 1, CurrentPoints: 10}

	_, err := Apply(context.Background(), w, acc, Entry{
		Type:   model.TransactionEarn,
		Points: 5,
		At:     time.Now(),
	})
	require.Error(t, err)
	assert.Equal(t, int64(10), acc.CurrentPoints)
}

func TestApply_LedgerIdentity(t *testing.T) {
	w := &stubWriter{}
	acc := &model.Account{ID: 3}
	deltas := []struct {
		typ    model.TransactionType
		points int64
	}{
		{model.TransactionWelcome, 50},
		{model.TransactionEarn, 300},
		{model.TransactionRedeem, -200},
		{model.TransactionAdjust, -25},
		{model.TransactionExpire, -100},
		{model.TransactionBirthday, 40},
		{model.TransactionRedeem, -1000},
	}

	for _, d := range deltas {
		_, _ = Apply(context.Background(), w, acc, Entry{Type: d.typ, Points: d.points, At: time.Now()})

		var sum int64
		for _, tx := range w.transactions {
			sum += tx.Points
		}
		require.Equal(t, sum, acc.CurrentPoints)
		require.GreaterOrEqual(t, acc.CurrentPoints, int64(0))
	}

	assert.Equal(t, int64(390), acc.LifetimeEarned)
	assert.Equal(t, int64(200), acc.LifetimeRedeemed)
}

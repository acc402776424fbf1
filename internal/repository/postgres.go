package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	programColumns = `id, salon_id, service_rate, product_rate, points_expire_days, min_points_to_redeem,
		welcome_points, birthday_points, referral_points, active, created_at, updated_at`

	tierColumns = `id, program_id, name, rank, min_points, multiplier,
		discount_percent, priority_booking, extra_benefits, created_at`

	accountColumns = `a.id, a.program_id, a.client_id, a.current_points, a.lifetime_earned, a.lifetime_redeemed,
		a.tier_id, a.tier_achieved_at, a.referral_code, a.referred_by_id, a.created_at, a.updated_at`

	transactionColumns = `t.id, t.account_id, t.type, t.points, t.balance_after, t.description, t.command_id,
		t.appointment_id, t.reward_id, t.expired_transaction_id, t.expires_at, t.created_by, t.created_at`

	rewardColumns = `id, program_id, name, description, type, points_cost, value, product_id, service_id,
		min_tier_id, max_per_client, total_available, valid_days, active, created_at, updated_at`

	redemptionColumns = `id, account_id, reward_id, transaction_id, voucher_code, status,
		expires_at, used_at, used_in_command_id, created_at`
)

// Имена ограничений уникальности из миграций.
const (
	constraintProgramSalon   = "loyalty_programs_salon_uniq"
	constraintAccountClient  = "loyalty_accounts_client_uniq"
	constraintReferralCode   = "loyalty_accounts_referral_code_uniq"
	constraintVoucherCode    = "loyalty_redemptions_voucher_uniq"
	constraintExpiredOnce    = "loyalty_transactions_expired_uniq"
	constraintTierRankUnique = "loyalty_tiers_rank_uniq"
)

// PostgresRepository предоставляет доступ к данным программы лояльности в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if i == len(r.delays) || !isRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// uniqueViolation возвращает имя нарушенного ограничения уникальности.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Atomic выполняет fn в одной транзакции БД. Конфликты сериализации и взаимные
// блокировки приводят к повтору всей единицы работы.
func (r *PostgresRepository) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(&pgTx{tx: tx})
		})
	})
}

func scanProgram(row pgx.Row) (*model.Program, error) {
	var p model.Program
	err := row.Scan(&p.ID, &p.SalonID, &p.ServiceRate, &p.ProductRate, &p.PointsExpireDays, &p.MinPointsToRedeem,
		&p.WelcomePoints, &p.BirthdayPoints, &p.ReferralPoints, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTier(row pgx.Row) (*model.Tier, error) {
	var t model.Tier
	err := row.Scan(&t.ID, &t.ProgramID, &t.Name, &t.Rank, &t.MinPoints, &t.Multiplier,
		&t.Benefits.DiscountPercent, &t.Benefits.PriorityBooking, &t.Benefits.ExtraBenefits, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.ProgramID, &a.ClientID, &a.CurrentPoints, &a.LifetimeEarned, &a.LifetimeRedeemed,
		&a.TierID, &a.TierAchievedAt, &a.ReferralCode, &a.ReferredByID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t   model.Transaction
		typ string
	)
	err := row.Scan(&t.ID, &t.AccountID, &typ, &t.Points, &t.BalanceAfter, &t.Description, &t.CommandID,
		&t.AppointmentID, &t.RewardID, &t.ExpiredTransactionID, &t.ExpiresAt, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	return &t, nil
}

func scanReward(row pgx.Row) (*model.Reward, error) {
	var (
		rw  model.Reward
		typ string
	)
	err := row.Scan(&rw.ID, &rw.ProgramID, &rw.Name, &rw.Description, &typ, &rw.PointsCost, &rw.Value,
		&rw.ProductID, &rw.ServiceID, &rw.MinTierID, &rw.MaxPerClient, &rw.TotalAvailable, &rw.ValidDays,
		&rw.Active, &rw.CreatedAt, &rw.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rw.Type = model.RewardType(typ)
	return &rw, nil
}

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var (
		red    model.Redemption
		status string
	)
	err := row.Scan(&red.ID, &red.AccountID, &red.RewardID, &red.TransactionID, &red.VoucherCode, &status,
		&red.ExpiresAt, &red.UsedAt, &red.UsedInCommandID, &red.CreatedAt)
	if err != nil {
		return nil, err
	}
	red.Status = model.RedemptionStatus(status)
	return &red, nil
}

// collectRows читает все строки выборки через scan.
func collectRows[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var res []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateProgram сохраняет программу вместе с лестницей уровней.
func (r *PostgresRepository) CreateProgram(ctx context.Context, p *model.Program, tiers []model.Tier) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO loyalty_programs (salon_id, service_rate, product_rate, points_expire_days,
				min_points_to_redeem, welcome_points, birthday_points, referral_points, active, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
			p.SalonID, p.ServiceRate, p.ProductRate, p.PointsExpireDays, p.MinPointsToRedeem,
			p.WelcomePoints, p.BirthdayPoints, p.ReferralPoints, p.Active, p.CreatedAt, p.UpdatedAt,
		).Scan(&p.ID)
		if err != nil {
			if name, ok := uniqueViolation(err); ok && name == constraintProgramSalon {
				return fmt.Errorf("%w: salon %d", model.ErrProgramAlreadyExists, p.SalonID)
			}
			return fmt.Errorf("insert program: %w", err)
		}

		for i := range tiers {
			tiers[i].ProgramID = p.ID
			tiers[i].CreatedAt = p.CreatedAt
			if err := insertTier(ctx, tx, &tiers[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTier(ctx context.Context, q pgx.Tx, t *model.Tier) error {
	err := q.QueryRow(ctx,
		`INSERT INTO loyalty_tiers (program_id, name, rank, min_points, multiplier,
			discount_percent, priority_booking, extra_benefits, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		t.ProgramID, t.Name, t.Rank, t.MinPoints, t.Multiplier,
		t.Benefits.DiscountPercent, t.Benefits.PriorityBooking, t.Benefits.ExtraBenefits, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == constraintTierRankUnique {
			return fmt.Errorf("%w: rank %d already used", model.ErrInvalidTier, t.Rank)
		}
		return fmt.Errorf("insert tier: %w", err)
	}
	return nil
}

// GetProgramBySalon возвращает программу салона.
func (r *PostgresRepository) GetProgramBySalon(ctx context.Context, salonID int64) (*model.Program, error) {
	p, err := scanProgram(r.pool.QueryRow(ctx,
		`SELECT `+programColumns+` FROM loyalty_programs WHERE salon_id = $1`, salonID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrProgramNotFound
		}
		return nil, fmt.Errorf("get program: %w", err)
	}
	return p, nil
}

// UpdateProgram обновляет настройки программы.
func (r *PostgresRepository) UpdateProgram(ctx context.Context, p *model.Program) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loyalty_programs SET service_rate = $2, product_rate = $3, points_expire_days = $4,
			min_points_to_redeem = $5, welcome_points = $6, birthday_points = $7, referral_points = $8,
			active = $9, updated_at = $10
		 WHERE id = $1`,
		p.ID, p.ServiceRate, p.ProductRate, p.PointsExpireDays, p.MinPointsToRedeem,
		p.WelcomePoints, p.BirthdayPoints, p.ReferralPoints, p.Active, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update program: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrProgramNotFound
	}
	return nil
}

// ListActivePrograms возвращает все активные программы.
func (r *PostgresRepository) ListActivePrograms(ctx context.Context) ([]model.Program, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+programColumns+` FROM loyalty_programs WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select programs: %w", err)
	}
	return collectRows(rows, scanProgram)
}

// ListTiers возвращает уровни программы по возрастанию ранга.
func (r *PostgresRepository) ListTiers(ctx context.Context, programID int64) ([]model.Tier, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+tierColumns+` FROM loyalty_tiers WHERE program_id = $1 ORDER BY rank`, programID)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	return collectRows(rows, scanTier)
}

// CreateTier добавляет уровень.
func (r *PostgresRepository) CreateTier(ctx context.Context, t *model.Tier) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return insertTier(ctx, tx, t)
	})
}

// UpdateTier обновляет уровень.
func (r *PostgresRepository) UpdateTier(ctx context.Context, t *model.Tier) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loyalty_tiers SET name = $3, rank = $4, min_points = $5, multiplier = $6,
			discount_percent = $7, priority_booking = $8, extra_benefits = $9
		 WHERE id = $1 AND program_id = $2`,
		t.ID, t.ProgramID, t.Name, t.Rank, t.MinPoints, t.Multiplier,
		t.Benefits.DiscountPercent, t.Benefits.PriorityBooking, t.Benefits.ExtraBenefits,
	)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == constraintTierRankUnique {
			return fmt.Errorf("%w: rank %d already used", model.ErrInvalidTier, t.Rank)
		}
		return fmt.Errorf("update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTierNotFound
	}
	return nil
}

// DeleteTier удаляет уровень, если на него не ссылаются счета и награды.
func (r *PostgresRepository) DeleteTier(ctx context.Context, programID, tierID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM loyalty_tiers WHERE id = $1 AND program_id = $2`, tierID, programID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrTierInUse
		}
		return fmt.Errorf("delete tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTierNotFound
	}
	return nil
}

// CreateReward добавляет награду в каталог.
func (r *PostgresRepository) CreateReward(ctx context.Context, rw *model.Reward) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO loyalty_rewards (program_id, name, description, type, points_cost, value, product_id,
			service_id, min_tier_id, max_per_client, total_available, valid_days, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		rw.ProgramID, rw.Name, rw.Description, string(rw.Type), rw.PointsCost, rw.Value, rw.ProductID,
		rw.ServiceID, rw.MinTierID, rw.MaxPerClient, rw.TotalAvailable, rw.ValidDays, rw.Active,
		rw.CreatedAt, rw.UpdatedAt,
	).Scan(&rw.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrTierNotFound
		}
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// GetReward возвращает награду программы.
func (r *PostgresRepository) GetReward(ctx context.Context, programID, rewardID int64) (*model.Reward, error) {
	rw, err := scanReward(r.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM loyalty_rewards WHERE id = $1 AND program_id = $2`, rewardID, programID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return rw, nil
}

// UpdateReward обновляет награду.
func (r *PostgresRepository) UpdateReward(ctx context.Context, rw *model.Reward) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loyalty_rewards SET name = $3, description = $4, type = $5, points_cost = $6, value = $7,
			product_id = $8, service_id = $9, min_tier_id = $10, max_per_client = $11, total_available = $12,
			valid_days = $13, active = $14, updated_at = $15
		 WHERE id = $1 AND program_id = $2`,
		rw.ID, rw.ProgramID, rw.Name, rw.Description, string(rw.Type), rw.PointsCost, rw.Value,
		rw.ProductID, rw.ServiceID, rw.MinTierID, rw.MaxPerClient, rw.TotalAvailable,
		rw.ValidDays, rw.Active, rw.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrTierNotFound
		}
		return fmt.Errorf("update reward: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRewardNotFound
	}
	return nil
}

// DeleteReward удаляет награду или отключает её, если по ней уже были обмены.
// Возвращает true, если награда была отключена, а не удалена.
func (r *PostgresRepository) DeleteReward(ctx context.Context, programID, rewardID int64) (bool, error) {
	var deactivated bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var redeemed bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM loyalty_redemptions WHERE reward_id = $1)`, rewardID,
		).Scan(&redeemed)
		if err != nil {
			return fmt.Errorf("check redemptions: %w", err)
		}

		var tag pgconn.CommandTag
		if redeemed {
			tag, err = tx.Exec(ctx,
				`UPDATE loyalty_rewards SET active = FALSE WHERE id = $1 AND program_id = $2`, rewardID, programID)
		} else {
			tag, err = tx.Exec(ctx,
				`DELETE FROM loyalty_rewards WHERE id = $1 AND program_id = $2`, rewardID, programID)
		}
		if err != nil {
			return fmt.Errorf("delete reward: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrRewardNotFound
		}
		deactivated = redeemed
		return nil
	})
	return deactivated, err
}

// ListRewards возвращает награды программы.
func (r *PostgresRepository) ListRewards(ctx context.Context, programID int64, activeOnly bool) ([]model.Reward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM loyalty_rewards
		 WHERE program_id = $1 AND (active OR NOT $2)
		 ORDER BY points_cost, id`,
		programID, activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	return collectRows(rows, scanReward)
}

// GetAccount возвращает счёт по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a WHERE a.id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountByClient возвращает счёт клиента в программе.
func (r *PostgresRepository) GetAccountByClient(ctx context.Context, programID, clientID int64) (*model.Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a WHERE a.program_id = $1 AND a.client_id = $2`,
		programID, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListAccounts возвращает все счета программы.
func (r *PostgresRepository) ListAccounts(ctx context.Context, programID int64) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a WHERE a.program_id = $1 ORDER BY a.id`, programID)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	return collectRows(rows, scanAccount)
}

// ListTransactions возвращает журнал счёта, начиная с последних записей.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM loyalty_transactions t
		 WHERE t.account_id = $1
		 ORDER BY t.id DESC
		 LIMIT $2`,
		accountID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collectRows(rows, scanTransaction)
}

// GetRedemptionByCode возвращает обмен по коду ваучера.
func (r *PostgresRepository) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	red, err := scanRedemption(r.pool.QueryRow(ctx,
		`SELECT `+redemptionColumns+` FROM loyalty_redemptions WHERE voucher_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return red, nil
}

// ListRedemptions возвращает обмены счёта, начиная с последних.
func (r *PostgresRepository) ListRedemptions(ctx context.Context, accountID int64) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+redemptionColumns+` FROM loyalty_redemptions WHERE account_id = $1 ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	return collectRows(rows, scanRedemption)
}

// TransitionRedemption переводит ваучер из PENDING в конечный статус.
// Условие на статус в UPDATE не даёт двум конкурентным запросам провести переход дважды.
func (r *PostgresRepository) TransitionRedemption(ctx context.Context, id int64, to model.RedemptionStatus, at time.Time, commandID *int64) (*model.Redemption, error) {
	var row pgx.Row
	if to == model.RedemptionUsed {
		row = r.pool.QueryRow(ctx,
			`UPDATE loyalty_redemptions SET status = $2, used_at = $3, used_in_command_id = $4
			 WHERE id = $1 AND status = $5
			 RETURNING `+redemptionColumns,
			id, string(to), at, commandID, string(model.RedemptionPending))
	} else {
		row = r.pool.QueryRow(ctx,
			`UPDATE loyalty_redemptions SET status = $2
			 WHERE id = $1 AND status = $3
			 RETURNING `+redemptionColumns,
			id, string(to), string(model.RedemptionPending))
	}

	red, err := scanRedemption(row)
	if err == nil {
		return red, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update redemption: %w", err)
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM loyalty_redemptions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption status: %w", err)
	}
	return nil, &model.VoucherError{Reason: model.RedemptionStatus(status).InvalidReason()}
}

// ExpireRedemptions переводит просроченные ваучеры программы в EXPIRED.
func (r *PostgresRepository) ExpireRedemptions(ctx context.Context, programID int64, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE loyalty_redemptions red SET status = $3
		 FROM loyalty_accounts a
		 WHERE a.id = red.account_id AND a.program_id = $1
		   AND red.status = $4 AND red.expires_at < $2`,
		programID, now, string(model.RedemptionExpired), string(model.RedemptionPending),
	)
	if err != nil {
		return 0, fmt.Errorf("expire redemptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListExpirableTransactions возвращает начисления программы со сроком раньше now,
// для которых ещё не проведено сгорание.
func (r *PostgresRepository) ListExpirableTransactions(ctx context.Context, programID int64, now time.Time) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM loyalty_transactions t
		 JOIN loyalty_accounts a ON a.id = t.account_id
		 WHERE a.program_id = $1 AND t.type = $3 AND t.expires_at < $2
		   AND NOT EXISTS (SELECT 1 FROM loyalty_transactions e WHERE e.expired_transaction_id = t.id)
		 ORDER BY t.id`,
		programID, now, string(model.TransactionEarn),
	)
	if err != nil {
		return nil, fmt.Errorf("select expirable transactions: %w", err)
	}
	return collectRows(rows, scanTransaction)
}

// ListBirthdayAccounts возвращает счета программы, у клиентов которых день рождения в указанный день.
func (r *PostgresRepository) ListBirthdayAccounts(ctx context.Context, programID int64, month time.Month, day int) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a
		 JOIN loyalty_programs p ON p.id = a.program_id
		 JOIN loyalty_client_profiles c ON c.salon_id = p.salon_id AND c.client_id = a.client_id
		 WHERE a.program_id = $1
		   AND EXTRACT(MONTH FROM c.birth_date) = $2
		   AND EXTRACT(DAY FROM c.birth_date) = $3
		 ORDER BY a.id`,
		programID, int(month), day,
	)
	if err != nil {
		return nil, fmt.Errorf("select birthday accounts: %w", err)
	}
	return collectRows(rows, scanAccount)
}

// UpsertClientProfile сохраняет данные клиента из основной системы.
func (r *PostgresRepository) UpsertClientProfile(ctx context.Context, p model.ClientProfile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO loyalty_client_profiles (salon_id, client_id, birth_date)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (salon_id, client_id) DO UPDATE SET birth_date = EXCLUDED.birth_date, updated_at = now()`,
		p.SalonID, p.ClientID, p.BirthDate,
	)
	if err != nil {
		return fmt.Errorf("upsert client profile: %w", err)
	}
	return nil
}

// ListMarketingEvents возвращает последние маркетинговые события программы.
func (r *PostgresRepository) ListMarketingEvents(ctx context.Context, programID int64, limit int) ([]model.MarketingEvent, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, program_id, account_id, type, context, created_at
		 FROM loyalty_marketing_events
		 WHERE program_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		programID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("select marketing events: %w", err)
	}
	return collectRows(rows, func(row pgx.Row) (*model.MarketingEvent, error) {
		var (
			e   model.MarketingEvent
			typ string
		)
		if err := row.Scan(&e.ID, &e.ProgramID, &e.AccountID, &typ, &e.Context, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.MarketingEventType(typ)
		return &e, nil
	})
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

// savepoint выполняет fn во вложенной транзакции, чтобы нарушение ограничения
// не прерывало внешнюю транзакцию.
func (t *pgTx) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (t *pgTx) LockAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a WHERE a.id = $1 FOR UPDATE`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account for update: %w", err)
	}
	return a, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	return t.savepoint(ctx, func(sp pgx.Tx) error {
		err := sp.QueryRow(ctx,
			`INSERT INTO loyalty_accounts (program_id, client_id, current_points, lifetime_earned,
				lifetime_redeemed, tier_id, tier_achieved_at, referral_code, referred_by_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
			a.ProgramID, a.ClientID, a.CurrentPoints, a.LifetimeEarned, a.LifetimeRedeemed,
			a.TierID, a.TierAchievedAt, a.ReferralCode, a.ReferredByID, a.CreatedAt, a.UpdatedAt,
		).Scan(&a.ID)
		if err == nil {
			return nil
		}
		switch name, _ := uniqueViolation(err); name {
		case constraintAccountClient:
			return model.ErrAlreadyEnrolled
		case constraintReferralCode:
			return model.ErrCodeCollision
		}
		return fmt.Errorf("insert account: %w", err)
	})
}

func (t *pgTx) GetAccountByReferralCode(ctx context.Context, programID int64, code string) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts a WHERE a.program_id = $1 AND a.referral_code = $2`,
		programID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account by referral code: %w", err)
	}
	return a, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE loyalty_accounts SET current_points = $2, lifetime_earned = $3, lifetime_redeemed = $4,
			tier_id = $5, tier_achieved_at = $6, updated_at = $7
		 WHERE id = $1`,
		a.ID, a.CurrentPoints, a.LifetimeEarned, a.LifetimeRedeemed, a.TierID, a.TierAchievedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return t.savepoint(ctx, func(sp pgx.Tx) error {
		err := sp.QueryRow(ctx,
			`INSERT INTO loyalty_transactions (account_id, type, points, balance_after, description, command_id,
				appointment_id, reward_id, expired_transaction_id, expires_at, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
			tr.AccountID, string(tr.Type), tr.Points, tr.BalanceAfter, tr.Description, tr.CommandID,
			tr.AppointmentID, tr.RewardID, tr.ExpiredTransactionID, tr.ExpiresAt, tr.CreatedBy, tr.CreatedAt,
		).Scan(&tr.ID)
		if err != nil {
			if name, ok := uniqueViolation(err); ok && name == constraintExpiredOnce {
				return model.ErrCodeCollision
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
}

func (t *pgTx) LockReward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	rw, err := scanReward(t.tx.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM loyalty_rewards WHERE id = $1 FOR UPDATE`, rewardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRewardNotFound
		}
		return nil, fmt.Errorf("lock reward for update: %w", err)
	}
	return rw, nil
}

func (t *pgTx) DecrementRewardStock(ctx context.Context, rewardID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE loyalty_rewards SET total_available = total_available - 1
		 WHERE id = $1 AND total_available > 0`, rewardID)
	if err != nil {
		return fmt.Errorf("decrement reward stock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var left *int
	err = t.tx.QueryRow(ctx, `SELECT total_available FROM loyalty_rewards WHERE id = $1`, rewardID).Scan(&left)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrRewardNotFound
		}
		return fmt.Errorf("get reward stock: %w", err)
	}
	if left == nil {
		return nil
	}
	return model.ErrRewardExhausted
}

func (t *pgTx) CountRedemptions(ctx context.Context, accountID, rewardID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM loyalty_redemptions
		 WHERE account_id = $1 AND reward_id = $2 AND status <> $3`,
		accountID, rewardID, string(model.RedemptionCancelled),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertRedemption(ctx context.Context, red *model.Redemption) error {
	return t.savepoint(ctx, func(sp pgx.Tx) error {
		err := sp.QueryRow(ctx,
			`INSERT INTO loyalty_redemptions (account_id, reward_id, transaction_id, voucher_code, status,
				expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			red.AccountID, red.RewardID, red.TransactionID, red.VoucherCode, string(red.Status),
			red.ExpiresAt, red.CreatedAt,
		).Scan(&red.ID)
		if err != nil {
			if name, ok := uniqueViolation(err); ok && name == constraintVoucherCode {
				return model.ErrCodeCollision
			}
			return fmt.Errorf("insert redemption: %w", err)
		}
		return nil
	})
}

func (t *pgTx) CommandEarned(ctx context.Context, accountID, commandID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loyalty_transactions
		 WHERE account_id = $1 AND command_id = $2 AND type = $3)`,
		accountID, commandID, string(model.TransactionEarn),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check command earned: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ExpiryRecorded(ctx context.Context, transactionID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loyalty_transactions WHERE expired_transaction_id = $1)`,
		transactionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check expiry recorded: %w", err)
	}
	return exists, nil
}

func (t *pgTx) HasTransactionSince(ctx context.Context, accountID int64, typ model.TransactionType, since time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loyalty_transactions
		 WHERE account_id = $1 AND type = $2 AND created_at >= $3)`,
		accountID, string(typ), since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction since: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertMarketingEvent(ctx context.Context, e *model.MarketingEvent) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO loyalty_marketing_events (program_id, account_id, type, context, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.ProgramID, e.AccountID, string(e.Type), e.Context, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert marketing event: %w", err)
	}
	return nil
}

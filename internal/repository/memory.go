package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/salon-loyalty/internal/model"
)

type profileKey struct {
	salonID  int64
	clientID int64
}

// MemoryRepository хранит данные программы лояльности в памяти процесса.
// Единицы работы выполняются последовательно под одной блокировкой.
type MemoryRepository struct {
	mu sync.Mutex

	programs     map[int64]model.Program
	tiers        map[int64]model.Tier
	accounts     map[int64]model.Account
	transactions []model.Transaction
	rewards      map[int64]model.Reward
	redemptions  map[int64]model.Redemption
	events       []model.MarketingEvent
	profiles     map[profileKey]model.ClientProfile

	lastID int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		programs:    make(map[int64]model.Program),
		tiers:       make(map[int64]model.Tier),
		accounts:    make(map[int64]model.Account),
		rewards:     make(map[int64]model.Reward),
		redemptions: make(map[int64]model.Redemption),
		profiles:    make(map[profileKey]model.ClientProfile),
	}
}

func (r *MemoryRepository) nextID() int64 {
	r.lastID++
	return r.lastID
}

// Close ничего не делает: хранилище в памяти не держит внешних ресурсов.
func (r *MemoryRepository) Close() error {
	return nil
}

// Atomic выполняет fn как одну единицу работы. При ошибке все изменения fn откатываются.
func (r *MemoryRepository) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{r: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// CreateProgram сохраняет программу вместе с лестницей уровней.
func (r *MemoryRepository) CreateProgram(ctx context.Context, p *model.Program, tiers []model.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.programs {
		if existing.SalonID == p.SalonID {
			return model.ErrProgramAlreadyExists
		}
	}

	p.ID = r.nextID()
	r.programs[p.ID] = *p
	for i := range tiers {
		tiers[i].ID = r.nextID()
		tiers[i].ProgramID = p.ID
		tiers[i].CreatedAt = p.CreatedAt
		r.tiers[tiers[i].ID] = tiers[i]
	}
	return nil
}

// GetProgramBySalon возвращает программу салона.
func (r *MemoryRepository) GetProgramBySalon(ctx context.Context, salonID int64) (*model.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.programs {
		if p.SalonID == salonID {
			return &p, nil
		}
	}
	return nil, model.ErrProgramNotFound
}

// UpdateProgram обновляет настройки программы.
func (r *MemoryRepository) UpdateProgram(ctx context.Context, p *model.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.programs[p.ID]; !ok {
		return model.ErrProgramNotFound
	}
	r.programs[p.ID] = *p
	return nil
}

// ListActivePrograms возвращает все активные программы.
func (r *MemoryRepository) ListActivePrograms(ctx context.Context) ([]model.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Program
	for _, p := range r.programs {
		if p.Active {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ListTiers возвращает уровни программы по возрастанию ранга.
func (r *MemoryRepository) ListTiers(ctx context.Context, programID int64) ([]model.Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Tier
	for _, t := range r.tiers {
		if t.ProgramID == programID {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Rank < res[j].Rank })
	return res, nil
}

// CreateTier добавляет уровень.
func (r *MemoryRepository) CreateTier(ctx context.Context, t *model.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.ID = r.nextID()
	r.tiers[t.ID] = *t
	return nil
}

// UpdateTier обновляет уровень.
func (r *MemoryRepository) UpdateTier(ctx context.Context, t *model.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tiers[t.ID]
	if !ok || existing.ProgramID != t.ProgramID {
		return model.ErrTierNotFound
	}
	r.tiers[t.ID] = *t
	return nil
}

// DeleteTier удаляет уровень, если на него не ссылаются счета и награды.
func (r *MemoryRepository) DeleteTier(ctx context.Context, programID, tierID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tiers[tierID]
	if !ok || existing.ProgramID != programID {
		return model.ErrTierNotFound
	}
	for _, a := range r.accounts {
		if a.TierID != nil && *a.TierID == tierID {
			return model.ErrTierInUse
		}
	}
	for _, rw := range r.rewards {
		if rw.MinTierID != nil && *rw.MinTierID == tierID {
			return model.ErrTierInUse
		}
	}
	delete(r.tiers, tierID)
	return nil
}

// CreateReward добавляет награду в каталог.
func (r *MemoryRepository) CreateReward(ctx context.Context, rw *model.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw.ID = r.nextID()
	r.rewards[rw.ID] = *rw
	return nil
}

// GetReward возвращает награду программы.
func (r *MemoryRepository) GetReward(ctx context.Context, programID, rewardID int64) (*model.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rewards[rewardID]
	if !ok || rw.ProgramID != programID {
		return nil, model.ErrRewardNotFound
	}
	return &rw, nil
}

// UpdateReward обновляет награду.
func (r *MemoryRepository) UpdateReward(ctx context.Context, rw *model.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rewards[rw.ID]
	if !ok || existing.ProgramID != rw.ProgramID {
		return model.ErrRewardNotFound
	}
	r.rewards[rw.ID] = *rw
	return nil
}

// DeleteReward удаляет награду или отключает её, если по ней уже были обмены.
// Возвращает true, если награда была отключена, а не удалена.
func (r *MemoryRepository) DeleteReward(ctx context.Context, programID, rewardID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rewards[rewardID]
	if !ok || rw.ProgramID != programID {
		return false, model.ErrRewardNotFound
	}
	for _, red := range r.redemptions {
		if red.RewardID == rewardID {
			rw.Active = false
			r.rewards[rewardID] = rw
			return true, nil
		}
	}
	delete(r.rewards, rewardID)
	return false, nil
}

// ListRewards возвращает награды программы.
func (r *MemoryRepository) ListRewards(ctx context.Context, programID int64, activeOnly bool) ([]model.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Reward
	for _, rw := range r.rewards {
		if rw.ProgramID != programID || (activeOnly && !rw.Active) {
			continue
		}
		res = append(res, rw)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].PointsCost != res[j].PointsCost {
			return res[i].PointsCost < res[j].PointsCost
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// GetAccount возвращает счёт по идентификатору.
func (r *MemoryRepository) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return &a, nil
}

// GetAccountByClient возвращает счёт клиента в программе.
func (r *MemoryRepository) GetAccountByClient(ctx context.Context, programID, clientID int64) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.accounts {
		if a.ProgramID == programID && a.ClientID == clientID {
			return &a, nil
		}
	}
	return nil, model.ErrAccountNotFound
}

// ListAccounts возвращает все счета программы.
func (r *MemoryRepository) ListAccounts(ctx context.Context, programID int64) ([]model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Account
	for _, a := range r.accounts {
		if a.ProgramID == programID {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ListTransactions возвращает журнал счёта, начиная с последних записей.
func (r *MemoryRepository) ListTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		t := r.transactions[i]
		if t.AccountID != accountID {
			continue
		}
		res = append(res, t)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// GetRedemptionByCode возвращает обмен по коду ваучера.
func (r *MemoryRepository) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, red := range r.redemptions {
		if red.VoucherCode == code {
			return &red, nil
		}
	}
	return nil, model.ErrRedemptionNotFound
}

// ListRedemptions возвращает обмены счёта, начиная с последних.
func (r *MemoryRepository) ListRedemptions(ctx context.Context, accountID int64) ([]model.Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Redemption
	for _, red := range r.redemptions {
		if red.AccountID == accountID {
			res = append(res, red)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// TransitionRedemption переводит ваучер из PENDING в конечный статус.
func (r *MemoryRepository) TransitionRedemption(ctx context.Context, id int64, to model.RedemptionStatus, at time.Time, commandID *int64) (*model.Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	red, ok := r.redemptions[id]
	if !ok {
		return nil, model.ErrRedemptionNotFound
	}
	if !red.Status.CanTransition(to) {
		return nil, &model.VoucherError{Reason: red.Status.InvalidReason()}
	}

	red.Status = to
	if to == model.RedemptionUsed {
		usedAt := at
		red.UsedAt = &usedAt
		red.UsedInCommandID = commandID
	}
	r.redemptions[id] = red
	return &red, nil
}

// ExpireRedemptions переводит просроченные ваучеры программы в EXPIRED.
func (r *MemoryRepository) ExpireRedemptions(ctx context.Context, programID int64, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, red := range r.redemptions {
		if red.Status != model.RedemptionPending || !red.ExpiresAt.Before(now) {
			continue
		}
		if a, ok := r.accounts[red.AccountID]; !ok || a.ProgramID != programID {
			continue
		}
		red.Status = model.RedemptionExpired
		r.redemptions[id] = red
		n++
	}
	return n, nil
}

// ListExpirableTransactions возвращает начисления программы со сроком раньше now,
// для которых ещё не проведено сгорание.
func (r *MemoryRepository) ListExpirableTransactions(ctx context.Context, programID int64, now time.Time) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make(map[int64]struct{})
	for _, t := range r.transactions {
		if t.Type == model.TransactionExpire && t.ExpiredTransactionID != nil {
			expired[*t.ExpiredTransactionID] = struct{}{}
		}
	}

	var res []model.Transaction
	for _, t := range r.transactions {
		if t.Type != model.TransactionEarn || t.ExpiresAt == nil || !t.ExpiresAt.Before(now) {
			continue
		}
		if _, ok := expired[t.ID]; ok {
			continue
		}
		if a, ok := r.accounts[t.AccountID]; !ok || a.ProgramID != programID {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// ListBirthdayAccounts возвращает счета программы, у клиентов которых день рождения в указанный день.
func (r *MemoryRepository) ListBirthdayAccounts(ctx context.Context, programID int64, month time.Month, day int) ([]model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.programs[programID]
	if !ok {
		return nil, model.ErrProgramNotFound
	}

	var res []model.Account
	for _, a := range r.accounts {
		if a.ProgramID != programID {
			continue
		}
		profile, ok := r.profiles[profileKey{salonID: p.SalonID, clientID: a.ClientID}]
		if !ok {
			continue
		}
		if profile.BirthDate.Month() == month && profile.BirthDate.Day() == day {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// UpsertClientProfile сохраняет данные клиента из основной системы.
func (r *MemoryRepository) UpsertClientProfile(ctx context.Context, p model.ClientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profileKey{salonID: p.SalonID, clientID: p.ClientID}] = p
	return nil
}

// ListMarketingEvents возвращает последние маркетинговые события программы.
func (r *MemoryRepository) ListMarketingEvents(ctx context.Context, programID int64, limit int) ([]model.MarketingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.MarketingEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].ProgramID != programID {
			continue
		}
		res = append(res, r.events[i])
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// memoryTx реализует Tx поверх MemoryRepository. Блокировка хранилища уже удерживается Atomic.
type memoryTx struct {
	r    *MemoryRepository
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) LockAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, ok := tx.r.accounts[accountID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return &a, nil
}

func (tx *memoryTx) CreateAccount(ctx context.Context, a *model.Account) error {
	for _, existing := range tx.r.accounts {
		if existing.ProgramID == a.ProgramID && existing.ClientID == a.ClientID {
			return model.ErrAlreadyEnrolled
		}
		if existing.ReferralCode == a.ReferralCode {
			return model.ErrCodeCollision
		}
	}

	a.ID = tx.r.nextID()
	tx.r.accounts[a.ID] = *a
	id := a.ID
	tx.undo = append(tx.undo, func() { delete(tx.r.accounts, id) })
	return nil
}

func (tx *memoryTx) GetAccountByReferralCode(ctx context.Context, programID int64, code string) (*model.Account, error) {
	for _, a := range tx.r.accounts {
		if a.ProgramID == programID && a.ReferralCode == code {
			return &a, nil
		}
	}
	return nil, model.ErrAccountNotFound
}

func (tx *memoryTx) SaveAccount(ctx context.Context, a *model.Account) error {
	prev, ok := tx.r.accounts[a.ID]
	if !ok {
		return model.ErrAccountNotFound
	}
	tx.r.accounts[a.ID] = *a
	tx.undo = append(tx.undo, func() { tx.r.accounts[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ExpiredTransactionID != nil {
		for _, existing := range tx.r.transactions {
			if existing.ExpiredTransactionID != nil && *existing.ExpiredTransactionID == *t.ExpiredTransactionID {
				return model.ErrCodeCollision
			}
		}
	}

	t.ID = tx.r.nextID()
	n := len(tx.r.transactions)
	tx.r.transactions = append(tx.r.transactions, *t)
	tx.undo = append(tx.undo, func() { tx.r.transactions = tx.r.transactions[:n] })
	return nil
}

func (tx *memoryTx) LockReward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	rw, ok := tx.r.rewards[rewardID]
	if !ok {
		return nil, model.ErrRewardNotFound
	}
	return &rw, nil
}

func (tx *memoryTx) DecrementRewardStock(ctx context.Context, rewardID int64) error {
	rw, ok := tx.r.rewards[rewardID]
	if !ok {
		return model.ErrRewardNotFound
	}
	if rw.TotalAvailable == nil {
		return nil
	}
	if *rw.TotalAvailable <= 0 {
		return model.ErrRewardExhausted
	}

	prev := rw
	left := *rw.TotalAvailable - 1
	rw.TotalAvailable = &left
	tx.r.rewards[rewardID] = rw
	tx.undo = append(tx.undo, func() { tx.r.rewards[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) CountRedemptions(ctx context.Context, accountID, rewardID int64) (int, error) {
	n := 0
	for _, red := range tx.r.redemptions {
		if red.AccountID == accountID && red.RewardID == rewardID && red.Status != model.RedemptionCancelled {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) InsertRedemption(ctx context.Context, red *model.Redemption) error {
	for _, existing := range tx.r.redemptions {
		if existing.VoucherCode == red.VoucherCode {
			return model.ErrCodeCollision
		}
	}

	red.ID = tx.r.nextID()
	tx.r.redemptions[red.ID] = *red
	id := red.ID
	tx.undo = append(tx.undo, func() { delete(tx.r.redemptions, id) })
	return nil
}

func (tx *memoryTx) CommandEarned(ctx context.Context, accountID, commandID int64) (bool, error) {
	for _, t := range tx.r.transactions {
		if t.AccountID == accountID && t.Type == model.TransactionEarn && t.CommandID != nil && *t.CommandID == commandID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) ExpiryRecorded(ctx context.Context, transactionID int64) (bool, error) {
	for _, t := range tx.r.transactions {
		if t.Type == model.TransactionExpire && t.ExpiredTransactionID != nil && *t.ExpiredTransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) HasTransactionSince(ctx context.Context, accountID int64, typ model.TransactionType, since time.Time) (bool, error) {
	for _, t := range tx.r.transactions {
		if t.AccountID == accountID && t.Type == typ && !t.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertMarketingEvent(ctx context.Context, e *model.MarketingEvent) error {
	e.ID = tx.r.nextID()
	n := len(tx.r.events)
	tx.r.events = append(tx.r.events, *e)
	tx.undo = append(tx.undo, func() { tx.r.events = tx.r.events[:n] })
	return nil
}

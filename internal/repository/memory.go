package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/tipledger/internal/model"
)

// MemoryRepository хранит данные в памяти процесса.
type MemoryRepository struct {
	locks keyedMutex

	// mu защищает stats и tips; обе записи перевода публикуются под ним одновременно.
	mu    sync.RWMutex
	stats map[model.Principal]model.UserStats
	tips  []model.Tip

	// regMu защищает прямой и обратный индексы имён.
	regMu      sync.RWMutex
	identities map[model.Principal]model.Identity
	owners     map[string]model.Principal
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:      keyedMutex{locks: make(map[model.Principal]*sync.Mutex)},
		stats:      make(map[model.Principal]model.UserStats),
		identities: make(map[model.Principal]model.Identity),
		owners:     make(map[string]model.Principal),
	}
}

// Close ничего не освобождает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error { return nil }

// GetStats возвращает статистику или нулевую запись.
func (r *MemoryRepository) GetStats(ctx context.Context, p model.Principal) (model.UserStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats[p], nil
}

// ApplyTip обновляет статистику обеих сторон перевода, если transfer завершился успешно.
func (r *MemoryRepository) ApplyTip(ctx context.Context, tip model.Tip, transfer TransferFunc) error {
	unlock := r.locks.lock(tip.Sender, tip.Recipient)
	defer unlock()

	r.mu.RLock()
	sender, recipient := r.stats[tip.Sender], r.stats[tip.Recipient]
	r.mu.RUnlock()

	sender, recipient, err := tipDeltas(sender, recipient, tip)
	if err != nil {
		return fmt.Errorf("apply tip: %w", err)
	}

	if err := transfer(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.stats[tip.Sender] = sender
	r.stats[tip.Recipient] = recipient
	r.tips = append(r.tips, tip)
	r.mu.Unlock()

	return nil
}

// AddRewardPoints начисляет баллы, создавая запись при необходимости.
func (r *MemoryRepository) AddRewardPoints(ctx context.Context, p model.Principal, points uint256.Int) (model.UserStats, error) {
	unlock := r.locks.lock(p)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats[p]
	next, err := model.AddAmount(stats.RewardPoints, points)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("add reward points: %w", err)
	}
	stats.RewardPoints = next
	r.stats[p] = stats
	return stats, nil
}

// GetIdentity возвращает запись реестра или нулевую запись.
func (r *MemoryRepository) GetIdentity(ctx context.Context, p model.Principal) (model.Identity, error) {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	return r.identities[p], nil
}

// SetIdentity закрепляет имя за учётной записью. Прежнее имя освобождается.
func (r *MemoryRepository) SetIdentity(ctx context.Context, p model.Principal, username string) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	if _, taken := r.owners[username]; taken {
		return ErrUsernameTaken
	}

	if prev, ok := r.identities[p]; ok {
		delete(r.owners, prev.Username)
	}
	r.identities[p] = model.Identity{Username: username, Verified: true}
	r.owners[username] = p
	return nil
}

// GetTipsByUser возвращает отправленные и полученные переводы, новые первыми.
func (r *MemoryRepository) GetTipsByUser(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Tip
	for i := len(r.tips) - 1; i >= 0 && len(res) < limit; i-- {
		t := r.tips[i]
		if t.Sender == p || t.Recipient == p {
			res = append(res, t)
		}
	}
	return res, nil
}

// keyedMutex выдаёт отдельный мьютекс на каждую учётную запись.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.Principal]*sync.Mutex
}

func (k *keyedMutex) get(p model.Principal) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[p]
	if !ok {
		m = &sync.Mutex{}
		k.locks[p] = m
	}
	return m
}

// lock захватывает мьютексы в каноническом порядке и возвращает функцию освобождения.
func (k *keyedMutex) lock(principals ...model.Principal) func() {
	ordered := canonicalOrder(principals...)
	held := make([]*sync.Mutex, 0, len(ordered))
	for _, p := range ordered {
		m := k.get(p)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/tipledger/internal/model"
)

// MemoryLedger хранит балансы в памяти. Используется без внешнего реестра и в тестах.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[model.Principal]uint256.Int
	receipts map[uuid.UUID]bool
}

// NewMemoryLedger создаёт пустой реестр.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]map[model.Principal]uint256.Int),
		receipts: make(map[uuid.UUID]bool),
	}
}

// Credit зачисляет средства без отправителя (начальные балансы).
func (l *MemoryLedger) Credit(p model.Principal, token string, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(token)
	next, err := model.AddAmount(acc[p], amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", p, err)
	}
	acc[p] = next
	return nil
}

// Balance возвращает баланс учётной записи.
func (l *MemoryLedger) Balance(p model.Principal, token string) uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[token][p]
}

// Transfer атомарно применяет пакет проводок.
func (l *MemoryLedger) Transfer(ctx context.Context, batch Batch) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if len(batch.Transfers) == 0 {
		return Receipt{}, ErrEmptyBatch
	}

	id := batch.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.receipts[id]; seen {
		return Receipt{}, ErrDuplicateBatch
	}
	if err := l.apply(batch.Token, batch.Transfers); err != nil {
		return Receipt{}, err
	}
	l.receipts[id] = false

	return Receipt{
		ID:        id,
		Token:     batch.Token,
		Transfers: append([]Transfer(nil), batch.Transfers...),
	}, nil
}

// Reverse выполняет компенсирующие проводки для ранее выполненного пакета.
func (l *MemoryLedger) Reverse(ctx context.Context, receipt Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reversed, ok := l.receipts[receipt.ID]
	if !ok {
		return ErrUnknownReceipt
	}
	if reversed {
		return ErrAlreadyReversed
	}

	inverse := make([]Transfer, 0, len(receipt.Transfers))
	for i := len(receipt.Transfers) - 1; i >= 0; i-- {
		t := receipt.Transfers[i]
		inverse = append(inverse, Transfer{From: t.To, To: t.From, Amount: t.Amount})
	}
	if err := l.apply(receipt.Token, inverse); err != nil {
		return err
	}
	l.receipts[receipt.ID] = true
	return nil
}

// apply проверяет все проводки на копии балансов и только затем сохраняет результат.
func (l *MemoryLedger) apply(token string, transfers []Transfer) error {
	acc := l.account(token)
	staged := make(map[model.Principal]uint256.Int)
	get := func(p model.Principal) uint256.Int {
		if v, ok := staged[p]; ok {
			return v
		}
		return acc[p]
	}

	for _, t := range transfers {
		from := get(t.From)
		if from.Lt(&t.Amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, t.From, from.Dec(), t.Amount.Dec())
		}
		var rest uint256.Int
		rest.Sub(&from, &t.Amount)
		staged[t.From] = rest

		to, err := model.AddAmount(get(t.To), t.Amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", t.To, err)
		}
		staged[t.To] = to
	}

	for p, v := range staged {
		acc[p] = v
	}
	return nil
}

func (l *MemoryLedger) account(token string) map[model.Principal]uint256.Int {
	acc, ok := l.balances[token]
	if !ok {
		acc = make(map[model.Principal]uint256.Int)
		l.balances[token] = acc
	}
	return acc
}

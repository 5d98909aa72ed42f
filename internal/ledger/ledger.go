// Package ledger описывает внешнюю возможность перевода активов и её реализации.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/tipledger/internal/model"
)

var (
	// ErrInsufficientFunds возвращается, если у отправителя не хватает средств.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownReceipt возвращается при попытке отменить неизвестный перевод.
	ErrUnknownReceipt = errors.New("unknown transfer receipt")
	// ErrAlreadyReversed возвращается при повторной отмене перевода.
	ErrAlreadyReversed = errors.New("transfer already reversed")
	// ErrEmptyBatch возвращается для пакета без переводов.
	ErrEmptyBatch = errors.New("empty transfer batch")
	// ErrDuplicateBatch возвращается при повторной отправке пакета с тем же идентификатором.
	ErrDuplicateBatch = errors.New("duplicate transfer batch")
)

// Transfer описывает одну проводку пакета.
type Transfer struct {
	From   model.Principal
	To     model.Principal
	Amount uint256.Int
}

// Batch содержит проводки, которые выполняются целиком или не выполняются вовсе.
type Batch struct {
	ID        uuid.UUID
	Token     string
	Transfers []Transfer
}

// Receipt подтверждает выполненный пакет.
type Receipt struct {
	ID        uuid.UUID
	Token     string
	Transfers []Transfer
}

// Transferer выполняет пакеты во внешней системе переводов. Каждый пакет отправляется один раз, без повторов.
type Transferer interface {
	Transfer(ctx context.Context, batch Batch) (Receipt, error)
	Reverse(ctx context.Context, receipt Receipt) error
}

// Package model содержит доменные сущности сервиса чаевых.
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrAmountOverflow возвращается, если накопленная сумма выходит за пределы 128 бит.
var ErrAmountOverflow = errors.New("amount exceeds 128 bits")

// MaxAmount задаёт наибольшее значение счётчиков (2^128 - 1).
var MaxAmount = func() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.SubUint64(&v, 1)
	return v
}()

// Principal идентифицирует учётную запись.
type Principal string

// UserStats хранит накопленные показатели пользователя.
// Отсутствующая запись эквивалентна нулевому значению.
type UserStats struct {
	TotalSent     uint256.Int
	TotalReceived uint256.Int
	RewardPoints  uint256.Int
}

// Identity связывает учётную запись с уникальным именем пользователя.
type Identity struct {
	Username string
	Verified bool
}

// Tip описывает зафиксированный перевод чаевых.
type Tip struct {
	ID           uuid.UUID
	Sender       Principal
	Recipient    Principal
	Amount       uint256.Int
	Fee          uint256.Int
	Net          uint256.Int
	TokenType    string
	RewardPoints uint256.Int
	CreatedAt    time.Time
}

// AddAmount складывает две суммы и проверяет, что результат помещается в 128 бит.
func AddAmount(a, b uint256.Int) (uint256.Int, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&a, &b); overflow {
		return uint256.Int{}, ErrAmountOverflow
	}
	if sum.Gt(&MaxAmount) {
		return uint256.Int{}, ErrAmountOverflow
	}
	return sum, nil
}

// ParseAmount разбирает десятичную запись неотрицательной суммы.
func ParseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, err
	}
	if v.Gt(&MaxAmount) {
		return uint256.Int{}, ErrAmountOverflow
	}
	return *v, nil
}

// Amount возвращает сумму из uint64, удобно для констант и тестов.
func Amount(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

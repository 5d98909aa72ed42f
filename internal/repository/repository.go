// Package repository содержит хранилища статистики пользователей и реестра имён.
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/mmeshcher/tipledger/internal/model"
)

var (
	// ErrUsernameTaken возвращается, если имя уже закреплено за какой-либо учётной записью.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrCommitFailed возвращается, если перевод выполнен, но запись статистики не зафиксирована.
	ErrCommitFailed = errors.New("commit failed after transfer")
)

// TransferFunc выполняет внешний перевод внутри области блокировки ApplyTip.
type TransferFunc func(ctx context.Context) error

// DefaultHistoryLimit ограничивает размер истории, если лимит не задан.
const DefaultHistoryLimit = 100

// canonicalOrder возвращает уникальные учётные записи в порядке байтового сравнения.
// Все блокировки берутся в этом порядке, чтобы два встречных перевода не ждали друг друга.
func canonicalOrder(principals ...model.Principal) []model.Principal {
	seen := make(map[model.Principal]struct{}, len(principals))
	res := make([]model.Principal, 0, len(principals))
	for _, p := range principals {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// tipDeltas применяет перевод к текущим значениям статистики.
func tipDeltas(sender, recipient model.UserStats, tip model.Tip) (model.UserStats, model.UserStats, error) {
	var err error
	if sender.TotalSent, err = model.AddAmount(sender.TotalSent, tip.Amount); err != nil {
		return model.UserStats{}, model.UserStats{}, err
	}
	if sender.RewardPoints, err = model.AddAmount(sender.RewardPoints, tip.RewardPoints); err != nil {
		return model.UserStats{}, model.UserStats{}, err
	}
	if recipient.TotalReceived, err = model.AddAmount(recipient.TotalReceived, tip.Net); err != nil {
		return model.UserStats{}, model.UserStats{}, err
	}
	return sender, recipient, nil
}

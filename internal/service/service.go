// Package service реализует обработку переводов, реестр имён и начисление баллов.
package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/tipledger/internal/apperror"
	"github.com/mmeshcher/tipledger/internal/ledger"
	"github.com/mmeshcher/tipledger/internal/metrics"
	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/policy"
	"github.com/mmeshcher/tipledger/internal/repository"
	"github.com/mmeshcher/tipledger/internal/validation"
)

// Границы длины имени пользователя в символах.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 20
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetStats(ctx context.Context, p model.Principal) (model.UserStats, error)
	ApplyTip(ctx context.Context, tip model.Tip, transfer repository.TransferFunc) error
	AddRewardPoints(ctx context.Context, p model.Principal, points uint256.Int) (model.UserStats, error)
	GetIdentity(ctx context.Context, p model.Principal) (model.Identity, error)
	SetIdentity(ctx context.Context, p model.Principal, username string) error
	GetTipsByUser(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error)
}

// Options задаёт зависимости сервиса.
type Options struct {
	Repo    Repository
	Ledger  ledger.Transferer
	Policy  *policy.Policy
	Admin   model.Principal
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service содержит бизнес-логику учёта переводов.
type Service struct {
	repo    Repository
	ledger  ledger.Transferer
	policy  *policy.Policy
	admin   model.Principal
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService создаёт сервис. Администратор фиксируется при создании.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:    opts.Repo,
		ledger:  opts.Ledger,
		policy:  opts.Policy,
		admin:   opts.Admin,
		logger:  logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if s.policy != nil {
		s.metrics.SetRewardRate(s.policy.RewardRate())
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Tip переводит amount от sender к recipient с удержанием комиссии в пользу сборщика.
// При любой ошибке статистика не меняется.
func (s *Service) Tip(ctx context.Context, sender, recipient model.Principal, amount uint256.Int, tokenType string) (*model.Tip, error) {
	log := s.logger.With(
		zap.String("sender", string(sender)),
		zap.String("recipient", string(recipient)),
		zap.String("amount", amount.Dec()),
		zap.String("token", tokenType),
	)

	err := s.policy.ValidateTip(sender, recipient, amount, tokenType)
	if err == nil && !validation.IsValidPrincipal(string(recipient)) {
		err = apperror.ErrInvalidRecipient
	}
	if err != nil {
		label := tokenType
		if errors.Is(err, apperror.ErrInvalidTokenType) {
			label = metrics.TokenInvalid
		}
		s.metrics.ObserveTip(label, metrics.ResultRejected, amount, uint256.Int{})
		log.Info("tip rejected", zap.Error(err))
		return nil, err
	}

	fee := s.policy.ComputeFee(amount)
	tip := model.Tip{
		ID:           uuid.New(),
		Sender:       sender,
		Recipient:    recipient,
		Amount:       amount,
		Fee:          fee,
		Net:          s.policy.NetAmount(amount),
		TokenType:    tokenType,
		RewardPoints: s.policy.ComputeReward(amount),
		CreatedAt:    s.now(),
	}
	batch := s.buildBatch(tip)

	var (
		receipt     ledger.Receipt
		transferred bool
	)
	err = s.repo.ApplyTip(ctx, tip, func(ctx context.Context) error {
		r, err := s.ledger.Transfer(ctx, batch)
		if err != nil {
			return apperror.Wrap(apperror.KindTransferFailed, err)
		}
		receipt, transferred = r, true
		return nil
	})
	if err != nil {
		if transferred && errors.Is(err, repository.ErrCommitFailed) {
			s.compensate(ctx, log, receipt)
		}
		result := metrics.ResultError
		if kind, _ := apperror.KindOf(err); kind == apperror.KindTransferFailed {
			result = metrics.ResultTransferFailed
		}
		s.metrics.ObserveTip(tokenType, result, amount, fee)
		log.Warn("tip failed", zap.Error(err))
		return nil, err
	}

	s.metrics.ObserveTip(tokenType, metrics.ResultOK, amount, fee)
	log.Info("tip processed",
		zap.String("tip_id", tip.ID.String()),
		zap.String("fee", tip.Fee.Dec()),
		zap.String("reward_points", tip.RewardPoints.Dec()),
	)
	return &tip, nil
}

// buildBatch собирает пакет из двух проводок: чистая сумма получателю и комиссия сборщику.
// Нулевые проводки не включаются.
func (s *Service) buildBatch(tip model.Tip) ledger.Batch {
	batch := ledger.Batch{ID: tip.ID, Token: tip.TokenType}
	if !tip.Net.IsZero() {
		batch.Transfers = append(batch.Transfers, ledger.Transfer{From: tip.Sender, To: tip.Recipient, Amount: tip.Net})
	}
	if !tip.Fee.IsZero() {
		batch.Transfers = append(batch.Transfers, ledger.Transfer{From: tip.Sender, To: s.policy.FeeCollector(), Amount: tip.Fee})
	}
	return batch
}

// compensate отменяет выполненный перевод, если статистику не удалось зафиксировать.
// Отмена выполняется даже при отменённом контексте запроса.
func (s *Service) compensate(ctx context.Context, log *zap.Logger, receipt ledger.Receipt) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.ledger.Reverse(rctx, receipt); err != nil {
		s.metrics.ObserveReversal(false)
		log.Error("transfer reversal failed", zap.String("receipt", receipt.ID.String()), zap.Error(err))
		return
	}
	s.metrics.ObserveReversal(true)
	log.Warn("transfer reversed after commit failure", zap.String("receipt", receipt.ID.String()))
}

// SetUserIdentity закрепляет имя за вызывающим.
func (s *Service) SetUserIdentity(ctx context.Context, caller model.Principal, username string) error {
	if !utf8.ValidString(username) {
		s.metrics.ObserveIdentity("invalid")
		return apperror.ErrInvalidUsernameLength
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLength || n > MaxUsernameLength {
		s.metrics.ObserveIdentity("invalid")
		return apperror.ErrInvalidUsernameLength
	}

	if err := s.repo.SetIdentity(ctx, caller, username); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			s.metrics.ObserveIdentity("taken")
			return apperror.ErrUsernameTaken
		}
		s.metrics.ObserveIdentity(metrics.ResultError)
		return err
	}

	s.metrics.ObserveIdentity(metrics.ResultOK)
	s.logger.Info("identity registered", zap.String("principal", string(caller)), zap.String("username", username))
	return nil
}

// UpdateUserRewardPoints меняет глобальную ставку начисления баллов.
// principal сохранён ради совместимости вызова и на расчёт не влияет.
func (s *Service) UpdateUserRewardPoints(ctx context.Context, caller, principal model.Principal, rate uint256.Int) error {
	if caller != s.admin {
		return apperror.ErrUnauthorized
	}
	if err := s.policy.SetRewardRate(rate); err != nil {
		return err
	}
	s.metrics.SetRewardRate(rate)
	s.logger.Info("reward rate updated",
		zap.String("caller", string(caller)),
		zap.String("principal", string(principal)),
		zap.String("rate", rate.Dec()),
	)
	return nil
}

// AddRewardPoints начисляет баллы указанному пользователю.
func (s *Service) AddRewardPoints(ctx context.Context, caller, principal model.Principal, points uint256.Int) (model.UserStats, error) {
	if caller != s.admin {
		return model.UserStats{}, apperror.ErrUnauthorized
	}
	if !validation.IsValidPrincipal(string(principal)) {
		return model.UserStats{}, apperror.ErrInvalidRecipient
	}
	if err := s.policy.CheckRewardBound(points); err != nil {
		return model.UserStats{}, err
	}

	stats, err := s.repo.AddRewardPoints(ctx, principal, points)
	if err != nil {
		return model.UserStats{}, err
	}
	s.metrics.ObserveRewardGrant()
	s.logger.Info("reward points granted",
		zap.String("principal", string(principal)),
		zap.String("points", points.Dec()),
	)
	return stats, nil
}

// GetUserTipStats возвращает статистику пользователя.
func (s *Service) GetUserTipStats(ctx context.Context, p model.Principal) (model.UserStats, error) {
	return s.repo.GetStats(ctx, p)
}

// GetUserIdentity возвращает запись реестра имён.
func (s *Service) GetUserIdentity(ctx context.Context, p model.Principal) (model.Identity, error) {
	return s.repo.GetIdentity(ctx, p)
}

// GetRewardPoints возвращает баллы, которые принёс бы перевод на сумму amount.
// Учётная запись на результат не влияет.
func (s *Service) GetRewardPoints(p model.Principal, amount uint256.Int) uint256.Int {
	return s.policy.ComputeReward(amount)
}

// GetTotalTipsSent возвращает сумму отправленных переводов.
func (s *Service) GetTotalTipsSent(ctx context.Context, p model.Principal) (uint256.Int, error) {
	stats, err := s.repo.GetStats(ctx, p)
	if err != nil {
		return uint256.Int{}, err
	}
	return stats.TotalSent, nil
}

// GetTotalTipsReceived возвращает сумму полученных переводов.
func (s *Service) GetTotalTipsReceived(ctx context.Context, p model.Principal) (uint256.Int, error) {
	stats, err := s.repo.GetStats(ctx, p)
	if err != nil {
		return uint256.Int{}, err
	}
	return stats.TotalReceived, nil
}

// PreviewNetAmount возвращает сумму, которую получил бы адресат перевода amount.
func (s *Service) PreviewNetAmount(p model.Principal, amount uint256.Int) uint256.Int {
	return s.policy.NetAmount(amount)
}

// Preview показывает разбиение суммы перевода.
type Preview struct {
	Amount       uint256.Int
	Fee          uint256.Int
	Net          uint256.Int
	RewardPoints uint256.Int
}

// PreviewTip рассчитывает комиссию, чистую сумму и баллы без изменения состояния.
func (s *Service) PreviewTip(amount uint256.Int) Preview {
	return Preview{
		Amount:       amount,
		Fee:          s.policy.ComputeFee(amount),
		Net:          s.policy.NetAmount(amount),
		RewardPoints: s.policy.ComputeReward(amount),
	}
}

// GetTipHistory возвращает последние переводы пользователя.
func (s *Service) GetTipHistory(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error) {
	return s.repo.GetTipsByUser(ctx, p, limit)
}

// Policy возвращает текущие параметры политики.
func (s *Service) Policy() policy.Params {
	return s.policy.Snapshot()
}

// Admin возвращает учётную запись администратора.
func (s *Service) Admin() model.Principal { return s.admin }

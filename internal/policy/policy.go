// Package policy реализует правила расчёта комиссии и бонусных баллов.
package policy

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/tipledger/internal/apperror"
	"github.com/mmeshcher/tipledger/internal/model"
)

// Значения по умолчанию.
const (
	DefaultFeeRatePercent = 5
	DefaultTokenType      = "STX"
)

var (
	DefaultMaxTipAmount    = model.Amount(1_000_000_000_000)
	DefaultRewardThreshold = model.Amount(1_000_000)
	DefaultRewardRate      = model.Amount(10)
	DefaultMaxRewardRate   = model.Amount(100)
)

// Params содержит параметры политики.
type Params struct {
	FeeRatePercent  uint64
	MaxTipAmount    uint256.Int
	RewardThreshold uint256.Int
	RewardRate      uint256.Int
	MaxRewardRate   uint256.Int
	AllowedTokens   []string
	FeeCollector    model.Principal
}

// DefaultParams возвращает параметры по умолчанию для указанного получателя комиссий.
func DefaultParams(feeCollector model.Principal) Params {
	return Params{
		FeeRatePercent:  DefaultFeeRatePercent,
		MaxTipAmount:    DefaultMaxTipAmount,
		RewardThreshold: DefaultRewardThreshold,
		RewardRate:      DefaultRewardRate,
		MaxRewardRate:   DefaultMaxRewardRate,
		AllowedTokens:   []string{DefaultTokenType},
		FeeCollector:    feeCollector,
	}
}

// Policy вычисляет комиссию и баллы. Ставка начисления баллов меняется администратором,
// остальные параметры фиксируются при создании.
type Policy struct {
	feeRatePercent  uint256.Int
	maxTipAmount    uint256.Int
	rewardThreshold uint256.Int
	maxRewardRate   uint256.Int
	allowedTokens   map[string]struct{}
	tokens          []string
	feeCollector    model.Principal

	mu         sync.RWMutex
	rewardRate uint256.Int
}

// New проверяет параметры и создаёт политику.
func New(p Params) (*Policy, error) {
	if p.FeeRatePercent > 100 {
		return nil, fmt.Errorf("fee rate %d%% exceeds 100%%", p.FeeRatePercent)
	}
	if p.MaxTipAmount.IsZero() || p.MaxTipAmount.Gt(&model.MaxAmount) {
		return nil, fmt.Errorf("max tip amount must be in (0, 2^128)")
	}
	if p.RewardRate.Gt(&p.MaxRewardRate) {
		return nil, fmt.Errorf("reward rate %s exceeds max %s", p.RewardRate.Dec(), p.MaxRewardRate.Dec())
	}
	if len(p.AllowedTokens) == 0 {
		return nil, fmt.Errorf("at least one token type must be allowed")
	}
	if p.FeeCollector == "" {
		return nil, fmt.Errorf("fee collector is required")
	}

	allowed := make(map[string]struct{}, len(p.AllowedTokens))
	for _, t := range p.AllowedTokens {
		allowed[t] = struct{}{}
	}

	return &Policy{
		feeRatePercent:  *uint256.NewInt(p.FeeRatePercent),
		maxTipAmount:    p.MaxTipAmount,
		rewardThreshold: p.RewardThreshold,
		maxRewardRate:   p.MaxRewardRate,
		allowedTokens:   allowed,
		tokens:          append([]string(nil), p.AllowedTokens...),
		feeCollector:    p.FeeCollector,
		rewardRate:      p.RewardRate,
	}, nil
}

// ComputeFee возвращает floor(amount * fee_rate_percent / 100).
func (p *Policy) ComputeFee(amount uint256.Int) uint256.Int {
	var fee uint256.Int
	// amount ограничена 128 битами, ставка не больше 100, произведение помещается в 256 бит.
	fee.Mul(&amount, &p.feeRatePercent)
	fee.Div(&fee, uint256.NewInt(100))
	return fee
}

// NetAmount возвращает сумму, которую получит адресат после вычета комиссии.
func (p *Policy) NetAmount(amount uint256.Int) uint256.Int {
	fee := p.ComputeFee(amount)
	var net uint256.Int
	net.Sub(&amount, &fee)
	return net
}

// ComputeReward возвращает текущую ставку, если сумма не меньше порога, иначе ноль.
func (p *Policy) ComputeReward(amount uint256.Int) uint256.Int {
	if amount.Lt(&p.rewardThreshold) {
		return uint256.Int{}
	}
	return p.RewardRate()
}

// RewardRate возвращает действующую ставку начисления баллов.
func (p *Policy) RewardRate() uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rewardRate
}

// SetRewardRate меняет глобальную ставку начисления баллов.
func (p *Policy) SetRewardRate(rate uint256.Int) error {
	if err := p.CheckRewardBound(rate); err != nil {
		return err
	}
	p.mu.Lock()
	p.rewardRate = rate
	p.mu.Unlock()
	return nil
}

// CheckRewardBound проверяет, что значение не превышает max_reward_rate.
func (p *Policy) CheckRewardBound(v uint256.Int) error {
	if v.Gt(&p.maxRewardRate) {
		return apperror.ErrInvalidRewardRate
	}
	return nil
}

// ValidateTip выполняет проверки запроса на перевод в фиксированном порядке.
func (p *Policy) ValidateTip(sender, recipient model.Principal, amount uint256.Int, tokenType string) error {
	if _, ok := p.allowedTokens[tokenType]; !ok {
		return apperror.ErrInvalidTokenType
	}
	if amount.IsZero() || amount.Gt(&p.maxTipAmount) {
		return apperror.ErrInvalidAmount
	}
	if recipient == sender || recipient == p.feeCollector {
		return apperror.ErrInvalidRecipient
	}
	return nil
}

// FeeCollector возвращает получателя комиссий.
func (p *Policy) FeeCollector() model.Principal { return p.feeCollector }

// Snapshot возвращает копию текущих параметров.
func (p *Policy) Snapshot() Params {
	return Params{
		FeeRatePercent:  p.feeRatePercent.Uint64(),
		MaxTipAmount:    p.maxTipAmount,
		RewardThreshold: p.rewardThreshold,
		RewardRate:      p.RewardRate(),
		MaxRewardRate:   p.maxRewardRate,
		AllowedTokens:   append([]string(nil), p.tokens...),
		FeeCollector:    p.feeCollector,
	}
}

// Package config содержит логику чтения конфигурации сервиса учёта переводов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/policy"
	"github.com/mmeshcher/tipledger/internal/validation"
)

// Config содержит параметры конфигурации сервиса. Переменные окружения имеют
// приоритет над флагами командной строки.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	LedgerAddress string `env:"LEDGER_ADDRESS"`
	AuthSecret    string `env:"AUTH_SECRET"`
	LogLevel      string `env:"LOG_LEVEL"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB"`

	AdminPrincipal string `env:"ADMIN_PRINCIPAL"`
	FeeCollector   string `env:"FEE_COLLECTOR"`

	FeeRatePercent  uint64 `env:"FEE_RATE_PERCENT"`
	MaxTipAmount    string `env:"MAX_TIP_AMOUNT"`
	RewardThreshold string `env:"REWARD_THRESHOLD"`
	RewardRate      string `env:"REWARD_RATE"`
	MaxRewardRate   string `env:"MAX_REWARD_RATE"`
	AllowedTokens   string `env:"ALLOWED_TOKENS"`

	// TipRatePerMinute ограничивает частоту переводов одного отправителя; 0 отключает ограничение.
	TipRatePerMinute float64 `env:"TIP_RATE_PER_MINUTE"`
	TipBurst         int     `env:"TIP_BURST"`

	// IssueTokenFor задаётся только флагом: выпустить токен для учётной записи и завершиться.
	IssueTokenFor string

	// GenesisBalances задаёт начальные балансы встроенного реестра: "P1=100,P2=200".
	GenesisBalances string `env:"GENESIS_BALANCES"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; in-memory storage when empty")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "asset ledger address; in-memory ledger when empty")
	flag.StringVar(&cfg.AuthSecret, "s", "", "HS256 secret for caller tokens")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	flag.StringVar(&cfg.LogFile, "log-file", "", "rotated log file; stderr only when empty")
	flag.IntVar(&cfg.LogMaxSizeMB, "log-max-size", 100, "log file size before rotation, MB")
	flag.StringVar(&cfg.AdminPrincipal, "admin", "", "administrator principal")
	flag.StringVar(&cfg.FeeCollector, "fee-collector", "", "fee collector principal")
	flag.Uint64Var(&cfg.FeeRatePercent, "fee", policy.DefaultFeeRatePercent, "fee rate, percent")
	flag.StringVar(&cfg.MaxTipAmount, "max-tip", policy.DefaultMaxTipAmount.Dec(), "max tip amount")
	flag.StringVar(&cfg.RewardThreshold, "reward-threshold", policy.DefaultRewardThreshold.Dec(), "min tip amount earning reward points")
	flag.StringVar(&cfg.RewardRate, "reward-rate", policy.DefaultRewardRate.Dec(), "reward points per qualifying tip")
	flag.StringVar(&cfg.MaxRewardRate, "max-reward-rate", policy.DefaultMaxRewardRate.Dec(), "upper bound for reward rate")
	flag.StringVar(&cfg.AllowedTokens, "tokens", policy.DefaultTokenType, "comma-separated allowed token types")
	flag.Float64Var(&cfg.TipRatePerMinute, "tip-rate", 0, "tips per minute per sender; 0 disables limit")
	flag.IntVar(&cfg.TipBurst, "tip-burst", 5, "tip rate limit burst")
	flag.StringVar(&cfg.IssueTokenFor, "issue-token", "", "print a signed caller token for the principal and exit")
	flag.StringVar(&cfg.GenesisBalances, "genesis", "", "initial balances of in-memory ledger: P1=100,P2=200")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет обязательные параметры.
func (c *Config) Validate() error {
	if !validation.IsValidPrincipal(c.AdminPrincipal) {
		return errors.New("admin principal is missing or malformed")
	}
	if !validation.IsValidPrincipal(c.FeeCollector) {
		return errors.New("fee collector principal is missing or malformed")
	}
	if c.TipRatePerMinute < 0 {
		return errors.New("tip rate must not be negative")
	}
	if c.IssueTokenFor != "" && c.AuthSecret == "" {
		return errors.New("issuing a token requires AUTH_SECRET")
	}
	return nil
}

// PolicyParams собирает параметры политики комиссии и баллов.
func (c *Config) PolicyParams() (policy.Params, error) {
	p := policy.Params{
		FeeRatePercent: c.FeeRatePercent,
		AllowedTokens:  splitList(c.AllowedTokens),
		FeeCollector:   model.Principal(c.FeeCollector),
	}

	for _, f := range []struct {
		name string
		src  string
		dst  *uint256.Int
	}{
		{"max tip amount", c.MaxTipAmount, &p.MaxTipAmount},
		{"reward threshold", c.RewardThreshold, &p.RewardThreshold},
		{"reward rate", c.RewardRate, &p.RewardRate},
		{"max reward rate", c.MaxRewardRate, &p.MaxRewardRate},
	} {
		v, err := model.ParseAmount(f.src)
		if err != nil {
			return policy.Params{}, fmt.Errorf("parse %s %q: %w", f.name, f.src, err)
		}
		*f.dst = v
	}

	return p, nil
}

// Genesis разбирает начальные балансы встроенного реестра.
func (c *Config) Genesis() (map[model.Principal]uint256.Int, error) {
	res := make(map[model.Principal]uint256.Int)
	for _, item := range splitList(c.GenesisBalances) {
		p, amount, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("genesis entry %q: expected principal=amount", item)
		}
		p = strings.TrimSpace(p)
		if !validation.IsValidPrincipal(p) {
			return nil, fmt.Errorf("genesis entry %q: malformed principal", item)
		}
		v, err := model.ParseAmount(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("genesis entry %q: %w", item, err)
		}
		res[model.Principal(p)] = v
	}
	return res, nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Markets    []string    `mapstructure:"markets"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制行情侧重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 控制交易引擎行为。
type TradingConfig struct {
	Retry RetryPolicyConfig `mapstructure:"retry"`
}

// RetryPolicyConfig 为保护性下单的重试策略原始配置，
// 完整校验在构造 trading.RetryPolicy 时进行。
type RetryPolicyConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
}

// RiskConfig 聚合全部风控规则配置，各类规则可独立启停。
type RiskConfig struct {
	StopLoss            StopLossConfig            `mapstructure:"stop_loss"`
	TakeProfit          TakeProfitConfig          `mapstructure:"take_profit"`
	TrailingStop        TrailingStopConfig        `mapstructure:"trailing_stop"`
	ExposureLimit       ExposureLimitConfig       `mapstructure:"exposure_limit"`
	DrawdownControl     DrawdownControlConfig     `mapstructure:"drawdown_control"`
	MaxConcurrentTrades MaxConcurrentTradesConfig `mapstructure:"max_concurrent_trades"`
	EmergencyOnlyMode   bool                      `mapstructure:"emergency_only_mode"`
}

// StopLossConfig 为止损规则配置。
type StopLossConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	Percentage decimal.Decimal `mapstructure:"percentage"`
}

// TakeProfitConfig 为止盈规则配置。
type TakeProfitConfig struct {
	Enabled                bool            `mapstructure:"enabled"`
	Percentage             decimal.Decimal `mapstructure:"percentage"`
	PartialClose           bool            `mapstructure:"partial_close"`
	PartialClosePercentage decimal.Decimal `mapstructure:"partial_close_percentage"`
}

// TrailingStopConfig 为移动止损规则配置。
type TrailingStopConfig struct {
	Enabled              bool            `mapstructure:"enabled"`
	TrailingPercentage   decimal.Decimal `mapstructure:"trailing_percentage"`
	ActivationPercentage decimal.Decimal `mapstructure:"activation_percentage"`
}

// ExposureLimitConfig 为名义敞口上限配置，单位为计价货币绝对额。
type ExposureLimitConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	MaxPerAsset  decimal.Decimal `mapstructure:"max_per_asset"`
	MaxTotal     decimal.Decimal `mapstructure:"max_total"`
	BaseCurrency string          `mapstructure:"base_currency"`
}

// DrawdownControlConfig 为回撤控制配置。
type DrawdownControlConfig struct {
	Enabled                 bool            `mapstructure:"enabled"`
	MaxDrawdownPercentage   decimal.Decimal `mapstructure:"max_drawdown_percentage"`
	EnableEmergencyExit     bool            `mapstructure:"enable_emergency_exit"`
	EmergencyExitPercentage decimal.Decimal `mapstructure:"emergency_exit_percentage"`
	PauseTradingOnBreach    bool            `mapstructure:"pause_trading_on_breach"`
	PauseDurationSeconds    int             `mapstructure:"pause_duration_seconds"`
}

// MaxConcurrentTradesConfig 为最大并发持仓配置。
type MaxConcurrentTradesConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxTrades   int  `mapstructure:"max_trades"`
	MaxPerAsset int  `mapstructure:"max_per_asset"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SchedulerConfig 控制风控巡检节奏。
type SchedulerConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// SecurityConfig 控制凭证加密。
type SecurityConfig struct {
	MasterKeyEnv string `mapstructure:"master_key_env"`
}

// Validate 对配置进行基本校验，错误通过 multierr 聚合返回。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if len(c.Exchange.Markets) == 0 {
		err = multierr.Append(err, errors.New("exchange.markets 至少包含一个交易对"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}

	err = multierr.Append(err, c.Risk.validate())

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Scheduler.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.check_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (r *RiskConfig) validate() error {
	var err error

	hundred := decimal.NewFromInt(100)
	thousand := decimal.NewFromInt(1000)

	if r.StopLoss.Enabled && !positiveBelow(r.StopLoss.Percentage, hundred) {
		err = multierr.Append(err, errors.New("risk.stop_loss.percentage 必须位于(0,100)"))
	}
	if r.TakeProfit.Enabled {
		if !positiveBelow(r.TakeProfit.Percentage, thousand) {
			err = multierr.Append(err, errors.New("risk.take_profit.percentage 必须位于(0,1000)"))
		}
		if r.TakeProfit.PartialClose {
			pct := r.TakeProfit.PartialClosePercentage
			if pct.Sign() <= 0 || pct.GreaterThan(hundred) {
				err = multierr.Append(err, errors.New("risk.take_profit.partial_close_percentage 必须位于(0,100]"))
			}
		}
	}
	if r.StopLoss.Enabled && r.TakeProfit.Enabled &&
		r.StopLoss.Percentage.GreaterThanOrEqual(r.TakeProfit.Percentage) {
		err = multierr.Append(err, errors.New("risk.stop_loss.percentage 应小于 take_profit.percentage"))
	}
	if r.TrailingStop.Enabled {
		if !positiveBelow(r.TrailingStop.TrailingPercentage, hundred) {
			err = multierr.Append(err, errors.New("risk.trailing_stop.trailing_percentage 必须位于(0,100)"))
		}
		if !positiveBelow(r.TrailingStop.ActivationPercentage, thousand) {
			err = multierr.Append(err, errors.New("risk.trailing_stop.activation_percentage 必须位于(0,1000)"))
		}
		if r.TrailingStop.TrailingPercentage.GreaterThanOrEqual(r.TrailingStop.ActivationPercentage) {
			err = multierr.Append(err, errors.New("risk.trailing_stop.activation_percentage 必须大于 trailing_percentage"))
		}
	}
	if r.ExposureLimit.Enabled {
		if r.ExposureLimit.MaxPerAsset.Sign() <= 0 {
			err = multierr.Append(err, errors.New("risk.exposure_limit.max_per_asset 必须大于0"))
		}
		if r.ExposureLimit.MaxTotal.Sign() <= 0 {
			err = multierr.Append(err, errors.New("risk.exposure_limit.max_total 必须大于0"))
		}
		if r.ExposureLimit.MaxPerAsset.GreaterThan(r.ExposureLimit.MaxTotal) {
			err = multierr.Append(err, errors.New("risk.exposure_limit.max_per_asset 不能大于 max_total"))
		}
		if r.ExposureLimit.BaseCurrency == "" {
			err = multierr.Append(err, errors.New("risk.exposure_limit.base_currency 不能为空"))
		}
	}
	if r.DrawdownControl.Enabled {
		if !positiveBelow(r.DrawdownControl.MaxDrawdownPercentage, hundred) {
			err = multierr.Append(err, errors.New("risk.drawdown_control.max_drawdown_percentage 必须位于(0,100)"))
		}
		if r.DrawdownControl.EnableEmergencyExit {
			if !positiveBelow(r.DrawdownControl.EmergencyExitPercentage, hundred) {
				err = multierr.Append(err, errors.New("risk.drawdown_control.emergency_exit_percentage 必须位于(0,100)"))
			}
			if r.DrawdownControl.EmergencyExitPercentage.LessThanOrEqual(r.DrawdownControl.MaxDrawdownPercentage) {
				err = multierr.Append(err, errors.New("risk.drawdown_control.emergency_exit_percentage 必须大于 max_drawdown_percentage"))
			}
		}
		if r.DrawdownControl.PauseDurationSeconds < 0 {
			err = multierr.Append(err, errors.New("risk.drawdown_control.pause_duration_seconds 不能为负"))
		}
	}
	if r.MaxConcurrentTrades.Enabled {
		if r.MaxConcurrentTrades.MaxTrades <= 0 {
			err = multierr.Append(err, errors.New("risk.max_concurrent_trades.max_trades 必须大于0"))
		}
		if r.MaxConcurrentTrades.MaxPerAsset <= 0 {
			err = multierr.Append(err, errors.New("risk.max_concurrent_trades.max_per_asset 必须大于0"))
		}
		if r.MaxConcurrentTrades.MaxPerAsset > r.MaxConcurrentTrades.MaxTrades {
			err = multierr.Append(err, errors.New("risk.max_concurrent_trades.max_per_asset 不能大于 max_trades"))
		}
	}

	return err
}

func positiveBelow(v, upper decimal.Decimal) bool {
	return v.Sign() > 0 && v.LessThan(upper)
}

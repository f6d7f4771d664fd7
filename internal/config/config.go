package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "cryptobot"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.markets", []string{"BTC/USDT:USDT"})
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trading.retry.max_attempts", 3)
	v.SetDefault("trading.retry.initial_delay", "1s")
	v.SetDefault("trading.retry.max_delay", "30s")
	v.SetDefault("trading.retry.exponential_base", 2.0)

	v.SetDefault("risk.stop_loss.enabled", true)
	v.SetDefault("risk.stop_loss.percentage", "2.0")
	v.SetDefault("risk.take_profit.enabled", true)
	v.SetDefault("risk.take_profit.percentage", "5.0")
	v.SetDefault("risk.take_profit.partial_close", false)
	v.SetDefault("risk.trailing_stop.enabled", true)
	v.SetDefault("risk.trailing_stop.trailing_percentage", "3.0")
	v.SetDefault("risk.trailing_stop.activation_percentage", "4.0")
	v.SetDefault("risk.exposure_limit.enabled", true)
	v.SetDefault("risk.exposure_limit.max_per_asset", "10000")
	v.SetDefault("risk.exposure_limit.max_total", "50000")
	v.SetDefault("risk.exposure_limit.base_currency", "USDT")
	v.SetDefault("risk.drawdown_control.enabled", true)
	v.SetDefault("risk.drawdown_control.max_drawdown_percentage", "10.0")
	v.SetDefault("risk.drawdown_control.enable_emergency_exit", true)
	v.SetDefault("risk.drawdown_control.emergency_exit_percentage", "15.0")
	v.SetDefault("risk.drawdown_control.pause_trading_on_breach", true)
	v.SetDefault("risk.drawdown_control.pause_duration_seconds", 0)
	v.SetDefault("risk.max_concurrent_trades.enabled", true)
	v.SetDefault("risk.max_concurrent_trades.max_trades", 5)
	v.SetDefault("risk.max_concurrent_trades.max_per_asset", 1)
	v.SetDefault("risk.emergency_only_mode", false)

	v.SetDefault("database.path", "data/crypto_bot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8686)

	v.SetDefault("scheduler.check_interval", "5s")

	v.SetDefault("security.master_key_env", "CRYPTOBOT_MASTER_KEY")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

// stringToDecimalHookFunc 将配置中的字符串或数值阈值解析为 decimal.Decimal，
// 保证风控阈值从进入系统起就是十进制精度。
func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("无法解析十进制数 %q: %w", value, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(value), nil
		case float32:
			return decimal.NewFromFloat32(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}

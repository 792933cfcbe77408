package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "yield"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 凭证类环境变量优先从工作目录下的 .env 文件加载。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

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
	v.SetDefault("app.mode", ModeBacktest)

	v.SetDefault("strategy.name", "rebalance")
	v.SetDefault("strategy.assets", []string{"BTC"})
	v.SetDefault("strategy.venues", map[string]string{"trade": "binance"})

	v.SetDefault("portfolio.base_currency", "USDT")

	v.SetDefault("venues.catalog_path", "configs/venues.yaml")

	v.SetDefault("execution.venue_timeout", "30s")
	v.SetDefault("execution.max_group_size", 8)

	v.SetDefault("reconcile.tolerance", 0.01)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.retry_delay", "5s")

	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("scheduler.loop_interval", "60s")

	v.SetDefault("feed.venue", "binance")
	v.SetDefault("feed.timeframe", "1m")
	v.SetDefault("feed.refresh_interval", "15s")

	v.SetDefault("backtest.prices_path", "configs/prices.yaml")
	v.SetDefault("backtest.step_interval", "60s")
	v.SetDefault("backtest.fee_rate", 0.001)

	v.SetDefault("database.path", "data/yield_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.listen_addr", ":8787")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 运行模式。
const (
	ModeLive     = "live"
	ModeBacktest = "backtest"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
}

// IsBacktest 判断当前是否为回测模式。
func (a AppConfig) IsBacktest() bool {
	return strings.EqualFold(a.Mode, ModeBacktest)
}

// StrategyConfig 描述策略实例及其参数。
// Venues 把策略角色映射到场所目录中的名字,如 trade/pool/funding。
type StrategyConfig struct {
	Name   string             `mapstructure:"name"`
	Assets []string           `mapstructure:"assets"`
	Venues map[string]string  `mapstructure:"venues"`
	Params map[string]float64 `mapstructure:"params"`
}

// PortfolioConfig 描述组合基础信息与回测初始资金。
type PortfolioConfig struct {
	BaseCurrency    string                        `mapstructure:"base_currency"`
	InitialBalances map[string]map[string]float64 `mapstructure:"initial_balances"`
}

// VenuesConfig 指向场所目录文件。
type VenuesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// ExecutionConfig 控制指令下发行为。
type ExecutionConfig struct {
	VenueTimeout time.Duration `mapstructure:"venue_timeout"`
	MaxGroupSize int           `mapstructure:"max_group_size"`
}

// ReconcileConfig 控制对账容差与实盘重试机制。
type ReconcileConfig struct {
	Tolerance   float64       `mapstructure:"tolerance"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// RiskConfig 控制风控日内止损参数。
type RiskConfig struct {
	MaxDailyLoss   float64 `mapstructure:"max_daily_loss"`
	DailyResetHour int     `mapstructure:"daily_reset_hour"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// FeedConfig 控制实盘参考价拉取。
// 回测模式下价格来自回放文件,本节不生效。
type FeedConfig struct {
	Venue           string        `mapstructure:"venue"`
	Timeframe       string        `mapstructure:"timeframe"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// BacktestConfig 控制回测回放参数。
type BacktestConfig struct {
	PricesPath   string        `mapstructure:"prices_path"`
	StepInterval time.Duration `mapstructure:"step_interval"`
	FeeRate      float64       `mapstructure:"fee_rate"`
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

// MonitorConfig 控制只读观测端口。
type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch strings.ToLower(c.App.Mode) {
	case ModeLive, ModeBacktest:
	default:
		err = multierr.Append(err, fmt.Errorf("app.mode 必须为 %s 或 %s", ModeLive, ModeBacktest))
	}
	if c.Strategy.Name == "" {
		err = multierr.Append(err, errors.New("strategy.name 不能为空"))
	}
	if len(c.Strategy.Assets) == 0 {
		err = multierr.Append(err, errors.New("strategy.assets 至少包含一个资产"))
	}
	if len(c.Strategy.Venues) == 0 {
		err = multierr.Append(err, errors.New("strategy.venues 至少包含一个角色映射"))
	}
	if c.Portfolio.BaseCurrency == "" {
		err = multierr.Append(err, errors.New("portfolio.base_currency 不能为空"))
	}
	if c.App.IsBacktest() && len(c.Portfolio.InitialBalances) == 0 {
		err = multierr.Append(err, errors.New("回测模式需要配置 portfolio.initial_balances"))
	}
	if c.Venues.CatalogPath == "" {
		err = multierr.Append(err, errors.New("venues.catalog_path 不能为空"))
	}
	if c.Execution.VenueTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.venue_timeout 必须大于0"))
	}
	if c.Execution.MaxGroupSize <= 0 {
		err = multierr.Append(err, errors.New("execution.max_group_size 必须大于0"))
	}
	if c.Reconcile.Tolerance < 0 || c.Reconcile.Tolerance >= 1 {
		err = multierr.Append(err, errors.New("reconcile.tolerance 必须位于[0,1)"))
	}
	if c.Reconcile.MaxAttempts < 1 {
		err = multierr.Append(err, errors.New("reconcile.max_attempts 必须大于等于1"))
	}
	if c.Reconcile.RetryDelay <= 0 {
		err = multierr.Append(err, errors.New("reconcile.retry_delay 必须大于0"))
	}
	if c.Risk.MaxDailyLoss < 0 || c.Risk.MaxDailyLoss >= 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于[0,1)"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if !c.App.IsBacktest() {
		if c.Feed.Venue == "" {
			err = multierr.Append(err, errors.New("实盘模式需要配置 feed.venue"))
		}
		if c.Feed.Timeframe == "" {
			err = multierr.Append(err, errors.New("feed.timeframe 不能为空"))
		}
		if c.Feed.RefreshInterval <= 0 {
			err = multierr.Append(err, errors.New("feed.refresh_interval 必须大于0"))
		}
	}
	if c.App.IsBacktest() {
		if c.Backtest.PricesPath == "" {
			err = multierr.Append(err, errors.New("回测模式需要配置 backtest.prices_path"))
		}
		if c.Backtest.StepInterval <= 0 {
			err = multierr.Append(err, errors.New("backtest.step_interval 必须大于0"))
		}
		if c.Backtest.FeeRate < 0 || c.Backtest.FeeRate > 0.05 {
			err = multierr.Append(err, errors.New("backtest.fee_rate 应位于[0,0.05]"))
		}
	}
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
	if c.Monitor.Enabled && c.Monitor.ListenAddr == "" {
		err = multierr.Append(err, errors.New("monitor.listen_addr 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

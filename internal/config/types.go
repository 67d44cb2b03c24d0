package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config 聚合了中继服务运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Swap       SwapConfig       `mapstructure:"swap"`
	Lending    LendingConfig    `mapstructure:"lending"`
	Relayer    RelayerConfig    `mapstructure:"relayer"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tokens     []TokenConfig    `mapstructure:"tokens"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// IsLocal 判断是否运行在本地/开发环境，此时 cron 接口不校验密钥。
func (a AppConfig) IsLocal() bool {
	switch strings.ToLower(a.Environment) {
	case "development", "dev", "local", "test":
		return true
	default:
		return false
	}
}

// ServerConfig 描述 HTTP 服务。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChainConfig 描述链上连接与结算合约。
type ChainConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ChainID           int64         `mapstructure:"chain_id"`
	PrivateKey        string        `mapstructure:"private_key"`
	SettlementAddress string        `mapstructure:"settlement_address"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SwapConfig 控制填单时的兑换路由。
type SwapConfig struct {
	RouterAddress string        `mapstructure:"router_address"`
	FeeTier       uint32        `mapstructure:"fee_tier"`
	Deadline      time.Duration `mapstructure:"deadline"`
}

// LendingConfig 描述扩展数据中的借贷操作参数。
type LendingConfig struct {
	PoolAddress      string `mapstructure:"pool_address"`
	LenderID         uint16 `mapstructure:"lender_id"`
	InterestRateMode uint8  `mapstructure:"interest_rate_mode"`
}

// RelayerConfig 描述中继身份与接口鉴权。
type RelayerConfig struct {
	AllowedSender string `mapstructure:"allowed_sender"`
	CronSecret    string `mapstructure:"cron_secret"`
}

// SchedulerConfig 控制批处理节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	DailyAt      string        `mapstructure:"daily_at"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxBatches   int           `mapstructure:"max_batches"`
	BatchDelay   time.Duration `mapstructure:"batch_delay"`
	FillDelay    time.Duration `mapstructure:"fill_delay"`
}

// DispatcherConfig 控制下单后的异步首次填单。
type DispatcherConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
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

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// TokenConfig 描述一个用于展示金额的代币。
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.Chain.RPCURL == "" {
		err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
	}
	if c.Chain.PrivateKey == "" {
		err = multierr.Append(err, errors.New("chain.private_key 不能为空"))
	}
	if !hexAddressPattern.MatchString(c.Chain.SettlementAddress) {
		err = multierr.Append(err, fmt.Errorf("chain.settlement_address 不是合法地址: %q", c.Chain.SettlementAddress))
	}
	if c.Chain.GasLimit == 0 {
		err = multierr.Append(err, errors.New("chain.gas_limit 必须大于0"))
	}
	if c.Chain.ConfirmTimeout < 0 {
		err = multierr.Append(err, errors.New("chain.confirm_timeout 不能为负"))
	}
	if c.Chain.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("chain.retry.max_attempts 必须大于0"))
	}
	if c.Chain.Retry.MinDelay > c.Chain.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("chain.retry.min_delay 不能大于 max_delay"))
	}
	if !hexAddressPattern.MatchString(c.Swap.RouterAddress) {
		err = multierr.Append(err, fmt.Errorf("swap.router_address 不是合法地址: %q", c.Swap.RouterAddress))
	}
	if c.Swap.FeeTier == 0 || c.Swap.FeeTier >= 1<<24 {
		err = multierr.Append(err, errors.New("swap.fee_tier 必须位于(0,2^24)"))
	}
	if c.Swap.Deadline <= 0 {
		err = multierr.Append(err, errors.New("swap.deadline 必须大于0"))
	}
	if !hexAddressPattern.MatchString(c.Lending.PoolAddress) {
		err = multierr.Append(err, fmt.Errorf("lending.pool_address 不是合法地址: %q", c.Lending.PoolAddress))
	}
	if c.Relayer.AllowedSender != "" && !hexAddressPattern.MatchString(c.Relayer.AllowedSender) {
		err = multierr.Append(err, fmt.Errorf("relayer.allowed_sender 不是合法地址: %q", c.Relayer.AllowedSender))
	}
	if !c.App.IsLocal() && c.Relayer.CronSecret == "" {
		err = multierr.Append(err, errors.New("非本地环境必须配置 relayer.cron_secret"))
	}
	if c.Scheduler.LoopInterval < 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 不能为负"))
	}
	if c.Scheduler.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("scheduler.batch_size 必须大于0"))
	}
	if c.Scheduler.MaxBatches <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_batches 必须大于0"))
	}
	if c.Scheduler.BatchDelay < 0 || c.Scheduler.FillDelay < 0 {
		err = multierr.Append(err, errors.New("scheduler 延迟不能为负"))
	}
	if c.Scheduler.DailyAt != "" {
		if _, parseErr := time.Parse("15:04", c.Scheduler.DailyAt); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduler.daily_at 应为 HH:MM 格式: %q", c.Scheduler.DailyAt))
		}
	}
	if c.Dispatcher.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.queue_size 必须大于0"))
	}
	if c.Dispatcher.Workers <= 0 {
		err = multierr.Append(err, errors.New("dispatcher.workers 必须大于0"))
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
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	for i, token := range c.Tokens {
		if !hexAddressPattern.MatchString(token.Address) {
			err = multierr.Append(err, fmt.Errorf("tokens[%d].address 不是合法地址: %q", i, token.Address))
		}
		if token.Decimals < 0 || token.Decimals > 36 {
			err = multierr.Append(err, fmt.Errorf("tokens[%d].decimals 超出范围", i))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

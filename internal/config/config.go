package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "relayer"
)

// Load 读取配置文件并结合 .env 与环境变量返回校验后的 Config。
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read 与 Load 相同但不做完整校验，供只需要部分配置的离线工具使用。
func Read(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

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
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	return &cfg, nil
}

// .env 缺失不视为错误，已存在的环境变量优先。
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("chain.rpc_url", "https://arb1.arbitrum.io/rpc")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.settlement_address", "")
	v.SetDefault("chain.gas_limit", 1000000)
	v.SetDefault("chain.confirm_timeout", "0s")
	v.SetDefault("chain.retry.max_attempts", 5)
	v.SetDefault("chain.retry.min_delay", "500ms")
	v.SetDefault("chain.retry.max_delay", "5s")

	v.SetDefault("swap.router_address", "0xE592427A0AEce92De3Edee1F18E0157C05861564")
	v.SetDefault("swap.fee_tier", 3000)
	v.SetDefault("swap.deadline", "30m")

	v.SetDefault("lending.pool_address", "0x794a61358D6845594F94dc1DB02A252b5b4814aD")
	v.SetDefault("lending.lender_id", 0)
	v.SetDefault("lending.interest_rate_mode", 2)

	v.SetDefault("relayer.allowed_sender", "")
	v.SetDefault("relayer.cron_secret", "")

	v.SetDefault("scheduler.loop_interval", "10m")
	v.SetDefault("scheduler.daily_at", "")
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.max_batches", 5)
	v.SetDefault("scheduler.batch_delay", "2s")
	v.SetDefault("scheduler.fill_delay", "1s")

	v.SetDefault("dispatcher.queue_size", 256)
	v.SetDefault("dispatcher.workers", 1)

	v.SetDefault("database.path", "data/relayer.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "relayer")
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
